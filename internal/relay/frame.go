// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// WIRE SHAPES
// =============================================================================

// Two frame shapes arrive on the chat socket.
//
// Direct:
//
//	{"success":true,"error":null,"response":{"choices":[{"messages":[{"content":[{"type":"text","text":"Hel"}]}]}]}}
//
// Wrapped:
//
//	{"success":true,"message":"...","data":{"chunks":[{"success":true,"response":{...}}]}}
//
// Control frames are {"event":"end"}, {"event":"error","error":"..."} and the
// per-round {"status":200,"success":true,"done":true}, which is not terminal.
type wireFrame struct {
	Event    string          `json:"event"`
	Success  *bool           `json:"success"`
	Status   int             `json:"status"`
	Message  string          `json:"message"`
	Error    json.RawMessage `json:"error"`
	Done     bool            `json:"done"`
	Response *wireResponse   `json:"response"`
	Data     *wireData       `json:"data"`
}

type wireData struct {
	Chunks []wireChunk `json:"chunks"`
}

type wireChunk struct {
	Success  bool          `json:"success"`
	Response *wireResponse `json:"response"`
}

type wireResponse struct {
	Choices             []wireChoice    `json:"choices"`
	CodeExecutionStatus *bool           `json:"code_execution_status"`
	Error               json.RawMessage `json:"error"`
}

type wireChoice struct {
	Messages []wireMessage `json:"messages"`
	Delta    *wireMessage  `json:"delta"`
	Paths    []PathScore   `json:"paths"`
}

type wireMessage struct {
	Content []wireContent `json:"content"`
}

type wireContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// errorText renders a JSON error field that may be null, a string or an
// object.
func errorText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// =============================================================================
// DECODING
// =============================================================================

// decoded is what one frame contributes to a stream.
type decoded struct {
	// events are non-terminal, in delivery order.
	events []ChunkEvent
	// terminal is set when the frame ends the stream.
	terminal *ChunkEvent
}

// decodeFrame turns one socket message into events. Within a frame the
// order is CodeExecStatus, then TextDeltas, then one PathScores per
// non-empty paths array. A frame that is not JSON returns ErrProtocolDecode.
func decodeFrame(data []byte, legacyCompletion bool) (decoded, error) {
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return decoded{}, fmt.Errorf("%w: %v", ErrProtocolDecode, err)
	}

	var out decoded
	switch strings.ToLower(f.Event) {
	case "end":
		ev := Completed()
		out.terminal = &ev
		return out, nil
	case "error":
		msg := errorText(f.Error)
		if msg == "" {
			msg = f.Message
		}
		ev := Failed(streamError("server error: %s", msg))
		out.terminal = &ev
		return out, nil
	}

	success := f.Success == nil || *f.Success

	if f.Response != nil {
		if success {
			out.events = append(out.events, responseEvents(f.Response)...)
		} else if ev, ok := codeExecEvent(f.Response); ok {
			out.events = append(out.events, ev)
		}
	}

	if f.Data != nil {
		for _, chunk := range f.Data.Chunks {
			if chunk.Success && chunk.Response != nil {
				out.events = append(out.events, responseEvents(chunk.Response)...)
			}
		}
	}

	if !success {
		if legacyCompletion && f.Data != nil && strings.Contains(strings.ToLower(f.Message), "complete") {
			ev := Completed()
			out.terminal = &ev
			return out, nil
		}
		// An error report with nothing else in it ends the stream.
		if f.Response == nil && f.Data == nil {
			if msg := errorText(f.Error); msg != "" {
				ev := Failed(streamError("server error: %s", msg))
				out.terminal = &ev
			}
		}
	}

	return out, nil
}

func codeExecEvent(r *wireResponse) (ChunkEvent, bool) {
	if r.CodeExecutionStatus == nil {
		return ChunkEvent{}, false
	}
	return CodeExecStatus(*r.CodeExecutionStatus, errorText(r.Error)), true
}

func responseEvents(r *wireResponse) []ChunkEvent {
	var (
		events []ChunkEvent
		texts  []ChunkEvent
		paths  []ChunkEvent
	)
	if ev, ok := codeExecEvent(r); ok {
		events = append(events, ev)
	}

	for _, choice := range r.Choices {
		msgs := choice.Messages
		if len(msgs) == 0 && choice.Delta != nil {
			msgs = []wireMessage{*choice.Delta}
		}
		for _, m := range msgs {
			for _, c := range m.Content {
				if c.Type == "text" && c.Text != "" {
					texts = append(texts, TextDelta(c.Text))
				}
			}
		}

		var scored []PathScore
		for _, p := range choice.Paths {
			if p.Path != "" {
				scored = append(scored, p)
			}
		}
		if len(scored) > 0 {
			paths = append(paths, PathScores(scored))
		}
	}

	events = append(events, texts...)
	return append(events, paths...)
}
