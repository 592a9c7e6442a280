// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/jeranaias/baissd/internal/relay"
	"github.com/jeranaias/baissd/internal/server"
	"github.com/jeranaias/baissd/internal/util"
)

// =============================================================================
// MARKDOWN RENDERING
// =============================================================================

var (
	markdownRenderer     *glamour.TermRenderer
	markdownRendererOnce sync.Once
)

// renderMarkdown renders markdown content for terminal display.
// Returns the original content if rendering fails or renderer is unavailable.
func renderMarkdown(content string) string {
	markdownRendererOnce.Do(func() {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(GetTerminalWidth()-4),
		)
		if err == nil {
			markdownRenderer = r
		}
	})
	if markdownRenderer == nil {
		return content
	}
	rendered, err := markdownRenderer.Render(content)
	if err != nil {
		return content
	}
	return rendered
}

// answerWriter prints an answer. On a terminal the answer is collected and
// rendered as markdown once complete; otherwise deltas are written as they
// arrive so pipes see output immediately.
type answerWriter struct {
	w      io.Writer
	render bool
	buf    strings.Builder
}

func newAnswerWriter(w io.Writer, raw bool) *answerWriter {
	return &answerWriter{w: w, render: !raw && isTerminal(w) && ColorsEnabled()}
}

func (aw *answerWriter) delta(text string) {
	if aw.render {
		aw.buf.WriteString(text)
		return
	}
	fmt.Fprint(aw.w, text)
}

func (aw *answerWriter) finish() {
	if aw.render {
		fmt.Fprint(aw.w, renderMarkdown(aw.buf.String()))
		return
	}
	fmt.Fprintln(aw.w)
}

// printSources lists retrieval sources under an answer.
func printSources(w io.Writer, paths []relay.PathScore) {
	if len(paths) == 0 {
		return
	}
	fmt.Fprintln(w, SectionStyle.Render("Sources"))
	for _, p := range paths {
		fmt.Fprintf(w, "  %s %s\n",
			DimStyle.Render(fmt.Sprintf("%.2f", p.Score)),
			util.TruncateLeftWidth(p.Path, GetTerminalWidth()-10))
	}
}

// =============================================================================
// ASK COMMAND
// =============================================================================

func newAskCmd(a *app) *cobra.Command {
	var (
		paths          []string
		conversationID string
		raw            bool
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask one question through the running daemon",
		Example: `  baissd ask "What changed in the Q3 report?"
  baissd ask --path ~/Documents/reports "Summarize the budget"
  echo "hello" | baissd ask --raw -`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			if question == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				question = string(data)
			}
			question = strings.TrimSpace(question)
			if question == "" {
				return fmt.Errorf("question is empty")
			}

			out := cmd.OutOrStdout()
			req := server.ChatRequest{Message: question, Paths: paths, ConversationID: conversationID}

			if a.jsonOut {
				res, err := a.client().Chat(cmd.Context(), req, nil)
				if err != nil {
					return err
				}
				return outputJSON(out, res)
			}

			aw := newAnswerWriter(out, raw)
			res, err := a.client().Chat(cmd.Context(), req, aw.delta)
			aw.finish()
			if err != nil {
				return err
			}
			if !raw {
				printSources(out, res.Paths)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&paths, "path", "p", nil, "restrict retrieval to these files or folders")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "continue a stored conversation")
	cmd.Flags().BoolVar(&raw, "raw", false, "print the answer without markdown rendering or sources")
	return cmd
}
