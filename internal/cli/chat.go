// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/baissd/internal/config"
	"github.com/jeranaias/baissd/internal/relay"
	"github.com/jeranaias/baissd/internal/server"
)

// =============================================================================
// INPUT
// =============================================================================

// lineReader reads one line of user input.
type lineReader interface {
	ReadInput(prompt string) (string, error)
	Close()
}

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a new ChatCLI with input history support.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}
	c := &ChatCLI{line: line, historyFile: filepath.Join(configDir, "chat_history")}
	c.LoadHistory()
	return c
}

// LoadHistory loads command history from file.
func (c *ChatCLI) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		_, _ = c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists command history to file (0600).
func (c *ChatCLI) SaveHistory() {
	if err := config.EnsureConfigDir(); err != nil {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = c.line.WriteHistory(f)
}

// Close saves history and closes the liner.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

// pipeReader reads lines from a non-terminal stdin.
type pipeReader struct {
	sc *bufio.Scanner
}

func (p *pipeReader) ReadInput(string) (string, error) {
	if !p.sc.Scan() {
		if err := p.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return p.sc.Text(), nil
}

func (p *pipeReader) Close() {}

// =============================================================================
// SESSION
// =============================================================================

// chatSession is the state of one interactive chat.
type chatSession struct {
	client *Client
	out    io.Writer
	raw    bool
	paths  []string

	// conversationID is set by the first answer and reused after.
	conversationID string
	lastPaths      []relay.PathScore
	turns          int

	mu     sync.Mutex
	cancel context.CancelFunc
}

const chatHelp = `Commands:
  /new              start a new conversation
  /sources          show the sources of the last answer
  /path <dir>       restrict retrieval to a folder (repeatable)
  /paths            list or clear (/paths clear) retrieval folders
  /id               print the conversation ID
  /help             show this help
  /quit             exit`

// handleCommand runs a slash command. It returns false when the chat
// should end.
func (s *chatSession) handleCommand(input string) bool {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit", "/exit", "/q":
		return false
	case "/new":
		s.conversationID = ""
		s.lastPaths = nil
		fmt.Fprintln(s.out, DimStyle.Render("Started a new conversation."))
	case "/sources":
		if len(s.lastPaths) == 0 {
			fmt.Fprintln(s.out, DimStyle.Render("No sources for the last answer."))
		}
		printSources(s.out, s.lastPaths)
	case "/path":
		if len(fields) < 2 {
			fmt.Fprintln(s.out, ErrorStyle.Render("usage: /path <dir>"))
			break
		}
		s.paths = append(s.paths, strings.Join(fields[1:], " "))
	case "/paths":
		if len(fields) > 1 && fields[1] == "clear" {
			s.paths = nil
		}
		if len(s.paths) == 0 {
			fmt.Fprintln(s.out, DimStyle.Render("Retrieval is not restricted."))
		}
		for _, p := range s.paths {
			fmt.Fprintln(s.out, "  "+p)
		}
	case "/id":
		if s.conversationID == "" {
			fmt.Fprintln(s.out, DimStyle.Render("No conversation yet."))
		} else {
			fmt.Fprintln(s.out, s.conversationID)
		}
	case "/help", "/?":
		fmt.Fprintln(s.out, chatHelp)
	default:
		fmt.Fprintln(s.out, ErrorStyle.Render("Unknown command "+fields[0]+" (try /help)"))
	}
	return true
}

// send streams one answer. Interrupt cancels it without leaving the chat.
func (s *chatSession) send(ctx context.Context, message string) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}()

	aw := newAnswerWriter(s.out, s.raw)
	res, err := s.client.Chat(ctx, server.ChatRequest{
		Message:        message,
		Paths:          s.paths,
		ConversationID: s.conversationID,
	}, aw.delta)
	aw.finish()
	if res != nil && res.ConversationID != "" {
		s.conversationID = res.ConversationID
	}
	if err != nil {
		return err
	}
	s.turns++
	s.lastPaths = res.Paths
	if len(res.Paths) > 0 && !s.raw {
		fmt.Fprintln(s.out, DimStyle.Render(fmt.Sprintf("%d sources (/sources to list)", len(res.Paths))))
	}
	return nil
}

// interrupt cancels the answer in flight and reports whether there was one.
func (s *chatSession) interrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	s.cancel = nil
	return true
}

// run is the read-eval loop.
func (s *chatSession) run(ctx context.Context, in lineReader) error {
	prompt := PromptStyle.Render("baiss> ")
	for {
		input, err := in.ReadInput(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out)
				return nil
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if !s.handleCommand(input) {
				return nil
			}
			continue
		}

		if err := s.send(ctx, input); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch {
			case errors.Is(err, ErrDaemonNotRunning):
				return err
			case errors.Is(err, context.Canceled):
				// interrupted; the notice was already printed
			default:
				fmt.Fprintln(s.out, ErrorStyle.Render("Error: "+err.Error()))
			}
		}
	}
}

// =============================================================================
// CHAT COMMAND
// =============================================================================

func newChatCmd(a *app) *cobra.Command {
	var (
		paths          []string
		conversationID string
		raw            bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat through the running daemon",
		Example: `  baissd chat
  baissd chat --path ~/notes --conversation conv_1234`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := &chatSession{
				client:         a.client(),
				out:            cmd.OutOrStdout(),
				raw:            raw,
				paths:          paths,
				conversationID: conversationID,
			}

			var in lineReader
			if cmd.InOrStdin() == os.Stdin && IsTTY() {
				in = NewChatCLI()
				fmt.Fprintln(s.out, TitleStyle.Render("baissd chat")+DimStyle.Render("  /help for commands, Ctrl+D to exit"))
			} else {
				in = &pipeReader{sc: bufio.NewScanner(cmd.InOrStdin())}
			}
			defer in.Close()

			// Ctrl+C while an answer streams cancels only that answer.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt)
			defer signal.Stop(sigCh)
			done := make(chan struct{})
			defer close(done)
			go func() {
				for {
					select {
					case <-sigCh:
						if s.interrupt() {
							fmt.Fprintln(cmd.ErrOrStderr(), "\n"+WarningStyle.Render("[Cancelled]"))
						}
					case <-done:
						return
					}
				}
			}()

			err := s.run(cmd.Context(), in)
			if s.turns > 0 && s.conversationID != "" {
				fmt.Fprintln(s.out, DimStyle.Render("Conversation "+s.conversationID))
			}
			return err
		},
	}
	cmd.Flags().StringSliceVarP(&paths, "path", "p", nil, "restrict retrieval to these files or folders")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "continue a stored conversation")
	cmd.Flags().BoolVar(&raw, "raw", false, "print answers without markdown rendering")
	return cmd
}
