package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/capitalize-ai/conversation-bridge/internal/bot"
)

func (c *cli) chatCmd() *cobra.Command {
	var threadID, mode, prompt string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat, or send one prompt with --prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := c.current()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if threadID != "" {
				if err := m.LoadThread(ctx, threadID); err != nil {
					return err
				}
			}
			if prompt != "" {
				return send(ctx, cmd.OutOrStdout(), m, prompt, mode)
			}
			return c.repl(ctx, cmd.OutOrStdout(), m, mode)
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "continue an existing thread")
	cmd.Flags().StringVar(&mode, "mode", "", "backend mode, e.g. reasoning or search")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "send one prompt and exit")
	return cmd
}

// send runs one exchange. Ctrl+C cancels the exchange, not the session.
func send(ctx context.Context, out io.Writer, m bot.Model, prompt, mode string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	r := newRenderer(out)
	_, err := bot.SendMessage(ctx, m, prompt, bot.WithMode(mode), bot.WithEventHandler(r.handle))
	r.finish()
	if ctx.Err() != nil {
		fmt.Fprintln(out, "[canceled]")
	}
	return err
}

func (c *cli) repl(ctx context.Context, out io.Writer, m bot.Model, mode string) error {
	homeDir, _ := os.UserHomeDir()
	historyFile := filepath.Join(homeDir, ".bridge", "history")
	_ = os.MkdirAll(filepath.Dir(historyFile), 0o755)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:       "you> ",
		HistoryFile:  historyFile,
		HistoryLimit: 1000,
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("/new"),
			readline.PcItem("/threads"),
			readline.PcItem("/load"),
			readline.PcItem("/mode"),
			readline.PcItem("/quit"),
		),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(out, "chatting with %s; /quit or Ctrl+D to exit\n", m.Name())
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		} else if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "/"):
			quit, err := slash(ctx, out, m, &mode, line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		default:
			if err := send(ctx, out, m, line, mode); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

// slash runs a REPL command and reports whether the session should end.
func slash(ctx context.Context, out io.Writer, m bot.Model, mode *string, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		if err := m.InitNewThread(ctx); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "new thread %s\n", m.CurrentThread().ID)
	case "/threads":
		return false, listThreads(ctx, out, m)
	case "/load":
		if arg == "" {
			return false, errors.New("usage: /load <thread-id>")
		}
		if err := m.LoadThread(ctx, arg); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "loaded %s\n", arg)
	case "/mode":
		*mode = arg
		fmt.Fprintf(out, "mode %q\n", arg)
	default:
		return false, fmt.Errorf("unknown command %s", name)
	}
	return false, nil
}
