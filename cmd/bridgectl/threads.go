package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/conversation-bridge/internal/bot"
)

func (c *cli) threadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "threads",
		Short: "List the stored threads of a model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := c.current()
			if err != nil {
				return err
			}
			return listThreads(cmd.Context(), cmd.OutOrStdout(), m)
		},
	}
}

func (c *cli) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [thread-id]",
		Short: "Print the messages of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := c.current()
			if err != nil {
				return err
			}
			threads, err := m.AllThreads(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, th := range threads {
				if th.ID != args[0] {
					continue
				}
				fmt.Fprintf(out, "# %s\n\n", th.Title)
				for _, msg := range th.Messages {
					fmt.Fprintf(out, "[%s] %s\n\n", msg.Role, msg.Content)
				}
				return nil
			}
			return fmt.Errorf("thread %s not found", args[0])
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [thread-id]",
		Short: "Delete a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "" {
				return errors.New("thread id is required")
			}
			m, err := c.current()
			if err != nil {
				return err
			}
			if err := m.DeleteThread(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func listThreads(ctx context.Context, out io.Writer, m bot.Model) error {
	threads, err := m.AllThreads(ctx)
	if err != nil {
		return err
	}
	if len(threads) == 0 {
		fmt.Fprintf(out, "no threads for %s\n", m.Name())
		return nil
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i].UpdatedAt > threads[j].UpdatedAt })

	current := ""
	if th := m.CurrentThread(); th != nil {
		current = th.ID
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\tID\tTITLE\tMESSAGES\tUPDATED")
	for _, th := range threads {
		marker := ""
		if th.ID == current {
			marker = "*"
		}
		updated := time.UnixMilli(th.UpdatedAt).Format(time.DateTime)
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", marker, th.ID, th.Title, len(th.Messages), updated)
	}
	return w.Flush()
}
