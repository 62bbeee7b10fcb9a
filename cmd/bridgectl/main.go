// Command bridgectl talks to the configured conversation backends from a terminal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/conversation-bridge/internal/app"
	"github.com/capitalize-ai/conversation-bridge/internal/bot"
	"github.com/capitalize-ai/conversation-bridge/internal/config"
	"github.com/capitalize-ai/conversation-bridge/pkg/logger"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli holds what the subcommands share once the root has opened the bridge.
type cli struct {
	model    string
	logLevel string
	bridge   *app.App
	log      *logger.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "bridgectl",
		Short: "Chat with web and API conversation backends through one interface",
		Long: `bridgectl runs the conversation models in-process, against the same thread
store and token sources the API server uses.`,
		Version:           fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:      true,
		PersistentPreRunE: c.open,
		PersistentPostRun: func(*cobra.Command, []string) { c.close() },
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVarP(&c.model, "model", "m", bot.DeepSeekName, "model to talk to")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "log level")

	root.AddCommand(c.chatCmd(), c.threadsCmd(), c.showCmd(), c.deleteCmd())
	return root
}

// open loads configuration and builds only the selected model.
func (c *cli) open(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.Models = []string{c.model}

	log, err := logger.New(c.logLevel)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	c.log = log

	bridge, err := app.New(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	c.bridge = bridge
	return nil
}

func (c *cli) close() {
	if c.bridge != nil {
		c.bridge.Close()
	}
	if c.log != nil {
		_ = c.log.Sync()
	}
}

func (c *cli) current() (bot.Model, error) {
	return c.bridge.Dispatcher.Get(c.model)
}
