// Package app assembles the bridge from configuration: NATS, the thread store, the
// token broker and solver, the outbound transport, and every configured model behind
// one dispatcher. Both the API server and the CLI start from here.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-bridge/internal/auth"
	"github.com/capitalize-ai/conversation-bridge/internal/bot"
	"github.com/capitalize-ai/conversation-bridge/internal/config"
	"github.com/capitalize-ai/conversation-bridge/internal/llm"
	natsclient "github.com/capitalize-ai/conversation-bridge/internal/nats"
	"github.com/capitalize-ai/conversation-bridge/internal/pow"
	"github.com/capitalize-ai/conversation-bridge/internal/store"
	"github.com/capitalize-ai/conversation-bridge/internal/transport"
	"github.com/capitalize-ai/conversation-bridge/pkg/logger"
)

// App owns the long-lived collaborators.
type App struct {
	Dispatcher *bot.Dispatcher
	// NATS is nil when no NATS URL is configured.
	NATS *natsclient.Client
	// Events is nil unless status events are published.
	Events *natsclient.EventStream

	kv     store.KV
	logger *logger.Logger
}

// New connects every configured collaborator and registers cfg.Models.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	log = logger.OrNop(log)
	a := &App{logger: log}

	if cfg.NATSEnabled() {
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		a.NATS = nc
	}

	kv, err := a.openStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.kv = kv

	deps := bot.Deps{
		Threads: store.NewThreadStore(kv, log),
		Tokens:  auth.NewCache(kv, log),
		Broker:  a.broker(cfg),
		Solver:  a.solver(cfg),
		HTTP: transport.New(
			transport.WithLogger(log),
			transport.WithRateLimit(cfg.OutboundRPS, cfg.OutboundBurst),
		),
		Logger: log,
	}

	if cfg.PublishEvents {
		events := natsclient.NewEventStream(a.NATS)
		if err := events.EnsureStream(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("ensuring event stream: %w", err)
		}
		a.Events = events
		deps.Publisher = events
	}

	a.Dispatcher = bot.NewDispatcher(log)
	for _, name := range cfg.Models {
		m, err := BuildModel(ctx, name, cfg, deps)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("building model %s: %w", name, err)
		}
		a.Dispatcher.Register(m)
	}
	log.Info("bridge assembled",
		zap.Strings("models", cfg.Models),
		zap.String("store", cfg.StoreBackend),
		zap.String("broker", cfg.BrokerKind),
		zap.Bool("nats", a.NATS != nil),
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg *config.Config) (store.KV, error) {
	if store.Backend(cfg.StoreBackend) == store.BackendNATS {
		kv, err := natsclient.OpenKV(ctx, a.NATS, cfg.NATSBucket)
		if err != nil {
			return nil, fmt.Errorf("opening NATS bucket: %w", err)
		}
		return kv, nil
	}
	kv, err := store.Open(ctx, store.Options{
		Backend:  store.Backend(cfg.StoreBackend),
		Path:     cfg.StorePath,
		Addr:     cfg.StoreAddr,
		Password: cfg.StorePassword,
		DB:       cfg.StoreDB,
	})
	if err != nil {
		return nil, fmt.Errorf("opening thread store: %w", err)
	}
	return kv, nil
}

func (a *App) broker(cfg *config.Config) auth.Broker {
	static := auth.NewStaticBroker(cfg.StaticTokens)
	switch cfg.BrokerKind {
	case config.BrokerNATS:
		return natsclient.NewBroker(a.NATS.Conn())
	case config.BrokerChain:
		return auth.Chain{static, natsclient.NewBroker(a.NATS.Conn())}
	default:
		return static
	}
}

func (a *App) solver(cfg *config.Config) pow.Solver {
	if cfg.SolverRemote {
		return natsclient.NewSolver(a.NATS.Conn())
	}
	return pow.Unavailable
}

// Close releases the store and the NATS connection.
func (a *App) Close() {
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.logger.Warn("closing thread store", zap.Error(err))
		}
	}
	if a.NATS != nil {
		a.NATS.Close()
	}
}

// BuildModel constructs the backend registered under name.
func BuildModel(ctx context.Context, name string, cfg *config.Config, deps bot.Deps) (bot.Model, error) {
	o := cfg.Backend(name)
	switch name {
	case bot.ChatGPTName:
		return bot.NewChatGPT(ctx, deps, bot.ChatGPTConfig{BaseURL: o.BaseURL, Model: o.Model})
	case bot.DeepSeekName:
		return bot.NewDeepSeek(ctx, deps, bot.DeepSeekConfig{BaseURL: o.BaseURL})
	case bot.ClaudeWebName:
		return bot.NewClaudeWeb(ctx, deps, bot.ClaudeWebConfig{BaseURL: o.BaseURL})
	case bot.CopilotName:
		return bot.NewCopilot(ctx, deps, bot.CopilotConfig{
			BaseURL:      o.BaseURL,
			ChatURL:      o.ChatURL,
			OpenTimeout:  cfg.WSOpenTimeout,
			GraceTimeout: cfg.WSGraceTimeout,
		})
	case bot.GeminiName:
		return bot.NewGemini(ctx, deps, bot.GeminiConfig{BaseURL: o.BaseURL, UploadURL: o.UploadURL})
	case bot.OpenAIAPIName:
		return bot.NewOpenAIAPI(ctx, deps, bot.APIConfig{
			Options: llm.Options{
				APIKey:  cfg.OpenAIAPIKey,
				BaseURL: firstNonEmpty(o.BaseURL, cfg.OpenAIBaseURL),
				Model:   firstNonEmpty(o.Model, cfg.OpenAIModel),
			},
			MaxTokens: cfg.MaxTokens,
		})
	case bot.ClaudeAPIName:
		return bot.NewClaudeAPI(ctx, deps, bot.APIConfig{
			Options: llm.Options{
				APIKey:  cfg.AnthropicAPIKey,
				BaseURL: o.BaseURL,
				Model:   firstNonEmpty(o.Model, cfg.AnthropicModel),
			},
			MaxTokens: cfg.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("unknown model %q", name)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
