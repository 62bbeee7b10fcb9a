// Package config provides environment configuration for the bridge server and CLI.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Broker kinds.
const (
	BrokerStatic = "static"
	BrokerNATS   = "nats"
	BrokerChain  = "chain"
)

// BackendOverride replaces a backend's endpoints, mostly for staging or mocks.
type BackendOverride struct {
	BaseURL   string `yaml:"base_url"`
	ChatURL   string `yaml:"chat_url"`
	UploadURL string `yaml:"upload_url"`
	Model     string `yaml:"model"`
}

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	CORSOrigins        []string

	// NATS settings
	NATSURL       string
	NATSCAFile    string
	NATSCertFile  string
	NATSKeyFile   string
	NATSToken     string
	NATSBucket    string
	PublishEvents bool

	// JWT settings
	JWTSecret    string
	AuthRequired bool

	// Thread store
	StoreBackend  string
	StorePath     string
	StoreAddr     string
	StorePassword string
	StoreDB       int

	// Session tokens and proof of work
	BrokerKind   string
	SolverRemote bool
	StaticTokens map[string]string

	// Backends
	Models         []string
	Backends       map[string]BackendOverride
	WSOpenTimeout  time.Duration
	WSGraceTimeout time.Duration
	OutboundRPS    float64
	OutboundBurst  int

	// LLM settings
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIModel     string
	OpenAIBaseURL   string
	MaxTokens       int

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// DefaultModels lists every backend in registration order.
var DefaultModels = []string{"chatgpt", "deepseek", "claude-web", "copilot", "gemini", "openai-api", "claude-api"}

// Load reads configuration from .env, the environment and the optional YAML file named
// by BRIDGE_CONFIG, in that order of increasing precedence for tokens and backends.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Minute),
		CORSOrigins:        getListEnv("CORS_ORIGINS", []string{"*"}),

		// NATS
		NATSURL:       getEnv("NATS_URL", ""),
		NATSCAFile:    getEnv("NATS_CA_FILE", ""),
		NATSCertFile:  getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:   getEnv("NATS_KEY_FILE", ""),
		NATSToken:     getEnv("NATS_TOKEN", ""),
		NATSBucket:    getEnv("NATS_BUCKET", "conversation_bridge"),
		PublishEvents: getBoolEnv("PUBLISH_EVENTS", false),

		// JWT
		JWTSecret:    getEnv("JWT_SECRET", "development-secret-change-in-production"),
		AuthRequired: getBoolEnv("AUTH_REQUIRED", false),

		// Store
		StoreBackend:  getEnv("STORE_BACKEND", "file"),
		StorePath:     getEnv("STORE_PATH", "./.bridge"),
		StoreAddr:     getEnv("STORE_ADDR", "localhost:6379"),
		StorePassword: getEnv("STORE_PASSWORD", ""),
		StoreDB:       getIntEnv("STORE_DB", 0),

		// Tokens
		BrokerKind:   getEnv("BROKER", BrokerStatic),
		SolverRemote: getBoolEnv("POW_SOLVER_REMOTE", false),
		StaticTokens: tokensFromEnv(),

		// Backends
		Models:         getListEnv("MODELS", DefaultModels),
		Backends:       map[string]BackendOverride{},
		WSOpenTimeout:  getDurationEnv("WS_OPEN_TIMEOUT", 10*time.Second),
		WSGraceTimeout: getDurationEnv("WS_GRACE_TIMEOUT", 3*time.Second),
		OutboundRPS:    getFloatEnv("OUTBOUND_RPS", 5),
		OutboundBurst:  getIntEnv("OUTBOUND_BURST", 10),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  getEnv("ANTHROPIC_MODEL", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:     getEnv("OPENAI_MODEL", ""),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", ""),
		MaxTokens:       getIntEnv("MAX_TOKENS", 4096),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}

	if path := os.Getenv("BRIDGE_CONFIG"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// fileConfig is the YAML overlay. ${VAR} references are expanded before parsing.
type fileConfig struct {
	Models   []string                   `yaml:"models"`
	Tokens   map[string]string          `yaml:"tokens"`
	Backends map[string]BackendOverride `yaml:"backends"`
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &fc); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	if len(fc.Models) > 0 {
		c.Models = fc.Models
	}
	for service, token := range fc.Tokens {
		c.StaticTokens[service] = token
	}
	for name, b := range fc.Backends {
		c.Backends[name] = b
	}
	return nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "memory", "file", "pebble", "sqlite", "redis", "nats":
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	switch c.BrokerKind {
	case BrokerStatic, BrokerNATS, BrokerChain:
	default:
		return fmt.Errorf("unknown broker %q", c.BrokerKind)
	}
	needsNATS := c.StoreBackend == "nats" || c.BrokerKind != BrokerStatic || c.SolverRemote || c.PublishEvents
	if needsNATS && c.NATSURL == "" {
		return fmt.Errorf("NATS_URL is required for the configured store, broker, solver or event fan-out")
	}
	if c.AuthRequired && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when AUTH_REQUIRED is set")
	}
	return nil
}

// NATSEnabled reports whether a NATS connection is configured.
func (c *Config) NATSEnabled() bool { return c.NATSURL != "" }

// Backend returns the override for name, or the zero value.
func (c *Config) Backend(name string) BackendOverride { return c.Backends[name] }

// tokensFromEnv collects TOKEN_<SERVICE> variables, e.g. TOKEN_DEEPSEEK.
func tokensFromEnv() map[string]string {
	tokens := map[string]string{}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasPrefix(key, "TOKEN_") {
			continue
		}
		service := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(key, "TOKEN_"), "_", "-"))
		tokens[service] = value
	}
	return tokens
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
