package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config contains all runtime settings for the interview service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	AllowedOrigins   []string

	LogMode     string
	LogLevel    string
	LogRedact   bool
	LogHashSalt string

	DatabaseURL string
	RedisAddr   string
	RedisEvents string

	AuthDisabled  bool
	JWTSecret     string
	JWTAudience   string
	BootstrapFile string

	LLMProvider      string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIModel      string
	LLMHTTPTimeout   time.Duration
	MockReadyAfter   int

	DefaultModel          string
	ChatSystemPrompt      string
	SynthesisSystemPrompt string
	PromptsFile           string

	SynthesisTrigger int
	WarnThreshold    int
	MaxMessages      int
	StreamTimeout    time.Duration
	SynthesisTimeout time.Duration
	CoalesceChars    int
}

// promptFile is the optional TOML override for the default model and prompts.
type promptFile struct {
	Model           string `toml:"model"`
	ChatPrompt      string `toml:"chat_system_prompt"`
	SynthesisPrompt string `toml:"synthesis_system_prompt"`
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "category_of_one"),
		AllowedOrigins:   splitList(stringsTrimSpace("APP_ALLOWED_ORIGINS")),
		LogMode:          envOrDefault("LOG_MODE", "dev"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogHashSalt:      stringsTrimSpace("LOG_HASH_SALT"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		RedisAddr:        stringsTrimSpace("REDIS_ADDR"),
		RedisEvents:      envOrDefault("REDIS_EVENTS_CHANNEL", "category_of_one:events"),
		JWTSecret:        stringsTrimSpace("AUTH_JWT_SECRET"),
		JWTAudience:      envOrDefault("AUTH_JWT_AUDIENCE", "authenticated"),
		BootstrapFile:    stringsTrimSpace("BOOTSTRAP_CLIENTS_FILE"),
		LLMProvider:      envOrDefault("LLM_PROVIDER", "auto"),
		AnthropicAPIKey:  stringsTrimSpace("ANTHROPIC_API_KEY"),
		AnthropicBaseURL: stringsTrimSpace("ANTHROPIC_BASE_URL"),
		OpenAIAPIKey:     stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:    stringsTrimSpace("OPENAI_BASE_URL"),
		OpenAIModel:      stringsTrimSpace("OPENAI_MODEL"),
		DefaultModel:     stringsTrimSpace("LLM_DEFAULT_MODEL"),
		PromptsFile:      stringsTrimSpace("PROMPTS_FILE"),
		ShutdownTimeout:  15 * time.Second,
		LLMHTTPTimeout:   2 * time.Minute,
		SynthesisTrigger: 40,
		WarnThreshold:    80,
		MaxMessages:      100,
		StreamTimeout:    60 * time.Second,
		SynthesisTimeout: 2 * time.Minute,
		CoalesceChars:    24,
		LogRedact:        true,
	}
	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.LogRedact, err = boolFromEnv("LOG_REDACT", cfg.LogRedact); err != nil {
		return Config{}, err
	}
	if cfg.AuthDisabled, err = boolFromEnv("AUTH_DISABLED", cfg.AuthDisabled); err != nil {
		return Config{}, err
	}
	if cfg.LLMHTTPTimeout, err = durationFromEnv("LLM_HTTP_TIMEOUT", cfg.LLMHTTPTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MockReadyAfter, err = intFromEnv("LLM_MOCK_READY_AFTER", cfg.MockReadyAfter); err != nil {
		return Config{}, err
	}
	if cfg.SynthesisTrigger, err = intFromEnv("INTERVIEW_SYNTHESIS_TRIGGER", cfg.SynthesisTrigger); err != nil {
		return Config{}, err
	}
	if cfg.WarnThreshold, err = intFromEnv("INTERVIEW_WARN_THRESHOLD", cfg.WarnThreshold); err != nil {
		return Config{}, err
	}
	if cfg.MaxMessages, err = intFromEnv("INTERVIEW_MAX_MESSAGES", cfg.MaxMessages); err != nil {
		return Config{}, err
	}
	if cfg.StreamTimeout, err = durationFromEnv("INTERVIEW_STREAM_TIMEOUT", cfg.StreamTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SynthesisTimeout, err = durationFromEnv("SYNTHESIS_TIMEOUT", cfg.SynthesisTimeout); err != nil {
		return Config{}, err
	}
	if cfg.CoalesceChars, err = intFromEnv("INTERVIEW_COALESCE_CHARS", cfg.CoalesceChars); err != nil {
		return Config{}, err
	}

	if cfg.PromptsFile != "" {
		if err := cfg.applyPromptFile(cfg.PromptsFile); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyPromptFile(path string) error {
	var pf promptFile
	if _, err := toml.DecodeFile(path, &pf); err != nil {
		return fmt.Errorf("PROMPTS_FILE %s: %w", path, err)
	}
	if v := strings.TrimSpace(pf.Model); v != "" && c.DefaultModel == "" {
		c.DefaultModel = v
	}
	if strings.TrimSpace(pf.ChatPrompt) != "" {
		c.ChatSystemPrompt = pf.ChatPrompt
	}
	if strings.TrimSpace(pf.SynthesisPrompt) != "" {
		c.SynthesisSystemPrompt = pf.SynthesisPrompt
	}
	return nil
}

func (c Config) validate() error {
	for key, v := range map[string]int{
		"INTERVIEW_SYNTHESIS_TRIGGER": c.SynthesisTrigger,
		"INTERVIEW_WARN_THRESHOLD":    c.WarnThreshold,
		"INTERVIEW_MAX_MESSAGES":      c.MaxMessages,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be >= 0", key)
		}
	}
	if c.StreamTimeout < time.Second {
		return fmt.Errorf("INTERVIEW_STREAM_TIMEOUT must be at least 1s")
	}
	if c.SynthesisTimeout < c.StreamTimeout {
		return fmt.Errorf("SYNTHESIS_TIMEOUT must not be shorter than INTERVIEW_STREAM_TIMEOUT")
	}
	if !c.AuthDisabled && c.JWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required unless AUTH_DISABLED=true")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
