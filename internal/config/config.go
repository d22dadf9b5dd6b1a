package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Fallbacks []string         `json:"fallbacks,omitempty"`
	Agent     AgentConfig      `json:"agent"`
	GitHub    GitHubConfig     `json:"github"`
	Installer InstallerConfig  `json:"installer"`
	Gateway   GatewayConfig    `json:"gateway"`
	Database  DatabaseConfig   `json:"database"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	BaseURL  string `json:"base_url"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Name           string            `json:"name"`
	Endpoint       string            `json:"endpoint"`
	APIKey         string            `json:"api_key"`
	Models         []string          `json:"models,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// Timeout returns the request timeout, zero meaning the provider default.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// AgentConfig tunes the conversation engine.
type AgentConfig struct {
	Model      string `json:"model,omitempty"`
	MaxTokens  int    `json:"max_tokens,omitempty"`
	MaxRounds  int    `json:"max_rounds,omitempty"`
	MaxHistory int    `json:"max_history,omitempty"`
}

type GitHubConfig struct {
	Token  string `json:"token"`
	APIURL string `json:"api_url,omitempty"`
}

type InstallerConfig struct {
	CLI            string `json:"cli"`
	Workspace      string `json:"workspace"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout returns the per-install timeout.
func (c InstallerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TurnTimeout bounds one conversation turn started from a gateway: one
// install plus a minute for the model rounds around it.
func (c *Config) TurnTimeout() time.Duration {
	return c.Installer.Timeout() + time.Minute
}

// RESTTimeout is how long a REST caller waits for the replies to one message.
func (c *Config) RESTTimeout() time.Duration {
	return time.Duration(c.Gateway.RESTTimeoutSeconds) * time.Second
}

type GatewayConfig struct {
	// REST reply wait, must exceed the turn timeout so a timed-out turn
	// still delivers its apology before the caller gets a 504.
	RESTTimeoutSeconds int                  `json:"rest_timeout_seconds,omitempty"`
	Persona            PersonaConfig        `json:"persona"`
	Slack              SlackGatewayConfig   `json:"slack"`
	Discord            DiscordGatewayConfig `json:"discord"`
}

type PersonaConfig struct {
	Name    string `json:"name"`
	IconURL string `json:"icon_url,omitempty"`
	Emoji   string `json:"emoji,omitempty"`
}

type SlackGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

type DiscordGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN        string `json:"dsn"`
	Migrations string `json:"migrations,omitempty"`
}

type RedisConfig struct {
	URL    string `json:"url"`
	Stream string `json:"stream,omitempty"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a JSON config document.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv builds a configuration from environment variables only. It is
// used when no config file exists.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			BaseURL:  os.Getenv("BASE_URL"),
			LogLevel: os.Getenv("LOG_LEVEL"),
		},
		GitHub: GitHubConfig{
			Token:  os.Getenv("GITHUB_TOKEN"),
			APIURL: os.Getenv("GITHUB_API_URL"),
		},
		Installer: InstallerConfig{
			CLI:       os.Getenv("SKILLS_CLI"),
			Workspace: os.Getenv("SKILLS_WORKSPACE"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{DSN: os.Getenv("DATABASE_URL")},
			Redis:    RedisConfig{URL: os.Getenv("REDIS_URL")},
		},
	}
	if p := os.Getenv("PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q", p)
		}
		cfg.Server.Port = port
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		cfg.Providers = append(cfg.Providers, ProviderConfig{
			ID: "gemini", Type: "gemini", Name: "Gemini", APIKey: key,
			Models: []string{envOr("GEMINI_MODEL", "gemini-2.5-flash")},
		})
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Providers = append(cfg.Providers, ProviderConfig{
			ID: "openai", Type: "openai", Name: "OpenAI", APIKey: key,
			Endpoint: envOr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Models:   []string{envOr("OPENAI_MODEL", "gpt-4o-mini")},
		})
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.Providers = append(cfg.Providers, ProviderConfig{
			ID: "anthropic", Type: "anthropic", Name: "Anthropic", APIKey: key,
			Models: []string{envOr("ANTHROPIC_MODEL", "claude-sonnet-4-5")},
		})
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Installer.CLI == "" {
		c.Installer.CLI = "gemini"
	}
	if c.Installer.Workspace == "" {
		c.Installer.Workspace = "."
	}
	if c.Installer.TimeoutSeconds <= 0 {
		c.Installer.TimeoutSeconds = 120
	}
	if c.Gateway.RESTTimeoutSeconds <= 0 {
		c.Gateway.RESTTimeoutSeconds = c.Installer.TimeoutSeconds + 90
	}
	if c.Gateway.Persona.Name == "" {
		c.Gateway.Persona.Name = "Skills Collator"
	}
	if c.Database.Postgres.Migrations == "" {
		c.Database.Postgres.Migrations = "migrations"
	}
	for i := range c.Providers {
		if c.Providers[i].ID == "" {
			c.Providers[i].ID = c.Providers[i].Type
		}
		if c.Providers[i].Name == "" {
			c.Providers[i].Name = c.Providers[i].ID
		}
	}
}

var knownProviders = map[string]bool{"openai": true, "anthropic": true, "gemini": true}

// Validate reports configuration errors that would fail at runtime.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if !knownProviders[p.Type] {
			errs = append(errs, fmt.Errorf("provider %q: unknown type %q", p.ID, p.Type))
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("provider %q defined twice", p.ID))
		}
		seen[p.ID] = true
	}
	for _, id := range c.Fallbacks {
		if !seen[id] {
			errs = append(errs, fmt.Errorf("fallback %q is not a configured provider", id))
		}
	}
	if c.RESTTimeout() <= c.TurnTimeout() {
		errs = append(errs, fmt.Errorf("gateway.rest_timeout_seconds %d must exceed the turn timeout (%s)",
			c.Gateway.RESTTimeoutSeconds, c.TurnTimeout()))
	}
	if c.Gateway.Slack.Enabled && (c.Gateway.Slack.BotToken == "" || c.Gateway.Slack.AppToken == "") {
		errs = append(errs, errors.New("gateway.slack enabled without bot_token and app_token"))
	}
	if c.Gateway.Discord.Enabled && c.Gateway.Discord.BotToken == "" {
		errs = append(errs, errors.New("gateway.discord enabled without bot_token"))
	}
	return errors.Join(errs...)
}
