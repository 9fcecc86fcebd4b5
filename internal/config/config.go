// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	Workflow    string
	SessionTTL  time.Duration

	WindowPairs         int
	CollaboratorTimeout time.Duration

	OpenRouter      OpenRouterConfig
	Telegram        TelegramConfig
	WhatsApp        WhatsAppConfig
	ConversationLog ConversationLogConfig
}

// OpenRouterConfig configures the language model backend.
type OpenRouterConfig struct {
	BaseURL string
	Token   string
	Model   string
}

// TelegramConfig configures the Telegram channel. An empty BotToken
// disables the channel.
type TelegramConfig struct {
	BotToken string
}

// WhatsAppConfig configures the WhatsApp Cloud API channel. An empty
// AccessToken disables the channel.
type WhatsAppConfig struct {
	AccessToken   string
	PhoneNumberID string
	VerifyToken   string
	RateLimit     int
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/sessions.db"),
		Workflow:    getEnv("WORKFLOW", "prd"),
		SessionTTL:  time.Duration(getEnvInt("SESSION_TTL_HOURS", 24)) * time.Hour,

		WindowPairs:         getEnvInt("HISTORY_WINDOW_PAIRS", 5),
		CollaboratorTimeout: time.Duration(getEnvInt("COLLABORATOR_TIMEOUT_SECONDS", 30)) * time.Second,

		OpenRouter: OpenRouterConfig{
			BaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
			Token:   getEnv("OPENROUTER_TOKEN", ""),
			Model:   getEnv("OPENROUTER_MODEL", "openai/gpt-4o-mini"),
		},
		Telegram: TelegramConfig{
			BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		},
		WhatsApp: WhatsAppConfig{
			AccessToken:   getEnv("WHATSAPP_ACCESS_TOKEN", ""),
			PhoneNumberID: getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
			VerifyToken:   getEnv("WHATSAPP_WEBHOOK_VERIFY_TOKEN", ""),
			RateLimit:     getEnvInt("WHATSAPP_RATE_LIMIT", 20),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Workflow != "prd" && c.Workflow != "lead" {
		return fmt.Errorf("WORKFLOW must be prd or lead, got %q", c.Workflow)
	}
	if c.OpenRouter.Token == "" {
		return fmt.Errorf("OPENROUTER_TOKEN cannot be empty")
	}
	if c.OpenRouter.Model == "" {
		return fmt.Errorf("OPENROUTER_MODEL cannot be empty")
	}
	if c.WindowPairs <= 0 {
		return fmt.Errorf("HISTORY_WINDOW_PAIRS must be > 0")
	}
	if c.CollaboratorTimeout <= 0 {
		return fmt.Errorf("COLLABORATOR_TIMEOUT_SECONDS must be > 0")
	}
	if c.WhatsApp.AccessToken != "" {
		if c.WhatsApp.PhoneNumberID == "" {
			return fmt.Errorf("WHATSAPP_PHONE_NUMBER_ID is required when WhatsApp is enabled")
		}
		if c.WhatsApp.VerifyToken == "" {
			return fmt.Errorf("WHATSAPP_WEBHOOK_VERIFY_TOKEN is required when WhatsApp is enabled")
		}
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
