package profile

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the main server.
type Profile struct {
	Mode        string
	Addr        string
	Port        int
	InstanceURL string
	Version     string

	// Agent bridge configuration
	AgentBaseURL         string
	AgentConnectTimeout  int // seconds
	AgentResponseTimeout int // seconds
	AgentMaxConcurrent   int

	// Unified LLM configuration (OpenAI-compatible protocol), used by the
	// extraction strategy. Any provider works as long as it speaks the
	// chat-completions API.
	LLMProvider string // openai, deepseek, openrouter, ollama, or custom
	LLMAPIKey   string
	LLMBaseURL  string // optional, has a default per provider
	LLMModel    string
	LLMTimeout  int // seconds

	// Plan flow
	SessionTTLMinutes   int
	SessionSweepMinutes int
	PlanGuardExpr       string

	// HTTP surface
	AuthJWTSecret     string
	ChatRatePerMinute int

	// Optional chat surfaces
	TelegramBotToken string
}

// Provider default configurations for the LLM extractor.
// Used when the base URL or model is not explicitly set.
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini", // extraction is a small-model task
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"openrouter": {
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "deepseek/deepseek-chat",
	},
	"ollama": {
		BaseURL: "http://localhost:11434/v1",
		Model:   "llama3.1",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsLLMEnabled returns true if the LLM extraction strategy can run. Ollama
// serves without an API key; every other provider needs one.
func (p *Profile) IsLLMEnabled() bool {
	if p.LLMModel == "" {
		return false
	}
	return p.LLMAPIKey != "" || p.LLMProvider == "ollama"
}

// IsTelegramEnabled returns true if the Telegram surface should start.
func (p *Profile) IsTelegramEnabled() bool {
	return p.TelegramBotToken != ""
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	// Agent bridge
	p.AgentBaseURL = getEnvOrDefault("DRIPCAST_AGENT_BASE_URL", p.AgentBaseURL)
	p.AgentConnectTimeout = getEnvOrDefaultInt("DRIPCAST_AGENT_CONNECT_TIMEOUT_SECONDS", 10)
	p.AgentResponseTimeout = getEnvOrDefaultInt("DRIPCAST_AGENT_RESPONSE_TIMEOUT_SECONDS", 60)
	p.AgentMaxConcurrent = getEnvOrDefaultInt("DRIPCAST_AGENT_MAX_CONCURRENT", 8)

	// LLM extraction strategy
	p.LLMProvider = getEnvOrDefault("DRIPCAST_AI_LLM_PROVIDER", "openai")
	p.LLMAPIKey = getEnvOrDefault("DRIPCAST_AI_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("DRIPCAST_AI_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("DRIPCAST_AI_LLM_MODEL", "")
	p.LLMTimeout = getEnvOrDefaultInt("DRIPCAST_AI_LLM_TIMEOUT_SECONDS", 60)

	if defaults, ok := llmProviderDefaults[p.LLMProvider]; ok {
		if p.LLMBaseURL == "" {
			p.LLMBaseURL = defaults.BaseURL
		}
		if p.LLMModel == "" && p.LLMAPIKey != "" {
			p.LLMModel = defaults.Model
		}
	} else if p.LLMProvider != "" {
		slog.Warn("unknown LLM provider, treating as OpenAI-compatible",
			"provider", p.LLMProvider,
		)
	}

	// Plan flow
	p.SessionTTLMinutes = getEnvOrDefaultInt("DRIPCAST_SESSION_TTL_MINUTES", 30)
	p.SessionSweepMinutes = getEnvOrDefaultInt("DRIPCAST_SESSION_SWEEP_MINUTES", 10)
	p.PlanGuardExpr = getEnvOrDefault("DRIPCAST_PLAN_GUARD_EXPR", "")

	// HTTP surface
	p.AuthJWTSecret = getEnvOrDefault("DRIPCAST_AUTH_JWT_SECRET", "")
	p.ChatRatePerMinute = getEnvOrDefaultInt("DRIPCAST_CHAT_RATE_PER_MINUTE", 60)

	// Optional surfaces
	p.TelegramBotToken = getEnvOrDefault("DRIPCAST_TELEGRAM_BOT_TOKEN", "")
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}

	if p.AgentBaseURL == "" {
		return errors.New("agent base URL is required (set DRIPCAST_AGENT_BASE_URL)")
	}
	p.AgentBaseURL = strings.TrimRight(p.AgentBaseURL, "/")

	if p.AgentConnectTimeout <= 0 {
		p.AgentConnectTimeout = 10
	}
	if p.AgentResponseTimeout <= 0 {
		p.AgentResponseTimeout = 60
	}
	if p.SessionTTLMinutes <= 0 {
		p.SessionTTLMinutes = 30
	}
	if p.SessionSweepMinutes <= 0 {
		p.SessionSweepMinutes = 10
	}

	return nil
}
