package base

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnv loads environment variables from specified .env files.
// If no files are specified, it loads from .env in the current directory.
// Missing files are not an error.
func LoadEnv(filenames ...string) error {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}
	var existing []string
	for _, f := range filenames {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// Config contains common configuration for all sessions.
type Config struct {
	APIKey  string
	BaseURL string

	// Debug options
	// DebugPath writes JSONL debug records (request/event/update) when set.
	DebugPath string

	// Generation options
	MaxOutputTokens *int
	Temperature     *float64

	// RequestTimeout bounds one upstream request including its stream.
	RequestTimeout time.Duration
	MaxRetries     *int

	// Extra options
	ExtraHeaders map[string]string
	ExtraBody    map[string]any
}

// ApplyEnvDefaults applies environment variable defaults if config values are empty.
func ApplyEnvDefaults(cfg *Config, apiKeyEnv, baseURLEnv string) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(apiKeyEnv)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv(baseURLEnv)
	}
}
