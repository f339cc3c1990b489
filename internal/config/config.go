package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/joelkehle/pat/internal/obscure"
	"github.com/joelkehle/pat/internal/pat"
	"github.com/joelkehle/pat/internal/similarity"
	"github.com/joelkehle/pat/internal/threadstore"
)

type Config struct {
	OpenAIKey     string
	OpenAIBaseURL string
	CipherKey     string
	// AnthropicKey enables percentage repair when set.
	AnthropicKey string
	NoRepair     bool

	DBDriver string
	DBDSN    string

	AssistantName string
	Model         string
	RunTimeout    time.Duration
	PollInterval  time.Duration
	TempDir       string
}

// Load reads an optional dotenv file, then the PAT settings.
func Load(envFile string) (Config, error) {
	if err := LoadDotEnv(envFile); err != nil {
		return Config{}, err
	}
	return FromEnv()
}

// LoadDotEnv copies envFile into the process environment without overriding
// variables already set. An empty envFile loads ./.env when it exists.
func LoadDotEnv(envFile string) error {
	if envFile == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	return nil
}

// CipherKey returns the configured file cipher key, or an error when unset.
func CipherKey() (string, error) {
	key := firstEnv("PAT_CIPHER_KEY", "KEY")
	if key == "" {
		return "", errors.New("missing required env var PAT_CIPHER_KEY (or KEY)")
	}
	return key, nil
}

// FromEnv reads the PAT settings from the process environment.
func FromEnv() (Config, error) {
	cfg := Config{
		OpenAIKey:     firstEnv("PAT_OPENAI_API_KEY", "OPENAI_API_KEY"),
		OpenAIBaseURL: firstEnv("PAT_OPENAI_BASE_URL", "OPENAI_BASE_URL"),
		AnthropicKey:  firstEnv("ANTHROPIC_API_KEY"),
		DBDriver:      firstEnv("PAT_DB_DRIVER"),
		DBDSN:         firstEnv("PAT_DB_DSN"),
		AssistantName: firstEnv("PAT_ASSISTANT_NAME"),
		Model:         firstEnv("PAT_MODEL"),
		TempDir:       firstEnv("PAT_TEMP_DIR"),
		NoRepair:      envBool("PAT_NO_REPAIR"),
	}
	if cfg.OpenAIKey == "" {
		return Config{}, errors.New("missing required env var PAT_OPENAI_API_KEY (or OPENAI_API_KEY)")
	}
	var err error
	if cfg.CipherKey, err = CipherKey(); err != nil {
		return Config{}, err
	}
	if _, err := obscure.New(cfg.CipherKey); err != nil {
		return Config{}, fmt.Errorf("PAT_CIPHER_KEY: %w", err)
	}
	if cfg.DBDriver == "" {
		cfg.DBDriver = threadstore.DriverSQLite
	}
	if cfg.DBDriver != threadstore.DriverSQLite && cfg.DBDriver != threadstore.DriverMySQL {
		return Config{}, fmt.Errorf("PAT_DB_DRIVER: unsupported driver %q", cfg.DBDriver)
	}
	if cfg.DBDSN == "" {
		if cfg.DBDriver == threadstore.DriverMySQL {
			return Config{}, errors.New("PAT_DB_DSN is required for mysql")
		}
		cfg.DBDSN = threadstore.DefaultSQLitePath
	}
	if cfg.RunTimeout, err = envDuration("PAT_RUN_TIMEOUT", pat.DefaultRunTimeout); err != nil {
		return Config{}, err
	}
	if cfg.PollInterval, err = envDuration("PAT_POLL_INTERVAL", pat.DefaultPollInterval); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Session returns the session settings carried by cfg.
func (c Config) Session() pat.Config {
	return pat.Config{
		AssistantName: c.AssistantName,
		Model:         c.Model,
		RunTimeout:    c.RunTimeout,
		PollInterval:  c.PollInterval,
		TempDir:       c.TempDir,
	}
}

// Repairer returns the Anthropic percentage repairer, or nil when no key is
// configured or repair is switched off.
func (c Config) Repairer() similarity.Repairer {
	if c.NoRepair || c.AnthropicKey == "" {
		return nil
	}
	return similarity.NewAnthropicRepairer(c.AnthropicKey)
}

func envBool(key string) bool {
	switch strings.ToLower(firstEnv(key)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", key, v)
	}
	return d, nil
}
