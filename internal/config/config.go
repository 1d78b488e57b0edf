package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/ehr/medstore/internal/domain/ledger"
	"github.com/ehr/medstore/internal/platform/audit"
)

type Config struct {
	Port            string `mapstructure:"PORT"`
	Env             string `mapstructure:"ENV"`
	LogLevel        string `mapstructure:"LOG_LEVEL"`
	DataDir         string `mapstructure:"DATA_DIR"`
	AuditBackend    string `mapstructure:"AUDIT_BACKEND"`
	AuditLogPath    string `mapstructure:"AUDIT_LOG_PATH"`
	AuditSQLitePath string `mapstructure:"AUDIT_SQLITE_PATH"`
	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32  `mapstructure:"DB_MIN_CONNS"`
	LedgerMode      string `mapstructure:"LEDGER_MODE"`
	AuthSigningKey  string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer      string `mapstructure:"AUTH_ISSUER"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATA_DIR",
	"AUDIT_BACKEND", "AUDIT_LOG_PATH", "AUDIT_SQLITE_PATH",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"LEDGER_MODE", "AUTH_SIGNING_KEY", "AUTH_ISSUER",
}

// Load reads .env when present, then the environment, over the defaults.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATA_DIR", ".")
	v.SetDefault("AUDIT_BACKEND", audit.BackendFile)
	v.SetDefault("AUDIT_LOG_PATH", "audit.log")
	v.SetDefault("AUDIT_SQLITE_PATH", "audit.db")
	v.SetDefault("DB_MAX_CONNS", 4)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("LEDGER_MODE", string(ledger.ModeCheckpoint))

	// Bind explicitly so Unmarshal sees variables without defaults.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.AuditBackend = strings.ToLower(strings.TrimSpace(cfg.AuditBackend))
	cfg.LedgerMode = strings.ToLower(strings.TrimSpace(cfg.LedgerMode))
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) Ledger() (ledger.Mode, error) {
	return ledger.ParseMode(c.LedgerMode)
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.AuditBackend {
	case audit.BackendFile:
		if c.AuditLogPath == "" {
			return errors.New("AUDIT_LOG_PATH is required when AUDIT_BACKEND is \"file\"")
		}
	case audit.BackendSQLite:
		if c.AuditSQLitePath == "" {
			return errors.New("AUDIT_SQLITE_PATH is required when AUDIT_BACKEND is \"sqlite\"")
		}
	case audit.BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when AUDIT_BACKEND is \"postgres\"")
		}
		if c.DBMaxConns < 1 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("invalid pool size: DB_MIN_CONNS=%d DB_MAX_CONNS=%d", c.DBMinConns, c.DBMaxConns)
		}
	case audit.BackendMemory:
	default:
		return fmt.Errorf("AUDIT_BACKEND must be one of file, sqlite, postgres, memory; got %q", c.AuditBackend)
	}

	if _, err := c.Ledger(); err != nil {
		return fmt.Errorf("LEDGER_MODE: %w", err)
	}

	if c.IsProduction() && c.AuthSigningKey == "" {
		return errors.New("AUTH_SIGNING_KEY is required in production")
	}
	return nil
}
