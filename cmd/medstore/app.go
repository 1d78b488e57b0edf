package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/medstore/internal/config"
	"github.com/ehr/medstore/internal/domain/ledger"
	"github.com/ehr/medstore/internal/domain/record"
	"github.com/ehr/medstore/internal/platform/audit"
	"github.com/ehr/medstore/internal/platform/db"
	"github.com/ehr/medstore/internal/platform/metrics"
)

// PassphraseEnv is read when --key is not given.
const PassphraseEnv = "MEDSTORE_PASSPHRASE"

// app holds what every command needs. cfg may be set before Execute to
// bypass config.Load.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   *record.Store
	metrics *metrics.Metrics

	// memory is set when AUDIT_BACKEND=memory.
	memory *audit.MemorySink
	// ready is pinged by /health/ready for database-backed sinks.
	ready   db.Pinger
	closers []func() error

	// Flag overrides.
	key          string
	dataDir      string
	auditBackend string
	ledgerMode   string

	getenv func(string) string
}

func (a *app) env(key string) string {
	if a.getenv != nil {
		return a.getenv(key)
	}
	return os.Getenv(key)
}

// setup loads configuration and opens the audit sink and store.
func (a *app) setup(cmd *cobra.Command) error {
	if a.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return commandError("load config: %v", err)
		}
		a.cfg = cfg
	}
	if a.dataDir != "" {
		a.cfg.DataDir = a.dataDir
	}
	if a.auditBackend != "" {
		a.cfg.AuditBackend = strings.ToLower(a.auditBackend)
	}
	if a.ledgerMode != "" {
		a.cfg.LedgerMode = strings.ToLower(a.ledgerMode)
	}
	if err := a.cfg.Validate(); err != nil {
		return commandError("invalid config: %v", err)
	}

	a.logger = newLogger(a.cfg, cmd.ErrOrStderr())

	sink, err := a.openSink(cmd.Context())
	if err != nil {
		return failure("open audit log", err)
	}

	mode, _ := a.cfg.Ledger()
	a.metrics = metrics.New(nil)
	a.store = record.NewStore(record.Options{
		DataDir: a.cfg.DataDir,
		Sink:    sink,
		Ledger:  ledger.New(mode),
		Metrics: a.metrics,
	}, a.logger)
	return nil
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func (a *app) openSink(ctx context.Context) (audit.Sink, error) {
	switch a.cfg.AuditBackend {
	case audit.BackendFile:
		s, err := audit.OpenFileSink(a.cfg.AuditLogPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case audit.BackendSQLite:
		s, err := audit.OpenSQLiteSink(a.cfg.AuditSQLitePath)
		if err != nil {
			return nil, err
		}
		a.ready = s
		a.closers = append(a.closers, s.Close)
		return s, nil
	case audit.BackendPostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      a.cfg.DatabaseURL,
			MaxConns: a.cfg.DBMaxConns,
			MinConns: a.cfg.DBMinConns,
			AppName:  "medstore",
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		s, err := audit.NewPostgresSink(ctx, pool)
		if err != nil {
			return nil, err
		}
		a.ready = pool
		a.logger.Info().Msg("connected to database")
		return s, nil
	case audit.BackendMemory:
		a.memory = audit.NewMemorySink()
		return a.memory, nil
	default:
		return nil, fmt.Errorf("unknown audit backend %q", a.cfg.AuditBackend)
	}
}

func (a *app) close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// passphrase returns --key, else MEDSTORE_PASSPHRASE.
func (a *app) passphrase() (string, error) {
	if a.key != "" {
		return a.key, nil
	}
	if p := a.env(PassphraseEnv); p != "" {
		return p, nil
	}
	return "", commandError("passphrase required: pass --key or set %s", PassphraseEnv)
}
