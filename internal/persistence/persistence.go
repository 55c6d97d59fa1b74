// Package persistence mirrors tracked signals into Postgres for operators
// who want SQL analytics. The mirror is optional and write-only: the JSON
// tracking files stay authoritative, nothing is ever read back, and a dead
// database only ever costs a warning log.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/rs/zerolog"
)

// Config holds the mirror's connection settings. Disabled by default;
// enabling requires an explicit DSN.
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns the pool settings used when the mirror is enabled.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    10 * time.Second,
	}
}

// Manager owns the database connection and the mirror built on it.
type Manager struct {
	db     *sqlx.DB
	cfg    Config
	mirror *SignalMirror
	log    zerolog.Logger
}

// Open connects and prepares the schema when the mirror is enabled; a
// disabled config yields a manager whose Mirror() is nil and whose Ping
// always succeeds.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*Manager, error) {
	m := &Manager{cfg: cfg, log: log.With().Str("component", "pg_mirror").Logger()}
	if !cfg.Enabled {
		return m, nil
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres mirror enabled without a dsn")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, signalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare mirror schema: %w", err)
	}

	m.db = db
	m.mirror = NewSignalMirror(db, cfg.QueryTimeout)
	m.log.Info().Msg("Postgres mirror connected")
	return m, nil
}

// IsEnabled reports whether a live connection backs this manager.
func (m *Manager) IsEnabled() bool { return m.cfg.Enabled && m.db != nil }

// Mirror returns the signal sink, or nil when the mirror is disabled.
// Callers attach it only when enabled; a typed-nil mirror must never
// reach the store.
func (m *Manager) Mirror() *SignalMirror { return m.mirror }

// Ping checks connectivity for the health endpoint. Disabled managers
// are trivially healthy.
func (m *Manager) Ping(ctx context.Context) error {
	if !m.IsEnabled() {
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	defer cancel()
	return m.db.PingContext(pingCtx)
}

// Close releases the connection pool.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}
