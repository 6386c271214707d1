package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	storePostgres = "postgres"
	storeSQLite   = "sqlite"

	defaultMessagesTable  = "outbox_messages"
	defaultConsumersTable = "outbox_consumers"
)

// Config is read from OUTBOX_* environment variables.
type Config struct {
	Environment     string        `env:"OUTBOX_ENV"              envDefault:"production"`
	LogLevel        string        `env:"OUTBOX_LOG_LEVEL"`
	HTTPAddress     string        `env:"OUTBOX_HTTP_ADDRESS"     envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"OUTBOX_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	Store               string `env:"OUTBOX_STORE"                   envDefault:"postgres"`
	PostgresPrimaryDSN  string `env:"OUTBOX_POSTGRES_PRIMARY_DSN"`
	PostgresReplicaDSN  string `env:"OUTBOX_POSTGRES_REPLICA_DSN"`
	PostgresMaxOpenConn int    `env:"OUTBOX_POSTGRES_MAX_OPEN_CONNS" envDefault:"25"`
	PostgresMaxIdleConn int    `env:"OUTBOX_POSTGRES_MAX_IDLE_CONNS" envDefault:"10"`
	ReplicaReads        bool   `env:"OUTBOX_REPLICA_READS"           envDefault:"false"`
	MessagesTable       string `env:"OUTBOX_MESSAGES_TABLE"          envDefault:"outbox_messages"`
	ConsumersTable      string `env:"OUTBOX_CONSUMERS_TABLE"         envDefault:"outbox_consumers"`
	SQLitePath          string `env:"OUTBOX_SQLITE_PATH"             envDefault:"outbox.db"`
}

func loadConfig(opts env.Options) (Config, error) {
	var cfg Config

	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (cfg Config) validate() error {
	switch strings.ToLower(cfg.Store) {
	case storePostgres:
		if strings.TrimSpace(cfg.PostgresPrimaryDSN) == "" {
			return errors.New("OUTBOX_POSTGRES_PRIMARY_DSN is required for the postgres store")
		}
	case storeSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return errors.New("OUTBOX_SQLITE_PATH is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unsupported OUTBOX_STORE %q", cfg.Store)
	}

	if cfg.ShutdownTimeout <= 0 {
		return errors.New("OUTBOX_SHUTDOWN_TIMEOUT must be positive")
	}

	return nil
}

// customTables reports whether the schema is managed outside the embedded migrations.
func (cfg Config) customTables() bool {
	return cfg.MessagesTable != defaultMessagesTable || cfg.ConsumersTable != defaultConsumersTable
}
