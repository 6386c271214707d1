package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-outbox/outbox/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-outbox/outbox/log"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	ErrConfigInvalid      = errors.New("invalid postgres config")
	ErrNotConnected       = errors.New("postgres client is not connected")
	ErrConnectionRequired = errors.New("postgres connection is required")
	ErrNoPrimaryDB        = errors.New("no primary database configured")
	ErrInvalidIdentifier  = errors.New("invalid sql identifier")
	ErrRepositoryNotReady = errors.New("postgres outbox repository not initialized")

	dbOpenFn = sql.Open

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// Config describes the primary/replica pair.
type Config struct {
	PrimaryDSN string
	// ReplicaDSN is optional. Empty routes reads to the primary.
	ReplicaDSN string
	// DatabaseName is recorded by the migration driver. Defaults to the DSN database.
	DatabaseName       string
	MaxOpenConnections int
	MaxIdleConnections int
	// SkipMigrations leaves schema management to the caller, e.g. with custom table names.
	SkipMigrations bool
	Logger         libLog.Logger
}

func (cfg *Config) normalize() error {
	cfg.PrimaryDSN = strings.TrimSpace(cfg.PrimaryDSN)
	cfg.ReplicaDSN = strings.TrimSpace(cfg.ReplicaDSN)

	if cfg.PrimaryDSN == "" {
		return fmt.Errorf("%w: primary dsn is required", ErrConfigInvalid)
	}

	if cfg.DatabaseName == "" {
		parsed, err := pgx.ParseConfig(cfg.PrimaryDSN)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrConfigInvalid, sanitizeSensitiveError(err))
		}

		cfg.DatabaseName = parsed.Database
	}

	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = defaultMaxOpenConns
	}

	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = defaultMaxIdleConns
	}

	if nilcheck.IsNil(cfg.Logger) {
		cfg.Logger = libLog.NewNop()
	}

	return nil
}

// Client owns the connection resolver. It is safe for concurrent use.
type Client struct {
	cfg Config

	mu         sync.RWMutex
	resolver   dbresolver.DB
	primary    *sql.DB
	hasReplica bool
}

// New validates cfg. Call Connect before use.
func New(cfg Config) (*Client, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	return &Client{cfg: cfg}, nil
}

// Connect opens the pools, applies migrations on the primary and pings.
// Calling it again replaces the existing connections.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrConnectionRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		if err := c.closeLocked(); err != nil {
			c.cfg.Logger.Log(ctx, libLog.LevelWarn, "failed to close previous postgres connection", libLog.Err(err))
		}
	}

	primary, err := c.open(c.cfg.PrimaryDSN)
	if err != nil {
		return fmt.Errorf("failed to open primary database: %w", err)
	}

	success := false

	defer func() {
		if !success {
			_ = primary.Close()
		}
	}()

	replicas := []*sql.DB{}

	if c.cfg.ReplicaDSN != "" {
		replica, err := c.open(c.cfg.ReplicaDSN)
		if err != nil {
			return fmt.Errorf("failed to open replica database: %w", err)
		}

		defer func() {
			if !success {
				_ = replica.Close()
			}
		}()

		replicas = append(replicas, replica)
	}

	resolverOpts := []dbresolver.OptionFunc{
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	}

	if len(replicas) > 0 {
		resolverOpts = append(resolverOpts, dbresolver.WithReplicaDBs(replicas...))
	}

	resolver := dbresolver.New(resolverOpts...)

	if err := resolver.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %s", sanitizeSensitiveError(err))
	}

	if !c.cfg.SkipMigrations {
		if err := runMigrations(ctx, primary, c.cfg.DatabaseName, c.cfg.Logger); err != nil {
			c.cfg.Logger.Log(ctx, libLog.LevelError, "outbox migrations failed", libLog.String("error", sanitizeSensitiveError(err)))

			return err
		}
	}

	c.resolver = resolver
	c.primary = primary
	c.hasReplica = len(replicas) > 0
	success = true

	c.cfg.Logger.Log(ctx, libLog.LevelInfo, "connected to postgres", libLog.Bool("replica", len(replicas) > 0))

	return nil
}

func (c *Client) open(dsn string) (*sql.DB, error) {
	db, err := dbOpenFn("pgx", dsn)
	if err != nil {
		return nil, errors.New(sanitizeSensitiveError(err))
	}

	db.SetMaxOpenConns(c.cfg.MaxOpenConnections)
	db.SetMaxIdleConns(c.cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	return db, nil
}

// Resolver returns the primary/replica resolver.
//
//nolint:ireturn
func (c *Client) Resolver(_ context.Context) (dbresolver.DB, error) {
	if c == nil {
		return nil, ErrConnectionRequired
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.resolver == nil {
		return nil, ErrNotConnected
	}

	return c.resolver, nil
}

// Primary returns the primary pool, e.g. to begin business transactions.
func (c *Client) Primary() (*sql.DB, error) {
	if c == nil {
		return nil, ErrConnectionRequired
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.primary == nil {
		return nil, ErrNotConnected
	}

	return c.primary, nil
}

// HasReplica reports whether reads can be routed away from the primary.
func (c *Client) HasReplica() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.hasReplica
}

func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.resolver != nil
}

// Close releases every pool.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.resolver == nil {
		return nil
	}

	err := c.resolver.Close()
	c.resolver = nil
	c.primary = nil
	c.hasReplica = false

	return err
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")

	return connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")
}
