// Package sqlite stores the outbox log and consumer cursors in a SQLite file.
//
// SQLite admits one writer at a time, so message ids always follow commit order.
// The store suits tests, tools and single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/LerianStudio/lib-outbox/outbox"
	"github.com/LerianStudio/lib-outbox/outbox/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-outbox/outbox/log"
	libOpentelemetry "github.com/LerianStudio/lib-outbox/outbox/opentelemetry"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	migrationsTable   = "outbox_schema_migrations"
	maxCursorAttempts = 3
	messageColumns    = `id, created_at, message_type, version_type, "key", payload`
	consumerColumns   = "id, name, last_consumed_message_id, created_at, updated_at"
)

var ErrStoreNotReady = errors.New("sqlite outbox store not initialized")

type Option func(*Store)

func WithLogger(logger libLog.Logger) Option {
	return func(s *Store) {
		if !nilcheck.IsNil(logger) {
			s.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Store) {
		if !nilcheck.IsNil(tracer) {
			s.tracer = tracer
		}
	}
}

// Store implements outbox.Repository on SQLite.
type Store struct {
	sqlDB  *sql.DB
	logger libLog.Logger
	tracer trace.Tracer
}

var _ outbox.Repository = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and applies embedded migrations.
// Transactions begin IMMEDIATE so concurrent writers queue on the busy timeout.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()

		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB, logger: libLog.NewNop(), tracer: libOpentelemetry.Tracer()}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	if err := applyMigrations(sqlDB); err != nil {
		_ = sqlDB.Close()

		return nil, fmt.Errorf("run migrations: %w", err)
	}

	store.logger.Log(ctx, libLog.LevelInfo, "sqlite outbox store opened", libLog.String("path", filepath.Clean(path)))

	return store, nil
}

func applyMigrations(sqlDB *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("create sqlite driver instance: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

// DB exposes the pool so callers can begin business transactions on it.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}

	return s.sqlDB
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}

	return s.sqlDB.Close()
}

func (s *Store) ready() error {
	if s == nil || s.sqlDB == nil {
		return ErrStoreNotReady
	}

	return nil
}

func (s *Store) AppendWithTx(ctx context.Context, tx outbox.Tx, msg *outbox.Message) (*outbox.Message, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	if tx == nil {
		return nil, outbox.ErrTransactionRequired
	}

	if msg == nil {
		return nil, outbox.ErrEventRequired
	}

	ctx, span := s.tracer.Start(ctx, "sqlite.append_message")
	defer span.End()

	var key sql.NullString
	if msg.Key != "" {
		key = sql.NullString{String: msg.Key, Valid: true}
	}

	row := tx.QueryRowContext(ctx, `
INSERT INTO outbox_messages (created_at, message_type, version_type, "key", payload)
VALUES (?, ?, ?, ?, ?)
RETURNING `+messageColumns,
		toMillis(msg.CreatedAt),
		msg.MessageType,
		msg.VersionType,
		key,
		msg.Payload,
	)

	stored, err := scanMessage(row)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to append message", err)

		return nil, fmt.Errorf("append outbox message: %w", err)
	}

	return stored, nil
}

func (s *Store) ListAfter(ctx context.Context, afterID int64, limit int) ([]*outbox.Message, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	if limit <= 0 {
		return []*outbox.Message{}, nil
	}

	ctx, span := s.tracer.Start(ctx, "sqlite.list_messages_after")
	defer span.End()

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM outbox_messages WHERE id > ? ORDER BY id ASC LIMIT ?",
		afterID, limit)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to list messages", err)

		return nil, fmt.Errorf("list outbox messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*outbox.Message, 0, limit)

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox messages: %w", err)
	}

	return messages, nil
}

func (s *Store) CreateConsumer(ctx context.Context, consumer *outbox.Consumer, startAtLatest bool) (*outbox.Consumer, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	if consumer == nil {
		return nil, fmt.Errorf("%w: consumer", outbox.ErrDependencyRequired)
	}

	ctx, span := s.tracer.Start(ctx, "sqlite.create_consumer")
	defer span.End()

	row := s.sqlDB.QueryRowContext(ctx, `
INSERT INTO outbox_consumers (id, name, last_consumed_message_id, created_at, updated_at)
SELECT ?, ?, CASE WHEN ? THEN COALESCE((SELECT MAX(id) FROM outbox_messages), 0) ELSE 0 END, ?, ?
RETURNING `+consumerColumns,
		consumer.ID.String(),
		consumer.Name,
		startAtLatest,
		toMillis(consumer.CreatedAt),
		toMillis(consumer.UpdatedAt),
	)

	created, err := scanConsumer(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, outbox.ErrConsumerConflict
		}

		libOpentelemetry.HandleSpanError(span, "failed to create consumer", err)

		return nil, fmt.Errorf("create outbox consumer: %w", err)
	}

	return created, nil
}

func (s *Store) GetConsumerByName(ctx context.Context, name string) (*outbox.Consumer, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	row := s.sqlDB.QueryRowContext(ctx, "SELECT "+consumerColumns+" FROM outbox_consumers WHERE name = ?", name)

	consumer, err := scanConsumer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrConsumerNotFound
		}

		return nil, fmt.Errorf("get outbox consumer: %w", err)
	}

	return consumer, nil
}

func (s *Store) ConsumerExists(ctx context.Context, name string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}

	var exists bool

	if err := s.sqlDB.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM outbox_consumers WHERE name = ?)", name,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check outbox consumer: %w", err)
	}

	return exists, nil
}

// AdvanceCursor moves the cursor forward with a single conditional UPDATE.
func (s *Store) AdvanceCursor(ctx context.Context, name string, lastConsumedID int64, updatedAt time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "sqlite.advance_cursor")
	defer span.End()

	const maxID = "(SELECT COALESCE(MAX(id), 0) FROM outbox_messages)"

	for attempt := 0; attempt < maxCursorAttempts; attempt++ {
		result, err := s.sqlDB.ExecContext(ctx, `
UPDATE outbox_consumers
SET last_consumed_message_id = ?1, updated_at = ?2
WHERE name = ?3 AND last_consumed_message_id <= ?1 AND ?1 <= `+maxID,
			lastConsumedID, toMillis(updatedAt), name)
		if err != nil {
			libOpentelemetry.HandleSpanError(span, "failed to update cursor", err)

			return fmt.Errorf("update outbox cursor: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}

		if affected > 0 {
			return nil
		}

		var current, latest int64

		found := true

		err = s.sqlDB.QueryRowContext(ctx,
			"SELECT last_consumed_message_id, "+maxID+" FROM outbox_consumers WHERE name = ?", name,
		).Scan(&current, &latest)
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("read outbox cursor: %w", err)
			}

			found = false
		}

		if rejection := outbox.ClassifyCursorRejection(found, current, latest, lastConsumedID); rejection != nil {
			libOpentelemetry.HandleSpanBusinessErrorEvent(span, "cursor update rejected", rejection)

			return rejection
		}
	}

	return fmt.Errorf("update outbox cursor for %q: state kept changing", name)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(scanner rowScanner) (*outbox.Message, error) {
	var (
		msg       outbox.Message
		createdAt int64
		key       sql.NullString
	)

	if err := scanner.Scan(&msg.ID, &createdAt, &msg.MessageType, &msg.VersionType, &key, &msg.Payload); err != nil {
		return nil, fmt.Errorf("scan outbox message: %w", err)
	}

	msg.CreatedAt = fromMillis(createdAt)
	msg.Key = key.String

	return &msg, nil
}

func scanConsumer(scanner rowScanner) (*outbox.Consumer, error) {
	var (
		consumer             outbox.Consumer
		id                   string
		createdAt, updatedAt int64
	)

	if err := scanner.Scan(&id, &consumer.Name, &consumer.LastConsumedMessageID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse consumer id: %w", err)
	}

	consumer.ID = parsed
	consumer.CreatedAt = fromMillis(createdAt)
	consumer.UpdatedAt = fromMillis(updatedAt)

	return &consumer, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}

	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
