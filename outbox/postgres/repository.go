package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/LerianStudio/lib-outbox/outbox"
	"github.com/LerianStudio/lib-outbox/outbox/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-outbox/outbox/log"
	libOpentelemetry "github.com/LerianStudio/lib-outbox/outbox/opentelemetry"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMessagesTable  = "outbox_messages"
	defaultConsumersTable = "outbox_consumers"
	uniqueViolationCode   = "23505"
	maxCursorAttempts     = 3

	messageColumns  = "id, created_at, message_type, version_type, key, payload"
	consumerColumns = "id, name, last_consumed_message_id, created_at, updated_at"
)

type connection interface {
	Resolver(ctx context.Context) (dbresolver.DB, error)
	Primary() (*sql.DB, error)
	HasReplica() bool
}

type Option func(*Repository)

func WithLogger(logger libLog.Logger) Option {
	return func(repo *Repository) {
		if !nilcheck.IsNil(logger) {
			repo.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(repo *Repository) {
		if !nilcheck.IsNil(tracer) {
			repo.tracer = tracer
		}
	}
}

// WithMessagesTable sets the log table, optionally schema-qualified.
func WithMessagesTable(table string) Option {
	return func(repo *Repository) {
		repo.messagesTable = table
	}
}

// WithConsumersTable sets the cursor table, optionally schema-qualified.
func WithConsumersTable(table string) Option {
	return func(repo *Repository) {
		repo.consumersTable = table
	}
}

// WithReplicaReads routes ListAfter to the replica when one is configured.
// Replica lag can delay delivery but never skips messages, since cursors are
// always read from the primary.
func WithReplicaReads(enabled bool) Option {
	return func(repo *Repository) {
		repo.replicaReads = enabled
	}
}

// WithSerializedAppends controls the transaction-scoped advisory lock taken by
// AppendWithTx. With it, ids are assigned in commit order, so a reader can never
// observe id N+1 before id N. Disabling it trades that guarantee for throughput.
func WithSerializedAppends(enabled bool) Option {
	return func(repo *Repository) {
		repo.serializeAppends = enabled
	}
}

// Repository implements outbox.Repository on PostgreSQL.
type Repository struct {
	conn             connection
	logger           libLog.Logger
	tracer           trace.Tracer
	messagesTable    string
	consumersTable   string
	replicaReads     bool
	serializeAppends bool
	appendLockKey    int64
}

var _ outbox.Repository = (*Repository)(nil)

func NewRepository(client *Client, opts ...Option) (*Repository, error) {
	if client == nil {
		return nil, ErrConnectionRequired
	}

	return newRepository(client, opts...)
}

func newRepository(conn connection, opts ...Option) (*Repository, error) {
	repo := &Repository{
		conn:             conn,
		logger:           libLog.NewNop(),
		tracer:           libOpentelemetry.Tracer(),
		messagesTable:    defaultMessagesTable,
		consumersTable:   defaultConsumersTable,
		serializeAppends: true,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	if err := validateIdentifierPath(repo.messagesTable); err != nil {
		return nil, fmt.Errorf("messages table %q: %w", repo.messagesTable, err)
	}

	if err := validateIdentifierPath(repo.consumersTable); err != nil {
		return nil, fmt.Errorf("consumers table %q: %w", repo.consumersTable, err)
	}

	repo.appendLockKey = advisoryLockKey(repo.messagesTable)

	return repo, nil
}

// advisoryLockKey derives a stable lock id per log table.
func advisoryLockKey(table string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("lib-outbox:" + table))

	return int64(h.Sum64())
}

func (repo *Repository) initialized() bool {
	return repo != nil && !nilcheck.IsNil(repo.conn)
}

func (repo *Repository) primaryDB() (*sql.DB, error) {
	db, err := repo.conn.Primary()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	if db == nil {
		return nil, ErrNoPrimaryDB
	}

	return db, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (repo *Repository) readDB(ctx context.Context) (queryer, error) {
	if repo.replicaReads && repo.conn.HasReplica() {
		resolver, err := repo.conn.Resolver(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get database connection: %w", err)
		}

		return resolver, nil
	}

	return repo.primaryDB()
}

// AppendWithTx inserts msg inside the caller's transaction.
func (repo *Repository) AppendWithTx(ctx context.Context, tx outbox.Tx, msg *outbox.Message) (*outbox.Message, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotReady
	}

	if tx == nil {
		return nil, outbox.ErrTransactionRequired
	}

	if msg == nil {
		return nil, outbox.ErrEventRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.append_message")
	defer span.End()

	span.SetAttributes(attribute.String("outbox.message_type", msg.MessageType))

	if repo.serializeAppends {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", repo.appendLockKey); err != nil {
			libOpentelemetry.HandleSpanError(span, "failed to take append lock", err)

			return nil, fmt.Errorf("taking outbox append lock: %w", err)
		}
	}

	query := "INSERT INTO " + quoteIdentifierPath(repo.messagesTable) +
		" (created_at, message_type, version_type, key, payload) VALUES ($1, $2, $3, $4, $5) RETURNING " + messageColumns

	row := tx.QueryRowContext(ctx, query, msg.CreatedAt, msg.MessageType, msg.VersionType, nullableKey(msg.Key), msg.Payload)

	stored, err := scanMessage(row)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to append message", err)
		repo.logError(ctx, "failed to append outbox message", err)

		return nil, fmt.Errorf("appending outbox message: %w", err)
	}

	return stored, nil
}

// ListAfter returns messages with id > afterID in ascending id order.
func (repo *Repository) ListAfter(ctx context.Context, afterID int64, limit int) ([]*outbox.Message, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotReady
	}

	if limit <= 0 {
		return []*outbox.Message{}, nil
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.list_messages_after")
	defer span.End()

	db, err := repo.readDB(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to resolve read database", err)

		return nil, err
	}

	query := "SELECT " + messageColumns + " FROM " + quoteIdentifierPath(repo.messagesTable) +
		" WHERE id > $1 ORDER BY id ASC LIMIT $2"

	rows, err := db.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to list messages", err)
		repo.logError(ctx, "failed to list outbox messages", err)

		return nil, fmt.Errorf("listing outbox messages: %w", err)
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
		libOpentelemetry.HandleSpanError(span, "failed to iterate messages", err)

		return nil, fmt.Errorf("iterating outbox messages: %w", err)
	}

	return messages, nil
}

// CreateConsumer inserts consumer. The starting cursor is computed in the same
// statement so it cannot miss a concurrently committed message.
func (repo *Repository) CreateConsumer(ctx context.Context, consumer *outbox.Consumer, startAtLatest bool) (*outbox.Consumer, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotReady
	}

	if consumer == nil {
		return nil, fmt.Errorf("%w: consumer", outbox.ErrDependencyRequired)
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.create_consumer")
	defer span.End()

	db, err := repo.primaryDB()
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to resolve primary database", err)

		return nil, err
	}

	query := "INSERT INTO " + quoteIdentifierPath(repo.consumersTable) +
		" (id, name, last_consumed_message_id, created_at, updated_at)" +
		" SELECT $1, $2, CASE WHEN $3::boolean THEN COALESCE((SELECT MAX(id) FROM " +
		quoteIdentifierPath(repo.messagesTable) + "), 0) ELSE 0 END, $4, $5" +
		" RETURNING " + consumerColumns

	row := db.QueryRowContext(ctx, query, consumer.ID, consumer.Name, startAtLatest, consumer.CreatedAt, consumer.UpdatedAt)

	created, err := scanConsumer(row)
	if err != nil {
		if isUniqueViolation(err) {
			libOpentelemetry.HandleSpanBusinessErrorEvent(span, "consumer already exists", err)

			return nil, outbox.ErrConsumerConflict
		}

		libOpentelemetry.HandleSpanError(span, "failed to create consumer", err)
		repo.logError(ctx, "failed to create outbox consumer", err)

		return nil, fmt.Errorf("creating outbox consumer: %w", err)
	}

	return created, nil
}

func (repo *Repository) GetConsumerByName(ctx context.Context, name string) (*outbox.Consumer, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotReady
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.get_consumer")
	defer span.End()

	db, err := repo.primaryDB()
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to resolve primary database", err)

		return nil, err
	}

	query := "SELECT " + consumerColumns + " FROM " + quoteIdentifierPath(repo.consumersTable) + " WHERE name = $1"

	consumer, err := scanConsumer(db.QueryRowContext(ctx, query, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrConsumerNotFound
		}

		libOpentelemetry.HandleSpanError(span, "failed to get consumer", err)
		repo.logError(ctx, "failed to get outbox consumer", err)

		return nil, fmt.Errorf("getting outbox consumer: %w", err)
	}

	return consumer, nil
}

func (repo *Repository) ConsumerExists(ctx context.Context, name string) (bool, error) {
	if !repo.initialized() {
		return false, ErrRepositoryNotReady
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.consumer_exists")
	defer span.End()

	db, err := repo.primaryDB()
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to resolve primary database", err)

		return false, err
	}

	var exists bool

	query := "SELECT EXISTS (SELECT 1 FROM " + quoteIdentifierPath(repo.consumersTable) + " WHERE name = $1)"
	if err := db.QueryRowContext(ctx, query, name).Scan(&exists); err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to check consumer", err)

		return false, fmt.Errorf("checking outbox consumer: %w", err)
	}

	return exists, nil
}

// AdvanceCursor moves the cursor forward with a single conditional UPDATE. When no
// row changes, the current state is re-read to report why.
func (repo *Repository) AdvanceCursor(ctx context.Context, name string, lastConsumedID int64, updatedAt time.Time) error {
	if !repo.initialized() {
		return ErrRepositoryNotReady
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.advance_cursor")
	defer span.End()

	db, err := repo.primaryDB()
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to resolve primary database", err)

		return err
	}

	consumers := quoteIdentifierPath(repo.consumersTable)
	maxID := "(SELECT COALESCE(MAX(id), 0) FROM " + quoteIdentifierPath(repo.messagesTable) + ")"

	update := "UPDATE " + consumers + " SET last_consumed_message_id = $2, updated_at = $3" +
		" WHERE name = $1 AND last_consumed_message_id <= $2 AND $2 <= " + maxID

	diagnose := "SELECT c.last_consumed_message_id, " + maxID + " FROM " + consumers + " c WHERE c.name = $1"

	for attempt := 0; attempt < maxCursorAttempts; attempt++ {
		result, err := db.ExecContext(ctx, update, name, lastConsumedID, updatedAt)
		if err != nil {
			libOpentelemetry.HandleSpanError(span, "failed to update cursor", err)
			repo.logError(ctx, "failed to update outbox cursor", err)

			return fmt.Errorf("updating outbox cursor: %w", err)
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

		if err := db.QueryRowContext(ctx, diagnose, name).Scan(&current, &latest); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				libOpentelemetry.HandleSpanError(span, "failed to read cursor", err)

				return fmt.Errorf("reading outbox cursor: %w", err)
			}

			found = false
		}

		if rejection := outbox.ClassifyCursorRejection(found, current, latest, lastConsumedID); rejection != nil {
			libOpentelemetry.HandleSpanBusinessErrorEvent(span, "cursor update rejected", rejection)

			return rejection
		}
	}

	return fmt.Errorf("updating outbox cursor for %q: state kept changing", name)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(scanner rowScanner) (*outbox.Message, error) {
	var (
		msg outbox.Message
		key sql.NullString
	)

	if err := scanner.Scan(&msg.ID, &msg.CreatedAt, &msg.MessageType, &msg.VersionType, &key, &msg.Payload); err != nil {
		return nil, fmt.Errorf("scanning outbox message: %w", err)
	}

	msg.CreatedAt = msg.CreatedAt.UTC()

	if key.Valid {
		msg.Key = key.String
	}

	return &msg, nil
}

func scanConsumer(scanner rowScanner) (*outbox.Consumer, error) {
	var consumer outbox.Consumer

	if err := scanner.Scan(
		&consumer.ID,
		&consumer.Name,
		&consumer.LastConsumedMessageID,
		&consumer.CreatedAt,
		&consumer.UpdatedAt,
	); err != nil {
		return nil, err
	}

	consumer.CreatedAt = consumer.CreatedAt.UTC()
	consumer.UpdatedAt = consumer.UpdatedAt.UTC()

	return &consumer, nil
}

func nullableKey(key string) sql.NullString {
	return sql.NullString{String: key, Valid: key != ""}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func (repo *Repository) logError(ctx context.Context, message string, err error) {
	repo.logger.Log(ctx, libLog.LevelError, message, libLog.String("error", outbox.SanitizeError(err)))
}
