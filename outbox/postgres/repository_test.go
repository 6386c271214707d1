//go:build unit

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/LerianStudio/lib-outbox/outbox"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConnection struct {
	primary    *sql.DB
	primaryErr error
	replica    bool
}

func (s stubConnection) Resolver(context.Context) (dbresolver.DB, error) {
	return nil, errors.New("resolver unavailable")
}

func (s stubConnection) Primary() (*sql.DB, error) { return s.primary, s.primaryErr }

func (s stubConnection) HasReplica() bool { return s.replica }

func TestValidateIdentifierPath(t *testing.T) {
	t.Parallel()

	valid := []string{"outbox_messages", "events.outbox_messages", "_t1"}
	for _, path := range valid {
		assert.NoError(t, validateIdentifierPath(path), path)
	}

	invalid := []string{"", "1table", "outbox-messages", "a.b.c", "x; DROP TABLE y", strings.Repeat("a", 64)}
	for _, path := range invalid {
		assert.ErrorIs(t, validateIdentifierPath(path), ErrInvalidIdentifier, path)
	}
}

func TestQuoteIdentifierPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"events"."outbox_messages"`, quoteIdentifierPath("events.outbox_messages"))
	assert.Equal(t, `"we""ird"`, quoteIdentifier(`we"ird`))
	assert.Equal(t, `"nul"`, quoteIdentifier("n\x00ul"))
}

func TestNewRepository_Options(t *testing.T) {
	t.Parallel()

	_, err := NewRepository(nil)
	require.ErrorIs(t, err, ErrConnectionRequired)

	repo, err := newRepository(stubConnection{})
	require.NoError(t, err)
	assert.Equal(t, defaultMessagesTable, repo.messagesTable)
	assert.Equal(t, defaultConsumersTable, repo.consumersTable)
	assert.True(t, repo.serializeAppends)
	assert.False(t, repo.replicaReads)

	repo, err = newRepository(stubConnection{},
		WithMessagesTable("events.log"),
		WithConsumersTable("events.cursors"),
		WithSerializedAppends(false),
		WithReplicaReads(true),
		WithLogger(nil),
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, "events.log", repo.messagesTable)
	assert.False(t, repo.serializeAppends)
	assert.True(t, repo.replicaReads)
	assert.NotNil(t, repo.logger)

	_, err = newRepository(stubConnection{}, WithMessagesTable("bad name"))
	require.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = newRepository(stubConnection{}, WithConsumersTable("x.y.z"))
	require.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestAdvisoryLockKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, advisoryLockKey("outbox_messages"), advisoryLockKey("outbox_messages"))
	assert.NotEqual(t, advisoryLockKey("outbox_messages"), advisoryLockKey("events.outbox_messages"))
}

func TestRepository_RequiresConnectionAndTx(t *testing.T) {
	t.Parallel()

	var repo *Repository

	_, err := repo.ListAfter(context.Background(), 0, 10)
	require.ErrorIs(t, err, ErrRepositoryNotReady)

	_, err = repo.GetConsumerByName(context.Background(), "billing")
	require.ErrorIs(t, err, ErrRepositoryNotReady)

	ready, err := newRepository(stubConnection{})
	require.NoError(t, err)

	_, err = ready.AppendWithTx(context.Background(), nil, &outbox.Message{})
	require.ErrorIs(t, err, outbox.ErrTransactionRequired)

	msgs, err := ready.ListAfter(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRepository_PrimaryErrors(t *testing.T) {
	t.Parallel()

	repo, err := newRepository(stubConnection{primaryErr: ErrNotConnected})
	require.NoError(t, err)

	_, err = repo.GetConsumerByName(context.Background(), "billing")
	require.ErrorIs(t, err, ErrNotConnected)

	err = repo.AdvanceCursor(context.Background(), "billing", 1, fixedTime())
	require.ErrorIs(t, err, ErrNotConnected)

	repo, err = newRepository(stubConnection{})
	require.NoError(t, err)

	_, err = repo.ConsumerExists(context.Background(), "billing")
	require.ErrorIs(t, err, ErrNoPrimaryDB)
}

func TestRepository_ReplicaReadsUseResolver(t *testing.T) {
	t.Parallel()

	repo, err := newRepository(stubConnection{replica: true}, WithReplicaReads(true))
	require.NoError(t, err)

	_, err = repo.ListAfter(context.Background(), 0, 5)
	require.ErrorContains(t, err, "resolver unavailable")
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	assert.True(t, isUniqueViolation(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("23505")))
}

func TestNullableKey(t *testing.T) {
	t.Parallel()

	assert.False(t, nullableKey("").Valid)
	assert.Equal(t, sql.NullString{String: "acc-1", Valid: true}, nullableKey("acc-1"))
}

func TestEmbeddedMigrations(t *testing.T) {
	t.Parallel()

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	assert.ElementsMatch(t, []string{"000001_outbox.up.sql", "000001_outbox.down.sql"}, names)

	require.Error(t, validateDBName("bad-name"))
	require.NoError(t, validateDBName("outbox"))
}
