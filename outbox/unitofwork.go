package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-outbox/outbox/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-outbox/outbox/log"
	libOpentelemetry "github.com/LerianStudio/lib-outbox/outbox/opentelemetry"
)

// TxBeginner starts database transactions. *sql.DB implements it.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// UnitOfWork is a transaction boundary that runs TransactionHooks around commit
// for the event sources tracked on it.
type UnitOfWork struct {
	db    TxBeginner
	hooks []TransactionHook
	opts  options

	mu      sync.Mutex
	tracked []EventSource
}

func NewUnitOfWork(db TxBeginner, hooks []TransactionHook, opts ...Option) (*UnitOfWork, error) {
	if nilcheck.IsNil(db) {
		return nil, fmt.Errorf("%w: database", ErrDependencyRequired)
	}

	kept := make([]TransactionHook, 0, len(hooks))

	for _, hook := range hooks {
		if !nilcheck.IsNil(hook) {
			kept = append(kept, hook)
		}
	}

	return &UnitOfWork{db: db, hooks: kept, opts: newOptions(opts)}, nil
}

// Track adds sources whose events are flushed on every Save. Tracking an
// already tracked source is a no-op.
func (u *UnitOfWork) Track(sources ...EventSource) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.tracked = appendUniqueSources(u.tracked, sources...)
}

func (u *UnitOfWork) changeset() *Changeset {
	u.mu.Lock()
	defer u.mu.Unlock()

	return NewChangeset(u.tracked...)
}

// Save runs fn in a new transaction, then BeforeCommit hooks, then commits.
// Any failure rolls the transaction back and notifies AfterRollback.
func (u *UnitOfWork) Save(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	ctx, span := u.opts.tracer.Start(ctx, "outbox.unit_of_work.save")
	defer span.End()

	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to begin transaction", err)

		return fmt.Errorf("begin transaction: %w", err)
	}

	changes := u.changeset()

	defer func() {
		if err == nil {
			return
		}

		libOpentelemetry.HandleSpanError(span, "unit of work rolled back", err)

		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			u.opts.logger.Log(ctx, libLog.LevelError, "failed to roll back transaction", libLog.Err(rbErr))
		}

		for _, hook := range u.hooks {
			hook.AfterRollback(ctx, changes)
		}
	}()

	if fn != nil {
		if err = fn(ctx, tx); err != nil {
			return err
		}
	}

	for _, hook := range u.hooks {
		if err = hook.BeforeCommit(ctx, tx, changes); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	for _, hook := range u.hooks {
		hook.AfterCommit(ctx, changes)
	}

	return nil
}
