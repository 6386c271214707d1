// Package redis provides a distributed per-consumer lease so that at most one
// outbox poller reads a given consumer at a time.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-outbox/outbox"
	"github.com/LerianStudio/lib-outbox/outbox/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-outbox/outbox/log"
	libOpentelemetry "github.com/LerianStudio/lib-outbox/outbox/opentelemetry"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

const defaultKeyPrefix = "outbox:consumer:"

var (
	// ErrNilClient is returned when no redis client is supplied.
	ErrNilClient = errors.New("redis client is nil")
	// ErrLockNotHeld is returned when unlock is called on a lease that expired or was taken over.
	ErrLockNotHeld = errors.New("lock was not held or already expired")
	// ErrLockExpiryInvalid is returned when lease expiry is not positive.
	ErrLockExpiryInvalid = errors.New("lock expiry must be greater than 0")
	// ErrLockDriftFactorInvalid is returned when drift factor is outside [0, 1).
	ErrLockDriftFactorInvalid = errors.New("lock drift factor must be between 0 (inclusive) and 1 (exclusive)")
	// ErrLockRenewIntervalInvalid is returned when the renew interval is not shorter than the expiry.
	ErrLockRenewIntervalInvalid = errors.New("lock renew interval must be shorter than expiry")
)

// LockOptions configures the consumer lease.
type LockOptions struct {
	// Expiry bounds how long a crashed poller can hold a consumer. A live holder
	// keeps extending the lease every RenewInterval until it unlocks.
	Expiry time.Duration
	// RenewInterval is the pause between lease extensions. Zero means Expiry/3.
	RenewInterval time.Duration
	// DriftFactor accounts for clock drift between nodes (RedLock algorithm).
	DriftFactor float64
	// KeyPrefix is prepended to the consumer name to build the redis key.
	KeyPrefix string
}

// DefaultLockOptions returns the baseline lease settings.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:        30 * time.Second,
		RenewInterval: 10 * time.Second,
		DriftFactor:   0.01,
		KeyPrefix:     defaultKeyPrefix,
	}
}

func (opts LockOptions) validate() error {
	if opts.Expiry <= 0 {
		return ErrLockExpiryInvalid
	}

	if opts.DriftFactor < 0 || opts.DriftFactor >= 1 {
		return ErrLockDriftFactorInvalid
	}

	if opts.RenewInterval <= 0 || opts.RenewInterval >= opts.Expiry {
		return ErrLockRenewIntervalInvalid
	}

	return nil
}

type Option func(*ConsumerLock)

func WithLogger(logger libLog.Logger) Option {
	return func(l *ConsumerLock) {
		if !nilcheck.IsNil(logger) {
			l.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(l *ConsumerLock) {
		if !nilcheck.IsNil(tracer) {
			l.tracer = tracer
		}
	}
}

// ConsumerLock implements outbox.ConsumerLocker with redsync mutexes.
type ConsumerLock struct {
	redsync *redsync.Redsync
	opts    LockOptions
	logger  libLog.Logger
	tracer  trace.Tracer
}

var _ outbox.ConsumerLocker = (*ConsumerLock)(nil)

// NewConsumerLock builds a lease manager over client. Zero fields in lockOpts
// take their defaults.
func NewConsumerLock(client goredislib.UniversalClient, lockOpts LockOptions, opts ...Option) (*ConsumerLock, error) {
	if nilcheck.IsNil(client) {
		return nil, ErrNilClient
	}

	defaults := DefaultLockOptions()

	if lockOpts.Expiry == 0 {
		lockOpts.Expiry = defaults.Expiry
	}

	if lockOpts.DriftFactor == 0 {
		lockOpts.DriftFactor = defaults.DriftFactor
	}

	if lockOpts.RenewInterval == 0 {
		lockOpts.RenewInterval = lockOpts.Expiry / 3
	}

	if strings.TrimSpace(lockOpts.KeyPrefix) == "" {
		lockOpts.KeyPrefix = defaults.KeyPrefix
	}

	if err := lockOpts.validate(); err != nil {
		return nil, err
	}

	lock := &ConsumerLock{
		redsync: redsync.New(goredis.NewPool(client)),
		opts:    lockOpts,
		logger:  libLog.NewNop(),
		tracer:  libOpentelemetry.Tracer(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(lock)
		}
	}

	return lock, nil
}

// Key returns the redis key guarding consumerName.
func (l *ConsumerLock) Key(consumerName string) string {
	return l.opts.KeyPrefix + consumerName
}

// TryLock attempts the lease once. A lease held elsewhere returns acquired=false
// with no error; network or context failures are returned.
func (l *ConsumerLock) TryLock(ctx context.Context, consumerName string) (func(context.Context) error, bool, error) {
	if err := outbox.ValidateConsumerName(consumerName); err != nil {
		return nil, false, err
	}

	ctx, span := l.tracer.Start(ctx, "redis.consumer_lock.try_lock")
	defer span.End()

	key := l.Key(consumerName)

	mutex := l.redsync.NewMutex(
		key,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(1),
		redsync.WithDriftFactor(l.opts.DriftFactor),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isLockContention(err) {
			l.logger.Log(ctx, libLog.LevelDebug, "consumer lease held by another process", libLog.String("lock_key", key))

			return nil, false, nil
		}

		libOpentelemetry.HandleSpanError(span, "failed to attempt consumer lease", err)

		return nil, false, fmt.Errorf("acquire consumer lease %s: %w", key, err)
	}

	l.logger.Log(ctx, libLog.LevelDebug, "consumer lease acquired", libLog.String("lock_key", key))

	renewCtx, stopRenew := context.WithCancel(context.WithoutCancel(ctx))

	var renewing sync.WaitGroup

	renewing.Add(1)

	go func() {
		defer renewing.Done()

		l.keepAlive(renewCtx, mutex)
	}()

	unlock := func(ctx context.Context) error {
		stopRenew()
		renewing.Wait()

		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			if isLockContention(err) || strings.Contains(err.Error(), "already expired") {
				return ErrLockNotHeld
			}

			return fmt.Errorf("release consumer lease %s: %w", key, err)
		}

		if !ok {
			return ErrLockNotHeld
		}

		return nil
	}

	return unlock, true, nil
}

// keepAlive extends the lease until ctx is cancelled or an extension fails.
func (l *ConsumerLock) keepAlive(ctx context.Context, mutex *redsync.Mutex) {
	ticker := time.NewTicker(l.opts.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ok, err := mutex.ExtendContext(ctx)
		if ctx.Err() != nil {
			return
		}

		if err != nil || !ok {
			fields := []libLog.Field{libLog.String("lock_key", mutex.Name())}
			if err != nil {
				fields = append(fields, libLog.Err(err))
			}

			l.logger.Log(ctx, libLog.LevelWarn, "consumer lease could not be extended", fields...)

			return
		}
	}
}

// redsync reports contention as ErrFailed or as a "lock already taken" error
// depending on how many nodes answered.
func isLockContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}
