package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-outbox/outbox/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-outbox/outbox/log"
)

const (
	defaultPollInterval  = 2 * time.Second
	defaultPollBatchSize = 50
)

// ConsumerLocker grants exclusive use of a consumer name across processes.
// acquired is false when another holder owns the lease.
type ConsumerLocker interface {
	TryLock(ctx context.Context, consumerName string) (unlock func(context.Context) error, acquired bool, err error)
}

// PollerConfig controls the consumer loop.
type PollerConfig struct {
	// Interval is the pause between cycles that drained the backlog.
	Interval time.Duration
	// BatchSize is the Fetch limit per cycle, capped at MaxFetchLimit.
	BatchSize int
	// Locker, when set, must be acquired before each cycle and is held until
	// the cycle ends.
	Locker ConsumerLocker
}

// DefaultPollerConfig returns the baseline poller configuration.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:  defaultPollInterval,
		BatchSize: defaultPollBatchSize,
	}
}

func (cfg *PollerConfig) normalize() {
	defaults := DefaultPollerConfig()

	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.BatchSize > MaxFetchLimit {
		cfg.BatchSize = MaxFetchLimit
	}

	if nilcheck.IsNil(cfg.Locker) {
		cfg.Locker = nil
	}
}

// Poller drives Fetch, DispatchBatch and Commit for one consumer. A failed cycle
// commits nothing, so the next cycle sees the same messages again.
type Poller struct {
	consumer   string
	retriever  *Retriever
	dispatcher *Dispatcher
	cursor     *CursorAdvancer
	cfg        PollerConfig
	opts       options

	runMu   sync.Mutex
	running bool
}

// CycleResult describes one poll cycle.
type CycleResult struct {
	Dispatched int
	LastID     int64
	HasMore    bool
	Skipped    bool
}

func NewPoller(
	consumerName string,
	retriever *Retriever,
	dispatcher *Dispatcher,
	cursor *CursorAdvancer,
	cfg PollerConfig,
	opts ...Option,
) (*Poller, error) {
	if err := ValidateConsumerName(consumerName); err != nil {
		return nil, err
	}

	if retriever == nil || dispatcher == nil || cursor == nil {
		return nil, fmt.Errorf("%w: retriever, dispatcher and cursor advancer", ErrDependencyRequired)
	}

	cfg.normalize()

	resolved := newOptions(opts)
	resolved.logger = resolved.logger.With(libLog.String("consumer", consumerName))

	return &Poller{
		consumer:   consumerName,
		retriever:  retriever,
		dispatcher: dispatcher,
		cursor:     cursor,
		cfg:        cfg,
		opts:       resolved,
	}, nil
}

// Run polls until ctx is done. A cycle that leaves a backlog is followed
// immediately by the next one.
func (p *Poller) Run(ctx context.Context) error {
	p.runMu.Lock()
	if p.running {
		p.runMu.Unlock()

		return ErrPollerRunning
	}

	p.running = true
	p.runMu.Unlock()

	defer func() {
		p.runMu.Lock()
		p.running = false
		p.runMu.Unlock()
	}()

	p.opts.logger.Log(ctx, libLog.LevelInfo, "outbox poller started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.opts.logger.Log(context.WithoutCancel(ctx), libLog.LevelInfo, "outbox poller stopped")

			return nil
		case <-timer.C:
		}

		result, err := p.pollRecovered(ctx)
		if err != nil && ctx.Err() == nil {
			p.opts.logger.Log(ctx, libLog.LevelError, "outbox poll cycle failed",
				libLog.String("error", SanitizeError(err)))
		}

		if err == nil && result.HasMore {
			timer.Reset(0)

			continue
		}

		timer.Reset(p.cfg.Interval)
	}
}

// pollRecovered turns a panicking observer into a failed cycle. Nothing is
// committed, so the batch is fetched again on the next cycle.
func (p *Poller) pollRecovered(ctx context.Context) (result CycleResult, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = CycleResult{}
			err = fmt.Errorf("%w: %v", ErrPollCyclePanicked, recovered)
		}
	}()

	return p.PollOnce(ctx)
}

// PollOnce runs a single Fetch, DispatchBatch, Commit cycle.
func (p *Poller) PollOnce(ctx context.Context) (CycleResult, error) {
	if p.cfg.Locker != nil {
		unlock, acquired, err := p.cfg.Locker.TryLock(ctx, p.consumer)
		if err != nil {
			return CycleResult{}, fmt.Errorf("lock consumer %q: %w", p.consumer, err)
		}

		if !acquired {
			p.opts.logger.Log(ctx, libLog.LevelDebug, "outbox consumer held by another poller")

			return CycleResult{Skipped: true}, nil
		}

		defer func() {
			if unlockErr := unlock(context.WithoutCancel(ctx)); unlockErr != nil {
				p.opts.logger.Log(ctx, libLog.LevelWarn, "failed to release consumer lock", libLog.Err(unlockErr))
			}
		}()
	}

	batch, err := p.retriever.Fetch(ctx, p.consumer, p.cfg.BatchSize)
	if err != nil {
		return CycleResult{}, err
	}

	if batch.Count == 0 {
		return CycleResult{}, nil
	}

	if err := p.dispatcher.DispatchBatch(ctx, batch.Messages); err != nil {
		return CycleResult{}, err
	}

	lastID := batch.LastID()

	if err := p.cursor.Commit(ctx, p.consumer, lastID); err != nil {
		return CycleResult{}, err
	}

	return CycleResult{Dispatched: batch.Count, LastID: lastID, HasMore: batch.HasMore}, nil
}
