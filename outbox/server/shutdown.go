package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/LerianStudio/lib-outbox/outbox/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-outbox/outbox/log"
	"github.com/gofiber/fiber/v2"
)

// ErrNoServersConfigured indicates neither an HTTP server nor a worker was configured.
var ErrNoServersConfigured = errors.New("no servers configured: use WithHTTPServer() or WithWorker()")

// Worker runs until ctx is cancelled. A non-nil return other than a context
// error triggers shutdown of everything else.
type Worker func(ctx context.Context) error

// Closer releases a resource during shutdown, after servers and workers stop.
type Closer func(ctx context.Context) error

type namedWorker struct {
	name string
	run  Worker
}

type namedCloser struct {
	name  string
	close Closer
}

// ServerManager handles the graceful shutdown of the HTTP server, background
// workers and the resources they use.
type ServerManager struct {
	httpServer         *fiber.App
	httpAddress        string
	workers            []namedWorker
	closers            []namedCloser
	logger             libLog.Logger
	serversStarted     chan struct{}
	serversStartedOnce sync.Once
	shutdownChan       <-chan struct{}
	shutdownOnce       sync.Once
	shutdownTimeout    time.Duration
	startupErrors      chan error
	cancelWorkers      context.CancelFunc
	workersDone        sync.WaitGroup
	firstErr           error
	errMu              sync.Mutex
}

// NewServerManager creates a new instance of ServerManager.
// A nil logger falls back to the no-op logger.
func NewServerManager(logger libLog.Logger) *ServerManager {
	if nilcheck.IsNil(logger) {
		logger = libLog.NewNop()
	}

	return &ServerManager{
		logger:          logger,
		serversStarted:  make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startupErrors:   make(chan error, 1),
	}
}

// WithHTTPServer configures the HTTP server for the ServerManager.
func (sm *ServerManager) WithHTTPServer(app *fiber.App, address string) *ServerManager {
	sm.httpServer = app
	sm.httpAddress = address

	return sm
}

// WithWorker adds a background loop, typically an outbox poller's Run.
func (sm *ServerManager) WithWorker(name string, worker Worker) *ServerManager {
	if worker != nil {
		sm.workers = append(sm.workers, namedWorker{name: name, run: worker})
	}

	return sm
}

// WithCloser registers a resource to release after servers and workers stopped.
// Closers run in reverse registration order.
func (sm *ServerManager) WithCloser(name string, closer Closer) *ServerManager {
	if closer != nil {
		sm.closers = append(sm.closers, namedCloser{name: name, close: closer})
	}

	return sm
}

// WithShutdownChannel configures a custom shutdown channel for the ServerManager.
// This allows tests to trigger shutdown deterministically instead of relying on OS signals.
func (sm *ServerManager) WithShutdownChannel(ch <-chan struct{}) *ServerManager {
	sm.shutdownChan = ch

	return sm
}

// WithShutdownTimeout bounds how long the HTTP server and workers get to stop.
// Defaults to 30 seconds.
func (sm *ServerManager) WithShutdownTimeout(d time.Duration) *ServerManager {
	if d > 0 {
		sm.shutdownTimeout = d
	}

	return sm
}

// ServersStarted returns a channel that is closed when server goroutines have been launched.
// It does not mean sockets are bound.
func (sm *ServerManager) ServersStarted() <-chan struct{} {
	return sm.serversStarted
}

// StartWithGracefulShutdown starts everything and blocks until a termination
// signal, the shutdown channel, or a failing server or worker. It returns the
// failure that triggered shutdown, if any.
func (sm *ServerManager) StartWithGracefulShutdown() error {
	if sm.httpServer == nil && len(sm.workers) == 0 {
		return ErrNoServersConfigured
	}

	sm.startServers()
	sm.handleShutdown()

	sm.errMu.Lock()
	defer sm.errMu.Unlock()

	return sm.firstErr
}

func (sm *ServerManager) startServers() {
	started := 0

	if sm.httpServer != nil {
		go func() {
			sm.logInfof("Starting HTTP server on %s", sm.httpAddress)

			if err := sm.httpServer.Listen(sm.httpAddress); err != nil {
				sm.logErrorf("HTTP server error: %v", err)
				sm.reportFailure(fmt.Errorf("HTTP server: %w", err))
			}
		}()

		started++
	}

	ctx, cancel := context.WithCancel(context.Background())
	sm.cancelWorkers = cancel

	for _, worker := range sm.workers {
		sm.workersDone.Add(1)

		go func() {
			defer sm.workersDone.Done()

			defer func() {
				if r := recover(); r != nil {
					sm.logErrorf("Worker %s panicked: %v", worker.name, r)
					sm.reportFailure(fmt.Errorf("worker %s panicked: %v", worker.name, r))
				}
			}()

			sm.logInfof("Starting worker %s", worker.name)

			if err := worker.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				sm.logErrorf("Worker %s stopped: %v", worker.name, err)
				sm.reportFailure(fmt.Errorf("worker %s: %w", worker.name, err))
			}
		}()

		started++
	}

	sm.logInfof("Launched %d server goroutine(s)", started)

	sm.serversStartedOnce.Do(func() {
		close(sm.serversStarted)
	})
}

func (sm *ServerManager) reportFailure(err error) {
	sm.errMu.Lock()
	if sm.firstErr == nil {
		sm.firstErr = err
	}
	sm.errMu.Unlock()

	select {
	case sm.startupErrors <- err:
	default:
	}
}

func (sm *ServerManager) logInfo(msg string) {
	sm.logger.Log(context.Background(), libLog.LevelInfo, msg)
}

func (sm *ServerManager) logInfof(format string, args ...any) {
	sm.logger.Log(context.Background(), libLog.LevelInfo, fmt.Sprintf(format, args...))
}

func (sm *ServerManager) logErrorf(format string, args ...any) {
	sm.logger.Log(context.Background(), libLog.LevelError, fmt.Sprintf(format, args...))
}

func (sm *ServerManager) handleShutdown() {
	if sm.shutdownChan != nil {
		select {
		case <-sm.shutdownChan:
		case err := <-sm.startupErrors:
			sm.logErrorf("Server failed: %v", err)
		}
	} else {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)

		select {
		case <-c:
		case err := <-sm.startupErrors:
			sm.logErrorf("Server failed: %v", err)
		}

		signal.Stop(c)
	}

	sm.logInfo("Gracefully shutting down all servers...")

	sm.executeShutdown()
}

// executeShutdown stops the HTTP server, then workers, then closers. Only the
// first call does anything.
func (sm *ServerManager) executeShutdown() {
	sm.shutdownOnce.Do(func() {
		if sm.httpServer != nil {
			sm.logInfo("Shutting down HTTP server...")

			if err := sm.httpServer.ShutdownWithTimeout(sm.shutdownTimeout); err != nil {
				sm.logErrorf("Error during HTTP server shutdown: %v", err)
			}
		}

		if sm.cancelWorkers != nil {
			sm.logInfo("Stopping workers...")
			sm.cancelWorkers()

			done := make(chan struct{})

			go func() {
				sm.workersDone.Wait()
				close(done)
			}()

			select {
			case <-done:
				sm.logInfo("Workers stopped")
			case <-time.After(sm.shutdownTimeout):
				sm.logErrorf("Workers did not stop within %s", sm.shutdownTimeout)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
		defer cancel()

		for i := len(sm.closers) - 1; i >= 0; i-- {
			closer := sm.closers[i]

			if err := closer.close(ctx); err != nil {
				sm.logErrorf("Failed to close %s: %v", closer.name, err)
			}
		}

		sm.logInfo("Syncing logger...")

		if err := sm.logger.Sync(ctx); err != nil {
			sm.logErrorf("Failed to sync logger: %v", err)
		}

		sm.logInfo("Graceful shutdown completed")
	})
}
