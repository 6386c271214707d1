//go:build unit

package server_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	libLog "github.com/LerianStudio/lib-outbox/outbox/log"
	"github.com/LerianStudio/lib-outbox/outbox/server"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingLogger is a Logger that records messages and can return a Sync error.
type recordingLogger struct {
	mu       sync.Mutex
	messages []string
	syncErr  error
}

func (l *recordingLogger) Log(_ context.Context, _ libLog.Level, msg string, _ ...libLog.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.messages = append(l.messages, msg)
}

func (l *recordingLogger) With(_ ...libLog.Field) libLog.Logger { return l }
func (l *recordingLogger) WithGroup(_ string) libLog.Logger     { return l }
func (l *recordingLogger) Enabled(_ libLog.Level) bool          { return true }
func (l *recordingLogger) Sync(_ context.Context) error         { return l.syncErr }
func (l *recordingLogger) getMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := make([]string, len(l.messages))
	copy(cp, l.messages)

	return cp
}

func TestStartWithGracefulShutdown_NoServers(t *testing.T) {
	sm := server.NewServerManager(nil)

	err := sm.StartWithGracefulShutdown()
	require.ErrorIs(t, err, server.ErrNoServersConfigured)
}

func TestServerManagerChaining(t *testing.T) {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	sm1 := server.NewServerManager(nil).WithHTTPServer(app, ":8080")
	sm2 := sm1.WithShutdownTimeout(time.Second).WithWorker("noop", func(context.Context) error { return nil })

	assert.Same(t, sm1, sm2)
}

func TestStartWithGracefulShutdown_WorkersAndClosers(t *testing.T) {
	logger := &recordingLogger{}
	shutdownChan := make(chan struct{})

	var (
		mu    sync.Mutex
		order []string
	)

	record := func(step string) {
		mu.Lock()
		defer mu.Unlock()

		order = append(order, step)
	}

	workerStopped := make(chan struct{})

	sm := server.NewServerManager(logger).
		WithWorker("poller", func(ctx context.Context) error {
			<-ctx.Done()
			record("worker")
			close(workerStopped)

			return ctx.Err()
		}).
		WithCloser("db", func(context.Context) error {
			record("db")

			return nil
		}).
		WithCloser("broker", func(context.Context) error {
			record("broker")

			return errors.New("already closed")
		}).
		WithShutdownChannel(shutdownChan).
		WithShutdownTimeout(2 * time.Second)

	done := make(chan error, 1)

	go func() { done <- sm.StartWithGracefulShutdown() }()

	<-sm.ServersStarted()
	close(shutdownChan)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	<-workerStopped

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []string{"worker", "broker", "db"}, order)
	assert.Contains(t, logger.getMessages(), "Graceful shutdown completed")
	assert.Contains(t, logger.getMessages(), "Failed to close broker: already closed")
}

func TestStartWithGracefulShutdown_FailingWorkerStopsEverything(t *testing.T) {
	boom := errors.New("poller gave up")
	siblingCancelled := make(chan struct{})

	sm := server.NewServerManager(nil).
		WithWorker("failing", func(context.Context) error { return boom }).
		WithWorker("sibling", func(ctx context.Context) error {
			<-ctx.Done()
			close(siblingCancelled)

			return nil
		}).
		WithShutdownChannel(make(chan struct{})).
		WithShutdownTimeout(2 * time.Second)

	done := make(chan error, 1)

	go func() { done <- sm.StartWithGracefulShutdown() }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	<-siblingCancelled
}

func TestStartWithGracefulShutdown_HTTPServer(t *testing.T) {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	shutdownChan := make(chan struct{})

	sm := server.NewServerManager(nil).
		WithHTTPServer(app, "127.0.0.1:0").
		WithShutdownChannel(shutdownChan)

	done := make(chan error, 1)

	go func() { done <- sm.StartWithGracefulShutdown() }()

	<-sm.ServersStarted()
	time.Sleep(50 * time.Millisecond)
	close(shutdownChan)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}
