// Package gracefulshutdown coordinates process teardown: a signal-cancelable
// context shared by long-running work, a wait group for background
// goroutines, and a single exit point.
package gracefulshutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// GracefulShutdown owns the process lifecycle of one binary invocation.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	once sync.Once
	wg   sync.WaitGroup

	// exitFunc is injectable for tests.
	exitFunc func(int)
}

// New creates a GracefulShutdown whose context is canceled by SIGTERM or
// SIGINT.
func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

// NewWithExit creates a GracefulShutdown with a custom exit function, so
// tests can observe the exit code instead of dying.
func NewWithExit(name string, exitFunc func(int)) *GracefulShutdown {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)

	return &GracefulShutdown{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		exitFunc: exitFunc,
	}
}

// Context returns the signal-cancelable process context.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

// Go runs fn on a tracked goroutine; Shutdown waits for it.
func (s *GracefulShutdown) Go(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Shutdown cancels the context, waits for tracked goroutines, and exits with
// code. Safe to call more than once; only the first call takes effect.
func (s *GracefulShutdown) Shutdown(code int) {
	s.once.Do(func() {
		slog.Info("shutting down", "name", s.name, "code", code)
		s.cancel()
		s.wg.Wait()
		s.exitFunc(code)
	})
}
