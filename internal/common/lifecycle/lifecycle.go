// Package lifecycle runs a set of long-lived services until a shutdown
// signal arrives, then stops them in reverse order with a bounded drain.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownTimeout bounds the total stop sequence.
const ShutdownTimeout = 30 * time.Second

// Service is a long-running component managed by Run. Start blocks until the
// service exits or ctx is cancelled; Stop requests an orderly shutdown.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Run starts every service, waits for SIGINT/SIGTERM or the first service
// failure, then stops all services in reverse registration order.
func Run(ctx context.Context, services ...Service) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(services))
	var wg sync.WaitGroup

	for _, svc := range services {
		wg.Add(1)
		go func(s Service) {
			defer wg.Done()
			slog.Info("Starting service", "service", s.Name())
			if err := s.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("service %s: %w", s.Name(), err)
			}
		}(svc)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		slog.Error("Service failed, shutting down", "error", err)
		runErr = err
	case <-ctx.Done():
	}

	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer stopCancel()

	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if err := svc.Stop(stopCtx); err != nil {
			slog.Error("Service stop error", "service", svc.Name(), "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		slog.Warn("Shutdown deadline reached before all services exited")
	}

	return runErr
}

// HTTPService adapts an http.Server to the Service interface.
type HTTPService struct {
	name   string
	server *http.Server
}

func NewHTTPService(name string, server *http.Server) *HTTPService {
	return &HTTPService{name: name, server: server}
}

func (s *HTTPService) Name() string { return s.name }

func (s *HTTPService) Start(ctx context.Context) error {
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *HTTPService) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// FuncService wraps start/stop closures as a Service.
type FuncService struct {
	ServiceName string
	StartFunc   func(ctx context.Context) error
	StopFunc    func(ctx context.Context) error
}

func (s *FuncService) Name() string { return s.ServiceName }

func (s *FuncService) Start(ctx context.Context) error {
	if s.StartFunc == nil {
		<-ctx.Done()
		return nil
	}
	return s.StartFunc(ctx)
}

func (s *FuncService) Stop(ctx context.Context) error {
	if s.StopFunc == nil {
		return nil
	}
	return s.StopFunc(ctx)
}

// CleanupStack collects teardown functions registered during startup and
// runs them last-in-first-out.
type CleanupStack struct {
	mu  sync.Mutex
	fns []func() error
}

func (c *CleanupStack) Add(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, fn)
}

func (c *CleanupStack) Run() {
	c.mu.Lock()
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](); err != nil {
			slog.Error("Cleanup error", "error", err)
		}
	}
}
