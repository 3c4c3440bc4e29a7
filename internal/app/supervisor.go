package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"marketsync/internal/scheduler"
)

func newSupervisor(logger zerolog.Logger, timeout time.Duration) *suture.Supervisor {
	log := logger.With().Str("component", "supervisor").Logger()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return suture.New("marketsync", suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warn().Fields(e.Map()).Msg(e.String())
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          timeout,
	})
}

// httpService adapts http.Server to suture's Serve contract.
type httpService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

func (h *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		timeout := h.shutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *httpService) String() string {
	return "http-server"
}

// loopService runs the scheduler as a supervised service.
type loopService struct {
	sched *scheduler.Scheduler
	tick  scheduler.TickFunc
}

func (l *loopService) Serve(ctx context.Context) error {
	return l.sched.Run(ctx, l.tick)
}

func (l *loopService) String() string {
	return "sync-loop"
}
