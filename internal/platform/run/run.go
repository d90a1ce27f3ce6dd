package run

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ShutdownTimeout bounds the graceful teardown of a service.
const ShutdownTimeout = 10 * time.Second

type Runner struct {
	Logger *zap.Logger
}

func New(log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{Logger: log}
}

// Until runs start until it returns or ctx is done, and maps the outcome to
// a process exit code. start must honour ctx.
func (r *Runner) Until(ctx context.Context, start func(ctx context.Context) error) int {
	errCh := make(chan error, 1)
	go func() {
		errCh <- start(ctx)
	}()

	select {
	case <-ctx.Done():
		r.Logger.Info("shutdown signal received")
		// Give start a chance to finish its own teardown.
		select {
		case err := <-errCh:
			return r.code(err)
		case <-time.After(ShutdownTimeout):
			r.Logger.Warn("shutdown timed out")
			return 1
		}
	case err := <-errCh:
		return r.code(err)
	}
}

func (r *Runner) code(err error) int {
	if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
		return 0
	}
	r.Logger.Error("service exited with error", zap.Error(err))
	return 1
}
