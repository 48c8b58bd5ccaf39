package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
)

// Pinger is the slice of a connection pool the database check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// GoroutineCountCheck returns a CheckFunc that reports unhealthy when the
// number of goroutines exceeds the given threshold. This is useful as a
// liveness check to detect goroutine leaks.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		count := runtime.NumGoroutine()
		if count > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", count, threshold)
		}
		return nil
	}
}

// DatabasePingCheck returns a CheckFunc that reports unhealthy when the
// database does not answer a ping within the check timeout. This is the
// standard readiness check for services that cannot serve without their
// store.
func DatabasePingCheck(pool Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return errors.Wrap(err, "ping database")
		}
		return nil
	}
}
