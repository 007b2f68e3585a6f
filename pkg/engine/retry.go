package engine

import (
	"context"
	"errors"
	"time"

	"github.com/wattkeeper/wattkeeper/pkg/inverter"
)

const (
	hardwareAttempts = 3
	hardwareBackoff  = 500 * time.Millisecond

	persistAttempts = 3
	persistBackoff  = 250 * time.Millisecond
)

// retryDo runs fn up to attempts times with doubling backoff between tries.
// It returns the number of tries made. A rejection from the inverter is not
// retried, the payload will not get better.
func retryDo(ctx context.Context, attempts int, backoff time.Duration, fn func() error) (int, error) {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return i, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = fn(); err == nil {
			return i + 1, nil
		}
		if errors.Is(err, inverter.ErrRejected) {
			return i + 1, err
		}
	}
	return attempts, err
}
