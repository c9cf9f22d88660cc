package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Clock isolates wall-clock access so replayed runs are a pure function of
// injected time. Workflow logic never calls time.Now or time.Sleep
// directly.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGen isolates random ID generation for the same reason.
type IDGen interface {
	NewID() string
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// UUIDGen is the production IDGen.
type UUIDGen struct{}

func (UUIDGen) NewID() string { return uuid.NewString() }
