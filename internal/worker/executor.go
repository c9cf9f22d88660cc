package worker

import (
	"context"
	"fmt"
	"time"

	"media-worker/internal/config"
	"media-worker/internal/registry"
	"media-worker/internal/telemetry"
)

// ActivityExecutor runs capability handlers with a per-activity timeout
// and panic containment. A panicking handler fails its attempt as a
// transient error instead of taking the worker process down.
type ActivityExecutor struct {
	registry *registry.Registry
	timeout  time.Duration
}

func NewActivityExecutor(cfg config.Config, reg *registry.Registry) *ActivityExecutor {
	return &ActivityExecutor{registry: reg, timeout: cfg.ActivityTimeout}
}

func (e *ActivityExecutor) Execute(ctx context.Context, capability string, in registry.Input) (out registry.Output, err error) {
	handler, ok := e.registry.Resolve(capability)
	if !ok {
		return registry.Output{}, registry.Permanent(fmt.Errorf("unknown capability %q", capability))
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	telemetry.ActivitiesInFlight.Inc()
	start := time.Now()
	defer func() {
		telemetry.ActivitiesInFlight.Dec()
		telemetry.ConversionDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			out = registry.Output{}
			err = registry.Transient(fmt.Errorf("handler panic: %v", r))
		}
	}()

	return handler(ctx, in)
}
