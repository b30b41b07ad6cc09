// Package device implements drivers for the production hardware an agent
// manages: video switcher, video router, audio consoles, streaming encoder,
// slide software, visual clip server, and macro host. Drivers share the
// Driver surface for lifecycle handling; command handlers call the typed
// methods directly.
package device

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Driver is the uniform surface every device exposes to the agent. Connect
// and Disconnect are idempotent. IsReachable answers within probeTimeout.
// Status returns a JSON-serialisable snapshot for the telemetry stream.
type Driver interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect()
	IsReachable(ctx context.Context) bool
	Status() any
}

// probeTimeout bounds IsReachable across all drivers.
const probeTimeout = 3 * time.Second

// EventFunc receives device push events (program changes, route changes,
// stream state, slide changes). Drivers call it from their read loops;
// implementations must not block.
type EventFunc func(event string, data map[string]any)

// reconnector re-establishes a dropped device link with exponential backoff
// from 2 s to 60 s. Only one attempt loop runs at a time; triggers while one
// is in flight are no-ops.
type reconnector struct {
	log zerolog.Logger

	mu   sync.Mutex
	busy bool
}

// trigger starts a background reconnect loop unless one is already running.
// connect must return nil once the link is up; the loop stops on success or
// when ctx is cancelled.
func (r *reconnector) trigger(ctx context.Context, connect func(context.Context) error) {
	r.mu.Lock()
	if r.busy {
		r.mu.Unlock()
		return
	}
	r.busy = true
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			r.busy = false
			r.mu.Unlock()
		}()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 2 * time.Second
		b.MaxInterval = 60 * time.Second
		b.MaxElapsedTime = 0 // retry until cancelled
		b.Reset()

		for {
			if ctx.Err() != nil {
				return
			}
			err := connect(ctx)
			if err == nil {
				r.log.Info().Msg("reconnected")
				return
			}

			wait := b.NextBackOff()
			r.log.Debug().Err(err).Dur("retry_in", wait).Msg("reconnect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()
}

// clampF bounds v to [lo, hi].
func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// clampI bounds v to [lo, hi].
func clampI(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
