package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/stagewire/stagewire/internal/metrics"
	"github.com/stagewire/stagewire/internal/wire"
)

// correlationDeadline bounds how long an operator waits for a
// command_result before the command is reported as timed out.
var correlationDeadline = 10 * time.Second

type waiterKey struct {
	venueID string
	id      string
}

// CommandOutcome is the resolved result of one correlated command.
type CommandOutcome struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Correlator matches command_result messages to waiting dispatch calls by
// (venueId, id). Each waiter resolves exactly once: by result, deadline, or
// relay shutdown.
type Correlator struct {
	mu      sync.Mutex
	waiters map[waiterKey]chan CommandOutcome
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{waiters: make(map[waiterKey]chan CommandOutcome)}
}

// Wait registers a waiter for (venueID, id) and blocks until the agent
// responds, the deadline passes, or ctx is cancelled. The returned error is
// wire.KindTimeout on deadline and wire.KindServiceUnavailable on shutdown.
func (c *Correlator) Wait(ctx context.Context, venueID, id string) (CommandOutcome, error) {
	key := waiterKey{venueID: venueID, id: id}
	ch := make(chan CommandOutcome, 1)

	c.mu.Lock()
	if c.waiters == nil {
		c.mu.Unlock()
		return CommandOutcome{}, wire.Errorf(wire.KindServiceUnavailable, "shutdown")
	}
	c.waiters[key] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.waiters != nil {
			delete(c.waiters, key)
		}
		c.mu.Unlock()
	}()

	timer := time.NewTimer(correlationDeadline)
	defer timer.Stop()

	select {
	case outcome, ok := <-ch:
		if !ok {
			return CommandOutcome{}, wire.Errorf(wire.KindServiceUnavailable, "shutdown")
		}
		return outcome, nil
	case <-timer.C:
		metrics.CommandTimeoutsTotal.Inc()
		return CommandOutcome{}, wire.Errorf(wire.KindTimeout, "no response within %s", correlationDeadline)
	case <-ctx.Done():
		return CommandOutcome{}, wire.WrapErr(wire.KindTimeout, "wait cancelled", ctx.Err())
	}
}

// Resolve delivers a command_result to its waiter. Returns false when no
// waiter is registered (late or unsolicited result).
func (c *Correlator) Resolve(venueID string, env *wire.Envelope) bool {
	key := waiterKey{venueID: venueID, id: env.ID}

	c.mu.Lock()
	if c.waiters == nil {
		c.mu.Unlock()
		return false
	}
	ch, ok := c.waiters[key]
	if ok {
		delete(c.waiters, key)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- CommandOutcome{
		ID:      env.ID,
		Command: env.Command,
		Result:  env.Result,
		Error:   env.Error,
	}
	return true
}

// Shutdown drains every in-flight waiter with a shutdown error. Further
// Wait calls fail immediately.
func (c *Correlator) Shutdown() {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}
