package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stagewire/stagewire/internal/wire"
)

func kindOf(t *testing.T, err error) wire.Kind {
	t.Helper()
	var we *wire.Error
	if !errors.As(err, &we) {
		t.Fatalf("error %v carries no kind", err)
	}
	return we.Kind
}

func TestCorrelatorResolve(t *testing.T) {
	c := NewCorrelator()

	done := make(chan CommandOutcome, 1)
	go func() {
		out, err := c.Wait(context.Background(), "v1", "cmd-1")
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		done <- out
	}()

	// Give the waiter time to register.
	deadline := time.Now().Add(time.Second)
	for {
		c.mu.Lock()
		registered := len(c.waiters) == 1
		c.mu.Unlock()
		if registered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("waiter never registered")
		}
		time.Sleep(time.Millisecond)
	}

	ok := c.Resolve("v1", &wire.Envelope{
		Type:    wire.TypeCommandResult,
		ID:      "cmd-1",
		Command: "switcher.cut",
		Result:  json.RawMessage(`"done"`),
	})
	if !ok {
		t.Fatal("Resolve found no waiter")
	}

	select {
	case out := <-done:
		if out.Command != "switcher.cut" || string(out.Result) != `"done"` {
			t.Errorf("outcome = %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never resolved")
	}
}

func TestCorrelatorTimeout(t *testing.T) {
	old := correlationDeadline
	correlationDeadline = 30 * time.Millisecond
	defer func() { correlationDeadline = old }()

	c := NewCorrelator()
	_, err := c.Wait(context.Background(), "v1", "never-answered")
	if kindOf(t, err) != wire.KindTimeout {
		t.Errorf("kind = %v, want timeout", kindOf(t, err))
	}
}

func TestCorrelatorWrongVenueDoesNotResolve(t *testing.T) {
	old := correlationDeadline
	correlationDeadline = 30 * time.Millisecond
	defer func() { correlationDeadline = old }()

	c := NewCorrelator()
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Wait(context.Background(), "v1", "cmd-1")
		errCh <- err
	}()
	time.Sleep(5 * time.Millisecond)

	if c.Resolve("v2", &wire.Envelope{ID: "cmd-1"}) {
		t.Error("result for wrong venue resolved a waiter")
	}

	select {
	case err := <-errCh:
		if kindOf(t, err) != wire.KindTimeout {
			t.Errorf("kind = %v, want timeout", kindOf(t, err))
		}
	case <-time.After(time.Second):
		t.Fatal("waiter stuck")
	}
}

func TestCorrelatorLateResultIgnored(t *testing.T) {
	c := NewCorrelator()
	if c.Resolve("v1", &wire.Envelope{ID: "nobody-waiting"}) {
		t.Error("Resolve reported success with no waiter")
	}
}

func TestCorrelatorShutdownDrainsWaiters(t *testing.T) {
	c := NewCorrelator()

	errs := make(chan error, 2)
	for _, id := range []string{"a", "b"} {
		go func(id string) {
			_, err := c.Wait(context.Background(), "v1", id)
			errs <- err
		}(id)
	}

	deadline := time.Now().Add(time.Second)
	for {
		c.mu.Lock()
		n := len(c.waiters)
		c.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("waiters never registered")
		}
		time.Sleep(time.Millisecond)
	}

	c.Shutdown()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if kindOf(t, err) != wire.KindServiceUnavailable {
				t.Errorf("kind = %v, want service_unavailable", kindOf(t, err))
			}
		case <-time.After(time.Second):
			t.Fatal("waiter not drained on shutdown")
		}
	}

	// New waits fail fast after shutdown.
	_, err := c.Wait(context.Background(), "v1", "after")
	if kindOf(t, err) != wire.KindServiceUnavailable {
		t.Errorf("post-shutdown kind = %v, want service_unavailable", kindOf(t, err))
	}
}
