package relay

import (
	"sync"
	"time"
)

const (
	// Commands survive a disconnect for this long before being discarded.
	offlineTTL = 30 * time.Second

	// At most this many commands are held per venue; beyond it the oldest
	// is dropped.
	offlineCap = 10
)

// QueuedCommand is one command held while a venue is briefly offline.
type QueuedCommand struct {
	ID       string
	Payload  []byte
	QueuedAt time.Time
}

// Queues holds per-venue offline command queues. FIFO with drop-oldest on
// overflow; entries expire after offlineTTL.
type Queues struct {
	mu sync.Mutex
	q  map[string][]QueuedCommand

	// clock is swappable for tests.
	clock func() time.Time
}

// NewQueues creates an empty queue set.
func NewQueues() *Queues {
	return &Queues{
		q:     make(map[string][]QueuedCommand),
		clock: time.Now,
	}
}

// Enqueue appends a command for the venue, evicting the oldest entry when
// the cap is hit. Returns the resulting queue depth.
func (qs *Queues) Enqueue(venueID string, cmd QueuedCommand) int {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	cmd.QueuedAt = qs.clock()
	q := qs.prune(venueID)
	if len(q) >= offlineCap {
		q = q[1:]
	}
	q = append(q, cmd)
	qs.q[venueID] = q
	return len(q)
}

// Drain removes and returns the venue's still-fresh commands in FIFO order.
func (qs *Queues) Drain(venueID string) []QueuedCommand {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	q := qs.prune(venueID)
	delete(qs.q, venueID)
	return q
}

// Depth reports how many fresh commands are waiting for the venue.
func (qs *Queues) Depth(venueID string) int {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	q := qs.prune(venueID)
	qs.q[venueID] = q
	return len(q)
}

// Forget discards any queued commands for the venue (venue deleted).
func (qs *Queues) Forget(venueID string) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	delete(qs.q, venueID)
}

// prune drops expired entries. Caller holds qs.mu.
func (qs *Queues) prune(venueID string) []QueuedCommand {
	q := qs.q[venueID]
	cutoff := qs.clock().Add(-offlineTTL)
	for len(q) > 0 && q[0].QueuedAt.Before(cutoff) {
		q = q[1:]
	}
	return q
}
