package relay

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	commandRate  = 10 // tokens per second
	commandBurst = 10
)

// limiters lazily allocates one token bucket per venue. Buckets refill at
// commandRate and cap at commandBurst, so a burst of 10 commands passes and
// the 11th inside the same second is rejected.
type limiters struct {
	mu sync.Mutex
	m  map[string]*rate.Limiter
}

func newLimiters() *limiters {
	return &limiters{m: make(map[string]*rate.Limiter)}
}

// allow consumes one token from the venue's bucket.
func (l *limiters) allow(venueID string) bool {
	l.mu.Lock()
	lim, ok := l.m[venueID]
	if !ok {
		lim = rate.NewLimiter(commandRate, commandBurst)
		l.m[venueID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// forget releases the venue's bucket (venue deleted).
func (l *limiters) forget(venueID string) {
	l.mu.Lock()
	delete(l.m, venueID)
	l.mu.Unlock()
}
