package transport

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker tracks consecutive failures for one endpoint group.
type breaker struct {
	state       breakerState
	failures    int
	lastFailure time.Time
	probing     bool
}

// BreakerSet holds one circuit breaker per logical endpoint group, keyed
// by the first two path segments of the request. After maxFailures
// consecutive failures a group opens and fails fast for coolDown; the
// first call after the window runs as a half-open probe, and its outcome
// decides whether the group closes or reopens.
type BreakerSet struct {
	mu          sync.Mutex
	groups      map[string]*breaker
	maxFailures int
	coolDown    time.Duration
	now         func() time.Time
}

// NewBreakerSet creates a breaker set with the given thresholds.
func NewBreakerSet(maxFailures int, coolDown time.Duration) *BreakerSet {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if coolDown <= 0 {
		coolDown = 60 * time.Second
	}
	return &BreakerSet{
		groups:      make(map[string]*breaker),
		maxFailures: maxFailures,
		coolDown:    coolDown,
		now:         time.Now,
	}
}

// GroupKey derives the endpoint group from a request path: the first two
// segments, e.g. "/sync/products?x=1" -> "sync/products".
func GroupKey(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	segs := strings.SplitN(path, "/", 3)
	if len(segs) >= 2 {
		return segs[0] + "/" + segs[1]
	}
	return segs[0]
}

// Allow reports whether a call to the group may proceed. In half-open
// state only a single probe passes until its result is recorded.
func (b *BreakerSet) Allow(group string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	br, ok := b.groups[group]
	if !ok {
		return true
	}

	switch br.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().Sub(br.lastFailure) >= b.coolDown {
			br.state = breakerHalfOpen
			br.probing = true
			slog.Debug("breaker half-open", "group", group)
			return true
		}
		return false
	case breakerHalfOpen:
		if br.probing {
			return false // one probe already in flight
		}
		br.probing = true
		return true
	}
	return true
}

// Record feeds a call outcome back into the group's breaker. Passing a
// nil err closes the breaker and zeroes the failure count.
func (b *BreakerSet) Record(group string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	br, ok := b.groups[group]
	if !ok {
		br = &breaker{}
		b.groups[group] = br
	}
	br.probing = false

	if err == nil {
		if br.state != breakerClosed {
			slog.Info("breaker closed", "group", group)
		}
		br.state = breakerClosed
		br.failures = 0
		return
	}

	br.failures++
	br.lastFailure = b.now()
	if br.state == breakerHalfOpen || br.failures >= b.maxFailures {
		if br.state != breakerOpen {
			slog.Warn("breaker opened", "group", group, "failures", br.failures)
		}
		br.state = breakerOpen
	}
}

// State returns the group's state as a string, for status output.
func (b *BreakerSet) State(group string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.groups[group]
	if !ok {
		return "closed"
	}
	switch br.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Failures returns the group's consecutive-failure count.
func (b *BreakerSet) Failures(group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if br, ok := b.groups[group]; ok {
		return br.failures
	}
	return 0
}
