package sync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcus/shopsync/internal/queue"
)

// Event is an external trigger funneled into the orchestrator's request
// channel alongside its own timer.
type Event int

const (
	EventTick Event = iota
	EventOnline
	EventOffline
	EventForeground
	EventManual
)

// Orchestrator schedules push-then-pull cycles: a periodic timer plus
// connectivity and visibility events, consumed single-threaded so cycles
// never overlap. The interval adapts to recent outcomes: doubling after
// a failed cycle up to a cap, snapping back to base on success or on
// coming online.
type Orchestrator struct {
	pusher *Pusher
	puller *Puller
	log    *queue.Log

	// Authenticated reports whether credentials are present. A cycle
	// aborts silently when it returns false.
	Authenticated func() bool

	baseInterval time.Duration
	maxInterval  time.Duration

	mu       sync.Mutex
	interval time.Duration
	online   bool
	running  bool // a cycle is in flight

	requests chan Event
	stop     chan struct{}
	done     chan struct{}

	pendingCount atomic.Int64
	lastError    atomic.Value // string
}

// OrchestratorConfig tunes the cycle schedule.
type OrchestratorConfig struct {
	BaseInterval time.Duration // default 30s
	MaxInterval  time.Duration // default 5m
}

// NewOrchestrator builds the scheduler. Call Start to begin cycling.
func NewOrchestrator(pusher *Pusher, puller *Puller, log *queue.Log, authed func() bool, cfg OrchestratorConfig) *Orchestrator {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = 30 * time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Minute
	}
	if authed == nil {
		authed = func() bool { return true }
	}
	return &Orchestrator{
		pusher:        pusher,
		puller:        puller,
		log:           log,
		Authenticated: authed,
		baseInterval:  cfg.BaseInterval,
		maxInterval:   cfg.MaxInterval,
		interval:      cfg.BaseInterval,
		online:        true,
		requests:      make(chan Event, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the scheduling loop. It returns immediately; Stop (or
// cancelling ctx) shuts the loop down.
func (o *Orchestrator) Start(ctx context.Context) {
	go o.loop(ctx)
}

// Stop shuts the loop down and waits for an in-flight cycle to finish.
func (o *Orchestrator) Stop() {
	select {
	case <-o.stop:
	default:
		close(o.stop)
	}
	<-o.done
}

// Notify feeds a connectivity or visibility transition into the loop.
// Triggers arriving while a cycle runs collapse into the buffered one.
func (o *Orchestrator) Notify(ev Event) {
	if ev == EventOffline {
		o.mu.Lock()
		o.online = false
		o.mu.Unlock()
		return
	}
	select {
	case o.requests <- ev:
	default:
	}
}

// SyncNow requests an immediate cycle, collapsing into any in-flight one.
func (o *Orchestrator) SyncNow() {
	o.Notify(EventManual)
}

// PendingCount reports the queue depth observed after the last cycle.
func (o *Orchestrator) PendingCount() int64 {
	return o.pendingCount.Load()
}

// LastError returns the last cycle error message, empty when the last
// cycle was clean.
func (o *Orchestrator) LastError() string {
	if v := o.lastError.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// CurrentInterval returns the adaptive timer interval.
func (o *Orchestrator) CurrentInterval() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.interval
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.done)

	timer := time.NewTimer(o.CurrentInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-timer.C:
			o.runCycle(ctx, EventTick)
		case ev := <-o.requests:
			if ev == EventOnline {
				o.mu.Lock()
				o.online = true
				o.interval = o.baseInterval
				o.mu.Unlock()
				slog.Info("sync: back online, cycling immediately")
			}
			o.runCycle(ctx, ev)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(o.CurrentInterval())
	}
}

// runCycle executes one push-then-pull cycle. Single-flight is inherent:
// the loop is the only caller. Being offline or unauthenticated aborts
// silently; that is a skipped cycle, not an error.
func (o *Orchestrator) runCycle(ctx context.Context, trigger Event) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	online := o.online
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	if !online || !o.Authenticated() {
		slog.Debug("sync: cycle skipped", "online", online, "trigger", trigger)
		return
	}

	start := time.Now()
	pushStats, pushErr := o.pusher.Run(ctx)
	var pullStats Stats
	var pullErr error
	if pushErr == nil {
		pullStats, pullErr = o.puller.Run(ctx)
	}

	if n, err := o.log.PendingCount(); err == nil {
		o.pendingCount.Store(n)
	} else {
		slog.Warn("sync: count pending", "err", err)
	}

	err := pushErr
	if err == nil {
		err = pullErr
	}

	o.mu.Lock()
	if err != nil {
		o.interval *= 2
		if o.interval > o.maxInterval {
			o.interval = o.maxInterval
		}
	} else {
		o.interval = o.baseInterval
	}
	interval := o.interval
	o.mu.Unlock()

	if err != nil {
		o.lastError.Store(err.Error())
		slog.Warn("sync: cycle failed", "err", err, "next_interval", interval)
		return
	}
	o.lastError.Store("")
	slog.Info("sync: cycle complete",
		"pushed", pushStats.Pushed, "push_failed", pushStats.Failed,
		"conflicts", pushStats.Conflicts+pullStats.Conflicts,
		"applied", pullStats.Applied, "deleted", pullStats.Deleted,
		"pending", o.pendingCount.Load(), "took", time.Since(start).Round(time.Millisecond))
}
