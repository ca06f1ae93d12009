// Package dispatcher runs one ordered queue per user. Entries of the same
// user are handled strictly one at a time in enqueue order; different users
// proceed in parallel, bounded by a global concurrency limit.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/channels"
)

// Outcome is the result of an Enqueue call.
type Outcome string

const (
	// Accepted means the entry was queued.
	Accepted Outcome = "accepted"

	// Duplicate means an entry with the same dedupe key is queued or in flight.
	Duplicate Outcome = "duplicate"

	// Busy means the user's queue is at its depth ceiling.
	Busy Outcome = "busy"

	// RateLimited means the user exceeded the per-user rate.
	RateLimited Outcome = "rate_limited"
)

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("dispatcher stopped")

// Entry is one unit of work for a user.
type Entry struct {
	UserID     string
	DedupeKey  string
	Message    *channels.IncomingMessage
	EnqueuedAt time.Time
}

// Handler processes one entry. A returned error or panic is reported to
// OnFailure; the user's queue continues with the next entry.
type Handler interface {
	Handle(ctx context.Context, entry Entry) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, entry Entry) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, entry Entry) error { return f(ctx, entry) }

// Config controls queue limits.
type Config struct {
	// MaxDepth is the number of entries a user may have waiting behind the
	// one in flight.
	MaxDepth int

	// MaxConcurrency bounds how many users are handled at once.
	MaxConcurrency int

	// RatePerSecond and Burst configure a per-user limiter. Zero disables it.
	RatePerSecond float64
	Burst         int

	// OnFailure is called after a handler error or panic.
	OnFailure func(ctx context.Context, entry Entry, err error)
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Users       int    `json:"users"`
	Queued      int    `json:"queued"`
	InFlight    int    `json:"in_flight"`
	Accepted    uint64 `json:"accepted"`
	Duplicates  uint64 `json:"duplicates"`
	Busy        uint64 `json:"busy"`
	RateLimited uint64 `json:"rate_limited"`
	Processed   uint64 `json:"processed"`
	Failed      uint64 `json:"failed"`
}

// userQueue is the state of one user. Guarded by Dispatcher.mu.
type userQueue struct {
	pending  []Entry
	keys     map[string]struct{}
	running  bool
	inFlight bool
	limiter  *rate.Limiter
}

// Dispatcher owns the per-user queues.
type Dispatcher struct {
	handler Handler
	cfg     Config
	logger  *slog.Logger

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queues  map[string]*userQueue
	stopped bool

	accepted    atomic.Uint64
	duplicates  atomic.Uint64
	busy        atomic.Uint64
	rateLimited atomic.Uint64
	processed   atomic.Uint64
	failed      atomic.Uint64
}

// New creates a dispatcher.
func New(handler Handler, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 16
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.RatePerSecond > 0 && cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		handler: handler,
		cfg:     cfg,
		logger:  logger.With("component", "dispatcher"),
		sem:     make(chan struct{}, cfg.MaxConcurrency),
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[string]*userQueue),
	}
}

// Enqueue adds an entry to its user's queue.
func (d *Dispatcher) Enqueue(ctx context.Context, e Entry) (Outcome, error) {
	if e.UserID == "" {
		return "", fmt.Errorf("enqueue: empty user id")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return "", ErrStopped
	}

	q := d.queues[e.UserID]
	if q == nil {
		q = &userQueue{keys: make(map[string]struct{})}
		if d.cfg.RatePerSecond > 0 {
			q.limiter = rate.NewLimiter(rate.Limit(d.cfg.RatePerSecond), d.cfg.Burst)
		}
		d.queues[e.UserID] = q
	}

	if e.DedupeKey != "" {
		if _, seen := q.keys[e.DedupeKey]; seen {
			d.duplicates.Add(1)
			d.logger.Debug("duplicate entry discarded", "user_id", e.UserID, "dedupe_key", e.DedupeKey)
			return Duplicate, nil
		}
	}
	if len(q.pending) >= d.cfg.MaxDepth {
		d.busy.Add(1)
		d.logger.Warn("user queue full", "user_id", e.UserID, "depth", len(q.pending))
		return Busy, nil
	}
	if q.limiter != nil && !q.limiter.Allow() {
		d.rateLimited.Add(1)
		return RateLimited, nil
	}

	q.pending = append(q.pending, e)
	if e.DedupeKey != "" {
		q.keys[e.DedupeKey] = struct{}{}
	}
	d.accepted.Add(1)

	if !q.running {
		q.running = true
		d.wg.Add(1)
		go d.drain(e.UserID, q)
	}
	return Accepted, nil
}

// drain handles a user's entries until the queue is empty.
func (d *Dispatcher) drain(userID string, q *userQueue) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			if d.idle(q) {
				delete(d.queues, userID)
			}
			d.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.pending[0] = Entry{}
		q.pending = q.pending[1:]
		q.inFlight = true
		d.mu.Unlock()

		if d.acquire() {
			d.run(e)
			<-d.sem
		} else {
			d.logger.Warn("dropping entry on shutdown", "user_id", userID, "dedupe_key", e.DedupeKey)
		}

		d.mu.Lock()
		q.inFlight = false
		if e.DedupeKey != "" {
			delete(q.keys, e.DedupeKey)
		}
		d.mu.Unlock()
	}
}

// acquire takes a concurrency slot. It fails once the dispatcher context is
// canceled, even when a slot is free.
func (d *Dispatcher) acquire() bool {
	if d.ctx.Err() != nil {
		return false
	}
	select {
	case d.sem <- struct{}{}:
		if d.ctx.Err() != nil {
			<-d.sem
			return false
		}
		return true
	case <-d.ctx.Done():
		return false
	}
}

// idle reports whether q can be dropped without losing limiter state.
func (d *Dispatcher) idle(q *userQueue) bool {
	if q.running || q.inFlight || len(q.pending) > 0 {
		return false
	}
	return q.limiter == nil || q.limiter.Tokens() >= float64(d.cfg.Burst)
}

func (d *Dispatcher) run(e Entry) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic",
				"user_id", e.UserID, "panic", r, "stack", string(debug.Stack()))
			d.fail(e, fmt.Errorf("handler panic: %v", r))
		}
	}()

	if err := d.handler.Handle(d.ctx, e); err != nil {
		d.fail(e, err)
		return
	}
	d.processed.Add(1)
	d.logger.Debug("entry handled",
		"user_id", e.UserID, "wait", start.Sub(e.EnqueuedAt), "duration", time.Since(start))
}

func (d *Dispatcher) fail(e Entry, err error) {
	d.failed.Add(1)
	d.logger.Error("entry failed", "user_id", e.UserID, "dedupe_key", e.DedupeKey, "error", err)
	if d.cfg.OnFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("failure hook panic", "user_id", e.UserID, "panic", r)
		}
	}()
	d.cfg.OnFailure(d.ctx, e, err)
}

// Depth returns the number of queued plus in-flight entries of a user.
func (d *Dispatcher) Depth(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queues[userID]
	if q == nil {
		return 0
	}
	n := len(q.pending)
	if q.inFlight {
		n++
	}
	return n
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	s := Stats{Users: len(d.queues)}
	for _, q := range d.queues {
		s.Queued += len(q.pending)
		if q.inFlight {
			s.InFlight++
		}
	}
	d.mu.Unlock()

	s.Accepted = d.accepted.Load()
	s.Duplicates = d.duplicates.Load()
	s.Busy = d.busy.Load()
	s.RateLimited = d.rateLimited.Load()
	s.Processed = d.processed.Load()
	s.Failed = d.failed.Load()
	return s
}

// Stop rejects new entries and waits for queued work to finish. When ctx
// expires first, handlers see their context canceled and remaining entries
// are dropped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return fmt.Errorf("dispatcher stop: %w", ctx.Err())
	}
}
