// Package retry tracks user-facing failures and drives their retry
// lifecycle: classification, exponential backoff up to a ceiling, and a
// subscribe/clear notification surface.
package retry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syllogic-ai/genai-datavis-sub001/internal/notify"
)

// Notification display durations. Validation failures are short-lived; the
// transient kinds stay up longer because they self-heal in the background.
const (
	validationTTL = 5 * time.Second
	transientTTL  = 8 * time.Second
)

// Record is one tracked failure. RetryCount never exceeds the controller's
// MaxRetries; a record at the ceiling stays visible until cleared but is
// never auto-retried again.
type Record struct {
	ID          string    `json:"id"`
	Message     string    `json:"message"`
	Kind        Kind      `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
	Recoverable bool      `json:"recoverable"`
	RetryCount  int       `json:"retry_count"`
	Source      string    `json:"source"`
}

// Options configure a Controller.
type Options struct {
	MaxRetries int           // retry ceiling, default 3
	BaseDelay  time.Duration // first backoff step, default 1s
	AutoRetry  bool          // schedule retries without user action
	Notifier   notify.Notifier
}

// Controller owns the failure list. It is shared by reference across
// callers and safe for concurrent use.
type Controller struct {
	opts Options

	mu      sync.Mutex
	records map[string]*Record
	ops     map[string]func() error
	timers  map[string]*time.Timer
	closed  bool
}

// New builds a controller, applying defaults for zero options.
func New(opts Options) *Controller {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Second
	}
	opts.Notifier = notify.OrNop(opts.Notifier)
	return &Controller{
		opts:    opts,
		records: make(map[string]*Record),
		ops:     make(map[string]func() error),
		timers:  make(map[string]*time.Timer),
	}
}

// AddParams collects inputs for Add; zero fields are derived from Err.
type AddParams struct {
	Err         error
	Kind        Kind   // "" means Classify(Err)
	Message     string // "" means the per-kind default
	Source      string
	Recoverable *bool // nil means the per-kind default
	Silent      bool  // skip the notification (caller surfaced its own)
	Op          func() error
}

// Add registers a failure and returns its record id. When AutoRetry is on
// and the failure is recoverable with an operation attached, the first
// retry is scheduled at BaseDelay.
func (c *Controller) Add(p AddParams) string {
	kind := p.Kind
	if kind == "" {
		kind = Classify(p.Err)
	}
	message := p.Message
	if message == "" {
		message = messageFor(kind, p.Err)
	}
	recoverable := recoverableByDefault(kind)
	if p.Recoverable != nil {
		recoverable = *p.Recoverable
	}

	rec := &Record{
		ID:          uuid.New().String(),
		Message:     message,
		Kind:        kind,
		Timestamp:   time.Now(),
		Recoverable: recoverable,
		Source:      p.Source,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ""
	}
	c.records[rec.ID] = rec
	if p.Op != nil {
		c.ops[rec.ID] = p.Op
	}
	schedule := c.opts.AutoRetry && recoverable && p.Op != nil
	if schedule {
		c.scheduleLocked(rec.ID, c.opts.BaseDelay)
	}
	c.mu.Unlock()

	if !p.Silent {
		ttl := transientTTL
		if kind == KindValidation {
			ttl = validationTTL
		}
		c.opts.Notifier.Push(notify.Failure(rec.ID, message, ttl))
	}
	return rec.ID
}

// Retry re-runs the operation behind a failure. It is a no-op for unknown
// ids, non-recoverable records, records at the retry ceiling, and records
// without an operation. Success removes the record; failure leaves it in
// place for a later attempt.
func (c *Controller) Retry(id string) {
	c.mu.Lock()
	rec, ok := c.records[id]
	op := c.ops[id]
	if !ok || c.closed || !rec.Recoverable || rec.RetryCount >= c.opts.MaxRetries || op == nil {
		c.mu.Unlock()
		return
	}
	rec.RetryCount++
	count := rec.RetryCount
	c.stopTimerLocked(id)
	c.mu.Unlock()

	if err := op(); err == nil {
		c.Remove(id)
		c.opts.Notifier.Push(notify.Success(id, "Recovered after retry."))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, still := c.records[id]; !still || c.closed {
		return
	}
	if c.opts.AutoRetry && count < c.opts.MaxRetries {
		c.scheduleLocked(id, c.opts.BaseDelay<<uint(count))
	}
}

// Remove deletes a failure, cancelling any pending retry and dismissing its
// notification. Unknown ids are a no-op.
func (c *Controller) Remove(id string) {
	c.mu.Lock()
	_, ok := c.records[id]
	if ok {
		c.stopTimerLocked(id)
		delete(c.records, id)
		delete(c.ops, id)
	}
	c.mu.Unlock()
	if ok {
		c.opts.Notifier.Dismiss(id)
	}
}

// Clear drops every failure and pending retry.
func (c *Controller) Clear() {
	c.mu.Lock()
	for id := range c.timers {
		c.stopTimerLocked(id)
	}
	c.records = make(map[string]*Record)
	c.ops = make(map[string]func() error)
	c.mu.Unlock()
	c.opts.Notifier.DismissAll()
}

// Close clears everything and rejects further additions.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	for id := range c.timers {
		c.stopTimerLocked(id)
	}
	c.records = make(map[string]*Record)
	c.ops = make(map[string]func() error)
	c.mu.Unlock()
}

// Records returns a snapshot ordered by timestamp.
func (c *Controller) Records() []Record {
	c.mu.Lock()
	out := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, *rec)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Get returns a record snapshot by id.
func (c *Controller) Get(id string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (c *Controller) scheduleLocked(id string, delay time.Duration) {
	c.stopTimerLocked(id)
	c.timers[id] = time.AfterFunc(delay, func() {
		c.Retry(id)
	})
}

func (c *Controller) stopTimerLocked(id string) {
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
}

// Guard runs op with best-effort semantics: a failure is routed through the
// controller and the zero value returned, so call sites skip their own
// error plumbing. The bool reports whether op succeeded.
func Guard[T any](ctx context.Context, c *Controller, source string, op func(ctx context.Context) (T, error)) (T, bool) {
	v, err := op(ctx)
	if err != nil {
		var zero T
		c.Add(AddParams{Err: err, Source: source})
		return zero, false
	}
	return v, true
}
