// Package reconcile keeps one dashboard's client-visible widget collection
// consistent with the server's change feed, sibling client contexts, and
// locally-initiated speculative mutations. The server's record always wins;
// a speculative entry that is never confirmed is rolled back within a fixed
// bound so the user is never shown a permanently wrong state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syllogic-ai/genai-datavis-sub001/internal/models"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/notify"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/realtime"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/retry"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/telemetry"
)

// Mutation kinds an entry can track.
const (
	KindCreate = "create"
	KindUpdate = "update"
	KindDelete = "delete"
)

var (
	// ErrDuplicateEntry is returned when an entry id is already pending.
	ErrDuplicateEntry = errors.New("optimistic entry id already pending")
	// ErrClosed is returned by Add after Disconnect.
	ErrClosed = errors.New("manager disconnected")
)

// Entry is one in-flight, not-yet-confirmed mutation. The caller has already
// applied its speculative change before registering the entry; Rollback
// undoes that change if the server never confirms.
type Entry struct {
	ID          string
	Kind        string
	Widget      *models.Widget // full record for create/update
	WidgetID    string         // target id for delete
	SubmittedAt time.Time
	Rollback    func()
}

func (e Entry) targetID() string {
	if e.WidgetID != "" {
		return e.WidgetID
	}
	if e.Widget != nil {
		return e.Widget.ID
	}
	return ""
}

// Callbacks receive confirmed collection changes in delivery order. They are
// invoked outside the manager's lock.
type Callbacks struct {
	OnAdded   func(models.Widget)
	OnUpdated func(models.Widget)
	OnDeleted func(widgetID string)
}

// Options configure a Manager.
type Options struct {
	Channel   realtime.Channel
	Broadcast realtime.Broadcast // optional mirror feed
	Notifier  notify.Notifier
	Errors    *retry.Controller // optional; receives confirmation timeouts
	Callbacks Callbacks

	EntryTTL      time.Duration // unconfirmed-entry bound, default 30s
	SweepInterval time.Duration // expiry scan period, default 5s
}

// Manager owns the widget collection and pending entry set for one
// dashboard. All mutation of either happens under one mutex, so each
// incoming event and each sweep tick is atomic relative to the pending set.
type Manager struct {
	dashboardID string
	opts        Options

	mu         sync.Mutex
	widgets    map[string]models.Widget
	arrival    map[string]int // insertion sequence, breaks position ties
	nextSeq    int
	entries    map[string]*Entry
	lastKey    string
	lastUpdate time.Time
	connected  bool
	closed     bool

	sub       realtime.Subscription
	mirrorSub realtime.Subscription
	sweepDone chan struct{}
	sweepOnce sync.Once
}

// New subscribes to the dashboard's change feed and starts the expiry sweep.
// A failed subscription is not fatal: the manager runs in degraded mode
// (Connected stays false) and entries resolve only via expiry, which is the
// conservative behavior when confirmations cannot arrive.
func New(ctx context.Context, dashboardID string, opts Options) *Manager {
	if opts.EntryTTL == 0 {
		opts.EntryTTL = 30 * time.Second
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = 5 * time.Second
	}
	opts.Notifier = notify.OrNop(opts.Notifier)

	m := &Manager{
		dashboardID: dashboardID,
		opts:        opts,
		widgets:     make(map[string]models.Widget),
		arrival:     make(map[string]int),
		entries:     make(map[string]*Entry),
		sweepDone:   make(chan struct{}),
	}

	if opts.Channel != nil {
		if sub, err := opts.Channel.Subscribe(ctx, dashboardID, m.handleEvent, m.setConnected); err == nil {
			m.sub = sub
		}
	}
	if opts.Broadcast != nil {
		if sub, err := opts.Broadcast.Listen(ctx, dashboardID, m.handleMirror); err == nil {
			m.mirrorSub = sub
		}
	}

	go m.sweepLoop()
	return m
}

// Load replaces the collection with a fresh server snapshot.
func (m *Manager) Load(widgets []models.Widget) {
	m.mu.Lock()
	m.widgets = make(map[string]models.Widget, len(widgets))
	m.arrival = make(map[string]int, len(widgets))
	m.nextSeq = 0
	for _, w := range widgets {
		m.widgets[w.ID] = w
		m.arrival[w.ID] = m.nextSeq
		m.nextSeq++
	}
	m.lastUpdate = time.Now()
	m.mu.Unlock()
}

// Add registers a speculative mutation and raises its "saving" notification.
// The entry id must not already be pending.
func (m *Manager) Add(entry Entry) error {
	if entry.SubmittedAt.IsZero() {
		entry.SubmittedAt = time.Now()
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, exists := m.entries[entry.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, entry.ID)
	}
	m.entries[entry.ID] = &entry
	m.mu.Unlock()

	m.opts.Notifier.Push(notify.Loading(entry.ID, savingMessage(entry.Kind)))
	return nil
}

// RollbackEntry undoes one pending entry: its rollback runs, the entry is
// removed, and a failure notification replaces the "saving" one. Unknown
// ids are a no-op.
func (m *Manager) RollbackEntry(id string) {
	m.mu.Lock()
	entry, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if entry.Rollback != nil {
		entry.Rollback()
	}
	m.opts.Notifier.Push(notify.Failure(id, "Could not save your changes.", 8*time.Second))
}

// ClearEntries drops every pending entry without running rollbacks (used
// after a successful full refresh) and dismisses their notifications.
func (m *Manager) ClearEntries() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.entries = make(map[string]*Entry)
	m.mu.Unlock()
	for _, id := range ids {
		m.opts.Notifier.Dismiss(id)
	}
}

// Disconnect tears down the subscriptions and the expiry sweep. Safe to
// call multiple times and from teardown paths.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.connected = false
	sub, mirrorSub := m.sub, m.mirrorSub
	m.sub, m.mirrorSub = nil, nil
	m.mu.Unlock()

	m.sweepOnce.Do(func() { close(m.sweepDone) })
	if sub != nil {
		_ = sub.Close()
	}
	if mirrorSub != nil {
		_ = mirrorSub.Close()
	}
}

// handleEvent is the core reconciliation step for one confirmed event:
// dedup, confirmation match, apply (server wins), forward.
func (m *Manager) handleEvent(ev realtime.Event) {
	widgetID := ev.WidgetID()
	if widgetID == "" {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	key := dedupKey(ev, widgetID, time.Now())
	if key == m.lastKey {
		m.mu.Unlock()
		return
	}
	m.lastKey = key

	resolved := m.resolveLocked(ev.Type, widgetID)
	m.applyLocked(ev.Type, ev.New, widgetID)
	m.lastUpdate = time.Now()
	m.mu.Unlock()

	if resolved != "" {
		telemetry.OptimisticResolved.Inc()
		m.opts.Notifier.Push(notify.Success(resolved, "Saved."))
	}
	m.forward(ev.Type, ev.New, widgetID)
}

// handleMirror routes a sibling context's confirmed mutation through the
// same collection-update path, but never against the pending set: another
// context cannot resolve this one's speculative entries.
func (m *Manager) handleMirror(mr realtime.Mirror) {
	eventType, widget, widgetID := mirrorToEvent(mr)
	if widgetID == "" {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.applyLocked(eventType, widget, widgetID)
	m.lastUpdate = time.Now()
	m.mu.Unlock()

	m.forward(eventType, widget, widgetID)
}

// resolveLocked removes at most one pending entry matching the event's kind
// and target, without running its rollback, and returns its id.
func (m *Manager) resolveLocked(eventType, widgetID string) string {
	kind, ok := kindFor(eventType)
	if !ok {
		return ""
	}
	for id, entry := range m.entries {
		if entry.Kind == kind && entry.targetID() == widgetID {
			delete(m.entries, id)
			return id
		}
	}
	return ""
}

func (m *Manager) applyLocked(eventType string, w *models.Widget, widgetID string) {
	switch eventType {
	case realtime.EventInsert, realtime.EventUpdate:
		if w == nil {
			return
		}
		if _, exists := m.widgets[w.ID]; !exists {
			m.arrival[w.ID] = m.nextSeq
			m.nextSeq++
		}
		m.widgets[w.ID] = *w
	case realtime.EventDelete:
		delete(m.widgets, widgetID)
		delete(m.arrival, widgetID)
	}
}

func (m *Manager) forward(eventType string, w *models.Widget, widgetID string) {
	cb := m.opts.Callbacks
	switch eventType {
	case realtime.EventInsert:
		if w != nil && cb.OnAdded != nil {
			cb.OnAdded(*w)
		}
	case realtime.EventUpdate:
		if w != nil && cb.OnUpdated != nil {
			cb.OnUpdated(*w)
		}
	case realtime.EventDelete:
		if cb.OnDeleted != nil {
			cb.OnDeleted(widgetID)
		}
	}
}

func (m *Manager) setConnected(connected bool) {
	m.mu.Lock()
	if !m.closed {
		m.connected = connected
	}
	m.mu.Unlock()
}

// sweepLoop periodically rolls back entries older than EntryTTL. This
// bounds how long a speculative state can be shown without confirmation and
// keeps the pending set from growing on lost confirmations.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweepDone:
			return
		case now := <-ticker.C:
			m.expire(now)
		}
	}
}

func (m *Manager) expire(now time.Time) {
	m.mu.Lock()
	var expired []*Entry
	for id, entry := range m.entries {
		if now.Sub(entry.SubmittedAt) > m.opts.EntryTTL {
			expired = append(expired, entry)
			delete(m.entries, id)
		}
	}
	m.mu.Unlock()

	for _, entry := range expired {
		if entry.Rollback != nil {
			entry.Rollback()
		}
		telemetry.OptimisticExpired.Inc()
		m.opts.Notifier.Push(notify.Failure(entry.ID, "Changes reverted: the server did not confirm in time.", 8*time.Second))
		if m.opts.Errors != nil {
			recoverable := false
			m.opts.Errors.Add(retry.AddParams{
				Kind:        retry.KindTimeout,
				Message:     fmt.Sprintf("confirmation timeout for %s %s", entry.Kind, entry.targetID()),
				Source:      "reconcile:" + m.dashboardID,
				Recoverable: &recoverable,
				Silent:      true,
			})
		}
	}
}

// Connected reports whether the primary subscription is live.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// LastUpdate returns when the collection last changed.
func (m *Manager) LastUpdate() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUpdate
}

// Entries returns a snapshot of pending entries, oldest first, for
// "saving" indicators.
func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	out := make([]Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		out = append(out, *entry)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Widgets returns the collection ordered by position, ties broken by
// insertion sequence.
func (m *Manager) Widgets() []models.Widget {
	m.mu.Lock()
	out := make([]models.Widget, 0, len(m.widgets))
	for _, w := range m.widgets {
		out = append(out, w)
	}
	arrival := make(map[string]int, len(m.arrival))
	for id, seq := range m.arrival {
		arrival[id] = seq
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return arrival[out[i].ID] < arrival[out[j].ID]
	})
	return out
}

// Widget returns one record from the collection.
func (m *Manager) Widget(id string) (models.Widget, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.widgets[id]
	return w, ok
}

// dedupKey identifies an event for duplicate suppression. Events numbered
// by the server use (type, id, seq); an unnumbered event falls back to an
// arrival-second bucket.
func dedupKey(ev realtime.Event, widgetID string, now time.Time) string {
	if ev.Seq != 0 {
		return fmt.Sprintf("%s:%s:%d", ev.Type, widgetID, ev.Seq)
	}
	return fmt.Sprintf("%s:%s:t%d", ev.Type, widgetID, now.Unix())
}

func kindFor(eventType string) (string, bool) {
	switch eventType {
	case realtime.EventInsert:
		return KindCreate, true
	case realtime.EventUpdate:
		return KindUpdate, true
	case realtime.EventDelete:
		return KindDelete, true
	default:
		return "", false
	}
}

func mirrorToEvent(mr realtime.Mirror) (eventType string, w *models.Widget, widgetID string) {
	switch mr.Type {
	case realtime.MirrorCreated:
		eventType = realtime.EventInsert
	case realtime.MirrorUpdated:
		eventType = realtime.EventUpdate
	case realtime.MirrorDeleted:
		return realtime.EventDelete, nil, mr.WidgetID
	default:
		return "", nil, ""
	}
	if mr.Widget == nil {
		return "", nil, ""
	}
	return eventType, mr.Widget, mr.Widget.ID
}

func savingMessage(kind string) string {
	switch kind {
	case KindCreate:
		return "Adding widget…"
	case KindDelete:
		return "Removing widget…"
	default:
		return "Saving changes…"
	}
}
