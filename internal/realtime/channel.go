package realtime

import (
	"context"

	"github.com/syllogic-ai/genai-datavis-sub001/internal/models"
)

// Event types on the primary change feed.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// Event is one confirmed change to a dashboard's widget collection. Seq is a
// server-assigned per-dashboard sequence number; 0 means the channel does not
// number events.
type Event struct {
	Type string         `json:"type"`
	Seq  uint64         `json:"seq,omitempty"`
	New  *models.Widget `json:"new,omitempty"`
	Old  *models.Widget `json:"old,omitempty"`
}

// WidgetID returns the id of the record the event affects, preferring the
// new row.
func (e Event) WidgetID() string {
	if e.New != nil {
		return e.New.ID
	}
	if e.Old != nil {
		return e.Old.ID
	}
	return ""
}

// Mirror payload types, as written by a sibling client context.
const (
	MirrorCreated = "widget-created"
	MirrorUpdated = "widget-updated"
	MirrorDeleted = "widget-deleted"
)

// Mirror is a confirmed-mutation broadcast between client contexts open on
// the same dashboard. Origin identifies the writing context so readers can
// skip their own messages.
type Mirror struct {
	Type     string         `json:"type"`
	Widget   *models.Widget `json:"widget,omitempty"`
	WidgetID string         `json:"widget_id,omitempty"`
	Origin   string         `json:"origin,omitempty"`
}

// Subscription is a live feed handle. Close is idempotent.
type Subscription interface {
	Close() error
}

// Channel delivers confirmed widget events for one dashboard, in arrival
// order. onStatus, when non-nil, is invoked with the connection state.
type Channel interface {
	Subscribe(ctx context.Context, dashboardID string, onEvent func(Event), onStatus func(connected bool)) (Subscription, error)
}

// JobChannel delivers updates for one job row.
type JobChannel interface {
	SubscribeJob(ctx context.Context, jobID string, onUpdate func(models.Job)) (Subscription, error)
}

// Broadcast is the cross-context mirror medium. Listen never delivers
// messages the same handle published.
type Broadcast interface {
	Publish(ctx context.Context, dashboardID string, m Mirror) error
	Listen(ctx context.Context, dashboardID string, onMirror func(Mirror)) (Subscription, error)
}
