// Package agent executes queued agent jobs: each job is a list of widget
// mutations applied server-side, with progress and terminal status pushed to
// any tracking client.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/syllogic-ai/genai-datavis-sub001/internal/models"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/realtime"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/store"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/telemetry"
)

// Store is the persistence surface the runner needs.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkJobProcessing(ctx context.Context, id string) (models.Job, error)
	UpdateJobProgress(ctx context.Context, id string, progress int) (models.Job, error)
	CompleteJob(ctx context.Context, id string) (models.Job, error)
	FailJob(ctx context.Context, id string, errMsg string) (models.Job, error)
	CreateWidget(ctx context.Context, p store.CreateWidgetParams) (models.Widget, error)
	UpdateWidget(ctx context.Context, dashboardID, id string, p store.UpdateWidgetParams) (models.Widget, error)
	DeleteWidget(ctx context.Context, dashboardID, id string) (models.Widget, error)
}

// Publisher fans confirmed changes and job updates out to clients.
type Publisher interface {
	PublishEvent(ctx context.Context, dashboardID string, ev realtime.Event) (uint64, error)
	PublishJob(ctx context.Context, job models.Job) error
	Publish(ctx context.Context, dashboardID string, m realtime.Mirror) error
}

// Action is one widget mutation inside a job payload.
type Action struct {
	Op       string         `json:"op"`
	WidgetID string         `json:"widget_id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Position *int           `json:"position,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Action ops.
const (
	OpCreateWidget = "create_widget"
	OpUpdateWidget = "update_widget"
	OpDeleteWidget = "delete_widget"
)

// Runner drives the agent job loop.
type Runner struct {
	store Store
	queue *Queue
	pub   Publisher
	poll  time.Duration
}

// NewRunner constructs a runner.
func NewRunner(st Store, q *Queue, pub Publisher, poll time.Duration) *Runner {
	if poll == 0 {
		poll = time.Second
	}
	return &Runner{store: st, queue: q, pub: pub, poll: poll}
}

// Run processes queued jobs until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		jobID, err := r.queue.Dequeue(ctx, r.poll)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(r.poll)
			continue
		}
		if jobID == "" {
			continue
		}
		_ = r.process(ctx, jobID)
	}
}

// process applies one job end to end. A job already terminal (or vanished)
// is skipped; a failed action fails the job with the action's error and a
// terminal row is written exactly once either way.
func (r *Runner) process(ctx context.Context, jobID string) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return nil
	}

	job, err = r.store.MarkJobProcessing(ctx, jobID)
	if err != nil {
		return err
	}
	_ = r.pub.PublishJob(ctx, job)

	actions, err := parseActions(job.Payload)
	if err != nil {
		return r.fail(ctx, jobID, fmt.Sprintf("invalid job payload: %v", err))
	}

	for i, act := range actions {
		if err := r.apply(ctx, job.DashboardID, act); err != nil {
			return r.fail(ctx, jobID, fmt.Sprintf("action %d (%s): %v", i+1, act.Op, err))
		}
		progress := (i + 1) * 100 / len(actions)
		if updated, err := r.store.UpdateJobProgress(ctx, jobID, progress); err == nil {
			_ = r.pub.PublishJob(ctx, updated)
		}
	}

	done, err := r.store.CompleteJob(ctx, jobID)
	if err != nil {
		return err
	}
	_ = r.pub.PublishJob(ctx, done)
	telemetry.AgentJobsCompleted.Inc()
	return nil
}

func (r *Runner) fail(ctx context.Context, jobID, msg string) error {
	failed, err := r.store.FailJob(ctx, jobID, msg)
	if err != nil {
		return err
	}
	_ = r.pub.PublishJob(ctx, failed)
	telemetry.AgentJobsFailed.Inc()
	return nil
}

func (r *Runner) apply(ctx context.Context, dashboardID string, act Action) error {
	switch act.Op {
	case OpCreateWidget:
		if act.Type == "" {
			return fmt.Errorf("create_widget requires a type")
		}
		position := 0
		if act.Position != nil {
			position = *act.Position
		}
		w, err := r.store.CreateWidget(ctx, store.CreateWidgetParams{
			ID:          act.WidgetID,
			DashboardID: dashboardID,
			Type:        act.Type,
			Position:    position,
			Config:      act.Config,
			Data:        act.Data,
		})
		if err != nil {
			return err
		}
		return r.publishWidget(ctx, realtime.EventInsert, w, "")
	case OpUpdateWidget:
		if act.WidgetID == "" {
			return fmt.Errorf("update_widget requires a widget_id")
		}
		upd := store.UpdateWidgetParams{Config: act.Config, Data: act.Data, Position: act.Position}
		if act.Type != "" {
			upd.Type = &act.Type
		}
		w, err := r.store.UpdateWidget(ctx, dashboardID, act.WidgetID, upd)
		if err != nil {
			return err
		}
		return r.publishWidget(ctx, realtime.EventUpdate, w, "")
	case OpDeleteWidget:
		if act.WidgetID == "" {
			return fmt.Errorf("delete_widget requires a widget_id")
		}
		w, err := r.store.DeleteWidget(ctx, dashboardID, act.WidgetID)
		if err != nil {
			return err
		}
		return r.publishWidget(ctx, realtime.EventDelete, w, w.ID)
	default:
		return fmt.Errorf("unknown op %q", act.Op)
	}
}

func (r *Runner) publishWidget(ctx context.Context, eventType string, w models.Widget, deletedID string) error {
	ev := realtime.Event{Type: eventType}
	m := realtime.Mirror{}
	switch eventType {
	case realtime.EventInsert:
		ev.New = &w
		m.Type = realtime.MirrorCreated
		m.Widget = &w
	case realtime.EventUpdate:
		ev.New = &w
		m.Type = realtime.MirrorUpdated
		m.Widget = &w
	case realtime.EventDelete:
		ev.Old = &w
		m.Type = realtime.MirrorDeleted
		m.WidgetID = deletedID
	}
	if _, err := r.pub.PublishEvent(ctx, w.DashboardID, ev); err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}
	telemetry.EventsPublished.Inc()
	if err := r.pub.Publish(ctx, w.DashboardID, m); err == nil {
		telemetry.MirrorsPublished.Inc()
	}
	return nil
}

func parseActions(payload map[string]any) ([]Action, error) {
	raw, ok := payload["actions"]
	if !ok {
		return nil, fmt.Errorf("payload has no actions")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var actions []Action
	if err := json.Unmarshal(encoded, &actions); err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("payload has no actions")
	}
	return actions, nil
}
