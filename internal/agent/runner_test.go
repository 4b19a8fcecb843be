package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/syllogic-ai/genai-datavis-sub001/internal/models"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/realtime"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/store"
)

// memStore is an in-memory Store for runner tests.
type memStore struct {
	mu      sync.Mutex
	jobs    map[string]models.Job
	widgets map[string]models.Widget
	failOp  string // op whose store call should error
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]models.Job{}, widgets: map[string]models.Widget{}}
}

func (s *memStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	return j, nil
}

func (s *memStore) MarkJobProcessing(ctx context.Context, id string) (models.Job, error) {
	return s.setJob(id, func(j *models.Job) { j.Status = models.JobProcessing })
}

func (s *memStore) UpdateJobProgress(ctx context.Context, id string, progress int) (models.Job, error) {
	return s.setJob(id, func(j *models.Job) { j.Progress = progress })
}

func (s *memStore) CompleteJob(ctx context.Context, id string) (models.Job, error) {
	return s.setJob(id, func(j *models.Job) { j.Status = models.JobCompleted; j.Progress = 100 })
}

func (s *memStore) FailJob(ctx context.Context, id string, msg string) (models.Job, error) {
	return s.setJob(id, func(j *models.Job) { j.Status = models.JobFailed; j.Error = &msg })
}

func (s *memStore) setJob(id string, mutate func(*models.Job)) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Terminal() {
		return models.Job{}, models.ErrNotFound
	}
	mutate(&j)
	s.jobs[id] = j
	return j, nil
}

func (s *memStore) CreateWidget(ctx context.Context, p store.CreateWidgetParams) (models.Widget, error) {
	if s.failOp == OpCreateWidget {
		return models.Widget{}, errors.New("create refused")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := p.ID
	if id == "" {
		id = "gen-" + time.Now().Format("150405.000")
	}
	w := models.Widget{ID: id, DashboardID: p.DashboardID, Type: p.Type, Position: p.Position, Config: p.Config}
	s.widgets[id] = w
	return w, nil
}

func (s *memStore) UpdateWidget(ctx context.Context, dashboardID, id string, p store.UpdateWidgetParams) (models.Widget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.widgets[id]
	if !ok {
		return models.Widget{}, models.ErrNotFound
	}
	if p.Config != nil {
		w.Config = p.Config
	}
	if p.Position != nil {
		w.Position = *p.Position
	}
	s.widgets[id] = w
	return w, nil
}

func (s *memStore) DeleteWidget(ctx context.Context, dashboardID, id string) (models.Widget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.widgets[id]
	if !ok {
		return models.Widget{}, models.ErrNotFound
	}
	delete(s.widgets, id)
	return w, nil
}

// capturePub records everything published.
type capturePub struct {
	mu      sync.Mutex
	events  []realtime.Event
	jobs    []models.Job
	mirrors []realtime.Mirror
	seq     uint64
}

func (p *capturePub) PublishEvent(ctx context.Context, dashboardID string, ev realtime.Event) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	ev.Seq = p.seq
	p.events = append(p.events, ev)
	return p.seq, nil
}

func (p *capturePub) PublishJob(ctx context.Context, job models.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *capturePub) Publish(ctx context.Context, dashboardID string, m realtime.Mirror) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mirrors = append(p.mirrors, m)
	return nil
}

func TestProcessJob(t *testing.T) {
	st := newMemStore()
	st.widgets["w-old"] = models.Widget{ID: "w-old", DashboardID: "d1", Type: models.WidgetTable}
	st.jobs["j1"] = models.Job{ID: "j1", DashboardID: "d1", Status: models.JobPending, Payload: map[string]any{
		"actions": []any{
			map[string]any{"op": "create_widget", "type": "bar_chart", "config": map[string]any{"metric": "sales"}},
			map[string]any{"op": "update_widget", "widget_id": "w-old", "config": map[string]any{"rows": float64(5)}},
			map[string]any{"op": "delete_widget", "widget_id": "w-old"},
		},
	}}
	pub := &capturePub{}
	r := NewRunner(st, nil, pub, time.Millisecond)

	if err := r.process(context.Background(), "j1"); err != nil {
		t.Fatalf("process: %v", err)
	}

	job := st.jobs["j1"]
	if job.Status != models.JobCompleted || job.Progress != 100 {
		t.Fatalf("job = %+v, want completed at 100", job)
	}
	if len(pub.events) != 3 {
		t.Fatalf("published %d events, want 3", len(pub.events))
	}
	wantTypes := []string{realtime.EventInsert, realtime.EventUpdate, realtime.EventDelete}
	for i, ev := range pub.events {
		if ev.Type != wantTypes[i] {
			t.Fatalf("event %d type = %s, want %s", i, ev.Type, wantTypes[i])
		}
	}
	// Progress must be monotone and end terminal exactly once.
	last := -1
	terminals := 0
	for _, j := range pub.jobs {
		if j.Progress < last {
			t.Fatalf("progress went backwards: %v", pub.jobs)
		}
		last = j.Progress
		if j.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("terminal job updates = %d, want 1", terminals)
	}
}

func TestProcessJobFailure(t *testing.T) {
	st := newMemStore()
	st.failOp = OpCreateWidget
	st.jobs["j1"] = models.Job{ID: "j1", DashboardID: "d1", Status: models.JobPending, Payload: map[string]any{
		"actions": []any{map[string]any{"op": "create_widget", "type": "kpi"}},
	}}
	pub := &capturePub{}
	r := NewRunner(st, nil, pub, time.Millisecond)

	if err := r.process(context.Background(), "j1"); err != nil {
		t.Fatalf("process: %v", err)
	}
	job := st.jobs["j1"]
	if job.Status != models.JobFailed || job.Error == nil {
		t.Fatalf("job = %+v, want failed with error", job)
	}
	// Re-processing a terminal job is a no-op.
	if err := r.process(context.Background(), "j1"); err != nil {
		t.Fatalf("reprocess terminal: %v", err)
	}
	if st.jobs["j1"].Status != models.JobFailed {
		t.Fatalf("terminal status must not change")
	}
}

func TestProcessInvalidPayload(t *testing.T) {
	st := newMemStore()
	st.jobs["j1"] = models.Job{ID: "j1", DashboardID: "d1", Status: models.JobPending, Payload: map[string]any{}}
	r := NewRunner(st, nil, &capturePub{}, time.Millisecond)

	if err := r.process(context.Background(), "j1"); err != nil {
		t.Fatalf("process: %v", err)
	}
	if st.jobs["j1"].Status != models.JobFailed {
		t.Fatalf("payload without actions should fail the job")
	}
}

func TestQueueRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewQueue(client, "agent:test")

	ctx := context.Background()
	if err := q.Enqueue(ctx, "j1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "j2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if depth, _ := q.Depth(ctx); depth != 2 {
		t.Fatalf("depth = %d, want 2", depth)
	}
	for _, want := range []string{"j1", "j2"} {
		got, err := q.Dequeue(ctx, time.Second)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got != want {
			t.Fatalf("dequeue = %q, want %q", got, want)
		}
	}
}
