package jobtrack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/syllogic-ai/genai-datavis-sub001/internal/models"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/realtime"
)

// scriptedFetcher returns queued results in order, repeating the last one.
type scriptedFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
}

type fetchResult struct {
	job models.Job
	err error
}

func (f *scriptedFetcher) GetJob(ctx context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	idx := f.calls - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	r := f.results[idx]
	return r.job, r.err
}

// fakeJobChannel hands updates to the latest subscriber.
type fakeJobChannel struct {
	mu        sync.Mutex
	onUpdate  func(models.Job)
	subcount  int
	closes    int32
	subscribe chan struct{}
}

func newFakeJobChannel() *fakeJobChannel {
	return &fakeJobChannel{subscribe: make(chan struct{}, 4)}
}

func (c *fakeJobChannel) SubscribeJob(ctx context.Context, jobID string, onUpdate func(models.Job)) (realtime.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subcount++
	c.onUpdate = onUpdate
	c.subscribe <- struct{}{}
	return fakeSub{closes: &c.closes}, nil
}

func (c *fakeJobChannel) push(job models.Job) {
	c.mu.Lock()
	fn := c.onUpdate
	c.mu.Unlock()
	if fn != nil {
		fn(job)
	}
}

type fakeSub struct{ closes *int32 }

func (s fakeSub) Close() error {
	atomic.AddInt32(s.closes, 1)
	return nil
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestNotFoundThenPending(t *testing.T) {
	fetcher := &scriptedFetcher{results: []fetchResult{
		{err: fmt.Errorf("job j1: %w", models.ErrNotFound)},
		{job: models.Job{ID: "j1", Status: models.JobPending}},
	}}
	ch := newFakeJobChannel()

	var gotErr atomic.Value
	tr := Track(context.Background(), "j1", Options{
		Fetcher:        fetcher,
		Channel:        ch,
		OnError:        func(err error) { gotErr.Store(err) },
		FetchRetryBase: 5 * time.Millisecond,
	})
	defer tr.Disconnect()

	waitFor(t, ch.subscribe, "subscription")
	if gotErr.Load() != nil {
		t.Fatalf("unexpected error: %v", gotErr.Load())
	}
	if tr.Status() != models.JobPending {
		t.Fatalf("status = %q, want pending", tr.Status())
	}
}

func TestNotFoundExhaustsRetries(t *testing.T) {
	fetcher := &scriptedFetcher{results: []fetchResult{
		{err: models.ErrNotFound},
	}}
	errc := make(chan error, 1)
	tr := Track(context.Background(), "j1", Options{
		Fetcher:        fetcher,
		Channel:        newFakeJobChannel(),
		OnError:        func(err error) { errc <- err },
		FetchRetries:   2,
		FetchRetryBase: time.Millisecond,
	})
	defer tr.Disconnect()

	select {
	case err := <-errc:
		if !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("error should wrap not-found, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected not-found error after retries")
	}
	if fetcher.calls != 3 {
		t.Fatalf("expected 1 fetch + 2 retries, got %d calls", fetcher.calls)
	}
}

func TestAlreadyTerminalSkipsSubscribe(t *testing.T) {
	fetcher := &scriptedFetcher{results: []fetchResult{
		{job: models.Job{ID: "j1", Status: models.JobCompleted, Progress: 100}},
	}}
	ch := newFakeJobChannel()
	done := make(chan struct{})
	tr := Track(context.Background(), "j1", Options{
		Fetcher:     fetcher,
		Channel:     ch,
		OnCompleted: func(models.Job) { close(done) },
	})
	defer tr.Disconnect()

	waitFor(t, done, "completion callback")
	if ch.subcount != 0 {
		t.Fatalf("terminal snapshot must not subscribe, got %d subscriptions", ch.subcount)
	}
	if !tr.Completed() {
		t.Fatalf("tracker should report completed")
	}
}

func TestTerminalFiresExactlyOnce(t *testing.T) {
	fetcher := &scriptedFetcher{results: []fetchResult{
		{job: models.Job{ID: "j1", Status: models.JobProcessing, Progress: 40}},
	}}
	ch := newFakeJobChannel()

	var failures int32
	failed := make(chan struct{}, 2)
	tr := Track(context.Background(), "j1", Options{
		Fetcher: fetcher,
		Channel: ch,
		OnFailed: func(job models.Job, msg string) {
			atomic.AddInt32(&failures, 1)
			failed <- struct{}{}
		},
	})
	defer tr.Disconnect()

	waitFor(t, ch.subscribe, "subscription")

	msg := "agent run exploded"
	terminal := models.Job{ID: "j1", Status: models.JobFailed, Error: &msg}
	ch.push(terminal)
	ch.push(terminal) // duplicate terminal delivery

	waitFor(t, failed, "failure callback")
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&failures); n != 1 {
		t.Fatalf("failure callback fired %d times, want 1", n)
	}
	if atomic.LoadInt32(&ch.closes) == 0 {
		t.Fatalf("terminal status must tear the subscription down")
	}
	if tr.Failure() != msg {
		t.Fatalf("failure message = %q", tr.Failure())
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	fetcher := &scriptedFetcher{results: []fetchResult{
		{job: models.Job{ID: "j1", Status: models.JobPending}},
	}}
	ch := newFakeJobChannel()
	tr := Track(context.Background(), "j1", Options{Fetcher: fetcher, Channel: ch})

	waitFor(t, ch.subscribe, "subscription")
	tr.Disconnect()
	tr.Disconnect()

	// Updates after disconnect must not change held state.
	ch.push(models.Job{ID: "j1", Status: models.JobCompleted})
	if tr.Completed() {
		t.Fatalf("update after disconnect should be ignored")
	}
}
