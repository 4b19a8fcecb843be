// Package jobtrack follows one asynchronous agent job to a terminal status:
// an initial snapshot fetch with linear-backoff retries, then a push
// subscription that is torn down the moment the job completes or fails.
package jobtrack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syllogic-ai/genai-datavis-sub001/internal/models"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/realtime"
)

// Fetcher is the point-in-time job lookup. Implementations return an error
// matching models.ErrNotFound when the row does not exist (yet).
type Fetcher interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
}

// Options configure a Tracker. All callbacks are optional and are invoked
// from the tracker's goroutines, never under its lock.
type Options struct {
	Fetcher     Fetcher
	Channel     realtime.JobChannel
	OnStatus    func(models.Job)
	OnCompleted func(models.Job)
	OnFailed    func(job models.Job, errMsg string)
	OnError     func(error) // fetch/subscribe failures after retries

	// FetchRetries is how many times a failed or not-found initial fetch is
	// retried before OnError fires; attempt n waits n×FetchRetryBase. This
	// absorbs the race where the job row is not yet committed when the
	// client first asks.
	FetchRetries   int
	FetchRetryBase time.Duration
}

// Tracker owns exactly one job record for its lifetime.
type Tracker struct {
	jobID string
	opts  Options

	mu     sync.Mutex
	job    models.Job
	have   bool
	done   bool // terminal callback fired
	closed bool
	sub    realtime.Subscription
	cancel context.CancelFunc
}

// Track starts following jobID. The returned tracker is usable immediately;
// fetch and subscription run in the background.
func Track(ctx context.Context, jobID string, opts Options) *Tracker {
	if opts.FetchRetries == 0 {
		opts.FetchRetries = 3
	}
	if opts.FetchRetryBase == 0 {
		opts.FetchRetryBase = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &Tracker{jobID: jobID, opts: opts, cancel: cancel}
	go t.run(ctx)
	return t
}

func (t *Tracker) run(ctx context.Context) {
	job, err := t.fetchWithRetry(ctx)
	if err != nil {
		if ctx.Err() == nil && t.opts.OnError != nil {
			t.opts.OnError(err)
		}
		return
	}

	t.apply(job)
	if job.Terminal() {
		// Nothing left to observe; skip subscribing entirely.
		return
	}

	sub, err := t.opts.Channel.SubscribeJob(ctx, t.jobID, t.apply)
	if err != nil {
		if ctx.Err() == nil && t.opts.OnError != nil {
			t.opts.OnError(fmt.Errorf("subscribe job %s: %w", t.jobID, err))
		}
		return
	}

	t.mu.Lock()
	if t.closed || t.done {
		t.mu.Unlock()
		_ = sub.Close()
		return
	}
	t.sub = sub
	t.mu.Unlock()
}

func (t *Tracker) fetchWithRetry(ctx context.Context) (models.Job, error) {
	var lastErr error
	for attempt := 0; attempt <= t.opts.FetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return models.Job{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * t.opts.FetchRetryBase):
			}
		}
		job, err := t.opts.Fetcher.GetJob(ctx, t.jobID)
		if err == nil {
			return job, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return models.Job{}, ctx.Err()
		}
	}
	if errors.Is(lastErr, models.ErrNotFound) {
		return models.Job{}, fmt.Errorf("job %s not found: %w", t.jobID, lastErr)
	}
	return models.Job{}, fmt.Errorf("fetch job %s: %w", t.jobID, lastErr)
}

// apply replaces the held record and fires callbacks. A terminal status
// fires the completion or failure callback exactly once, guarded by the
// done flag, then disconnects.
func (t *Tracker) apply(job models.Job) {
	t.mu.Lock()
	if t.closed || t.done {
		t.mu.Unlock()
		return
	}
	t.job = job
	t.have = true
	terminal := job.Terminal()
	if terminal {
		t.done = true
	}
	t.mu.Unlock()

	if t.opts.OnStatus != nil {
		t.opts.OnStatus(job)
	}
	if !terminal {
		return
	}
	switch job.Status {
	case models.JobCompleted:
		if t.opts.OnCompleted != nil {
			t.opts.OnCompleted(job)
		}
	case models.JobFailed:
		if t.opts.OnFailed != nil {
			msg := "job failed"
			if job.Error != nil {
				msg = *job.Error
			}
			t.opts.OnFailed(job, msg)
		}
	}
	t.Disconnect()
}

// Disconnect tears the subscription down. Safe to call repeatedly and from
// teardown paths.
func (t *Tracker) Disconnect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()

	t.cancel()
	if sub != nil {
		_ = sub.Close()
	}
}

// Job returns the last observed record and whether one has been observed.
func (t *Tracker) Job() (models.Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job, t.have
}

// Status returns the last observed status, or empty before the first fetch.
func (t *Tracker) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.have {
		return ""
	}
	return t.job.Status
}

// Progress returns the last observed progress percentage.
func (t *Tracker) Progress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job.Progress
}

// Failure returns the server-supplied error string for a failed job.
func (t *Tracker) Failure() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.Error == nil {
		return ""
	}
	return *t.job.Error
}

// Completed reports whether the job finished successfully.
func (t *Tracker) Completed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.have && t.job.Status == models.JobCompleted
}

// Failed reports whether the job reached the failed status.
func (t *Tracker) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.have && t.job.Status == models.JobFailed
}
