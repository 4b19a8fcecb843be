package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/syllogic-ai/genai-datavis-sub001/internal/notify"
)

// recorder captures notifications for assertions.
type recorder struct {
	mu     sync.Mutex
	pushed []notify.Notification
}

func (r *recorder) Push(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushed = append(r.pushed, n)
}

func (r *recorder) Dismiss(string) {}
func (r *recorder) DismissAll()    {}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.pushed))
	for i, n := range r.pushed {
		out[i] = n.Kind
	}
	return out
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"timeout message", fmt.Errorf("request timed out"), KindTimeout},
		{"connection refused", fmt.Errorf("dial tcp 127.0.0.1:5432: connect: connection refused"), KindNetwork},
		{"bad request", fmt.Errorf("HTTP 400: bad request"), KindValidation},
		{"not found", fmt.Errorf("status 404"), KindValidation},
		{"server error", fmt.Errorf("HTTP 500: internal server error"), KindServer},
		{"bad gateway", fmt.Errorf("502 bad gateway"), KindServer},
		{"plain", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryCeiling(t *testing.T) {
	c := New(Options{MaxRetries: 2})
	defer c.Close()

	calls := 0
	id := c.Add(AddParams{Err: errors.New("503 unavailable"), Source: "test", Op: func() error {
		calls++
		return errors.New("still failing")
	}})

	c.Retry(id)
	c.Retry(id)
	c.Retry(id) // at ceiling, must be a no-op

	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
	rec, ok := c.Get(id)
	if !ok {
		t.Fatalf("record should remain until cleared")
	}
	if rec.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", rec.RetryCount)
	}
}

func TestRetrySuccessRemoves(t *testing.T) {
	rec := &recorder{}
	c := New(Options{Notifier: rec})
	defer c.Close()

	id := c.Add(AddParams{Err: errors.New("500 oops"), Source: "test", Op: func() error { return nil }})
	c.Retry(id)

	if _, ok := c.Get(id); ok {
		t.Fatalf("record should be removed after successful retry")
	}
	kinds := rec.kinds()
	if len(kinds) != 2 || kinds[0] != notify.KindError || kinds[1] != notify.KindSuccess {
		t.Fatalf("unexpected notifications: %v", kinds)
	}
}

func TestNonRecoverableNotRetried(t *testing.T) {
	c := New(Options{})
	defer c.Close()

	calls := 0
	id := c.Add(AddParams{Err: errors.New("HTTP 400: bad input"), Source: "test", Op: func() error {
		calls++
		return nil
	}})
	c.Retry(id)
	if calls != 0 {
		t.Fatalf("validation failures must not retry, got %d calls", calls)
	}
}

func TestAutoRetry(t *testing.T) {
	done := make(chan struct{})
	var once sync.Once
	c := New(Options{AutoRetry: true, BaseDelay: 10 * time.Millisecond})
	defer c.Close()

	c.Add(AddParams{Err: errors.New("connection refused"), Source: "test", Op: func() error {
		once.Do(func() { close(done) })
		return nil
	}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("auto retry never fired")
	}
}

func TestSilentAddSkipsNotification(t *testing.T) {
	rec := &recorder{}
	c := New(Options{Notifier: rec})
	defer c.Close()

	c.Add(AddParams{Err: errors.New("confirmation expired"), Kind: KindTimeout, Silent: true, Source: "reconcile"})
	if got := rec.kinds(); len(got) != 0 {
		t.Fatalf("silent add must not notify, got %v", got)
	}
	if len(c.Records()) != 1 {
		t.Fatalf("silent add must still record")
	}
}

func TestGuard(t *testing.T) {
	c := New(Options{})
	defer c.Close()

	v, ok := Guard(context.Background(), c, "test", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if !ok || v != 42 {
		t.Fatalf("guard success: got %d ok=%v", v, ok)
	}

	v, ok = Guard(context.Background(), c, "test", func(ctx context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	if ok || v != 0 {
		t.Fatalf("guard failure should return zero value")
	}
	if len(c.Records()) != 1 {
		t.Fatalf("guard failure should record the error")
	}
}
