package send

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"whatschat/internal/domain"
	"whatschat/internal/merge"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeFeed scripts the append path; the rest of the interface is inert.
type fakeFeed struct {
	mu       sync.Mutex
	appendFn func(ctx context.Context, path string, rec domain.FeedRecord) (string, error)
	appends  int
}

func (f *fakeFeed) setAppend(fn func(ctx context.Context, path string, rec domain.FeedRecord) (string, error)) {
	f.mu.Lock()
	f.appendFn = fn
	f.mu.Unlock()
}

func (f *fakeFeed) Append(ctx context.Context, path string, rec domain.FeedRecord) (string, error) {
	f.mu.Lock()
	f.appends++
	fn := f.appendFn
	f.mu.Unlock()
	if fn == nil {
		return "", errors.New("no append scripted")
	}
	return fn(ctx, path, rec)
}

func (f *fakeFeed) appendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appends
}

func (f *fakeFeed) Subscribe(ctx context.Context, path string) (<-chan domain.FeedSnapshot, error) {
	ch := make(chan domain.FeedSnapshot)
	close(ch)
	return ch, nil
}

func (f *fakeFeed) ReadOnce(ctx context.Context, path string, out any) (bool, error) {
	return false, nil
}

func (f *fakeFeed) Update(ctx context.Context, path string, fields map[string]any) error {
	return nil
}

func newTestController(t *testing.T, feed *fakeFeed, timeout time.Duration) (*Controller, *merge.Engine, chan Result) {
	t.Helper()
	engine := merge.New(0, testLogger())
	results := make(chan Result, 16)
	ctrl := NewController(feed, engine, "chats", "u1", timeout, testLogger(), func(r Result) {
		results <- r
	})
	return ctrl, engine, results
}

func waitResult(t *testing.T, results chan Result) Result {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for send result")
		return Result{}
	}
}

func TestSubmit_RejectsEmptyContent(t *testing.T) {
	feed := &fakeFeed{}
	ctrl, engine, _ := newTestController(t, feed, 0)

	_, err := ctrl.Submit(context.Background(), "   ")
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if feed.appendCount() != 0 {
		t.Error("validation failures must not reach the network")
	}
	if out := engine.Output(); len(out) != 0 {
		t.Errorf("no echo should be inserted, got %d", len(out))
	}
}

func TestSubmit_Success(t *testing.T) {
	feed := &fakeFeed{}
	feed.setAppend(func(ctx context.Context, path string, rec domain.FeedRecord) (string, error) {
		return "x1", nil
	})
	ctrl, engine, results := newTestController(t, feed, 0)

	msg, err := ctrl.Submit(context.Background(), "hello")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if msg.LocalID == "" || msg.State != domain.StatePending {
		t.Fatalf("expected a pending echo, got %+v", msg)
	}

	// Echo is visible before the append resolves.
	if out := engine.Output(); len(out) != 1 || out[0].State != domain.StatePending {
		t.Fatalf("expected immediate pending echo, got %+v", out)
	}

	res := waitResult(t, results)
	if res.Err != nil || res.FeedID != "x1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	ctrl.Resolve(res)

	out := engine.Output()
	if len(out) != 1 || out[0].State != domain.StateCommitted || out[0].ID != "x1" {
		t.Fatalf("expected committed entry after resolve, got %+v", out)
	}
}

func TestSubmit_FailureMarksFailed(t *testing.T) {
	feed := &fakeFeed{}
	feed.setAppend(func(ctx context.Context, path string, rec domain.FeedRecord) (string, error) {
		return "", errors.New("boom")
	})
	ctrl, engine, results := newTestController(t, feed, 0)

	if _, err := ctrl.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	res := waitResult(t, results)
	if res.Err == nil {
		t.Fatal("expected an error result")
	}
	var tse *domain.TransientServiceError
	if !errors.As(res.Err, &tse) {
		t.Fatalf("expected classified transient error, got %v", res.Err)
	}
	ctrl.Resolve(res)

	out := engine.Output()
	if len(out) != 1 || out[0].State != domain.StateFailed {
		t.Fatalf("expected failed entry, got %+v", out)
	}
	if out[0].Content != "hello" {
		t.Errorf("failed entry must keep its content, got %q", out[0].Content)
	}
}

func TestSubmit_TimeoutPromotesToFailed(t *testing.T) {
	feed := &fakeFeed{}
	feed.setAppend(func(ctx context.Context, path string, rec domain.FeedRecord) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	ctrl, engine, results := newTestController(t, feed, 50*time.Millisecond)

	if _, err := ctrl.Submit(context.Background(), "stuck"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	res := waitResult(t, results)
	if res.Err == nil {
		t.Fatal("expected timeout to surface as an error")
	}
	ctrl.Resolve(res)

	if out := engine.Output(); out[0].State != domain.StateFailed {
		t.Fatalf("expected failed after timeout, got %+v", out)
	}
}

func TestResend(t *testing.T) {
	feed := &fakeFeed{}
	feed.setAppend(func(ctx context.Context, path string, rec domain.FeedRecord) (string, error) {
		return "", errors.New("down")
	})
	ctrl, engine, results := newTestController(t, feed, 0)

	msg, err := ctrl.Submit(context.Background(), "try me")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctrl.Resolve(waitResult(t, results))

	// Service recovers; resend succeeds.
	feed.setAppend(func(ctx context.Context, path string, rec domain.FeedRecord) (string, error) {
		return "x2", nil
	})
	if !ctrl.Resend(context.Background(), msg.LocalID) {
		t.Fatal("expected resend to accept a failed send")
	}
	if m, _ := engine.PendingByID(msg.LocalID); m.State != domain.StatePending {
		t.Fatalf("expected pending after resend, got %v", m.State)
	}

	res := waitResult(t, results)
	ctrl.Resolve(res)
	if m, _ := engine.PendingByID(msg.LocalID); m.State != domain.StateCommitted || m.ID != "x2" {
		t.Fatalf("expected committed after resend resolve, got %+v", m)
	}

	if ctrl.Resend(context.Background(), "unknown") {
		t.Error("resend must reject unknown ids")
	}
}

func TestMultipleInFlightIndependent(t *testing.T) {
	feed := &fakeFeed{}
	feed.setAppend(func(ctx context.Context, path string, rec domain.FeedRecord) (string, error) {
		if rec.Content == "bad" {
			return "", errors.New("rejected")
		}
		return fmt.Sprintf("id-%s", rec.Content), nil
	})
	ctrl, engine, results := newTestController(t, feed, 0)

	if _, err := ctrl.Submit(context.Background(), "good"); err != nil {
		t.Fatalf("submit good: %v", err)
	}
	if _, err := ctrl.Submit(context.Background(), "bad"); err != nil {
		t.Fatalf("submit bad: %v", err)
	}

	// Both echoes visible as distinct entries while unresolved.
	if out := engine.Output(); len(out) != 2 {
		t.Fatalf("expected 2 in-flight sends, got %d", len(out))
	}

	ctrl.Resolve(waitResult(t, results))
	ctrl.Resolve(waitResult(t, results))

	states := map[string]domain.MessageState{}
	for _, m := range engine.Output() {
		states[m.Content] = m.State
	}
	if states["bad"] != domain.StateFailed {
		t.Errorf("expected bad send failed, got %v", states["bad"])
	}
	if states["good"] != domain.StateCommitted {
		t.Errorf("one send's failure must not affect the other, got %v", states["good"])
	}
}

func TestDiscard(t *testing.T) {
	feed := &fakeFeed{}
	feed.setAppend(func(ctx context.Context, path string, rec domain.FeedRecord) (string, error) {
		return "", errors.New("down")
	})
	ctrl, engine, results := newTestController(t, feed, 0)

	msg, err := ctrl.Submit(context.Background(), "oops")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctrl.Resolve(waitResult(t, results))

	ctrl.Discard(msg.LocalID)
	if out := engine.Output(); len(out) != 0 {
		t.Fatalf("expected discarded send gone, got %+v", out)
	}
}
