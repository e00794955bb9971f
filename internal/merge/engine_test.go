package merge

import (
	"log/slog"
	"os"
	"reflect"
	"testing"
	"time"

	"whatschat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func rec(sender, content string, ts int64) domain.FeedRecord {
	return domain.FeedRecord{SenderID: sender, Content: content, Timestamp: ts}
}

func pendingMsg(localID, sender, content string, ts int64) domain.Message {
	return domain.Message{
		LocalID:   localID,
		SenderID:  sender,
		Content:   content,
		Timestamp: ts,
		State:     domain.StatePending,
	}
}

func TestOutput_EmptySnapshot(t *testing.T) {
	e := New(0, testLogger())
	e.SetSnapshot(domain.FeedSnapshot{})

	out := e.Output()
	if len(out) != 0 {
		t.Fatalf("expected empty output for empty channel, got %d messages", len(out))
	}
}

func TestOutput_NilSnapshot(t *testing.T) {
	e := New(0, testLogger())
	if out := e.Output(); len(out) != 0 {
		t.Fatalf("expected empty output before first snapshot, got %d", len(out))
	}
}

func TestOutput_OrdersByTimestamp(t *testing.T) {
	e := New(0, testLogger())
	e.SetSnapshot(domain.FeedSnapshot{
		"c": rec("u1", "third", 300),
		"a": rec("u2", "first", 100),
		"b": rec("u1", "second", 200),
	})

	out := e.Output()
	if len(out) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(out))
	}
	for i, want := range []string{"first", "second", "third"} {
		if out[i].Content != want {
			t.Errorf("position %d: expected %q, got %q", i, want, out[i].Content)
		}
	}
}

func TestOutput_StableTieBreak(t *testing.T) {
	e := New(0, testLogger())
	// Equal timestamps: feed-id order (append order) must be preserved.
	e.SetSnapshot(domain.FeedSnapshot{
		"002": rec("u2", "b", 100),
		"001": rec("u1", "a", 100),
		"003": rec("u1", "c", 100),
	})

	out := e.Output()
	if len(out) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(out))
	}
	for i, want := range []string{"a", "b", "c"} {
		if out[i].Content != want {
			t.Errorf("position %d: expected %q, got %q", i, want, out[i].Content)
		}
	}
}

func TestOutput_Idempotent(t *testing.T) {
	e := New(0, testLogger())
	e.SetSnapshot(domain.FeedSnapshot{
		"a": rec("u1", "hello", 100),
		"b": rec("u2", "world", 200),
	})
	e.AddPending(pendingMsg("p1", "u1", "new", 300))

	first := e.Output()
	second := e.Output()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("output changed across identical calls:\n  first:  %+v\n  second: %+v", first, second)
	}
}

func TestOutput_SkipsMalformedRecords(t *testing.T) {
	e := New(0, testLogger())
	e.SetSnapshot(domain.FeedSnapshot{
		"a": rec("u1", "good", 100),
		"b": {SenderID: "u2", Content: "", Timestamp: 200},  // no content
		"c": {SenderID: "", Content: "ghost", Timestamp: 300}, // no sender
		"d": {SenderID: "u3", Content: "late", Timestamp: 0},  // no timestamp
	})

	out := e.Output()
	if len(out) != 1 {
		t.Fatalf("expected 1 valid message, got %d", len(out))
	}
	if out[0].Content != "good" {
		t.Errorf("expected the valid record to survive, got %q", out[0].Content)
	}
}

func TestOutput_PendingVisibleImmediately(t *testing.T) {
	e := New(0, testLogger())
	e.AddPending(pendingMsg("p1", "u1", "hi", 100))

	out := e.Output()
	if len(out) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out))
	}
	if out[0].State != domain.StatePending || out[0].Content != "hi" {
		t.Errorf("expected pending echo, got %+v", out[0])
	}
}

func TestOutput_DedupConvergence(t *testing.T) {
	e := New(2*time.Second, testLogger())
	e.AddPending(pendingMsg("p1", "u1", "hi", 100))

	e.SetSnapshot(domain.FeedSnapshot{
		"x1": rec("u1", "hi", 101),
	})

	out := e.Output()
	if len(out) != 1 {
		t.Fatalf("expected exactly one instance after dedup, got %d", len(out))
	}
	if out[0].State != domain.StateCommitted || out[0].ID != "x1" {
		t.Errorf("expected the committed copy to win, got %+v", out[0])
	}
}

func TestOutput_DedupOutsideTolerance(t *testing.T) {
	e := New(2*time.Second, testLogger())
	e.AddPending(pendingMsg("p1", "u1", "hi", 100))

	// Same sender and content, but far outside the window: a different
	// message, not the echo's authoritative copy.
	e.SetSnapshot(domain.FeedSnapshot{
		"x1": rec("u1", "hi", 100_000),
	})

	out := e.Output()
	if len(out) != 2 {
		t.Fatalf("expected both messages to survive, got %d", len(out))
	}
}

func TestOutput_OneCommittedConsumesOnePending(t *testing.T) {
	e := New(2*time.Second, testLogger())
	e.AddPending(pendingMsg("p1", "u1", "hi", 100))
	e.AddPending(pendingMsg("p2", "u1", "hi", 150))

	e.SetSnapshot(domain.FeedSnapshot{
		"x1": rec("u1", "hi", 101),
	})

	out := e.Output()
	if len(out) != 2 {
		t.Fatalf("expected 2 messages (one committed, one still pending), got %d", len(out))
	}
	var pendingCount int
	for _, m := range out {
		if m.State == domain.StatePending {
			pendingCount++
		}
	}
	if pendingCount != 1 {
		t.Errorf("expected exactly 1 surviving pending, got %d", pendingCount)
	}
}

func TestOutput_FailedRetained(t *testing.T) {
	e := New(0, testLogger())
	e.AddPending(pendingMsg("p1", "u1", "hi", 100))
	e.MarkFailed("p1")

	out := e.Output()
	if len(out) != 1 {
		t.Fatalf("expected failed message to remain visible, got %d messages", len(out))
	}
	if out[0].State != domain.StateFailed || out[0].Content != "hi" {
		t.Errorf("expected failed entry with content intact, got %+v", out[0])
	}
}

func TestReactivate(t *testing.T) {
	e := New(0, testLogger())
	e.AddPending(pendingMsg("p1", "u1", "hi", 100))
	e.MarkFailed("p1")

	if !e.Reactivate("p1", 500) {
		t.Fatal("expected reactivate to succeed for a failed send")
	}
	m, ok := e.PendingByID("p1")
	if !ok || m.State != domain.StatePending || m.Timestamp != 500 {
		t.Errorf("expected pending with fresh timestamp, got %+v", m)
	}

	if e.Reactivate("p1", 600) {
		t.Error("reactivate must only apply to failed sends")
	}
	if e.Reactivate("nope", 600) {
		t.Error("reactivate must reject unknown ids")
	}
}

func TestMarkCommitted_RetainedUntilSnapshot(t *testing.T) {
	e := New(2*time.Second, testLogger())
	e.AddPending(pendingMsg("p1", "u1", "hi", 100))

	// Append succeeded, but the snapshot containing the record has not
	// arrived yet. The entry must stay visible.
	e.MarkCommitted("p1", "x1")
	out := e.Output()
	if len(out) != 1 {
		t.Fatalf("expected entry retained after commit, got %d messages", len(out))
	}
	if out[0].State != domain.StateCommitted {
		t.Errorf("expected committed state, got %v", out[0].State)
	}

	// Now the authoritative copy shows up; exactly one instance remains.
	e.SetSnapshot(domain.FeedSnapshot{
		"x1": rec("u1", "hi", 100),
	})
	out = e.Output()
	if len(out) != 1 {
		t.Fatalf("expected exactly one instance after snapshot arrival, got %d", len(out))
	}
	if _, tracked := e.PendingByID("p1"); tracked {
		t.Error("expected local entry pruned once remotely visible")
	}
}

func TestRemoveAndClear(t *testing.T) {
	e := New(0, testLogger())
	e.AddPending(pendingMsg("p1", "u1", "one", 100))
	e.AddPending(pendingMsg("p2", "u1", "two", 200))

	e.Remove("p1")
	if out := e.Output(); len(out) != 1 || out[0].LocalID != "p2" {
		t.Fatalf("expected only p2 to remain, got %+v", out)
	}

	e.Clear()
	if out := e.Output(); len(out) != 0 {
		t.Fatalf("expected empty output after clear, got %d", len(out))
	}
}

func TestFailedPendingIndependence(t *testing.T) {
	e := New(0, testLogger())
	e.AddPending(pendingMsg("p1", "u1", "one", 100))
	e.AddPending(pendingMsg("p2", "u1", "two", 200))

	e.MarkFailed("p1")

	out := e.Output()
	if len(out) != 2 {
		t.Fatalf("expected both sends tracked, got %d", len(out))
	}
	states := map[string]domain.MessageState{}
	for _, m := range out {
		states[m.LocalID] = m.State
	}
	if states["p1"] != domain.StateFailed {
		t.Errorf("p1 should be failed, got %v", states["p1"])
	}
	if states["p2"] != domain.StatePending {
		t.Errorf("p2 must be unaffected by p1's failure, got %v", states["p2"])
	}
}
