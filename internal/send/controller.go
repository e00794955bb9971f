// Package send drives the optimistic lifecycle of outgoing messages:
// Composing -> Pending -> Committed or Failed. Each submission is tracked
// independently; multiple sends may be in flight at once.
package send

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"whatschat/internal/domain"
	"whatschat/internal/merge"
	"whatschat/internal/metrics"
)

// DefaultTimeout promotes a send that never resolves to Failed. The feed
// imposes no deadline of its own, and an indefinite Pending is worse than a
// resendable failure.
const DefaultTimeout = 30 * time.Second

// Result is the terminal outcome of one append attempt.
type Result struct {
	LocalID string
	FeedID  string
	Err     error
}

// Controller submits messages for one authenticated sender. Mutating
// methods must be called from the client event loop; the engine's pending
// set has a single writer.
type Controller struct {
	svc      domain.FeedService
	engine   *merge.Engine
	path     string
	senderID string
	timeout  time.Duration
	logger   *slog.Logger
	notify   func(Result)
	now      func() time.Time
}

func NewController(svc domain.FeedService, engine *merge.Engine, path, senderID string, timeout time.Duration, logger *slog.Logger, notify func(Result)) *Controller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		svc:      svc,
		engine:   engine,
		path:     path,
		senderID: senderID,
		timeout:  timeout,
		logger:   logger,
		notify:   notify,
		now:      time.Now,
	}
}

// Submit validates content, inserts the optimistic echo, and starts the
// append. The echo is visible immediately; the append resolves through the
// notify callback.
func (c *Controller) Submit(ctx context.Context, content string) (domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, &domain.ValidationError{Field: "content", Reason: "message is required"}
	}

	msg := domain.Message{
		LocalID:   uuid.NewString(),
		SenderID:  c.senderID,
		Content:   content,
		Timestamp: c.now().UnixMilli(),
		State:     domain.StatePending,
	}
	c.engine.AddPending(msg)
	metrics.SendsTotal.Inc()
	c.append(ctx, msg)
	return msg, nil
}

// Resend re-enters Pending for a failed send and retries the append. It
// reports false when localID does not name a failed send.
func (c *Controller) Resend(ctx context.Context, localID string) bool {
	ts := c.now().UnixMilli()
	if !c.engine.Reactivate(localID, ts) {
		return false
	}
	msg, _ := c.engine.PendingByID(localID)
	c.append(ctx, msg)
	return true
}

// Discard drops a send from the local set.
func (c *Controller) Discard(localID string) {
	c.engine.Remove(localID)
}

// Resolve applies a completed append to the engine.
func (c *Controller) Resolve(res Result) {
	if res.Err != nil {
		c.logger.Warn("send failed", "localID", res.LocalID, "err", res.Err)
		metrics.SendFailures.Inc()
		c.engine.MarkFailed(res.LocalID)
		return
	}
	c.engine.MarkCommitted(res.LocalID, res.FeedID)
}

func (c *Controller) append(ctx context.Context, msg domain.Message) {
	rec := domain.FeedRecord{
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	}
	started := c.now()
	go func() {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		id, err := c.svc.Append(ctx, c.path, rec)
		if err == nil {
			metrics.CommitLatency.Observe(time.Since(started).Seconds())
		}
		c.notify(Result{
			LocalID: msg.LocalID,
			FeedID:  id,
			Err:     domain.ClassifyService("append message", err),
		})
	}()
}
