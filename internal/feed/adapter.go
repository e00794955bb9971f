// Package feed wraps the external realtime feed into an ordered snapshot
// stream for one logical channel, resubscribing automatically when the
// underlying connection drops.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"whatschat/internal/domain"
	"whatschat/internal/metrics"
)

const (
	defaultBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Adapter manages at most one feed subscription at a time. Snapshots are
// forwarded in the order the feed emits them; a silent reconnect shows up
// downstream as nothing more than a fresh snapshot.
type Adapter struct {
	svc     domain.FeedService
	backoff time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(svc domain.FeedService, backoff time.Duration, logger *slog.Logger) *Adapter {
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{svc: svc, backoff: backoff, logger: logger}
}

// Subscribe attaches to channelPath and returns the snapshot stream. The
// stream stays open across underlying reconnects and closes only when ctx
// is cancelled or Unsubscribe is called.
func (a *Adapter) Subscribe(ctx context.Context, channelPath string) (<-chan domain.FeedSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil, fmt.Errorf("already subscribed")
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	out := make(chan domain.FeedSnapshot, 8)
	go a.run(ctx, channelPath, out)
	return out, nil
}

// Unsubscribe releases the subscription. Safe to call twice, and safe to
// call when nothing is attached.
func (a *Adapter) Unsubscribe() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

// Active reports whether a subscription is attached.
func (a *Adapter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancel != nil
}

func (a *Adapter) run(ctx context.Context, channelPath string, out chan<- domain.FeedSnapshot) {
	defer close(out)

	backoff := a.backoff
	first := true
	for {
		stream, err := a.svc.Subscribe(ctx, channelPath)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("feed subscribe failed, retrying",
				"channel", channelPath,
				"backoff", backoff,
				"err", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = a.backoff
		if !first {
			metrics.FeedResubscribes.Inc()
		}
		first = false

		for snap := range stream {
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		// Stream closed under us; reattach transparently.
		a.logger.Info("feed stream closed, resubscribing", "channel", channelPath)
	}
}
