// Package client wires the feed adapter, merge engine, send controller,
// and session machine into one event loop. All engine state is confined to
// that loop; correctness hinges on event ordering, not locking.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"whatschat/internal/domain"
	"whatschat/internal/feed"
	"whatschat/internal/merge"
	"whatschat/internal/send"
	"whatschat/internal/session"
)

// ProfileWarmer pre-fetches profiles for the senders on screen.
type ProfileWarmer interface {
	Warm(ctx context.Context, userIDs []string)
}

// Options carries the engine knobs; zero values fall back to package
// defaults.
type Options struct {
	ChannelPath        string
	Tolerance          time.Duration
	SendTimeout        time.Duration
	ResubscribeBackoff time.Duration
}

type eventKind int

const (
	evIdentityOn eventKind = iota
	evIdentityOff
	evSnapshot
	evSendResult
	evSubmit
	evResend
	evDiscard
)

type event struct {
	kind     eventKind
	identity domain.Identity
	snapshot domain.FeedSnapshot
	result   send.Result
	content  string
	localID  string
	gen      int
	reply    chan reply
}

type reply struct {
	msg domain.Message
	err error
}

// Client is the realtime sync engine behind the chat screen.
type Client struct {
	opts    Options
	feedSvc domain.FeedService
	logger  *slog.Logger
	warmer  ProfileWarmer

	machine *session.Machine
	engine  *merge.Engine
	adapter *feed.Adapter

	events     chan event
	onMessages func([]domain.Message)
	onSession  func(domain.Session)

	mu     sync.Mutex
	runCtx context.Context // set once by Run; nil until then

	// loop-confined
	ctrl *send.Controller
	gen  int // subscription generation; snapshots from older generations are stale
}

func New(feedSvc domain.FeedService, issuer domain.IdentityIssuer, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ChannelPath == "" {
		opts.ChannelPath = "chats"
	}
	c := &Client{
		opts:    opts,
		feedSvc: feedSvc,
		logger:  logger,
		engine:  merge.New(opts.Tolerance, logger),
		adapter: feed.New(feedSvc, opts.ResubscribeBackoff, logger),
		events:  make(chan event, 64),
	}
	c.machine = session.New(issuer, logger)
	c.machine.OnAuthenticated = func(id domain.Identity) {
		c.post(event{kind: evIdentityOn, identity: id})
	}
	c.machine.OnUnauthenticated = func() {
		c.post(event{kind: evIdentityOff})
	}
	return c
}

// OnMessages registers the presentation callback for the merged sequence.
// Must be set before Run.
func (c *Client) OnMessages(fn func([]domain.Message)) { c.onMessages = fn }

// OnSession registers the session transition callback. Must be set before
// Run.
func (c *Client) OnSession(fn func(domain.Session)) { c.onSession = fn }

// SetWarmer installs a profile pre-fetcher. Must be set before Run.
func (c *Client) SetWarmer(w ProfileWarmer) { c.warmer = w }

// Session returns the current session.
func (c *Client) Session() domain.Session { return c.machine.Current() }

// Login, Register, and Logout delegate to the session machine; the
// resulting transitions arrive on the event loop through the issuer
// notification.
func (c *Client) Login(ctx context.Context, creds domain.Credentials) error {
	return c.machine.Login(ctx, creds)
}

func (c *Client) Register(ctx context.Context, creds domain.Credentials) error {
	return c.machine.Register(ctx, creds)
}

func (c *Client) Logout(ctx context.Context) error {
	return c.machine.Logout(ctx)
}

// Submit sends a message optimistically. The echo shows up via OnMessages
// before the append resolves.
func (c *Client) Submit(content string) (domain.Message, error) {
	return c.ask(event{kind: evSubmit, content: content})
}

// Resend retries a failed send.
func (c *Client) Resend(localID string) error {
	_, err := c.ask(event{kind: evResend, localID: localID})
	return err
}

// Discard drops a failed send from the view.
func (c *Client) Discard(localID string) error {
	_, err := c.ask(event{kind: evDiscard, localID: localID})
	return err
}

// Run drives the event loop until ctx is cancelled. Everything that
// touches the merge engine happens here.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()
	c.machine.Start()
	defer c.machine.Stop()
	defer c.adapter.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// ctx returns the run context, nil before Run has started.
func (c *Client) ctx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runCtx
}

func (c *Client) post(ev event) {
	ctx := c.ctx()
	if ctx == nil {
		return
	}
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) ask(ev event) (domain.Message, error) {
	ctx := c.ctx()
	if ctx == nil {
		return domain.Message{}, fmt.Errorf("engine is not running")
	}
	ev.reply = make(chan reply, 1)
	select {
	case c.events <- ev:
	case <-ctx.Done():
		return domain.Message{}, ctx.Err()
	}
	select {
	case r := <-ev.reply:
		return r.msg, r.err
	case <-ctx.Done():
		return domain.Message{}, ctx.Err()
	}
}

func (c *Client) handle(ev event) {
	switch ev.kind {
	case evIdentityOn:
		c.ctrl = send.NewController(c.feedSvc, c.engine, c.opts.ChannelPath, ev.identity.UserID,
			c.opts.SendTimeout, c.logger, func(res send.Result) {
				c.post(event{kind: evSendResult, result: res})
			})
		c.attach()
		c.warm([]string{ev.identity.UserID})
		c.publishSession()

	case evIdentityOff:
		c.adapter.Unsubscribe()
		// Invalidate snapshots still in flight from the detached
		// subscription; applying one would repopulate the view for a
		// signed-out user.
		c.gen++
		c.engine.Clear()
		c.engine.SetSnapshot(nil)
		c.ctrl = nil
		c.publishSession()
		c.publishMessages()

	case evSnapshot:
		if ev.gen != c.gen {
			return
		}
		c.engine.SetSnapshot(ev.snapshot)
		c.publishMessages()

	case evSendResult:
		// A sign-out may have cleared the pending set while the append
		// was in flight; resolving against the empty set is a no-op.
		if c.ctrl != nil {
			c.ctrl.Resolve(ev.result)
		}
		c.publishMessages()

	case evSubmit:
		if c.ctrl == nil {
			ev.reply <- reply{err: &domain.ValidationError{Field: "session", Reason: "not signed in"}}
			return
		}
		msg, err := c.ctrl.Submit(c.runCtx, ev.content)
		ev.reply <- reply{msg: msg, err: err}
		if err == nil {
			c.publishMessages()
		}

	case evResend:
		if c.ctrl == nil {
			ev.reply <- reply{err: &domain.ValidationError{Field: "session", Reason: "not signed in"}}
			return
		}
		if !c.ctrl.Resend(c.runCtx, ev.localID) {
			ev.reply <- reply{err: &domain.ValidationError{Field: "message", Reason: "no failed send with that id"}}
			return
		}
		ev.reply <- reply{}
		c.publishMessages()

	case evDiscard:
		if c.ctrl != nil {
			c.ctrl.Discard(ev.localID)
		}
		ev.reply <- reply{}
		c.publishMessages()
	}
}

func (c *Client) attach() {
	stream, err := c.adapter.Subscribe(c.runCtx, c.opts.ChannelPath)
	if err != nil {
		// Exactly one subscription per session; a second attach means the
		// previous one never detached.
		c.logger.Error("feed attach failed", "channel", c.opts.ChannelPath, "err", err)
		return
	}
	gen := c.gen
	go func() {
		for snap := range stream {
			c.post(event{kind: evSnapshot, snapshot: snap, gen: gen})
		}
	}()
}

func (c *Client) publishMessages() {
	out := c.engine.Output()
	if c.onMessages != nil {
		c.onMessages(out)
	}
	seen := make(map[string]bool)
	senders := make([]string, 0, 4)
	for _, m := range out {
		if !seen[m.SenderID] {
			seen[m.SenderID] = true
			senders = append(senders, m.SenderID)
		}
	}
	c.warm(senders)
}

func (c *Client) publishSession() {
	if c.onSession != nil {
		c.onSession(c.machine.Current())
	}
}

func (c *Client) warm(userIDs []string) {
	if c.warmer == nil || len(userIDs) == 0 {
		return
	}
	go c.warmer.Warm(c.runCtx, userIDs)
}
