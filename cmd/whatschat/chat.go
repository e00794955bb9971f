package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"whatschat/internal/client"
	"whatschat/internal/domain"
	"whatschat/internal/metrics"
	"whatschat/internal/profile"
	"whatschat/internal/remote"
)

func chatCmd() *cobra.Command {
	var email, password string
	var signup bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join the shared chat room",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(email, password, signup)
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	cmd.Flags().BoolVar(&signup, "signup", false, "create the account before signing in")
	return cmd
}

func runChat(email, password string, signup bool) error {
	cfg := loadConfigOrDefaults()
	logger = setupLogger(cfg.General.LogLevel)

	issuer := remote.NewIssuer(cfg.Server.BaseURL, logger)
	feedSvc := remote.NewFeed(cfg.Server.BaseURL, issuer.Token, logger)
	blobs := remote.NewBlobs(cfg.Server.BaseURL, issuer.Token, logger)

	var cache *profile.Cache
	if cfg.Profile.CachePath != "" {
		var err error
		cache, err = profile.OpenCache(cfg.Profile.CachePath, time.Duration(cfg.Profile.TTLHours)*time.Hour, logger)
		if err != nil {
			logger.Warn("profile cache unavailable, running without it", "err", err)
		} else {
			defer cache.Close()
		}
	}
	profiles := profile.NewService(feedSvc, blobs, cache, logger)

	engine := client.New(feedSvc, issuer, client.Options{
		ChannelPath:        cfg.Feed.ChannelPath,
		Tolerance:          time.Duration(cfg.Feed.ToleranceMillis) * time.Millisecond,
		SendTimeout:        time.Duration(cfg.Send.TimeoutSeconds) * time.Second,
		ResubscribeBackoff: time.Duration(cfg.Feed.ResubscribeBackoffSeconds) * time.Second,
	}, logger)
	engine.SetWarmer(profiles)

	r := newRenderer(os.Stdout, profiles)
	engine.OnMessages(r.render)
	engine.OnSession(func(s domain.Session) {
		if s.Phase == domain.PhaseAuthenticated {
			r.setSelf(s.Identity.UserID)
			fmt.Println("--- signed in, joining room ---")
		} else {
			fmt.Println("--- signed out ---")
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("engine stopped", "err", err)
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			addr := fmt.Sprintf("127.0.0.1:%d", cfg.Metrics.Port)
			logger.Info("metrics listening", "addr", addr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Collector.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warn("metrics server stopped", "err", err)
			}
		}()
	}

	scanner := bufio.NewScanner(os.Stdin)
	if email == "" {
		email = prompt(scanner, "Email: ")
	}
	if password == "" {
		password = prompt(scanner, "Password: ")
	}
	creds := domain.Credentials{Email: email, Password: password}

	var err error
	if signup {
		err = engine.Register(ctx, creds)
	} else {
		err = engine.Login(ctx, creds)
	}
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	fmt.Println("Type a message and press Enter. Commands: /resend <id>, /discard <id>, /logout, /quit")
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit" || line == "/exit" || line == "/q":
			return nil

		case line == "/logout":
			if err := engine.Logout(ctx); err != nil {
				fmt.Printf("logout failed: %v\n", err)
			}

		case strings.HasPrefix(line, "/resend "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/resend "))
			if err := engine.Resend(id); err != nil {
				fmt.Printf("resend failed: %v\n", err)
			}

		case strings.HasPrefix(line, "/discard "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/discard "))
			if err := engine.Discard(id); err != nil {
				fmt.Printf("discard failed: %v\n", err)
			}

		default:
			if _, err := engine.Submit(line); err != nil {
				fmt.Printf("cannot send: %v\n", err)
			}
		}
	}
}

func prompt(scanner *bufio.Scanner, label string) string {
	fmt.Print(label)
	if !scanner.Scan() {
		return ""
	}
	return strings.TrimSpace(scanner.Text())
}

// renderer prints messages as they appear or change state. A pending echo
// prints once with its local id; the committed copy replaces it silently.
type renderer struct {
	mu       sync.Mutex
	out      io.Writer
	profiles *profile.Service
	seen     map[string]domain.MessageState
	self     string
}

func newRenderer(out io.Writer, profiles *profile.Service) *renderer {
	return &renderer{
		out:      out,
		profiles: profiles,
		seen:     make(map[string]domain.MessageState),
	}
}

func (r *renderer) setSelf(userID string) {
	r.mu.Lock()
	r.self = userID
	r.mu.Unlock()
}

func (r *renderer) render(msgs []domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range msgs {
		key := m.ID
		if key == "" {
			key = m.LocalID
		}
		prev, ok := r.seen[key]
		if ok && prev == m.State {
			continue
		}
		r.seen[key] = m.State
		if m.ID != "" && m.LocalID != "" {
			// The committed copy of our own echo; already printed.
			r.seen[m.LocalID] = m.State
			continue
		}
		if ok && prev == domain.StatePending && m.State == domain.StateCommitted {
			continue
		}
		r.printLine(m)
	}
}

func (r *renderer) printLine(m domain.Message) {
	name := m.SenderID
	if m.SenderID == r.self {
		name = "you"
	} else if r.profiles != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if p, err := r.profiles.Lookup(ctx, m.SenderID); err == nil {
			name = p.DisplayName
		}
		cancel()
	}

	ts := time.UnixMilli(m.Timestamp).Format("15:04")
	switch m.State {
	case domain.StatePending:
		fmt.Fprintf(r.out, "[%s] %s: %s (sending...)\n", ts, name, m.Content)
	case domain.StateFailed:
		fmt.Fprintf(r.out, "[%s] %s: %s (FAILED - /resend %s or /discard %s)\n", ts, name, m.Content, m.LocalID, m.LocalID)
	default:
		fmt.Fprintf(r.out, "[%s] %s: %s\n", ts, name, m.Content)
	}
}
