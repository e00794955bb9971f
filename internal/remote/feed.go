// Package remote implements the engine's service capabilities against the
// whatschat reference server: a websocket snapshot stream for the feed,
// plain HTTP for everything else.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"whatschat/internal/domain"
)

// Feed is a domain.FeedService over the reference server. The server
// pushes the full channel state on every change, matching the
// snapshot-replaces-not-patches contract.
type Feed struct {
	base   string
	http   *http.Client
	token  func() string
	logger *slog.Logger
}

func NewFeed(baseURL string, token func() string, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 15 * time.Second},
		token:  token,
		logger: logger,
	}
}

func (f *Feed) feedURL(path string) string {
	return f.base + "/v1/feed/" + path
}

func (f *Feed) wsURL(path string) string {
	url := f.feedURL(path) + "/subscribe"
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	return "ws://" + strings.TrimPrefix(url, "http://")
}

func (f *Feed) authHeader() http.Header {
	h := http.Header{}
	if f.token != nil {
		if t := f.token(); t != "" {
			h.Set("Authorization", "Bearer "+t)
		}
	}
	return h
}

// Subscribe opens the websocket stream for path. The returned channel
// closes when the connection drops; the feed adapter handles reattaching.
func (f *Feed) Subscribe(ctx context.Context, path string) (<-chan domain.FeedSnapshot, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.wsURL(path), f.authHeader())
	if err != nil {
		return nil, fmt.Errorf("dial feed %s: %w", path, err)
	}

	out := make(chan domain.FeedSnapshot, 8)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var snap domain.FeedSnapshot
			if err := conn.ReadJSON(&snap); err != nil {
				if ctx.Err() == nil {
					f.logger.Debug("feed stream ended", "path", path, "err", err)
				}
				return
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Append pushes a record under path and returns the feed-assigned id.
func (f *Feed) Append(ctx context.Context, path string, record domain.FeedRecord) (string, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := f.do(ctx, http.MethodPost, f.feedURL(path), body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// ReadOnce fetches the document at path. Absence is (false, nil), not an
// error.
func (f *Feed) ReadOnce(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.feedURL(path), nil)
	if err != nil {
		return false, err
	}
	req.Header = f.authHeader()
	res, err := f.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if res.StatusCode != http.StatusOK {
		return false, fmt.Errorf("read %s: status %d", path, res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

// Update merges fields into the document at path.
func (f *Feed) Update(ctx context.Context, path string, fields map[string]any) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	return f.do(ctx, http.MethodPatch, f.feedURL(path), body, nil)
}

func (f *Feed) do(ctx context.Context, method, url string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = f.authHeader()
	req.Header.Set("Content-Type", "application/json")

	res, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, url, res.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
