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
)

// Blobs is a domain.BlobStore over the reference server.
type Blobs struct {
	base   string
	http   *http.Client
	token  func() string
	logger *slog.Logger
}

func NewBlobs(baseURL string, token func() string, logger *slog.Logger) *Blobs {
	if logger == nil {
		logger = slog.Default()
	}
	return &Blobs{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 60 * time.Second},
		token:  token,
		logger: logger,
	}
}

// Upload stores data under path and returns the fetchable URL.
func (b *Blobs) Upload(ctx context.Context, path string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+"/v1/blobs/"+path, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if b.token != nil {
		if t := b.token(); t != "" {
			req.Header.Set("Authorization", "Bearer "+t)
		}
	}

	res, err := b.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return "", fmt.Errorf("upload %s: status %d: %s", path, res.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return out.URL, nil
}
