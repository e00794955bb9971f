// Package profile resolves user records that decorate messages with
// display names and avatars. Profiles live under users/<id> in the feed,
// apart from the messages themselves.
package profile

import (
	"context"
	"log/slog"
	"strings"

	"whatschat/internal/domain"
)

// Service fetches profiles through the feed, caches them locally, and
// applies profile edits (rename, avatar upload).
type Service struct {
	feed   domain.FeedService
	blobs  domain.BlobStore
	cache  *Cache
	logger *slog.Logger
}

func NewService(feed domain.FeedService, blobs domain.BlobStore, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{feed: feed, blobs: blobs, cache: cache, logger: logger}
}

func userPath(userID string) string { return "users/" + userID }

// Lookup returns the profile for userID, from cache when fresh. A user
// without a stored record gets a fallback profile named after the id, so
// rendering never blocks on profile completeness.
func (s *Service) Lookup(ctx context.Context, userID string) (domain.UserProfile, error) {
	if s.cache != nil {
		if p, fresh, err := s.cache.Get(ctx, userID); err == nil && fresh {
			return *p, nil
		} else if err != nil {
			s.logger.Warn("profile cache read failed", "user", userID, "err", err)
		}
	}

	var p domain.UserProfile
	found, err := s.feed.ReadOnce(ctx, userPath(userID), &p)
	if err != nil {
		return domain.UserProfile{}, domain.ClassifyService("read profile", err)
	}
	if !found || p.DisplayName == "" {
		p = domain.UserProfile{UserID: userID, DisplayName: fallbackName(userID)}
	}
	p.UserID = userID

	if s.cache != nil {
		if err := s.cache.Put(ctx, p); err != nil {
			s.logger.Warn("profile cache write failed", "user", userID, "err", err)
		}
	}
	return p, nil
}

// Warm pre-fetches profiles for the given users, ignoring individual
// failures. Called with the senders currently on screen.
func (s *Service) Warm(ctx context.Context, userIDs []string) {
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, err := s.Lookup(ctx, id); err != nil {
			s.logger.Debug("profile warm-up failed", "user", id, "err", err)
		}
	}
}

// UpdateDisplayName renames the user in the feed record and refreshes the
// cache.
func (s *Service) UpdateDisplayName(ctx context.Context, userID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &domain.ValidationError{Field: "displayName", Reason: "display name is required"}
	}
	if err := s.feed.Update(ctx, userPath(userID), map[string]any{"displayName": name}); err != nil {
		return domain.ClassifyService("update profile", err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, userID); err != nil {
			s.logger.Warn("profile cache invalidate failed", "user", userID, "err", err)
		}
	}
	return nil
}

// SetAvatar uploads the image bytes to blob storage and points the user
// record at the resulting URL.
func (s *Service) SetAvatar(ctx context.Context, userID string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", &domain.ValidationError{Field: "avatar", Reason: "image data is required"}
	}
	url, err := s.blobs.Upload(ctx, "profile_pictures/"+userID, data)
	if err != nil {
		return "", domain.ClassifyService("upload avatar", err)
	}
	if err := s.feed.Update(ctx, userPath(userID), map[string]any{"avatarUrl": url}); err != nil {
		return "", domain.ClassifyService("update profile", err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, userID); err != nil {
			s.logger.Warn("profile cache invalidate failed", "user", userID, "err", err)
		}
	}
	return url, nil
}

// fallbackName mirrors how the original app displayed users before they
// picked a name: the local part of the address, or the raw id.
func fallbackName(userID string) string {
	if at := strings.Index(userID, "@"); at > 0 {
		return userID[:at]
	}
	return userID
}
