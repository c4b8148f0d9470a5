// Package blacklist owns the permanent set of site identities that must
// never be contacted again.
package blacklist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/rankzen/internal/site"
	"github.com/kalambet/rankzen/internal/storage"
)

// Reason explains why a site was blacklisted. The values match the outreach
// outcome that triggered it, plus "manual" for operator additions.
type Reason string

const (
	ReasonCaptchaBlocked Reason = "CAPTCHA_BLOCKED"
	ReasonFormNotFound   Reason = "FORM_NOT_FOUND"
	ReasonContacted      Reason = "CONTACTED"
	ReasonManual         Reason = "MANUAL"
)

// EntryStore is the persistence the blacklist needs.
type EntryStore interface {
	AddToBlacklist(e storage.BlacklistEntry) (bool, error)
	IsBlacklisted(identity string) (bool, error)
	ListBlacklist(limit, offset int) ([]storage.BlacklistEntry, error)
}

// Store is the single owner of blacklist mutations. Entries are append-only:
// there is no removal.
type Store struct {
	entries EntryStore
	now     func() time.Time
	logger  *slog.Logger
}

func New(entries EntryStore) *Store {
	return &Store{entries: entries, now: time.Now, logger: slog.Default()}
}

// Contains reports whether id is blacklisted. Errors mean the store is
// unreachable and callers must not proceed with outreach.
func (s *Store) Contains(ctx context.Context, id site.Identity) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := s.entries.IsBlacklisted(string(id))
	if err != nil {
		return false, fmt.Errorf("checking blacklist for %s: %w", id, err)
	}
	return ok, nil
}

// Add blacklists id. Adding an identity that is already present keeps the
// original entry.
func (s *Store) Add(ctx context.Context, id site.Identity, reason Reason) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	added, err := s.entries.AddToBlacklist(storage.BlacklistEntry{
		Identity: string(id),
		Reason:   string(reason),
		AddedAt:  s.now(),
	})
	if err != nil {
		return fmt.Errorf("adding %s to blacklist: %w", id, err)
	}
	if added {
		s.logger.Info("site blacklisted", "identity", id, "reason", reason)
	}
	return nil
}

// List returns blacklist entries, newest first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]storage.BlacklistEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	return s.entries.ListBlacklist(limit, offset)
}
