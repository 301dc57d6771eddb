// Package shares issues and resolves unauthenticated share links for files.
package shares

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrNotFound = errors.New("share link not found")
	ErrExpired  = errors.New("share link expired")
)

// Link is a share token bound to one owner and one file. Links are never
// deleted on expiry; expiry is checked when they are resolved.
type Link struct {
	Token     string     `json:"token"`
	Owner     string     `json:"owner"`
	Path      string     `json:"path"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt"` // nil never expires
	Accesses  int64      `json:"accessCount"`
}

// Expired reports whether the link has an expiry before now.
func (l Link) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// Store persists links. Every mutation of a single record is atomic.
type Store interface {
	// Get returns ErrNotFound for unknown tokens.
	Get(ctx context.Context, token string) (Link, error)
	// FindByOwnerPath returns ErrNotFound when owner has no link for rel.
	FindByOwnerPath(ctx context.Context, owner, rel string) (Link, error)
	// Upsert looks up (owner, rel) and calls fn with the existing link or,
	// if none, a zero Link with Owner and Path set; exists tells which. The
	// result of fn is stored in the same transaction.
	Upsert(ctx context.Context, owner, rel string, fn func(l *Link, exists bool) error) (Link, error)
	// Touch increments the access count and returns the updated link.
	Touch(ctx context.Context, token string) (Link, error)
	ListByOwner(ctx context.Context, owner string) ([]Link, error)
	Delete(ctx context.Context, token string) error
	Close() error
}

// NewToken returns 128 random bits, hex encoded.
func NewToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// ExpiryFor returns the end of now's UTC day plus days, or nil for days <= 0.
func ExpiryFor(now time.Time, days int) *time.Time {
	if days <= 0 {
		return nil
	}
	u := now.UTC()
	t := time.Date(u.Year(), u.Month(), u.Day(), 23, 59, 59, 0, time.UTC).AddDate(0, 0, days)
	return &t
}

// Registry implements the share-link lifecycle on top of a Store.
type Registry struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewRegistry(store Store, log zerolog.Logger) *Registry {
	return &Registry{store: store, log: log, now: time.Now}
}

// Issue creates a link for (owner, rel) or refreshes the existing one. A
// refresh keeps the token and access count but resets CreatedAt and
// ExpiresAt.
func (r *Registry) Issue(ctx context.Context, owner, rel string, expiryDays int) (Link, error) {
	now := r.now().UTC()
	l, err := r.store.Upsert(ctx, owner, rel, func(l *Link, exists bool) error {
		if !exists {
			tok, err := NewToken()
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			l.Token = tok
		}
		l.CreatedAt = now
		l.ExpiresAt = ExpiryFor(now, expiryDays)
		return nil
	})
	if err != nil {
		return Link{}, fmt.Errorf("issue share link: %w", err)
	}
	r.log.Info().Str("owner", owner).Str("path", rel).Str("token", l.Token).Msg("share link issued")
	return l, nil
}

// Resolve returns the link for token, ErrNotFound, or ErrExpired.
func (r *Registry) Resolve(ctx context.Context, token string) (Link, error) {
	l, err := r.store.Get(ctx, token)
	if err != nil {
		return Link{}, err
	}
	if l.Expired(r.now()) {
		return l, ErrExpired
	}
	return l, nil
}

// Touch records one access.
func (r *Registry) Touch(ctx context.Context, token string) (Link, error) {
	return r.store.Touch(ctx, token)
}

// Lookup returns owner's link for rel, if any.
func (r *Registry) Lookup(ctx context.Context, owner, rel string) (Link, error) {
	return r.store.FindByOwnerPath(ctx, owner, rel)
}

// List returns owner's links, newest first.
func (r *Registry) List(ctx context.Context, owner string) ([]Link, error) {
	ls, err := r.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(ls)
	return ls, nil
}

// Revoke deletes token if it belongs to owner. Tokens of other owners
// report ErrNotFound.
func (r *Registry) Revoke(ctx context.Context, owner, token string) error {
	l, err := r.store.Get(ctx, token)
	if err != nil {
		return err
	}
	if l.Owner != owner {
		return ErrNotFound
	}
	if err := r.store.Delete(ctx, token); err != nil {
		return err
	}
	r.log.Info().Str("owner", owner).Str("path", l.Path).Msg("share link revoked")
	return nil
}

func (r *Registry) Close() error { return r.store.Close() }

func sortNewestFirst(ls []Link) {
	sort.Slice(ls, func(i, j int) bool {
		if !ls[i].CreatedAt.Equal(ls[j].CreatedAt) {
			return ls[i].CreatedAt.After(ls[j].CreatedAt)
		}
		return ls[i].Token < ls[j].Token
	})
}
