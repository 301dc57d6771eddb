package shares

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// Key layout:
//
//	t:<token>               -> JSON Link
//	o:<owner>\x00<rel>      -> token
const (
	prefixToken = "t:"
	prefixOwner = "o:"
)

// maxConflictRetries bounds optimistic-transaction retries per mutation.
const maxConflictRetries = 256

func tokenKey(token string) []byte { return []byte(prefixToken + token) }

func ownerPrefix(owner string) []byte { return []byte(prefixOwner + owner + "\x00") }

func ownerKey(owner, rel string) []byte { return append(ownerPrefix(owner), rel...) }

// BadgerStore keeps links in an embedded badger database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a store under dir.
func OpenBadger(dir string, log zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{log.With().Str("component", "badger").Logger()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open share store at %s: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func (s *BadgerStore) Get(ctx context.Context, token string) (Link, error) {
	if err := ctx.Err(); err != nil {
		return Link{}, err
	}
	var l Link
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		l, err = getLink(txn, token)
		return err
	})
	return l, err
}

func (s *BadgerStore) FindByOwnerPath(ctx context.Context, owner, rel string) (Link, error) {
	if err := ctx.Err(); err != nil {
		return Link{}, err
	}
	var l Link
	err := s.db.View(func(txn *badger.Txn) error {
		tok, err := getOwnerToken(txn, owner, rel)
		if err != nil {
			return err
		}
		l, err = getLink(txn, tok)
		return err
	})
	return l, err
}

func (s *BadgerStore) Upsert(ctx context.Context, owner, rel string, fn func(*Link, bool) error) (Link, error) {
	var out Link
	err := s.update(ctx, func(txn *badger.Txn) error {
		l := Link{Owner: owner, Path: rel}
		exists := false
		tok, err := getOwnerToken(txn, owner, rel)
		switch {
		case err == nil:
			if l, err = getLink(txn, tok); err != nil {
				return err
			}
			exists = true
		case !errors.Is(err, ErrNotFound):
			return err
		}

		if err := fn(&l, exists); err != nil {
			return err
		}
		if l.Token == "" {
			return errors.New("upsert: empty token")
		}
		if err := putLink(txn, l); err != nil {
			return err
		}
		out = l
		return txn.Set(ownerKey(owner, rel), []byte(l.Token))
	})
	return out, err
}

func (s *BadgerStore) Touch(ctx context.Context, token string) (Link, error) {
	var out Link
	err := s.update(ctx, func(txn *badger.Txn) error {
		l, err := getLink(txn, token)
		if err != nil {
			return err
		}
		l.Accesses++
		out = l
		return putLink(txn, l)
	})
	return out, err
}

func (s *BadgerStore) ListByOwner(ctx context.Context, owner string) ([]Link, error) {
	var out []Link
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = ownerPrefix(owner)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			tok, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			l, err := getLink(txn, string(tok))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, l)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) Delete(ctx context.Context, token string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		l, err := getLink(txn, token)
		if err != nil {
			return err
		}
		if err := txn.Delete(tokenKey(token)); err != nil {
			return err
		}
		return txn.Delete(ownerKey(l.Owner, l.Path))
	})
}

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent writers to the same keys.
func (s *BadgerStore) update(ctx context.Context, fn func(*badger.Txn) error) error {
	for range maxConflictRetries {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("share store: %w", badger.ErrConflict)
}

func getLink(txn *badger.Txn, token string) (Link, error) {
	item, err := txn.Get(tokenKey(token))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Link{}, ErrNotFound
	}
	if err != nil {
		return Link{}, err
	}
	var l Link
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &l)
	})
	if err != nil {
		return Link{}, fmt.Errorf("decode share link: %w", err)
	}
	return l, nil
}

func putLink(txn *badger.Txn, l Link) error {
	b, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return txn.Set(tokenKey(l.Token), b)
}

func getOwnerToken(txn *badger.Txn, owner, rel string) (string, error) {
	item, err := txn.Get(ownerKey(owner, rel))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// badgerLogger routes badger's internal logging through zerolog. Badger's
// info output (compactions, replay) is demoted to debug.
type badgerLogger struct{ log zerolog.Logger }

func (l badgerLogger) Errorf(f string, v ...any)   { l.log.Error().Msg(trimf(f, v)) }
func (l badgerLogger) Warningf(f string, v ...any) { l.log.Warn().Msg(trimf(f, v)) }
func (l badgerLogger) Infof(f string, v ...any)    { l.log.Debug().Msg(trimf(f, v)) }
func (l badgerLogger) Debugf(f string, v ...any)   { l.log.Debug().Msg(trimf(f, v)) }

func trimf(f string, v []any) string {
	return strings.TrimSpace(fmt.Sprintf(f, v...))
}
