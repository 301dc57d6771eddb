package shares

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

var factories = map[string]storeFactory{
	"badger": func(t *testing.T) Store {
		s, err := OpenBadger(t.TempDir(), zerolog.Nop())
		require.NoError(t, err)
		return s
	},
	"sqlite": func(t *testing.T) Store {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "shares.db"))
		require.NoError(t, err)
		return s
	},
}

func forEachStore(t *testing.T, fn func(t *testing.T, r *Registry)) {
	for name, open := range factories {
		t.Run(name, func(t *testing.T) {
			r := NewRegistry(open(t), zerolog.Nop())
			t.Cleanup(func() { _ = r.Close() })
			fn(t, r)
		})
	}
}

func TestExpiryFor(t *testing.T) {
	now := time.Date(2024, 2, 28, 9, 30, 0, 0, time.FixedZone("X", 5*3600))
	got := ExpiryFor(now, 7)
	require.NotNil(t, got)
	// 09:30+05:00 is 04:30 UTC on the same day.
	assert.Equal(t, time.Date(2024, 3, 6, 23, 59, 59, 0, time.UTC), *got)
	assert.Nil(t, ExpiryFor(now, 0))
}

func TestNewToken(t *testing.T) {
	a, err := NewToken()
	require.NoError(t, err)
	b, err := NewToken()
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestIssueAndResolve(t *testing.T) {
	forEachStore(t, func(t *testing.T, r *Registry) {
		ctx := context.Background()
		l, err := r.Issue(ctx, "alice", "docs/a.pdf", 7)
		require.NoError(t, err)
		assert.Equal(t, "alice", l.Owner)
		assert.Equal(t, "docs/a.pdf", l.Path)
		require.NotNil(t, l.ExpiresAt)
		assert.True(t, l.ExpiresAt.After(time.Now()))

		got, err := r.Resolve(ctx, l.Token)
		require.NoError(t, err)
		assert.Equal(t, l.Token, got.Token)
		assert.Equal(t, int64(0), got.Accesses)

		_, err = r.Resolve(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestResolve_ExpiredIsNotNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, r *Registry) {
		ctx := context.Background()
		r.now = func() time.Time { return time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC) }
		l, err := r.Issue(ctx, "alice", "old.txt", 1)
		require.NoError(t, err)

		r.now = time.Now
		got, err := r.Resolve(ctx, l.Token)
		assert.ErrorIs(t, err, ErrExpired)
		assert.NotErrorIs(t, err, ErrNotFound)
		assert.Equal(t, "old.txt", got.Path)
	})
}

func TestResolve_NullExpiryNeverExpires(t *testing.T) {
	forEachStore(t, func(t *testing.T, r *Registry) {
		ctx := context.Background()
		r.now = func() time.Time { return time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC) }
		l, err := r.Issue(ctx, "alice", "forever.txt", 0)
		require.NoError(t, err)
		assert.Nil(t, l.ExpiresAt)

		r.now = func() time.Time { return time.Date(2999, 1, 1, 0, 0, 0, 0, time.UTC) }
		_, err = r.Resolve(ctx, l.Token)
		assert.NoError(t, err)
	})
}

func TestIssue_RefreshesExisting(t *testing.T) {
	forEachStore(t, func(t *testing.T, r *Registry) {
		ctx := context.Background()
		day1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		r.now = func() time.Time { return day1 }
		first, err := r.Issue(ctx, "alice", "a.txt", 3)
		require.NoError(t, err)
		_, err = r.Touch(ctx, first.Token)
		require.NoError(t, err)

		day2 := day1.AddDate(0, 0, 10)
		r.now = func() time.Time { return day2 }
		second, err := r.Issue(ctx, "alice", "a.txt", 3)
		require.NoError(t, err)

		assert.Equal(t, first.Token, second.Token)
		assert.True(t, second.CreatedAt.Equal(day2))
		assert.True(t, second.ExpiresAt.Equal(time.Date(2024, 5, 14, 23, 59, 59, 0, time.UTC)))
		assert.Equal(t, int64(1), second.Accesses)

		// Another owner gets their own link for the same path.
		other, err := r.Issue(ctx, "bob", "a.txt", 3)
		require.NoError(t, err)
		assert.NotEqual(t, first.Token, other.Token)

		found, err := r.Lookup(ctx, "alice", "a.txt")
		require.NoError(t, err)
		assert.Equal(t, first.Token, found.Token)
		_, err = r.Lookup(ctx, "alice", "b.txt")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTouch_ConcurrentIsMonotonic(t *testing.T) {
	forEachStore(t, func(t *testing.T, r *Registry) {
		ctx := context.Background()
		l, err := r.Issue(ctx, "alice", "hot.bin", 7)
		require.NoError(t, err)

		const n = 40
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := r.Touch(ctx, l.Token)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := r.Resolve(ctx, l.Token)
		require.NoError(t, err)
		assert.Equal(t, int64(n), got.Accesses)

		_, err = r.Touch(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListAndRevoke(t *testing.T) {
	forEachStore(t, func(t *testing.T, r *Registry) {
		ctx := context.Background()
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		for i, p := range []string{"a", "b", "c"} {
			r.now = func() time.Time { return base.Add(time.Duration(i) * time.Hour) }
			_, err := r.Issue(ctx, "alice", p, 0)
			require.NoError(t, err)
		}
		bobs, err := r.Issue(ctx, "bob", "a", 0)
		require.NoError(t, err)

		ls, err := r.List(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, ls, 3)
		assert.Equal(t, []string{"c", "b", "a"}, []string{ls[0].Path, ls[1].Path, ls[2].Path})

		assert.ErrorIs(t, r.Revoke(ctx, "alice", bobs.Token), ErrNotFound)
		require.NoError(t, r.Revoke(ctx, "alice", ls[0].Token))
		_, err = r.Resolve(ctx, ls[0].Token)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = r.Lookup(ctx, "alice", "c")
		assert.ErrorIs(t, err, ErrNotFound)

		ls, err = r.List(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, ls, 2)
	})
}

func TestBadgerStore_OwnerPrefixIsExact(t *testing.T) {
	s, err := OpenBadger(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	r := NewRegistry(s, zerolog.Nop())
	ctx := context.Background()

	_, err = r.Issue(ctx, "al", "x", 0)
	require.NoError(t, err)
	_, err = r.Issue(ctx, "alice", "y", 0)
	require.NoError(t, err)

	ls, err := r.List(ctx, "al")
	require.NoError(t, err)
	require.Len(t, ls, 1)
	assert.Equal(t, "x", ls[0].Path)
}
