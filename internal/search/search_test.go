package search

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nasmux/internal/meta"
)

func tree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := []string{
		"abc.txt",
		"xABCx.pdf",
		"nope.txt",
		"docs/report-abc.md",
		"docs/deep/ABC",
		"docs/deep/other",
		".hidden/abc-secret.txt",
		".abc-dotfile",
		"star*abc.txt",
		"brackets[abc].txt",
		"ÄBC-report.txt",
		"docs/äbc-notes.txt",
	}
	for _, f := range files {
		p := filepath.Join(root, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(f), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "abc-dir", "inner"), 0o755))
	return root
}

func sorted(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

var wantABC = []string{
	"abc-dir",
	"abc.txt",
	"brackets[abc].txt",
	"docs/deep/ABC",
	"docs/report-abc.md",
	"star*abc.txt",
	"xABCx.pdf",
}

func TestWalkFinder(t *testing.T) {
	root := tree(t)
	got, err := WalkFinder{}.Find(context.Background(), root, "abc")
	require.NoError(t, err)
	assert.Equal(t, wantABC, sorted(got))
}

func toolAvailable(t *testing.T) {
	t.Helper()
	if _, err := (ToolFinder{}).Find(context.Background(), t.TempDir(), "x"); err != nil {
		t.Skipf("find unavailable: %v", err)
	}
}

func TestToolFinder_MatchesWalkFinder(t *testing.T) {
	toolAvailable(t)
	root := tree(t)
	for _, q := range []string{"abc", "ABC", "*", "[abc]", "deep", "zzz", "äbc", "ÄBC", "-"} {
		walk, err := WalkFinder{}.Find(context.Background(), root, q)
		require.NoError(t, err, q)
		tool, err := ToolFinder{}.Find(context.Background(), root, q)
		require.NoError(t, err, q)
		assert.Equal(t, sorted(walk), sorted(tool), q)
	}
}

func TestFinders_FoldNonASCII(t *testing.T) {
	root := tree(t)
	want := []string{"docs/äbc-notes.txt", "ÄBC-report.txt"}
	got, err := WalkFinder{}.Find(context.Background(), root, "äbc")
	require.NoError(t, err)
	assert.Equal(t, want, sorted(got))

	toolAvailable(t)
	got, err = ToolFinder{}.Find(context.Background(), root, "ÄBC")
	require.NoError(t, err)
	assert.Equal(t, want, sorted(got))
}

type brokenFinder struct{}

func (brokenFinder) Name() string { return "broken" }

func (brokenFinder) Find(context.Context, string, string) ([]string, error) {
	return nil, errors.New("exit status 2")
}

func TestEngine_FallsBack(t *testing.T) {
	root := tree(t)
	e := NewEngine(brokenFinder{}, meta.NewResolver(false), 0, zerolog.Nop())
	res, err := e.Search(context.Background(), root, "", "abc")
	require.NoError(t, err)
	assert.Equal(t, "walk", res.Finder)
	assert.False(t, res.Truncated)

	var paths []string
	for _, it := range res.Items {
		paths = append(paths, it.Path)
		assert.True(t, it.Accessible, it.Path)
	}
	assert.Equal(t, wantABC, paths)
}

func TestEngine_SubPath(t *testing.T) {
	root := tree(t)
	res, err := NewEngine(nil, nil, 0, zerolog.Nop()).Search(context.Background(), root, "docs", "abc")
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "docs/deep/ABC", res.Items[0].Path)
	assert.Equal(t, "ABC", res.Items[0].Name)
	assert.Equal(t, "docs/report-abc.md", res.Items[1].Path)
}

func TestEngine_EmptyQuery(t *testing.T) {
	res, err := NewEngine(nil, nil, 0, zerolog.Nop()).Search(context.Background(), tree(t), "", "   ")
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.NotNil(t, res.Items)
}

func TestEngine_Cap(t *testing.T) {
	root := tree(t)
	res, err := NewEngine(nil, nil, 3, zerolog.Nop()).Search(context.Background(), root, "", "abc")
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Items, 3)
}

type vanishingFinder struct{}

func (vanishingFinder) Name() string { return "vanishing" }

func (vanishingFinder) Find(context.Context, string, string) ([]string, error) {
	return []string{"gone.mp3"}, nil
}

func TestEngine_UnresolvableHitDegrades(t *testing.T) {
	root := t.TempDir()
	e := NewEngine(vanishingFinder{}, nil, 0, zerolog.Nop())
	res, err := e.Search(context.Background(), root, "", "gone")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	it := res.Items[0]
	assert.False(t, it.Accessible)
	assert.Equal(t, "gone.mp3", it.Name)
	assert.Equal(t, meta.IconAudio, it.Icon)
}

func TestEngine_MissingBase(t *testing.T) {
	_, err := NewEngine(nil, nil, 0, zerolog.Nop()).Search(context.Background(), t.TempDir(), "missing", "x")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
