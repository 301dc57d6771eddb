package listing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nasmux/internal/meta"
)

func fixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, d := range []string{"docs", "Music", ".git", "a/b"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o755))
	}
	files := map[string]string{
		"zeta.txt":       "z",
		"Alpha.pdf":      "alpha",
		"beta.mp3":       "bbb",
		".env":           "secret",
		"docs/readme.md": "# hi",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(body), 0o644))
	}
	return root
}

func names(es []meta.Entry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Name
	}
	return out
}

func TestClampPerPage(t *testing.T) {
	for _, n := range []int{-5, 0, 1, 9, 10, 11, 50, 99, 100, 101, 1 << 20} {
		got := ClampPerPage(n)
		assert.GreaterOrEqual(t, got, MinPerPage, n)
		assert.LessOrEqual(t, got, MaxPerPage, n)
	}
	assert.Equal(t, 42, ClampPerPage(42))
}

func TestPaginate_PageAlwaysInRange(t *testing.T) {
	for _, total := range []int{0, 1, 9, 10, 11, 99, 100, 101, 1000} {
		for _, page := range []int{-3, 0, 1, 2, 5, 11, 1 << 30} {
			for _, per := range []int{0, 10, 25, 100, 500} {
				p := Paginate(total, page, per)
				assert.GreaterOrEqual(t, p.Page, 1)
				assert.LessOrEqual(t, p.Page, max(1, p.TotalPages))
				lo, hi := p.Bounds()
				assert.True(t, 0 <= lo && lo <= hi && hi <= total, "total=%d page=%d per=%d", total, page, per)
			}
		}
	}
}

func TestPaginate_Window(t *testing.T) {
	p := Paginate(25, 3, 10)
	assert.Equal(t, Pagination{
		Page: 3, PerPage: 10, TotalItems: 25, TotalPages: 3,
		HasPrev: true, HasNext: false, ShowingStart: 21, ShowingEnd: 25,
	}, p)

	empty := Paginate(0, 4, 10)
	assert.Equal(t, 1, empty.Page)
	assert.Equal(t, 0, empty.TotalPages)
	assert.False(t, empty.HasNext)
	assert.False(t, empty.HasPrev)
}

func TestSortEntries_DirsFirstCaseInsensitiveStable(t *testing.T) {
	es := []meta.Entry{
		{Name: "b.txt"}, {Name: "Zdir", IsDir: true}, {Name: "A.txt"},
		{Name: "adir", IsDir: true}, {Name: "a.TXT"}, {Name: "c"},
	}
	SortEntries(es)
	assert.Equal(t, []string{"adir", "Zdir", "A.txt", "a.TXT", "b.txt", "c"}, names(es))
}

func TestBreadcrumbs(t *testing.T) {
	assert.Equal(t, []Crumb{{Name: "Home"}}, Breadcrumbs(""))
	assert.Equal(t, []Crumb{
		{Name: "Home"},
		{Name: "a", Path: "a"},
		{Name: "b", Path: "a/b"},
	}, Breadcrumbs("/a//./b/"))
}

func TestReadDirEnumerator_SkipsHidden(t *testing.T) {
	root := fixture(t)
	raws, err := ReadDirEnumerator{}.Enumerate(context.Background(), root)
	require.NoError(t, err)
	var got []string
	for _, r := range raws {
		got = append(got, r.Name)
		assert.True(t, r.HasInfo)
	}
	sort.Strings(got)
	assert.Equal(t, []string{"Alpha.pdf", "Music", "a", "beta.mp3", "docs", "zeta.txt"}, got)
}

func TestList_Order(t *testing.T) {
	root := fixture(t)
	l := NewLister(nil, meta.NewResolver(false), zerolog.Nop())
	pg, err := l.List(context.Background(), root, "", 1, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "docs", "Music", "Alpha.pdf", "beta.mp3", "zeta.txt"}, names(pg.Items))
	assert.Equal(t, "readdir", pg.Enumerator)
	assert.Equal(t, 6, pg.Pagination.TotalItems)
	assert.Equal(t, 50, pg.Pagination.PerPage)

	for _, e := range pg.Items {
		assert.True(t, e.Accessible, e.Name)
	}
	assert.Equal(t, meta.IconPDF, pg.Items[3].Icon)
	assert.Equal(t, "Alpha.pdf", pg.Items[3].Path)
}

func TestList_SubdirAndPaging(t *testing.T) {
	root := t.TempDir()
	for i := range 23 {
		name := filepath.Join(root, "sub", string(rune('a'+i))+".txt")
		require.NoError(t, os.MkdirAll(filepath.Dir(name), 0o755))
		require.NoError(t, os.WriteFile(name, nil, 0o644))
	}
	l := NewLister(nil, nil, zerolog.Nop())

	pg, err := l.List(context.Background(), root, "sub", 99, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, pg.Pagination.Page)
	assert.Equal(t, []string{"u.txt", "v.txt", "w.txt"}, names(pg.Items))
	assert.Equal(t, "sub/u.txt", pg.Items[0].Path)
	assert.Len(t, pg.Breadcrumbs, 2)
}

type failingEnumerator struct{ calls int }

func (f *failingEnumerator) Name() string { return "broken" }

func (f *failingEnumerator) Enumerate(context.Context, string) ([]Raw, error) {
	f.calls++
	return nil, errors.New("tool crashed")
}

func TestList_FallsBackWhenPrimaryFails(t *testing.T) {
	root := fixture(t)
	primary := &failingEnumerator{}
	l := NewLister(primary, nil, zerolog.Nop())
	pg, err := l.List(context.Background(), root, "", 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, "readdir", pg.Enumerator)
	assert.Len(t, pg.Items, 6)
}

func TestList_MissingDirIsError(t *testing.T) {
	root := t.TempDir()
	_, err := NewLister(nil, nil, zerolog.Nop()).List(context.Background(), root, "nope", 1, 10)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func requireGNUFind(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x"), []byte("1"), 0o644))
	if _, err := (FindEnumerator{}).Enumerate(context.Background(), dir); err != nil {
		t.Skipf("GNU find unavailable: %v", err)
	}
}

func TestFindEnumerator_MatchesReadDir(t *testing.T) {
	requireGNUFind(t)
	root := fixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "tab\tname.txt"), []byte("12345"), 0o644))
	mod := time.Date(2024, 3, 1, 12, 0, 0, 500, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(root, "zeta.txt"), mod, mod))

	fast, err := FindEnumerator{}.Enumerate(context.Background(), root)
	require.NoError(t, err)
	slow, err := ReadDirEnumerator{}.Enumerate(context.Background(), root)
	require.NoError(t, err)

	key := func(rs []Raw) map[string]Raw {
		m := make(map[string]Raw, len(rs))
		for _, r := range rs {
			m[r.Name] = r
		}
		return m
	}
	f, s := key(fast), key(slow)
	require.Equal(t, len(s), len(f))
	for name, sr := range s {
		fr, ok := f[name]
		require.True(t, ok, name)
		assert.Equal(t, sr.IsDir, fr.IsDir, name)
		if !sr.IsDir {
			assert.Equal(t, sr.Size, fr.Size, name)
		}
	}
	assert.Equal(t, mod.Unix(), f["zeta.txt"].ModTime.Unix())
}

func TestFindEnumerator_MissingBinary(t *testing.T) {
	_, err := FindEnumerator{Bin: "/nonexistent/find"}.Enumerate(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrToolUnavailable)
}

func TestList_FindAndReadDirAgree(t *testing.T) {
	requireGNUFind(t)
	root := fixture(t)
	fast, err := NewLister(FindEnumerator{}, nil, zerolog.Nop()).List(context.Background(), root, "", 1, 100)
	require.NoError(t, err)
	slow, err := NewLister(nil, nil, zerolog.Nop()).List(context.Background(), root, "", 1, 100)
	require.NoError(t, err)
	assert.Equal(t, "find", fast.Enumerator)
	assert.Equal(t, names(slow.Items), names(fast.Items))
}

func TestParseFindOutput(t *testing.T) {
	out := []byte("d\t4096\t1700000000.5\tdir\x00f\t12\t1700000001\tfile one\x00f\t1\t1700000002.0\t.hidden\x00")
	raws, err := parseFindOutput(out)
	require.NoError(t, err)
	require.Len(t, raws, 2)
	assert.Equal(t, Raw{Name: "dir", IsDir: true, Size: 4096, ModTime: time.Unix(1700000000, 500000000), HasInfo: true}, raws[0])
	assert.Equal(t, "file one", raws[1].Name)

	_, err = parseFindOutput([]byte("f\t12\tnope\tx\x00"))
	assert.Error(t, err)
	_, err = parseFindOutput([]byte("f\t12\t1\tx"))
	assert.Error(t, err)
}
