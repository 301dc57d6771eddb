// Package listing produces sorted, paginated directory listings.
package listing

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"nasmux/internal/fsutil"
	"nasmux/internal/meta"
)

const (
	MinPerPage = 10
	MaxPerPage = 100
)

type Pagination struct {
	Page         int  `json:"page"`
	PerPage      int  `json:"perPage"`
	TotalItems   int  `json:"totalItems"`
	TotalPages   int  `json:"totalPages"`
	HasPrev      bool `json:"hasPrev"`
	HasNext      bool `json:"hasNext"`
	ShowingStart int  `json:"showingStart"`
	ShowingEnd   int  `json:"showingEnd"`
}

// ClampPerPage bounds n to [MinPerPage, MaxPerPage].
func ClampPerPage(n int) int {
	return min(max(n, MinPerPage), MaxPerPage)
}

// Paginate computes the window for page over total items. perPage is
// clamped and page is bounded to [1, max(1, totalPages)].
func Paginate(total, page, perPage int) Pagination {
	perPage = ClampPerPage(perPage)
	total = max(total, 0)
	pages := (total + perPage - 1) / perPage
	page = min(max(page, 1), max(pages, 1))

	p := Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: total,
		TotalPages: pages,
		HasPrev:    page > 1,
		HasNext:    page < pages,
	}
	if total > 0 {
		p.ShowingStart = (page-1)*perPage + 1
		p.ShowingEnd = min(page*perPage, total)
	}
	return p
}

// Bounds returns the half-open slice window [lo, hi) for p.
func (p Pagination) Bounds() (lo, hi int) {
	if p.TotalItems == 0 {
		return 0, 0
	}
	return p.ShowingStart - 1, p.ShowingEnd
}

// Less orders directories first, then names case-insensitively.
func Less(aDir bool, aName string, bDir bool, bName string) bool {
	if aDir != bDir {
		return aDir
	}
	return strings.ToLower(aName) < strings.ToLower(bName)
}

// SortEntries sorts in listing order. Ties keep their input order.
func SortEntries(es []meta.Entry) {
	sort.SliceStable(es, func(i, j int) bool {
		return Less(es[i].IsDir, es[i].Name, es[j].IsDir, es[j].Name)
	})
}

type Crumb struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Breadcrumbs returns the trail from the root to rel, root first.
func Breadcrumbs(rel string) []Crumb {
	rel = fsutil.Sanitize(rel)
	out := []Crumb{{Name: "Home", Path: ""}}
	if rel == "" {
		return out
	}
	acc := ""
	for _, seg := range strings.Split(rel, "/") {
		acc = fsutil.JoinRel(acc, seg)
		out = append(out, Crumb{Name: seg, Path: acc})
	}
	return out
}

type Page struct {
	Path        string       `json:"path"`
	Items       []meta.Entry `json:"items"`
	Pagination  Pagination   `json:"pagination"`
	Breadcrumbs []Crumb      `json:"breadcrumbs"`
	// Enumerator names the strategy that produced the listing.
	Enumerator string `json:"enumerator"`
}

// Lister lists directories. Primary may be nil; Fallback is used when it is
// nil or fails.
type Lister struct {
	Primary  Enumerator
	Fallback Enumerator
	Resolver *meta.Resolver
	Log      zerolog.Logger
}

// NewLister returns a Lister using primary with a readdir fallback.
func NewLister(primary Enumerator, resolver *meta.Resolver, log zerolog.Logger) *Lister {
	return &Lister{Primary: primary, Fallback: ReadDirEnumerator{}, Resolver: resolver, Log: log}
}

// List returns one page of the children of rel under root. The directory
// must exist; callers check that first.
func (l *Lister) List(ctx context.Context, root, rel string, page, perPage int) (Page, error) {
	rel = fsutil.Sanitize(rel)
	dir, err := fsutil.JoinWithinRoot(root, rel)
	if err != nil {
		return Page{}, err
	}

	raws, used, err := l.enumerate(ctx, dir)
	if err != nil {
		return Page{}, err
	}

	// Sorting needs only name and kind, so only the visible page is resolved.
	sort.SliceStable(raws, func(i, j int) bool {
		return Less(raws[i].IsDir, raws[i].Name, raws[j].IsDir, raws[j].Name)
	})
	pg := Paginate(len(raws), page, perPage)
	lo, hi := pg.Bounds()

	items := make([]meta.Entry, 0, hi-lo)
	for _, r := range raws[lo:hi] {
		items = append(items, l.resolve(dir, rel, r))
	}

	return Page{
		Path:        rel,
		Items:       items,
		Pagination:  pg,
		Breadcrumbs: Breadcrumbs(rel),
		Enumerator:  used,
	}, nil
}

func (l *Lister) enumerate(ctx context.Context, dir string) ([]Raw, string, error) {
	fallback := l.Fallback
	if fallback == nil {
		fallback = ReadDirEnumerator{}
	}
	if l.Primary != nil && l.Primary.Name() != fallback.Name() {
		raws, err := l.Primary.Enumerate(ctx, dir)
		if err == nil {
			return raws, l.Primary.Name(), nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		l.Log.Warn().Err(err).Str("enumerator", l.Primary.Name()).Str("dir", dir).Msg("enumerator failed, falling back")
	}
	raws, err := fallback.Enumerate(ctx, dir)
	return raws, fallback.Name(), err
}

func (l *Lister) resolve(dir, rel string, r Raw) meta.Entry {
	res := l.Resolver
	if res == nil {
		res = meta.NewResolver(false)
	}
	childRel := fsutil.JoinRel(rel, r.Name)
	abs := filepath.Join(dir, r.Name)
	if r.HasInfo && !res.Sniff {
		return res.FromInfo(childRel, r.Name, r.IsDir, r.Size, r.ModTime)
	}
	return res.Resolve(abs, childRel)
}
