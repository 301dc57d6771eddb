// Package search finds entries whose base name contains a query.
package search

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"nasmux/internal/fsutil"
	"nasmux/internal/meta"
)

// Finder returns the slash-separated paths, relative to base, of every
// non-hidden entry below base whose name contains query case-insensitively.
// Dot-prefixed directories are not descended. Order is unspecified.
type Finder interface {
	Name() string
	Find(ctx context.Context, base, query string) ([]string, error)
}

// WalkFinder walks the tree in-process.
type WalkFinder struct{}

func (WalkFinder) Name() string { return "walk" }

func (WalkFinder) Find(ctx context.Context, base, query string) ([]string, error) {
	q := strings.ToLower(query)
	var out []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if p == base {
			return err
		}
		if err != nil {
			// Unreadable subtree: skip it, keep walking.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		name := d.Name()
		if fsutil.IsHidden(name) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if matchName(name, q) {
			rel, rerr := filepath.Rel(base, p)
			if rerr != nil {
				return rerr
			}
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// matchName reports whether name contains the lowered query, folding case
// the same way for every finder.
func matchName(name, lowered string) bool {
	return strings.Contains(strings.ToLower(name), lowered)
}

// ToolFinder runs find(1) to enumerate the tree and matches names in
// process. find's -iname folds case by locale, so matching stays here.
type ToolFinder struct {
	// Bin is the find binary; "" means "find" from PATH.
	Bin string
}

func (t ToolFinder) Name() string { return "find" }

func (t ToolFinder) Find(ctx context.Context, base, query string) ([]string, error) {
	bin := t.Bin
	if bin == "" {
		bin = "find"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, err
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, base, "-mindepth", "1",
		"-name", ".*", "-prune", "-o", "-print0")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("find %s: %w: %s", base, err, strings.TrimSpace(stderr.String()))
	}

	q := strings.ToLower(query)
	var out []string
	for _, rec := range bytes.Split(stdout.Bytes(), []byte{0}) {
		if len(rec) == 0 || !matchName(filepath.Base(string(rec)), q) {
			continue
		}
		rel, err := filepath.Rel(base, string(rec))
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil, fmt.Errorf("find: unexpected path %q", rec)
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out, nil
}

type Result struct {
	Items []meta.Entry `json:"items"`
	// Truncated is set when more than MaxResults entries matched.
	Truncated bool   `json:"truncated"`
	Finder    string `json:"finder"`
}

// Engine runs Primary, then Fallback if Primary is nil or fails, and
// resolves metadata for each hit.
type Engine struct {
	Primary  Finder
	Fallback Finder
	Resolver *meta.Resolver
	// MaxResults caps resolved hits; 0 means no cap.
	MaxResults int
	Log        zerolog.Logger
}

func NewEngine(primary Finder, resolver *meta.Resolver, maxResults int, log zerolog.Logger) *Engine {
	return &Engine{Primary: primary, Fallback: WalkFinder{}, Resolver: resolver, MaxResults: maxResults, Log: log}
}

// Search looks for query below rel. An empty query matches nothing.
func (e *Engine) Search(ctx context.Context, root, rel, query string) (Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{Items: []meta.Entry{}}, nil
	}
	rel = fsutil.Sanitize(rel)
	base, err := fsutil.JoinWithinRoot(root, rel)
	if err != nil {
		return Result{}, err
	}

	paths, used, err := e.find(ctx, base, query)
	if err != nil {
		return Result{}, err
	}
	// Stable truncation regardless of finder output order.
	sort.Strings(paths)

	res := Result{Finder: used}
	if e.MaxResults > 0 && len(paths) > e.MaxResults {
		paths = paths[:e.MaxResults]
		res.Truncated = true
	}

	resolver := e.Resolver
	if resolver == nil {
		resolver = meta.NewResolver(false)
	}
	res.Items = make([]meta.Entry, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		hitRel := fsutil.JoinRel(rel, p)
		abs := filepath.Join(base, filepath.FromSlash(p))
		ent := resolver.Resolve(abs, hitRel)
		if ent.Degraded() {
			ent = resolver.Fallback(abs, hitRel, ent.Err)
		}
		res.Items = append(res.Items, ent)
	}
	return res, nil
}

func (e *Engine) find(ctx context.Context, base, query string) ([]string, string, error) {
	fallback := e.Fallback
	if fallback == nil {
		fallback = WalkFinder{}
	}
	if e.Primary != nil && e.Primary.Name() != fallback.Name() {
		paths, err := e.Primary.Find(ctx, base, query)
		if err == nil {
			return paths, e.Primary.Name(), nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		e.Log.Warn().Err(err).Str("finder", e.Primary.Name()).Msg("search tool failed, walking tree")
	}
	paths, err := fallback.Find(ctx, base, query)
	return paths, fallback.Name(), err
}
