// Package meta resolves the per-entry attributes shown in listings, search
// results and previews.
package meta

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
)

// Entry is one listing row. An Entry with Accessible=false is degraded: the
// stat failed, Err holds why, and the other fields carry safe defaults.
type Entry struct {
	Name          string    `json:"name"`
	Path          string    `json:"path"` // rel
	IsDir         bool      `json:"isDir"`
	Size          int64     `json:"size"`
	SizeHuman     string    `json:"sizeHuman"`
	Modified      time.Time `json:"modified"`
	ModifiedHuman string    `json:"modifiedHuman"`
	Mime          string    `json:"mime"`
	Icon          string    `json:"icon"`
	Accessible    bool      `json:"accessible"`
	Thumb         string    `json:"thumb,omitempty"`

	Err error `json:"-"`
}

// Degraded reports whether the entry was built without a successful stat.
func (e Entry) Degraded() bool { return !e.Accessible }

// Resolver computes Entries. The zero value does extension-only mime guessing
// and logs nothing.
type Resolver struct {
	// Sniff enables content sniffing for regular files.
	Sniff bool
	Log   zerolog.Logger
	// Now is used for relative times; nil means time.Now.
	Now func() time.Time
}

// NewResolver returns a Resolver with a no-op logger.
func NewResolver(sniff bool) *Resolver {
	return &Resolver{Sniff: sniff, Log: zerolog.Nop()}
}

// Resolve stats abs and builds its Entry. Permission and not-found errors
// yield a degraded Entry rather than an error.
func (r *Resolver) Resolve(abs, rel string) Entry {
	st, err := os.Stat(abs)
	if err != nil {
		return r.degraded(abs, rel, err)
	}
	e := r.FromInfo(rel, filepath.Base(abs), st.IsDir(), st.Size(), st.ModTime())
	if !e.IsDir && r.Sniff && st.Mode().IsRegular() {
		if mt := sniff(abs); mt != "" {
			e.Mime = mt
			e.Icon = IconForMime(mt)
		}
	}
	return e
}

// FromInfo builds an Entry from attributes obtained elsewhere (e.g. from
// find(1) output) without touching the filesystem.
func (r *Resolver) FromInfo(rel, name string, isDir bool, size int64, mod time.Time) Entry {
	e := Entry{
		Name:          name,
		Path:          rel,
		IsDir:         isDir,
		Size:          size,
		SizeHuman:     humanize.Bytes(uint64(max(size, 0))),
		Modified:      mod,
		ModifiedHuman: humanize.RelTime(mod, r.now(), "ago", "from now"),
		Accessible:    true,
	}
	if isDir {
		e.Mime = MimeDirectory
		e.Icon = IconFolder
		e.SizeHuman = "-"
		return e
	}
	e.Mime = MimeForName(name)
	if e.Mime == "" {
		e.Mime = MimeDefault
		e.Icon = IconForName(name)
		return e
	}
	e.Icon = IconForMime(e.Mime)
	return e
}

// Fallback builds the name/size-only entry used when full resolution of a
// search hit fails.
func (r *Resolver) Fallback(abs, rel string, err error) Entry {
	e := r.degraded(abs, rel, err)
	if e.IsDir {
		return e
	}
	if st, serr := os.Lstat(abs); serr == nil {
		e.Size = st.Size()
		e.SizeHuman = humanize.Bytes(uint64(max(st.Size(), 0)))
	}
	e.Icon = IconForName(e.Name)
	return e
}

func (r *Resolver) degraded(abs, rel string, err error) Entry {
	r.Log.Warn().Err(err).Str("path", rel).Msg("cannot access entry")
	isDir := false
	if st, lerr := os.Lstat(abs); lerr == nil {
		isDir = st.IsDir()
	}
	e := Entry{
		Name:          filepath.Base(abs),
		Path:          rel,
		IsDir:         isDir,
		SizeHuman:     "-",
		ModifiedHuman: "Unknown",
		Mime:          MimeUnknown,
		Icon:          IconLocked,
		Err:           err,
	}
	if isDir {
		e.Mime = MimeDirectory
		e.Icon = IconFolder
	}
	return e
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// sniff reads the file header; "" on any error.
func sniff(abs string) string {
	mt, err := mimetype.DetectFile(abs)
	if err != nil {
		return ""
	}
	s := mt.String()
	// mimetype reports its catch-all as application/octet-stream; prefer
	// the extension guess over that.
	if strings.HasPrefix(s, MimeDefault) {
		return ""
	}
	return s
}
