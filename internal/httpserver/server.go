// Package httpserver wires the nasmux components to HTTP.
package httpserver

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"nasmux/internal/auth"
	"nasmux/internal/config"
	"nasmux/internal/dedup"
	"nasmux/internal/fsutil"
	"nasmux/internal/listing"
	"nasmux/internal/meta"
	"nasmux/internal/search"
	"nasmux/internal/shares"
	"nasmux/internal/stream"
	"nasmux/internal/upload"
)

// Options carries the already-built components. Lister and Search may be
// nil, in which case the portable strategies are used.
type Options struct {
	Config *config.Config
	Log    zerolog.Logger
	Shares *shares.Registry
	Lister *listing.Lister
	Search *search.Engine
}

type Server struct {
	cfg      *config.Config
	log      zerolog.Logger
	auth     *auth.Authenticator
	resolver *meta.Resolver
	lister   *listing.Lister
	search   *search.Engine
	shares   *shares.Registry
	blobs    *dedup.Store
	uploads  *upload.Manager

	// stateDirs holds the state directory as configured and as resolved.
	stateDirs []string

	webFS fs.FS
}

//go:embed web/index.html web/assets/*
var embeddedWeb embed.FS

func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("httpserver: nil config")
	}
	if opts.Shares == nil {
		return nil, errors.New("httpserver: nil share registry")
	}
	log := opts.Log

	blobs, err := dedup.New(cfg.StateDir, log.With().Str("component", "dedup").Logger())
	if err != nil {
		return nil, err
	}
	up, err := upload.New(cfg.Root, cfg.StateDir, cfg.FollowSymlinks, blobs, log.With().Str("component", "upload").Logger())
	if err != nil {
		return nil, err
	}
	sub, err := fs.Sub(embeddedWeb, "web")
	if err != nil {
		return nil, err
	}

	resolver := &meta.Resolver{Sniff: cfg.Listing.SniffMime, Log: log.With().Str("component", "meta").Logger()}
	lister := opts.Lister
	if lister == nil {
		lister = listing.NewLister(nil, resolver, log.With().Str("component", "listing").Logger())
	}
	engine := opts.Search
	if engine == nil {
		engine = search.NewEngine(nil, resolver, cfg.Search.MaxResults, log.With().Str("component", "search").Logger())
	}

	return &Server{
		cfg:       cfg,
		log:       log,
		auth:      auth.New(cfg, log.With().Str("component", "auth").Logger()),
		resolver:  resolver,
		lister:    lister,
		search:    engine,
		shares:    opts.Shares,
		blobs:     blobs,
		uploads:   up,
		stateDirs: stateDirs(cfg.StateDir),
		webFS:     sub,
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Enabled() || auth.UserFromContext(r.Context()) != "" {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		auth.Deny(w)
	})

	mux.Handle("/dav/", s.davHandler())

	assets, _ := fs.Sub(s.webFS, "assets")
	mux.Handle("/assets/", http.StripPrefix("/assets/", http.FileServer(http.FS(assets))))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		b, err := fs.ReadFile(s.webFS, "index.html")
		if err != nil {
			http.Error(w, "missing ui", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(b)
	})

	mux.HandleFunc("/f/", s.handleFile)
	mux.HandleFunc("/thumb", s.handleThumb)

	mux.HandleFunc("/api/list", s.handleList)
	mux.HandleFunc("/api/search", s.handleSearch)
	mux.HandleFunc("/api/stat", s.handleStat)
	mux.HandleFunc("/api/storage", s.handleStorage)
	mux.HandleFunc("/api/mkdir", s.handleMkdir)
	mux.HandleFunc("/api/rename", s.handleRename)
	mux.HandleFunc("/api/delete", s.handleDelete)
	mux.HandleFunc("/api/upload", s.handleMultipartUpload)
	mux.HandleFunc("/api/uploads", s.handleUploads)
	mux.HandleFunc("/api/uploads/", s.handleUploadID)
	mux.HandleFunc("/api/zip", s.handleZip)

	mux.HandleFunc("GET /api/shares", s.handleListShares)
	mux.HandleFunc("POST /api/shares", s.handleIssueShare)
	mux.HandleFunc("DELETE /api/shares/{token}", s.handleRevokeShare)

	// Share links and health checks bypass authentication.
	outer := http.NewServeMux()
	outer.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})
	outer.HandleFunc("GET /s/{token}", s.handleSharedInfo)
	outer.HandleFunc("GET /s/{token}/download", s.handleSharedDownload)
	outer.Handle("/", s.auth.Middleware(mux))

	return s.logRequests(withHeaders(outer))
}

// Close releases the share store.
func (s *Server) Close() error { return s.shares.Close() }

// check enforces perm on rel. On failure it writes 401 (anonymous caller
// while auth is on) or 403 and returns false.
func (s *Server) check(w http.ResponseWriter, r *http.Request, perm auth.Perm, rel string) bool {
	user := auth.UserFromContext(r.Context())
	if s.auth.Allowed(user, rel, perm) {
		return true
	}
	s.log.Debug().Str("user", user).Str("path", rel).Stringer("perm", perm).Msg("access denied")
	if s.auth.Enabled() && user == "" {
		auth.Deny(w)
	} else {
		writeError(w, http.StatusForbidden, "forbidden")
	}
	return false
}

// owner is the identity recorded on shares and upload sessions.
func owner(r *http.Request) string {
	if u := auth.UserFromContext(r.Context()); u != "" {
		return u
	}
	return auth.Anonymous
}

// resolve maps rel to an absolute path under the root, honoring the symlink
// policy. Paths inside the state directory do not exist for clients.
func (s *Server) resolve(rel string) (string, error) {
	abs, err := fsutil.ResolveWithinRoot(s.cfg.Root, rel, s.cfg.FollowSymlinks)
	if err != nil {
		return "", err
	}
	if s.inState(abs) {
		return "", fmt.Errorf("%s: %w", rel, os.ErrNotExist)
	}
	return abs, nil
}

func stateDirs(dir string) []string {
	if dir == "" {
		return nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil
	}
	out := []string{filepath.Clean(abs)}
	if real, err := filepath.EvalSymlinks(abs); err == nil && real != out[0] {
		out = append(out, real)
	}
	return out
}

// inState reports whether abs, or what it resolves to, lies in the state
// directory.
func (s *Server) inState(abs string) bool {
	cands := []string{abs}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		cands = append(cands, real)
	}
	for _, dir := range s.stateDirs {
		for _, c := range cands {
			if fsutil.Within(dir, c) {
				return true
			}
		}
	}
	return false
}

// holdsState reports whether removing or moving abs would take the state
// directory with it.
func (s *Server) holdsState(abs string) bool {
	for _, dir := range s.stateDirs {
		if fsutil.Within(abs, dir) {
			return true
		}
	}
	return false
}

// fail maps err to a status and writes a JSON error.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, context.Canceled):
		s.log.Debug().Str("path", r.URL.Path).Msg("request cancelled")
		return
	case errors.Is(err, fsutil.ErrPathEscape):
		status, msg = http.StatusBadRequest, "bad path"
	case errors.Is(err, shares.ErrExpired):
		status, msg = http.StatusGone, "share link expired"
	case errors.Is(err, shares.ErrNotFound), errors.Is(err, upload.ErrNotFound), errors.Is(err, os.ErrNotExist):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, upload.ErrForbiddenSession), errors.Is(err, os.ErrPermission):
		status, msg = http.StatusForbidden, "forbidden"
	case errors.Is(err, upload.ErrOffsetMismatch):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, upload.ErrSizeMismatch), errors.Is(err, upload.ErrIncomplete), errors.Is(err, upload.ErrBadContentRange):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, stream.ErrUnsatisfiable):
		status, msg = http.StatusRequestedRangeNotSatisfiable, "range not satisfiable"
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	} else {
		s.log.Debug().Err(err).Int("status", status).Str("path", r.URL.Path).Msg("request rejected")
	}
	writeError(w, status, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	return dec.Decode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func isImageName(name string) bool {
	return strings.HasPrefix(meta.MimeForName(name), "image/") && thumbable(name)
}

func thumbURL(rel string) string {
	return "/thumb?path=" + url.QueryEscape(rel)
}

// decorate adds thumbnail links to image entries.
func decorate(es []meta.Entry) {
	for i := range es {
		if !es[i].IsDir && es[i].Accessible && isImageName(es[i].Name) {
			es[i].Thumb = thumbURL(es[i].Path)
		}
	}
}
