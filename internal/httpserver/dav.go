package httpserver

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"

	"golang.org/x/net/webdav"

	"nasmux/internal/auth"
	"nasmux/internal/fsutil"
)

// davFS is a webdav.FileSystem confined to the root. Every name goes through
// Server.resolve, so the symlink policy and the state-dir guard apply.
type davFS struct {
	s *Server
}

// path resolves a WebDAV name. Failures are reported as *os.PathError so
// PROPFIND skips the entry instead of aborting the walk.
func (d davFS) path(op, name string) (string, string, error) {
	rel := fsutil.Sanitize(name)
	abs, err := d.s.resolve(rel)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", "", &os.PathError{Op: op, Path: name, Err: os.ErrNotExist}
		}
		return "", "", &os.PathError{Op: op, Path: name, Err: os.ErrPermission}
	}
	return rel, abs, nil
}

func (d davFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	_, abs, err := d.path("mkdir", name)
	if err != nil {
		return err
	}
	return os.Mkdir(abs, perm)
}

func (d davFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	_, abs, err := d.path("open", name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(abs, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (d davFS) RemoveAll(ctx context.Context, name string) error {
	rel, abs, err := d.path("remove", name)
	if err != nil {
		return err
	}
	if rel == "" || d.s.holdsState(abs) {
		return &os.PathError{Op: "remove", Path: name, Err: os.ErrPermission}
	}
	return os.RemoveAll(abs)
}

func (d davFS) Rename(ctx context.Context, oldName, newName string) error {
	oldRel, oldAbs, err := d.path("rename", oldName)
	if err != nil {
		return err
	}
	newRel, newAbs, err := d.path("rename", newName)
	if err != nil {
		return err
	}
	if oldRel == "" || newRel == "" || d.s.holdsState(oldAbs) {
		return &os.PathError{Op: "rename", Path: oldName, Err: os.ErrPermission}
	}
	return os.Rename(oldAbs, newAbs)
}

func (d davFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	_, abs, err := d.path("stat", name)
	if err != nil {
		return nil, err
	}
	return os.Stat(abs)
}

// davHandler mounts the root under /dav/. Reads need read, DELETE needs
// admin and every other method needs write on the target and on any
// Destination.
func (s *Server) davHandler() http.Handler {
	dav := &webdav.Handler{
		Prefix:     "/dav",
		FileSystem: davFS{s: s},
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				s.log.Debug().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("webdav")
			}
		},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rel := fsutil.Sanitize(strings.TrimPrefix(r.URL.Path, "/dav"))
		if !s.check(w, r, auth.PermRead, rel) {
			return
		}
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions, "PROPFIND":
		case http.MethodDelete:
			if !s.check(w, r, auth.PermAdmin, rel) {
				return
			}
		default:
			if !s.check(w, r, auth.PermWrite, rel) {
				return
			}
			// MOVE and COPY write to the destination as well.
			if d := r.Header.Get("Destination"); d != "" {
				if !s.check(w, r, auth.PermWrite, davDestination(d)) {
					return
				}
			}
		}
		dav.ServeHTTP(w, r)
	})
}

func davDestination(raw string) string {
	p := raw
	if i := strings.Index(p, "://"); i >= 0 {
		p = p[i+3:]
		if j := strings.IndexByte(p, '/'); j >= 0 {
			p = p[j:]
		} else {
			p = "/"
		}
	}
	return fsutil.Sanitize(strings.TrimPrefix(p, "/dav"))
}
