// Package upload implements resumable uploads:
//
//	POST  /api/uploads?path=<rel>&size=<n>  -> Session
//	PATCH /api/uploads/<id>   Content-Range: bytes <start>-<end>/<total|*>
//	POST  /api/uploads/<id>/finish          -> placed into the tree
//
// Sessions survive restarts as <stateDir>/uploads/<id>.{json,part}.
package upload

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nasmux/internal/dedup"
	"nasmux/internal/fsutil"
)

var (
	ErrNotFound         = errors.New("upload session not found")
	ErrOffsetMismatch   = errors.New("chunk does not start at session offset")
	ErrSizeMismatch     = errors.New("declared size changed")
	ErrIncomplete       = errors.New("upload incomplete")
	ErrBadContentRange  = errors.New("invalid Content-Range")
	ErrForbiddenSession = errors.New("upload session belongs to another user")
)

// Session is the persisted state of one upload.
type Session struct {
	ID      string    `json:"id"`
	Owner   string    `json:"owner"`
	Dest    string    `json:"dest"`   // rel
	Size    int64     `json:"size"`   // -1 until known
	Offset  int64     `json:"offset"` // bytes received
	Created time.Time `json:"created"`
}

type entry struct {
	owner string
	mu    sync.Mutex // serializes chunk writes; guards s
	s     Session
}

// Manager tracks sessions. Root and FollowSymlinks govern where finished
// uploads may land.
type Manager struct {
	root           string
	followSymlinks bool
	dir            string
	blobs          *dedup.Store
	log            zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
}

func New(root, stateDir string, followSymlinks bool, blobs *dedup.Store, log zerolog.Logger) (*Manager, error) {
	dir := filepath.Join(stateDir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	m := &Manager{
		root:           root,
		followSymlinks: followSymlinks,
		dir:            dir,
		blobs:          blobs,
		log:            log,
		sessions:       map[string]*entry{},
	}
	if err := m.restore(); err != nil {
		log.Warn().Err(err).Msg("could not restore upload sessions")
	}
	return m, nil
}

func (m *Manager) restore() error {
	ents, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		var s Session
		if json.Unmarshal(b, &s) != nil || s.ID == "" {
			m.log.Warn().Str("file", e.Name()).Msg("skipping unreadable upload session")
			continue
		}
		m.sessions[s.ID] = &entry{owner: s.Owner, s: s}
	}
	if n := len(m.sessions); n > 0 {
		m.log.Info().Int("sessions", n).Msg("restored upload sessions")
	}
	return nil
}

// Create starts a session for dest. total may be -1 when unknown.
func (m *Manager) Create(owner, dest string, total int64) (Session, error) {
	dest = fsutil.Sanitize(dest)
	if dest == "" {
		return Session{}, fmt.Errorf("%w: empty destination", fsutil.ErrPathEscape)
	}
	if _, err := fsutil.ResolveWithinRoot(m.root, dest, m.followSymlinks); err != nil {
		return Session{}, err
	}
	id, err := newID()
	if err != nil {
		return Session{}, err
	}
	if total < 0 {
		total = -1
	}
	e := &entry{owner: owner, s: Session{ID: id, Owner: owner, Dest: dest, Size: total, Created: time.Now().UTC()}}
	if err := m.save(e.s); err != nil {
		return Session{}, err
	}
	m.mu.Lock()
	m.sessions[id] = e
	m.mu.Unlock()
	m.log.Debug().Str("id", id).Str("dest", dest).Int64("size", total).Msg("upload session created")
	return e.s, nil
}

func (m *Manager) lookup(owner, id string) (*entry, error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	if e.owner != owner {
		return nil, ErrForbiddenSession
	}
	return e, nil
}

// Get returns a snapshot of the session.
func (m *Manager) Get(owner, id string) (Session, error) {
	e, err := m.lookup(owner, id)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s, nil
}

// Patch appends one chunk described by contentRange from body.
func (m *Manager) Patch(ctx context.Context, owner, id, contentRange string, body io.Reader) (Session, error) {
	e, err := m.lookup(owner, id)
	if err != nil {
		return Session{}, err
	}
	start, end, total, err := ParseContentRange(contentRange)
	if err != nil {
		return Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.s
	if start != s.Offset {
		return s, fmt.Errorf("%w: have %d, got %d", ErrOffsetMismatch, s.Offset, start)
	}
	if s.Size < 0 && total >= 0 {
		s.Size = total
	}
	if s.Size >= 0 && total >= 0 && s.Size != total {
		return e.s, fmt.Errorf("%w: have %d, got %d", ErrSizeMismatch, s.Size, total)
	}
	if s.Size >= 0 && end >= s.Size {
		return e.s, fmt.Errorf("%w: end %d past size %d", ErrBadContentRange, end, s.Size)
	}

	f, err := os.OpenFile(m.partPath(id), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return e.s, err
	}
	defer f.Close()
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return e.s, err
	}
	want := end - start + 1
	wrote, err := io.CopyN(f, body, want)
	if err != nil {
		return e.s, fmt.Errorf("write chunk: %w", err)
	}
	if err := f.Sync(); err != nil {
		return e.s, err
	}
	if err := ctx.Err(); err != nil {
		return e.s, err
	}

	s.Offset += wrote
	if err := m.save(s); err != nil {
		return e.s, err
	}
	e.s = s
	return s, nil
}

// Finish verifies the session, stores the data in the blob store and places
// it at the destination. It returns the destination's absolute path.
func (m *Manager) Finish(ctx context.Context, owner, id string) (string, dedup.Blob, error) {
	e, err := m.lookup(owner, id)
	if err != nil {
		return "", dedup.Blob{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.s
	if s.Size >= 0 && s.Offset != s.Size {
		return "", dedup.Blob{}, fmt.Errorf("%w: %d of %d bytes", ErrIncomplete, s.Offset, s.Size)
	}

	part := m.partPath(id)
	if s.Offset == 0 {
		// Zero-length upload: no chunk ever created the part file.
		if err := os.WriteFile(part, nil, 0o644); err != nil {
			return "", dedup.Blob{}, err
		}
	}
	st, err := os.Stat(part)
	if err != nil {
		return "", dedup.Blob{}, err
	}
	switch {
	case st.Size() < s.Offset:
		return "", dedup.Blob{}, fmt.Errorf("%w: part file has %d bytes, expected %d", ErrSizeMismatch, st.Size(), s.Offset)
	case st.Size() > s.Offset:
		// Leftover from an interrupted chunk.
		if err := os.Truncate(part, s.Offset); err != nil {
			return "", dedup.Blob{}, err
		}
	}

	dst, err := fsutil.ResolveWithinRoot(m.root, s.Dest, m.followSymlinks)
	if err != nil {
		return "", dedup.Blob{}, err
	}
	blob, err := m.blobs.Put(ctx, part)
	if err != nil {
		return "", dedup.Blob{}, err
	}
	if err := m.blobs.Place(blob, dst); err != nil {
		return "", dedup.Blob{}, err
	}

	_ = os.Remove(m.metaPath(id))
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.log.Info().Str("id", id).Str("dest", s.Dest).Str("sha256", blob.Sum).Int64("size", blob.Size).Msg("upload finished")
	return dst, blob, nil
}

func (m *Manager) partPath(id string) string { return filepath.Join(m.dir, id+".part") }
func (m *Manager) metaPath(id string) string { return filepath.Join(m.dir, id+".json") }

func (m *Manager) save(s Session) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.metaPath(s.ID) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.metaPath(s.ID))
}

func newID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// ParseContentRange parses "bytes <start>-<end>/<total>", where total may be
// "*" (returned as -1).
func ParseContentRange(v string) (start, end, total int64, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: expected bytes start-end/total", ErrBadContentRange)
	}
	rng, tot, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, 0, ErrBadContentRange
	}
	s, e, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, ErrBadContentRange
	}
	start, err = strconv.ParseInt(s, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, 0, fmt.Errorf("%w: start", ErrBadContentRange)
	}
	end, err = strconv.ParseInt(e, 10, 64)
	if err != nil || end < start {
		return 0, 0, 0, fmt.Errorf("%w: end", ErrBadContentRange)
	}
	if tot == "*" {
		return start, end, -1, nil
	}
	total, err = strconv.ParseInt(tot, 10, 64)
	if err != nil || total <= 0 || end >= total {
		return 0, 0, 0, fmt.Errorf("%w: total", ErrBadContentRange)
	}
	return start, end, total, nil
}
