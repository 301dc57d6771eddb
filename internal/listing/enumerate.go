package listing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"nasmux/internal/fsutil"
)

// ErrToolUnavailable means the accelerated enumerator cannot run here.
var ErrToolUnavailable = errors.New("enumeration tool unavailable")

// Raw is one directory child as reported by an Enumerator.
type Raw struct {
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
	// HasInfo is false when size/mtime could not be read; the entry is
	// resolved (and degraded) later.
	HasInfo bool
}

// Enumerator lists the direct children of dir. Implementations must exclude
// dot-prefixed names; order is unspecified.
type Enumerator interface {
	Name() string
	Enumerate(ctx context.Context, dir string) ([]Raw, error)
}

// ReadDirEnumerator uses os.ReadDir. It never fails on a single child.
type ReadDirEnumerator struct{}

func (ReadDirEnumerator) Name() string { return "readdir" }

func (ReadDirEnumerator) Enumerate(ctx context.Context, dir string) ([]Raw, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]Raw, 0, len(ents))
	for _, e := range ents {
		if fsutil.IsHidden(e.Name()) {
			continue
		}
		r := Raw{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil {
			r.Size = info.Size()
			r.ModTime = info.ModTime()
			r.HasInfo = true
		}
		out = append(out, r)
	}
	return out, ctx.Err()
}

// FindEnumerator shells out to GNU find with -printf, which returns type,
// size and mtime in one pass without a stat per entry on our side.
type FindEnumerator struct {
	// Bin is the find binary; "" means "find" from PATH.
	Bin string
}

func (f FindEnumerator) Name() string { return "find" }

func (f FindEnumerator) bin() string {
	if f.Bin == "" {
		return "find"
	}
	return f.Bin
}

func (f FindEnumerator) Enumerate(ctx context.Context, dir string) ([]Raw, error) {
	bin, err := exec.LookPath(f.bin())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrToolUnavailable, err)
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, dir, "-mindepth", "1", "-maxdepth", "1", "-printf", `%y\t%s\t%T@\t%f\0`)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("find %s: %w: %s", dir, err, strings.TrimSpace(stderr.String()))
	}
	return parseFindOutput(stdout.Bytes())
}

// parseFindOutput parses NUL-terminated "type\tsize\tmtime\tname" records.
func parseFindOutput(b []byte) ([]Raw, error) {
	var out []Raw
	for len(b) > 0 {
		i := bytes.IndexByte(b, 0)
		if i < 0 {
			return nil, errors.New("find: unterminated record")
		}
		rec := string(b[:i])
		b = b[i+1:]

		fields := strings.SplitN(rec, "\t", 4)
		if len(fields) != 4 || fields[3] == "" {
			return nil, fmt.Errorf("find: malformed record %q", rec)
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("find: bad size in %q", rec)
		}
		mod, err := parseEpoch(fields[2])
		if err != nil {
			return nil, fmt.Errorf("find: bad mtime in %q", rec)
		}
		name := fields[3]
		if fsutil.IsHidden(name) {
			continue
		}
		out = append(out, Raw{
			Name:    name,
			IsDir:   fields[0] == "d",
			Size:    size,
			ModTime: mod,
			HasInfo: true,
		})
	}
	return out, nil
}

// parseEpoch parses "seconds[.fraction]" without going through float64.
func parseEpoch(s string) (time.Time, error) {
	sec, frac, _ := strings.Cut(s, ".")
	secs, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		if nsec, err = strconv.ParseInt(frac, 10, 64); err != nil {
			return time.Time{}, err
		}
	}
	return time.Unix(secs, nsec), nil
}

// Probe returns FindEnumerator if it works on a scratch directory, else
// ReadDirEnumerator.
func Probe(ctx context.Context, log zerolog.Logger) Enumerator {
	dir, err := os.MkdirTemp("", "nasmux-probe-")
	if err != nil {
		return ReadDirEnumerator{}
	}
	defer os.RemoveAll(dir)
	_ = os.WriteFile(filepath.Join(dir, "probe"), []byte("x"), 0o644)

	fe := FindEnumerator{}
	raws, err := fe.Enumerate(ctx, dir)
	if err != nil || len(raws) != 1 || raws[0].Name != "probe" || raws[0].Size != 1 {
		log.Info().Err(err).Msg("find -printf unavailable, listing via readdir")
		return ReadDirEnumerator{}
	}
	log.Debug().Msg("listing via find")
	return fe
}
