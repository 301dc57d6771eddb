// Package dedup is a content-addressed blob store. Uploaded files land here
// first and are hardlinked (or copied) into the served tree.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

const copyBufSize = 1 << 20

// Blob is one stored object.
type Blob struct {
	Sum  string // hex sha256
	Path string
	Size int64
}

type Store struct {
	dir string
	tmp string
	log zerolog.Logger
}

// New creates the store at <stateDir>/blobs.
func New(stateDir string, log zerolog.Logger) (*Store, error) {
	s := &Store{
		dir: filepath.Join(stateDir, "blobs"),
		tmp: filepath.Join(stateDir, "tmp"),
		log: log,
	}
	for _, d := range []string{s.dir, s.tmp} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) pathFor(sum string) string { return filepath.Join(s.dir, sum) }

// TempFile returns a scratch file on the store's filesystem so that Put can
// rename instead of copy.
func (s *Store) TempFile(pattern string) (*os.File, error) {
	return os.CreateTemp(s.tmp, pattern)
}

// Ingest streams r into the store.
func (s *Store) Ingest(ctx context.Context, r io.Reader) (Blob, error) {
	f, err := s.TempFile("ingest-*")
	if err != nil {
		return Blob{}, err
	}
	tmp := f.Name()
	h := sha256.New()
	n, err := copyCtx(ctx, io.MultiWriter(f, h), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return Blob{}, err
	}
	return s.commit(tmp, hex.EncodeToString(h.Sum(nil)), n)
}

// Put hashes tmpFile and moves it into the store. If an identical blob is
// already present, tmpFile is discarded.
func (s *Store) Put(ctx context.Context, tmpFile string) (Blob, error) {
	f, err := os.Open(tmpFile)
	if err != nil {
		return Blob{}, err
	}
	h := sha256.New()
	n, err := copyCtx(ctx, h, f)
	f.Close()
	if err != nil {
		return Blob{}, err
	}
	return s.commit(tmpFile, hex.EncodeToString(h.Sum(nil)), n)
}

func (s *Store) commit(tmp, sum string, size int64) (Blob, error) {
	dst := s.pathFor(sum)
	if st, err := os.Stat(dst); err == nil && st.Mode().IsRegular() {
		_ = os.Remove(tmp)
		s.log.Debug().Str("sha256", sum).Msg("blob already stored")
		return Blob{Sum: sum, Path: dst, Size: st.Size()}, nil
	}
	if err := os.Rename(tmp, dst); err != nil {
		// Cross-device: copy then drop the source.
		if cerr := copyFile(tmp, dst); cerr != nil {
			return Blob{}, fmt.Errorf("store blob: rename: %v, copy: %w", err, cerr)
		}
		_ = os.Remove(tmp)
	}
	return Blob{Sum: sum, Path: dst, Size: size}, nil
}

// Place materializes b at dst, replacing anything there. It hardlinks when
// possible and copies otherwise.
func (s *Store) Place(b Blob, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	_ = os.Remove(dst)
	err := os.Link(b.Path, dst)
	if err == nil {
		return nil
	}
	s.log.Debug().Err(err).Str("dst", dst).Msg("hardlink failed, copying blob")
	return copyFile(b.Path, dst)
}

// copyCtx is io.Copy that checks ctx between buffers.
func copyCtx(ctx context.Context, w io.Writer, r io.Reader) (int64, error) {
	buf := make([]byte, copyBufSize)
	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rn, rerr := r.Read(buf)
		if rn > 0 {
			wn, werr := w.Write(buf[:rn])
			n += int64(wn)
			if werr != nil {
				return n, werr
			}
		}
		if rerr == io.EOF {
			return n, nil
		}
		if rerr != nil {
			return n, rerr
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
