// Package filestore keeps flat directories of files that expire after a TTL.
package filestore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

var (
	ErrNotFound    = errors.New("file not found")
	ErrInvalidName = errors.New("invalid file name")
)

// Store is a directory whose entries are removed once they have not been
// written or touched for ttl.
type Store struct {
	dir string
	ttl time.Duration
}

func New(dir string, ttl time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir, ttl: ttl}, nil
}

// Dir returns the backing directory.
func (s *Store) Dir() string { return s.dir }

// ContentKey returns the xxh3 hex digest of data.
func ContentKey(data []byte) string {
	return fmt.Sprintf("%016x", xxh3.Hash(data))
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && !strings.HasPrefix(name, ".")
}

func (s *Store) path(name string) (string, error) {
	if !validName(name) {
		return "", ErrInvalidName
	}
	return filepath.Join(s.dir, name), nil
}

// Put writes data under name, replacing any existing entry.
func (s *Store) Put(name string, data []byte) error {
	dst, err := s.path(name)
	if err != nil {
		return err
	}
	return s.writeFrom(bytes.NewReader(data), dst)
}

func (s *Store) writeFrom(r io.Reader, dst string) error {
	tmp, err := os.CreateTemp(s.dir, ".put-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", filepath.Base(dst), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", filepath.Base(dst), err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", filepath.Base(dst), err)
	}
	return nil
}

// PutContent stores data under its content key plus ext. Storing the same
// bytes again only refreshes the entry.
func (s *Store) PutContent(data []byte, ext string) (string, error) {
	key := ContentKey(data)
	name := key + ext
	if p, err := s.path(name); err == nil {
		if _, err := os.Stat(p); err == nil {
			s.Touch(name)
			return key, nil
		}
	}
	if err := s.Put(name, data); err != nil {
		return "", err
	}
	return key, nil
}

// Import moves the file at src into the store as name, copying when a
// rename is not possible.
func (s *Store) Import(src, name string) error {
	dst, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	return s.writeFrom(in, dst)
}

// Path returns the on-disk path of an existing entry.
func (s *Store) Path(name string) (string, error) {
	p, err := s.path(name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	return p, nil
}

// Read returns the contents of an entry.
func (s *Store) Read(name string) ([]byte, error) {
	p, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// Touch restarts the TTL of an entry.
func (s *Store) Touch(name string) {
	if p, err := s.path(name); err == nil {
		now := time.Now()
		os.Chtimes(p, now, now)
	}
}

// Remove deletes an entry if present.
func (s *Store) Remove(name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Sweep removes entries last modified more than ttl before now, including
// abandoned temp files.
func (s *Store) Sweep(now time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read store dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= s.ttl {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
