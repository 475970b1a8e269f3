// Package cache owns the on-disk copies of remote files.
//
// Every virtual path maps to a single file under the cache directory named
// <basename>-<sha1 of the full path>. Files are never evicted; they live for
// as long as the directory does.
package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fruitsalade/boxfs/internal/metrics"
)

// Store manages the local cache directory.
type Store struct {
	dir string
	mu  sync.Mutex // serialises EnsureDir
}

// New creates a store rooted at dir and makes sure the directory exists.
func New(dir string) (*Store, error) {
	s := &Store{dir: dir}
	if err := s.EnsureDir(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the cache root.
func (s *Store) Dir() string {
	return s.dir
}

// EnsureDir creates the cache root if it is missing. Safe to call repeatedly.
func (s *Store) EnsureDir() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	return nil
}

// Key returns the cache file name for a virtual path.
func Key(virtualPath string) string {
	sum := sha1.Sum([]byte(virtualPath))
	return path.Base(virtualPath) + "-" + hex.EncodeToString(sum[:])
}

// LocalPath returns where the cache copy of virtualPath lives.
func (s *Store) LocalPath(virtualPath string) string {
	return filepath.Join(s.dir, Key(virtualPath))
}

// Put replaces the cache copy of virtualPath with the contents of r.
// Content is written to a temp file and renamed into place.
func (s *Store) Put(virtualPath string, r io.Reader) (string, int64, error) {
	localPath := s.LocalPath(virtualPath)
	tempPath := localPath + ".tmp"

	f, err := os.Create(tempPath)
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}

	written, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tempPath)
		return "", 0, fmt.Errorf("write content: %w", err)
	}

	if err := os.Rename(tempPath, localPath); err != nil {
		os.Remove(tempPath)
		return "", 0, fmt.Errorf("rename temp file: %w", err)
	}
	return localPath, written, nil
}

// Remove deletes the cache copy of virtualPath. A missing copy is not an error.
func (s *Store) Remove(virtualPath string) error {
	err := os.Remove(s.LocalPath(virtualPath))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cache file: %w", err)
	}
	return nil
}

// Stats walks the cache directory and returns the file count and total bytes.
// Leftover temp files are not counted.
func (s *Store) Stats() (count int, size int64, err error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, 0, fmt.Errorf("read cache dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		count++
		size += info.Size()
	}
	metrics.SetCacheStats(count, size)
	return count, size, nil
}
