// Package session tracks files opened through the mount.
//
// Opening a path downloads the remote file into the local cache and keeps a
// handle on the cache copy. Reads and writes go to that copy. Closing the
// path uploads it (new files) or overwrites the remote file (written files).
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/boxfs/internal/cache"
	"github.com/fruitsalade/boxfs/internal/logging"
	"github.com/fruitsalade/boxfs/internal/metrics"
	"github.com/fruitsalade/boxfs/internal/remote"
	"github.com/fruitsalade/boxfs/internal/resolver"
)

// State is the lifecycle of a session.
type State int

const (
	// New sessions have no remote file yet and are uploaded on close.
	New State = iota
	// Clean sessions have not been written to.
	Clean
	// Dirty sessions overwrite the remote file on close.
	Dirty
)

func (s State) String() string {
	switch s {
	case New:
		return "new"
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	default:
		return "unknown"
	}
}

// session is one open path.
type session struct {
	mu       sync.Mutex
	path     string
	local    string
	file     *os.File
	mode     Mode
	state    State
	fileID   string // remote id, empty for New
	parentID string // remote parent id, empty for New
	closed   bool
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

// Table holds the open sessions, at most one per path.
type Table struct {
	store    remote.Store
	resolver *resolver.Resolver
	cache    *cache.Store

	mu       sync.Mutex
	sessions map[string]*session
	locks    map[string]*pathLock
}

// NewTable creates an empty table.
func NewTable(store remote.Store, r *resolver.Resolver, c *cache.Store) *Table {
	return &Table{
		store:    store,
		resolver: r,
		cache:    c,
		sessions: make(map[string]*session),
		locks:    make(map[string]*pathLock),
	}
}

// lockPath serialises Open and Close on one path.
func (t *Table) lockPath(p string) func() {
	t.mu.Lock()
	l, ok := t.locks[p]
	if !ok {
		l = &pathLock{}
		t.locks[p] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, p)
		}
		t.mu.Unlock()
	}
}

func (t *Table) get(p string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[p]
}

// Len returns the number of open sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// IsOpen reports whether p has a live session.
func (t *Table) IsOpen(p string) bool {
	return t.get(resolver.Clean(p)) != nil
}

// PendingUpload reports whether p will be uploaded as a new file on close.
func (t *Table) PendingUpload(p string) bool {
	return t.stateIs(p, New)
}

// PendingOverwrite reports whether p will overwrite its remote file on close.
func (t *Table) PendingOverwrite(p string) bool {
	return t.stateIs(p, Dirty)
}

func (t *Table) stateIs(p string, st State) bool {
	s := t.get(resolver.Clean(p))
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.state == st
}

// Created returns the names of the files directly under dir that were
// created through Open and are not uploaded yet, sorted.
func (t *Table) Created(dir string) []string {
	dir = resolver.Clean(dir)
	t.mu.Lock()
	var under []*session
	for p, s := range t.sessions {
		if parent, name := resolver.Split(p); parent == dir && name != "" {
			under = append(under, s)
		}
	}
	t.mu.Unlock()

	var names []string
	for _, s := range under {
		s.mu.Lock()
		if !s.closed && s.state == New {
			_, name := resolver.Split(s.path)
			names = append(names, name)
		}
		s.mu.Unlock()
	}
	sort.Strings(names)
	return names
}

// Size returns the current size of the open file p. Files created through
// the mount exist only here until they are closed.
func (t *Table) Size(p string) (int64, bool) {
	s, err := t.lookup(p)
	if err != nil {
		return 0, false
	}
	defer s.mu.Unlock()
	fi, err := s.file.Stat()
	if err != nil {
		return 0, false
	}
	return fi.Size(), true
}

// Open starts a session for p. Opening a path that is already open succeeds
// without doing anything.
//
// An existing remote file is downloaded into the cache first. A missing one
// fails for read-only modes and otherwise starts an empty New session.
func (t *Table) Open(ctx context.Context, p string, mode Mode) error {
	p = resolver.Clean(p)
	unlock := t.lockPath(p)
	defer unlock()

	if t.get(p) != nil {
		logging.Debug("open: already open", logging.Path(p))
		return nil
	}

	s := &session{path: p, local: t.cache.LocalPath(p), mode: mode}
	flags := mode.Flags()

	node, parent, err := t.resolver.ResolveEntry(ctx, p)
	switch {
	case err == nil && node.IsFolder():
		return fmt.Errorf("open %s: is a folder: %w", p, ErrInvalid)
	case resolver.FetchFailed(err):
		return &RemoteError{Op: "resolve " + p, Err: err}
	case err == nil:
		rc, err := t.store.Download(ctx, node.ID)
		if err != nil {
			return &RemoteError{Op: "download " + p, Err: err}
		}
		_, n, err := t.cache.Put(p, rc)
		rc.Close()
		if err != nil {
			return &RemoteError{Op: "download " + p, Err: err}
		}
		logging.Debug("open: downloaded", logging.Path(p), logging.Int64("bytes", n))
		s.state = Clean
		s.fileID = node.ID
		s.parentID = parent.ID
	case mode.ReadOnly():
		return fmt.Errorf("open %s: %w", p, err)
	default:
		s.state = New
		flags |= os.O_CREATE | os.O_TRUNC
	}

	f, err := os.OpenFile(s.local, flags, 0644)
	if err != nil {
		return fmt.Errorf("open cache file: %w", err)
	}
	s.file = f

	t.mu.Lock()
	t.sessions[p] = s
	n := len(t.sessions)
	t.mu.Unlock()
	metrics.SetOpenSessions(n)

	logging.Debug("open", logging.Path(p), logging.String("mode", mode.String()), logging.String("state", s.state.String()))
	return nil
}

// Share adds an opener with mode to the open session for p. The cache file
// is reopened read-write when its flags do not allow what mode asks for, or
// when it appends and mode does not. The session state is kept.
func (t *Table) Share(p string, mode Mode) error {
	s, err := t.lookup(p)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	cur := s.mode
	needRead := mode.Read && !cur.Read
	needWrite := !mode.ReadOnly() && cur.ReadOnly()
	dropAppend := cur.Append && !mode.Append
	if !needRead && !needWrite && !dropAppend {
		return nil
	}

	f, err := os.OpenFile(s.local, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("reopen cache file: %w", err)
	}
	s.file.Close()
	s.file = f
	s.mode = ModeReadWrite
	logging.Debug("open: widened", logging.Path(s.path), logging.String("from", cur.String()), logging.String("for", mode.String()))
	return nil
}

// lookup returns the live session for p with its lock held.
func (t *Table) lookup(p string) (*session, error) {
	s := t.get(resolver.Clean(p))
	if s == nil {
		return nil, ErrNoSession
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrNoSession
	}
	return s, nil
}

// Read returns up to size bytes at offset. Fewer bytes come back at the end
// of the file.
func (t *Table) Read(ctx context.Context, p string, offset int64, size int) ([]byte, error) {
	if offset < 0 || size < 0 {
		return nil, ErrInvalid
	}
	s, err := t.lookup(p)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	buf := make([]byte, size)
	n, err := s.file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read cache file: %w", err)
	}
	return buf[:n], nil
}

// Write writes the first size bytes of data at offset and marks the session
// Dirty. New sessions stay New.
func (t *Table) Write(ctx context.Context, p string, offset int64, size int, data []byte) (int, error) {
	if offset < 0 || size < 0 || size > len(data) {
		return 0, ErrInvalid
	}
	s, err := t.lookup(p)
	if err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	if s.state != New {
		s.state = Dirty
	}
	if _, err := s.file.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek cache file: %w", err)
	}
	n, err := s.file.Write(data[:size])
	if err != nil {
		return n, fmt.Errorf("write cache file: %w", err)
	}
	return n, nil
}

// Truncate resizes the open file and marks the session Dirty.
func (t *Table) Truncate(ctx context.Context, p string, size int64) error {
	if size < 0 {
		return ErrInvalid
	}
	s, err := t.lookup(p)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	if s.state != New {
		s.state = Dirty
	}
	if err := s.file.Truncate(size); err != nil {
		return fmt.Errorf("truncate cache file: %w", err)
	}
	return nil
}

// Close ends the session for p and pushes its content to the remote store
// when needed. The session is gone afterwards whatever the outcome.
func (t *Table) Close(ctx context.Context, p string) error {
	p = resolver.Clean(p)
	unlock := t.lockPath(p)
	defer unlock()

	t.mu.Lock()
	s := t.sessions[p]
	delete(t.sessions, p)
	n := len(t.sessions)
	t.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}
	metrics.SetOpenSessions(n)

	s.mu.Lock()
	s.closed = true
	closeErr := s.file.Close()
	s.mu.Unlock()
	if closeErr != nil {
		return fmt.Errorf("close cache file: %w", closeErr)
	}

	switch s.state {
	case New:
		return t.upload(ctx, s)
	case Dirty:
		return t.overwrite(ctx, s)
	}
	logging.Debug("close: clean", logging.Path(p))
	return nil
}

func (t *Table) upload(ctx context.Context, s *session) error {
	dir, name := resolver.Split(s.path)
	parent, err := t.resolver.Resolve(ctx, dir)
	if err != nil {
		return fmt.Errorf("upload %s: %w", s.path, err)
	}
	if !parent.IsFolder() {
		return fmt.Errorf("upload %s: parent is not a folder: %w", s.path, ErrInvalid)
	}

	data, err := os.ReadFile(s.local)
	if err != nil {
		return fmt.Errorf("read cache file: %w", err)
	}
	id, err := t.store.Upload(ctx, parent.ID, name, data)
	if err != nil {
		return &RemoteError{Op: "upload " + s.path, Err: err}
	}
	t.resolver.Invalidate(parent.ID)
	logging.Info("Uploaded", logging.Path(s.path), logging.String("id", id), logging.Int("bytes", len(data)))
	return nil
}

func (t *Table) overwrite(ctx context.Context, s *session) error {
	_, name := resolver.Split(s.path)
	data, err := os.ReadFile(s.local)
	if err != nil {
		return fmt.Errorf("read cache file: %w", err)
	}
	if err := t.store.Overwrite(ctx, s.fileID, name, data); err != nil {
		return &RemoteError{Op: "overwrite " + s.path, Err: err}
	}
	t.resolver.Invalidate(s.parentID)
	logging.Info("Overwritten", logging.Path(s.path), logging.String("id", s.fileID), logging.Int("bytes", len(data)))
	return nil
}

// closeAllLimit bounds concurrent uploads during CloseAll.
const closeAllLimit = 4

// CloseAll closes every open session, flushing pending uploads and
// overwrites. Every session is closed even when some fail; the first error
// is returned.
func (t *Table) CloseAll(ctx context.Context) error {
	t.mu.Lock()
	paths := make([]string, 0, len(t.sessions))
	for p := range t.sessions {
		paths = append(paths, p)
	}
	t.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(closeAllLimit)
	for _, p := range paths {
		g.Go(func() error {
			err := t.Close(ctx, p)
			if err != nil && !errors.Is(err, ErrNoSession) {
				logging.Error("close on unmount failed", logging.Path(p), logging.Err(err))
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
