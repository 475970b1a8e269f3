package mount

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/fruitsalade/boxfs/internal/boxfs"
	"github.com/fruitsalade/boxfs/internal/models"
	"github.com/fruitsalade/boxfs/internal/resolver"
	"github.com/fruitsalade/boxfs/internal/session"
)

// openPath counts the kernel handles sharing one session.
type openPath struct {
	mu      sync.Mutex
	refs    atomic.Int32
	waiters int // guarded by handles.mu
}

// handles maps kernel file handles to paths. The session for a path is
// opened by its first handle and closed by its last release. Later handles
// share it, widening its cache file when they need more access.
type handles struct {
	fs *boxfs.FS

	mu     sync.Mutex
	byPath map[string]*openPath
	byFh   map[uint64]string
	nextFh atomic.Uint64
}

func newHandles(fsys *boxfs.FS) *handles {
	return &handles{
		fs:     fsys,
		byPath: make(map[string]*openPath),
		byFh:   make(map[uint64]string),
	}
}

func (h *handles) acquire(p string) *openPath {
	h.mu.Lock()
	e, ok := h.byPath[p]
	if !ok {
		e = &openPath{}
		h.byPath[p] = e
	}
	e.waiters++
	h.mu.Unlock()
	e.mu.Lock()
	return e
}

func (h *handles) done(p string, e *openPath) {
	e.mu.Unlock()
	h.mu.Lock()
	e.waiters--
	if e.waiters == 0 && e.refs.Load() == 0 {
		delete(h.byPath, p)
	}
	h.mu.Unlock()
}

// open returns a new handle on p, starting its session if needed.
func (h *handles) open(ctx context.Context, p string, mode session.Mode) (uint64, error) {
	p = resolver.Clean(p)
	e := h.acquire(p)
	defer h.done(p, e)

	if e.refs.Load() == 0 {
		if err := h.fs.Open(ctx, p, mode); err != nil {
			return 0, err
		}
	} else if err := h.fs.Share(p, mode); err != nil {
		return 0, err
	}
	e.refs.Add(1)

	fh := h.nextFh.Add(1)
	h.mu.Lock()
	h.byFh[fh] = p
	h.mu.Unlock()
	return fh, nil
}

// path returns the path behind fh.
func (h *handles) path(fh uint64) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.byFh[fh]
	return p, ok
}

// release drops fh. The last handle on a path closes its session, which
// uploads or overwrites the remote file.
func (h *handles) release(ctx context.Context, fh uint64) error {
	h.mu.Lock()
	p, ok := h.byFh[fh]
	delete(h.byFh, fh)
	h.mu.Unlock()
	if !ok {
		return boxfs.ErrNoSession
	}

	e := h.acquire(p)
	defer h.done(p, e)
	if e.refs.Add(-1) > 0 {
		return nil
	}
	return h.fs.Close(ctx, p)
}

// count returns the number of live handles.
func (h *handles) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byFh)
}

// attr describes the entry at p. Open sessions report the size of their
// local copy, so files not yet uploaded are visible.
type attr struct {
	dir  bool
	size int64
}

func statPath(ctx context.Context, fsys *boxfs.FS, p string) (attr, error) {
	if n, ok := fsys.Sessions().Size(p); ok {
		return attr{size: n}, nil
	}
	n, err := fsys.Stat(ctx, p)
	if err != nil {
		return attr{}, err
	}
	return attr{dir: n.IsFolder(), size: boxfs.SizeOf(n)}, nil
}

// entry is one name in a directory listing.
type entry struct {
	name string
	attr attr
}

// readDir lists p: its remote folders, then its remote files, then the files
// created under it that are still waiting for their first upload.
func readDir(ctx context.Context, fsys *boxfs.FS, p string) ([]entry, error) {
	dir, err := fsys.List(ctx, p)
	if err != nil {
		return nil, err
	}
	entries := make([]entry, 0, len(dir.Folders)+len(dir.Files))
	seen := make(map[string]bool, cap(entries))
	for _, group := range [][]*models.Node{dir.Folders, dir.Files} {
		for _, child := range group {
			entries = append(entries, entry{name: child.Name, attr: attr{dir: child.IsFolder(), size: boxfs.SizeOf(child)}})
			seen[child.Name] = true
		}
	}

	p = resolver.Clean(p)
	for _, name := range fsys.Sessions().Created(p) {
		if seen[name] {
			continue
		}
		size, ok := fsys.Sessions().Size(resolver.Clean(p + "/" + name))
		if !ok {
			continue
		}
		entries = append(entries, entry{name: name, attr: attr{size: size}})
	}
	return entries, nil
}

// truncate resizes p. A path with no open handle is opened for the duration
// of the call, so closing it overwrites the remote file.
func (h *handles) truncate(ctx context.Context, p string, size int64) error {
	a, err := statPath(ctx, h.fs, p)
	if err != nil {
		return err
	}
	if a.dir {
		return boxfs.ErrInvalid
	}
	fh, err := h.open(ctx, p, session.ModeReadWrite)
	if err != nil {
		return err
	}
	if err := h.fs.Truncate(ctx, p, size); err != nil {
		h.release(ctx, fh)
		return err
	}
	return h.release(ctx, fh)
}
