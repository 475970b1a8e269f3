// Package resolver turns virtual paths into remote nodes by walking the
// remote tree from the root, one folder fetch per path segment.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/boxfs/internal/logging"
	"github.com/fruitsalade/boxfs/internal/metrics"
	"github.com/fruitsalade/boxfs/internal/models"
	"github.com/fruitsalade/boxfs/internal/remote"
)

// ErrNotFound is returned when a path does not map to a remote node, or when
// the remote store could not be asked. Predicates treat both as absent. Use
// FetchFailed to tell them apart.
var ErrNotFound = errors.New("path not found")

// Options configures the optional folder listing cache.
type Options struct {
	// CacheSize is the number of folder listings kept. Zero disables the
	// cache, so every resolution walks the remote tree again.
	CacheSize int
	// CacheTTL bounds how long a listing may be served from the cache.
	CacheTTL time.Duration
}

// Resolver walks the remote tree.
type Resolver struct {
	store    remote.Store
	listings *expirable.LRU[string, *models.Node]
	group    singleflight.Group
}

// New creates a resolver over store.
func New(store remote.Store, opts Options) *Resolver {
	r := &Resolver{store: store}
	if opts.CacheSize > 0 {
		r.listings = expirable.NewLRU[string, *models.Node](opts.CacheSize, nil, opts.CacheTTL)
	}
	return r
}

// Segments splits a virtual path into its non-empty components.
func Segments(p string) []string {
	parts := strings.Split(p, "/")
	segs := parts[:0]
	for _, s := range parts {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// Clean returns p with empty segments collapsed and a leading slash.
func Clean(p string) string {
	return "/" + strings.Join(Segments(p), "/")
}

// Split returns the parent path and the final segment of p.
// The root has no final segment.
func Split(p string) (parent, name string) {
	segs := Segments(p)
	if len(segs) == 0 {
		return "/", ""
	}
	return "/" + strings.Join(segs[:len(segs)-1], "/"), segs[len(segs)-1]
}

// Resolve returns the node at p.
func (r *Resolver) Resolve(ctx context.Context, p string) (*models.Node, error) {
	node, _, err := r.ResolveEntry(ctx, p)
	return node, err
}

// ResolveEntry returns the node at p and the folder that lists it. The
// parent of the root is nil.
//
// The root folder is fetched, then each intermediate folder; the final
// segment is looked up among its parent's children, folders before files.
func (r *Resolver) ResolveEntry(ctx context.Context, p string) (node, parent *models.Node, err error) {
	segs := Segments(p)
	fetches := 0
	defer func() { metrics.RecordResolve(fetches) }()

	current, err := r.Folder(ctx, models.RootID)
	fetches++
	if err != nil {
		return nil, nil, r.absent(p, err)
	}
	if len(segs) == 0 {
		return current, nil, nil
	}

	last := len(segs) - 1
	for _, name := range segs[:last] {
		sub := current.ChildFolder(name)
		if sub == nil {
			logging.Debug("resolve: no such folder", logging.Path(p), logging.String("name", name))
			return nil, nil, fmt.Errorf("%s: %w", p, ErrNotFound)
		}
		current, err = r.Folder(ctx, sub.ID)
		fetches++
		if err != nil {
			return nil, nil, r.absent(p, err)
		}
	}

	child := current.Child(segs[last])
	if child == nil {
		logging.Debug("resolve: no such entry", logging.Path(p), logging.String("name", segs[last]))
		return nil, nil, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return child, current, nil
}

// List resolves p and returns it with its children populated.
func (r *Resolver) List(ctx context.Context, p string) (*models.Node, error) {
	node, err := r.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	if !node.IsFolder() {
		return node, nil
	}
	if len(Segments(p)) == 0 {
		return node, nil
	}
	folder, err := r.Folder(ctx, node.ID)
	if err != nil {
		return nil, r.absent(p, err)
	}
	return folder, nil
}

func (r *Resolver) absent(p string, err error) error {
	logging.Debug("resolve: remote fetch failed", logging.Path(p), logging.Err(err))
	return &fetchError{path: p, err: err}
}

// fetchError is a resolution cut short by a failed folder fetch. It matches
// ErrNotFound and the remote cause.
type fetchError struct {
	path string
	err  error
}

func (e *fetchError) Error() string {
	return e.path + ": " + ErrNotFound.Error() + ": " + e.err.Error()
}

func (e *fetchError) Unwrap() []error {
	return []error{ErrNotFound, e.err}
}

// FetchFailed reports whether err is a resolution that could not reach the
// remote store, as opposed to a path that is known to be missing.
func FetchFailed(err error) bool {
	var fe *fetchError
	return errors.As(err, &fe) && !errors.Is(fe.err, remote.ErrNotFound)
}

// Folder fetches one folder listing, through the listing cache if enabled.
func (r *Resolver) Folder(ctx context.Context, id string) (*models.Node, error) {
	if r.listings == nil {
		return r.store.Folder(ctx, id)
	}

	if n, ok := r.listings.Get(id); ok {
		metrics.RecordListingCache(true)
		return n, nil
	}
	metrics.RecordListingCache(false)

	v, err, _ := r.group.Do(id, func() (interface{}, error) {
		n, err := r.store.Folder(ctx, id)
		if err != nil {
			return nil, err
		}
		r.listings.Add(id, n)
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Node), nil
}

// Invalidate drops cached listings for the given folder ids.
func (r *Resolver) Invalidate(ids ...string) {
	if r.listings == nil {
		return
	}
	for _, id := range ids {
		r.listings.Remove(id)
	}
}
