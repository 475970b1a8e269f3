// Package boxfs answers filesystem questions about a remote tree.
//
// Every operation takes a virtual path, resolves it against the remote store
// and returns an explicit *Error on failure. Dispatch backends decide how a
// failure is reported to the kernel; details go to the debug log only.
package boxfs

import (
	"context"
	"errors"

	"github.com/fruitsalade/boxfs/internal/cache"
	"github.com/fruitsalade/boxfs/internal/logging"
	"github.com/fruitsalade/boxfs/internal/models"
	"github.com/fruitsalade/boxfs/internal/remote"
	"github.com/fruitsalade/boxfs/internal/resolver"
	"github.com/fruitsalade/boxfs/internal/session"
)

// DirectorySize is the size reported for folders.
const DirectorySize = 4096

// FS composes the resolver, the local cache and the session table.
type FS struct {
	store    remote.Store
	resolver *resolver.Resolver
	cache    *cache.Store
	sessions *session.Table
}

// New creates an FS over store, caching file content in c.
func New(store remote.Store, c *cache.Store, opts resolver.Options) *FS {
	r := resolver.New(store, opts)
	return &FS{
		store:    store,
		resolver: r,
		cache:    c,
		sessions: session.NewTable(store, r, c),
	}
}

// Cache returns the local cache store.
func (fs *FS) Cache() *cache.Store { return fs.cache }

// Sessions returns the open-file table.
func (fs *FS) Sessions() *session.Table { return fs.sessions }

// Stat resolves p.
func (fs *FS) Stat(ctx context.Context, p string) (*models.Node, error) {
	logging.Debug("stat", logging.Path(p))
	n, err := fs.resolver.Resolve(ctx, p)
	if err != nil {
		return nil, wrap("stat", p, err)
	}
	return n, nil
}

// ListEntries returns the names in folder p: sub-folders first, then files,
// each in the order the remote store reported them.
func (fs *FS) ListEntries(ctx context.Context, p string) ([]string, error) {
	n, err := fs.List(ctx, p)
	if err != nil {
		return nil, err
	}
	return n.Names(), nil
}

// List returns folder p with its children populated.
func (fs *FS) List(ctx context.Context, p string) (*models.Node, error) {
	logging.Debug("contents", logging.Path(p))
	n, err := fs.resolver.List(ctx, p)
	if err != nil {
		return nil, wrap("contents", p, err)
	}
	if !n.IsFolder() {
		return nil, newError("contents", p, KindInvalid, errors.New("not a folder"))
	}
	return n, nil
}

// IsDirectory reports whether p is a folder. Failures report false.
func (fs *FS) IsDirectory(ctx context.Context, p string) bool {
	n, err := fs.Stat(ctx, p)
	if err != nil {
		logging.Debug("directory?: absent", logging.Path(p), logging.Err(err))
		return false
	}
	return n.IsFolder()
}

// IsFile reports whether p is a file. Failures report false.
func (fs *FS) IsFile(ctx context.Context, p string) bool {
	n, err := fs.Stat(ctx, p)
	if err != nil {
		logging.Debug("file?: absent", logging.Path(p), logging.Err(err))
		return false
	}
	return n.IsFile()
}

// Size returns DirectorySize for folders and the remote size for files.
func (fs *FS) Size(ctx context.Context, p string) (int64, error) {
	n, err := fs.Stat(ctx, p)
	if err != nil {
		return 0, err
	}
	return SizeOf(n), nil
}

// SizeOf returns the size reported for n.
func SizeOf(n *models.Node) int64 {
	if n.IsFolder() {
		return DirectorySize
	}
	return n.Size
}

// Delete removes file p remotely, then its cache copy.
func (fs *FS) Delete(ctx context.Context, p string) error {
	logging.Debug("delete", logging.Path(p))
	n, parent, err := fs.resolver.ResolveEntry(ctx, p)
	if err != nil {
		return wrap("delete", p, err)
	}
	if !n.IsFile() {
		return newError("delete", p, KindInvalid, errors.New("not a file"))
	}
	if err := fs.store.Delete(ctx, models.KindFile, n.ID); err != nil {
		return newError("delete", p, KindRemote, err)
	}
	fs.resolver.Invalidate(parent.ID)
	if err := fs.cache.Remove(resolver.Clean(p)); err != nil {
		return newError("delete", p, KindLocalIO, err)
	}
	logging.Info("Deleted", logging.Path(p), logging.String("id", n.ID))
	return nil
}

// MakeDirectory creates folder p under its parent.
func (fs *FS) MakeDirectory(ctx context.Context, p string) error {
	logging.Debug("mkdir", logging.Path(p))
	dir, name := resolver.Split(p)
	if name == "" {
		return newError("mkdir", p, KindInvalid, errors.New("cannot create the root"))
	}
	parent, err := fs.resolver.Resolve(ctx, dir)
	if err != nil {
		return wrap("mkdir", p, err)
	}
	if !parent.IsFolder() {
		return newError("mkdir", p, KindInvalid, errors.New("parent is not a folder"))
	}
	id, err := fs.store.CreateFolder(ctx, parent.ID, name)
	if err != nil {
		return newError("mkdir", p, KindRemote, err)
	}
	fs.resolver.Invalidate(parent.ID)
	logging.Info("Created directory", logging.Path(p), logging.String("id", id))
	return nil
}

// RemoveDirectory removes folder p remotely.
func (fs *FS) RemoveDirectory(ctx context.Context, p string) error {
	logging.Debug("rmdir", logging.Path(p))
	n, parent, err := fs.resolver.ResolveEntry(ctx, p)
	if err != nil {
		return wrap("rmdir", p, err)
	}
	if !n.IsFolder() || parent == nil {
		return newError("rmdir", p, KindInvalid, errors.New("not a removable folder"))
	}
	if err := fs.store.Delete(ctx, models.KindFolder, n.ID); err != nil {
		return newError("rmdir", p, KindRemote, err)
	}
	fs.resolver.Invalidate(parent.ID, n.ID)
	logging.Info("Removed directory", logging.Path(p), logging.String("id", n.ID))
	return nil
}

// Permission predicates. Everything is allowed.

func (fs *FS) CanWrite(p string) bool           { return true }
func (fs *FS) CanDelete(p string) bool          { return true }
func (fs *FS) CanMakeDirectory(p string) bool   { return true }
func (fs *FS) CanRemoveDirectory(p string) bool { return true }
func (fs *FS) IsExecutable(p string) bool       { return true }

// Touch does nothing.
func (fs *FS) Touch(ctx context.Context, p string) error {
	logging.Debug("touch", logging.Path(p))
	return nil
}

// Open starts a session for p.
func (fs *FS) Open(ctx context.Context, p string, mode session.Mode) error {
	logging.Debug("raw_open", logging.Path(p), logging.String("mode", mode.String()))
	return wrap("open", p, fs.sessions.Open(ctx, p, mode))
}

// Share adds another opener with mode to the open session for p.
func (fs *FS) Share(p string, mode session.Mode) error {
	logging.Debug("raw_open", logging.Path(p), logging.String("mode", mode.String()), logging.String("shared", "yes"))
	return wrap("open", p, fs.sessions.Share(p, mode))
}

// Read reads from the open session for p.
func (fs *FS) Read(ctx context.Context, p string, offset int64, size int) ([]byte, error) {
	logging.Debug("raw_read", logging.Path(p), logging.Int64("offset", offset), logging.Int("size", size))
	data, err := fs.sessions.Read(ctx, p, offset, size)
	if err != nil {
		return nil, wrap("read", p, err)
	}
	return data, nil
}

// Write writes to the open session for p.
func (fs *FS) Write(ctx context.Context, p string, offset int64, size int, data []byte) (int, error) {
	logging.Debug("raw_write", logging.Path(p), logging.Int64("offset", offset), logging.Int("size", size))
	n, err := fs.sessions.Write(ctx, p, offset, size, data)
	return n, wrap("write", p, err)
}

// Truncate resizes the open file p.
func (fs *FS) Truncate(ctx context.Context, p string, size int64) error {
	logging.Debug("truncate", logging.Path(p), logging.Int64("size", size))
	return wrap("truncate", p, fs.sessions.Truncate(ctx, p, size))
}

// Close ends the session for p, uploading or overwriting as needed.
func (fs *FS) Close(ctx context.Context, p string) error {
	logging.Debug("raw_close", logging.Path(p))
	return wrap("close", p, fs.sessions.Close(ctx, p))
}

// Unmount flushes every open session.
func (fs *FS) Unmount(ctx context.Context) error {
	err := fs.sessions.CloseAll(ctx)
	if count, size, serr := fs.cache.Stats(); serr == nil {
		logging.Info("Cache at unmount", logging.String("dir", fs.cache.Dir()), logging.Int("files", count), logging.Int64("bytes", size))
	}
	return err
}
