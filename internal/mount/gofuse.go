//go:build !windows

package mount

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/fruitsalade/boxfs/internal/boxfs"
	"github.com/fruitsalade/boxfs/internal/logging"
	"github.com/fruitsalade/boxfs/internal/resolver"
	"github.com/fruitsalade/boxfs/internal/session"
)

// GoFuse implements Backend using go-fuse. Nodes carry no state of their own;
// every call is answered from the inode's path.
type GoFuse struct {
	fs        *boxfs.FS
	handles   *handles
	mountPath string
	mounted   time.Time

	mu     sync.Mutex
	server *gofuse.Server
}

// NewGoFuse creates a go-fuse backend serving fsys at mountPath.
func NewGoFuse(mountPath string, fsys *boxfs.FS) *GoFuse {
	return &GoFuse{
		fs:        fsys,
		handles:   newHandles(fsys),
		mountPath: mountPath,
		mounted:   time.Now(),
	}
}

func (b *GoFuse) Name() string {
	return GoFuseName
}

// Root returns the root node.
func (b *GoFuse) Root() fs.InodeEmbedder {
	return &node{b: b}
}

func (b *GoFuse) Start(ctx context.Context) error {
	if err := ensureMountPoint(b.mountPath); err != nil {
		return err
	}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: false,
			Debug:      false,
			FsName:     "boxfs",
			Name:       "boxfs",
		},
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}

	logging.Info("Mounting", logging.String("backend", b.Name()), logging.String("mount_point", b.mountPath))
	server, err := fs.Mount(b.mountPath, b.Root(), opts)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	b.mu.Lock()
	b.server = server
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if err := server.Unmount(); err != nil {
			logging.Warn("Unmount failed", logging.Err(err))
		}
		<-done
	}

	if err := b.fs.Unmount(context.Background()); err != nil {
		logging.Error("Flush on unmount failed", logging.Err(err))
	}
	return ctx.Err()
}

func (b *GoFuse) Stop() error {
	b.mu.Lock()
	server := b.server
	b.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Unmount()
}

// errno converts an FS error into a syscall errno.
func errno(op, p string, err error) syscall.Errno {
	kind := boxfs.KindOf(err)
	switch kind {
	case boxfs.KindNone:
		return 0
	case boxfs.KindNotFound:
		return syscall.ENOENT
	case boxfs.KindNoSession:
		return syscall.EBADF
	case boxfs.KindInvalid:
		return syscall.EINVAL
	}
	logging.Error("fuse "+op+" failed", logging.Path(p), logging.String("kind", kind.String()), logging.Err(err))
	return syscall.EIO
}

func (b *GoFuse) fillAttr(a attr, out *gofuse.Attr) {
	if a.dir {
		out.Mode = 0755 | syscall.S_IFDIR
		out.Nlink = 2
	} else {
		out.Mode = 0644 | syscall.S_IFREG
		out.Nlink = 1
	}
	out.Size = uint64(a.size)
	out.Mtime = uint64(b.mounted.Unix())
	out.Atime = out.Mtime
	out.Ctime = out.Mtime
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
}

// node is a path in the mounted tree.
type node struct {
	fs.Inode
	b *GoFuse
}

var _ fs.InodeEmbedder = (*node)(nil)
var _ fs.NodeGetattrer = (*node)(nil)
var _ fs.NodeLookuper = (*node)(nil)
var _ fs.NodeReaddirer = (*node)(nil)
var _ fs.NodeOpener = (*node)(nil)
var _ fs.NodeCreater = (*node)(nil)
var _ fs.NodeMkdirer = (*node)(nil)
var _ fs.NodeUnlinker = (*node)(nil)
var _ fs.NodeRmdirer = (*node)(nil)
var _ fs.NodeSetattrer = (*node)(nil)
var _ fs.NodeStatfser = (*node)(nil)

func (n *node) path() string {
	return "/" + n.Path(nil)
}

func (n *node) child(name string) string {
	return resolver.Clean(n.path() + "/" + name)
}

func (n *node) newChild(ctx context.Context, a attr, out *gofuse.EntryOut) *fs.Inode {
	n.b.fillAttr(a, &out.Attr)
	return n.NewInode(ctx, &node{b: n.b}, fs.StableAttr{Mode: out.Mode & syscall.S_IFMT})
}

func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	p := n.path()
	a, err := statPath(ctx, n.b.fs, p)
	if err != nil {
		return errno("getattr", p, err)
	}
	n.b.fillAttr(a, &out.Attr)
	return 0
}

func (n *node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.child(name)
	a, err := statPath(ctx, n.b.fs, p)
	if err != nil {
		return nil, errno("lookup", p, err)
	}
	return n.newChild(ctx, a, out), 0
}

func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	p := n.path()
	list, err := readDir(ctx, n.b.fs, p)
	if err != nil {
		return nil, errno("readdir", p, err)
	}

	entries := make([]gofuse.DirEntry, 0, len(list))
	for _, e := range list {
		mode := uint32(syscall.S_IFREG)
		if e.attr.dir {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, gofuse.DirEntry{Name: e.name, Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	p := n.path()
	fh, err := n.b.handles.open(ctx, p, session.FromFlags(int(flags)))
	if err != nil {
		return nil, 0, errno("open", p, err)
	}
	return &file{b: n.b, fh: fh, path: p}, gofuse.FOPEN_DIRECT_IO, 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	p := n.child(name)
	m := session.FromFlags(int(flags))
	if m.ReadOnly() {
		m = session.ModeReadWrite
	}
	fh, err := n.b.handles.open(ctx, p, m)
	if err != nil {
		return nil, nil, 0, errno("create", p, err)
	}
	a, err := statPath(ctx, n.b.fs, p)
	if err != nil {
		n.b.handles.release(ctx, fh)
		return nil, nil, 0, errno("create", p, err)
	}
	logging.Debug("created", logging.Path(p))
	return n.newChild(ctx, a, out), &file{b: n.b, fh: fh, path: p}, gofuse.FOPEN_DIRECT_IO, 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.child(name)
	if err := n.b.fs.MakeDirectory(ctx, p); err != nil {
		return nil, errno("mkdir", p, err)
	}
	return n.newChild(ctx, attr{dir: true, size: boxfs.DirectorySize}, out), 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	p := n.child(name)
	return errno("unlink", p, n.b.fs.Delete(ctx, p))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	p := n.child(name)
	return errno("rmdir", p, n.b.fs.RemoveDirectory(ctx, p))
}

// Setattr handles truncation. Mode, owner and time changes are accepted and
// ignored.
func (n *node) Setattr(ctx context.Context, f fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	p := n.path()
	if sz, ok := in.GetSize(); ok {
		if err := n.b.handles.truncate(ctx, p, int64(sz)); err != nil {
			return errno("truncate", p, err)
		}
	}
	if _, ok := in.GetMTime(); ok {
		n.b.fs.Touch(ctx, p)
	}
	return n.Getattr(ctx, f, out)
}

func (n *node) Statfs(ctx context.Context, out *gofuse.StatfsOut) syscall.Errno {
	u := usage(n.b.fs.Cache().Dir())
	out.Bsize = uint32(u.Bsize)
	out.Frsize = uint32(u.Bsize)
	out.Blocks = u.Blocks
	out.Bfree = u.Bfree
	out.Bavail = u.Bavail
	out.Files = u.Files
	out.Ffree = u.Ffree
	out.NameLen = uint32(u.Namemax)
	return 0
}

// file is a kernel handle on an open session.
type file struct {
	b    *GoFuse
	fh   uint64
	path string
}

var _ fs.FileHandle = (*file)(nil)
var _ fs.FileReader = (*file)(nil)
var _ fs.FileWriter = (*file)(nil)
var _ fs.FileReleaser = (*file)(nil)

func (f *file) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	data, err := f.b.fs.Read(ctx, f.path, off, len(dest))
	if err != nil {
		return nil, errno("read", f.path, err)
	}
	return gofuse.ReadResultData(data), 0
}

func (f *file) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := f.b.fs.Write(ctx, f.path, off, len(data), data)
	if err != nil {
		return uint32(n), errno("write", f.path, err)
	}
	return uint32(n), 0
}

// Release closes the session once the last handle on the path goes away.
func (f *file) Release(ctx context.Context) syscall.Errno {
	return errno("release", f.path, f.b.handles.release(ctx, f.fh))
}
