package mount

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/fruitsalade/boxfs/internal/boxfs"
	"github.com/fruitsalade/boxfs/internal/logging"
	"github.com/fruitsalade/boxfs/internal/session"
)

const badFh = ^uint64(0)

// CgoFuse implements Backend using cgofuse (cross-platform FUSE via WinFsp).
type CgoFuse struct {
	fuse.FileSystemBase

	fs        *boxfs.FS
	handles   *handles
	host      *fuse.FileSystemHost
	mountPath string
	mounted   time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	destroyOnce sync.Once
}

// NewCgoFuse creates a cgofuse backend serving fsys at mountPath.
func NewCgoFuse(mountPath string, fsys *boxfs.FS) *CgoFuse {
	ctx, cancel := context.WithCancel(context.Background())
	return &CgoFuse{
		fs:        fsys,
		handles:   newHandles(fsys),
		mountPath: mountPath,
		mounted:   time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (b *CgoFuse) Name() string {
	return CgoFuseName
}

func (b *CgoFuse) Start(ctx context.Context) error {
	if err := ensureMountPoint(b.mountPath); err != nil {
		return err
	}

	b.host = fuse.NewFileSystemHost(b)
	b.host.SetCapReaddirPlus(false)

	logging.Info("Mounting", logging.String("backend", b.Name()), logging.String("mount_point", b.mountPath))

	// host.Mount blocks until unmounted
	errCh := make(chan error, 1)
	go func() {
		if ok := b.host.Mount(b.mountPath, nil); !ok {
			errCh <- fmt.Errorf("cgofuse: mount %s failed", b.mountPath)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		b.host.Unmount()
		<-errCh
		return ctx.Err()
	}
}

func (b *CgoFuse) Stop() error {
	if b.host != nil {
		b.host.Unmount()
	}
	return nil
}

// cgoErrno converts an FS error into a negated cgofuse errno.
func cgoErrno(op, p string, err error) int {
	kind := boxfs.KindOf(err)
	switch kind {
	case boxfs.KindNone:
		return 0
	case boxfs.KindNotFound:
		return -fuse.ENOENT
	case boxfs.KindNoSession:
		return -fuse.EBADF
	case boxfs.KindInvalid:
		return -fuse.EINVAL
	}
	logging.Error("fuse "+op+" failed", logging.Path(p), logging.String("kind", kind.String()), logging.Err(err))
	return -fuse.EIO
}

func (b *CgoFuse) fillStat(a attr, stat *fuse.Stat_t) {
	t := fuse.NewTimespec(b.mounted)
	stat.Mtim = t
	stat.Atim = t
	stat.Ctim = t
	stat.Size = a.size
	if a.dir {
		stat.Mode = fuse.S_IFDIR | 0755
		stat.Nlink = 2
	} else {
		stat.Mode = fuse.S_IFREG | 0644
		stat.Nlink = 1
	}
	stat.Uid = uint32(os.Getuid())
	stat.Gid = uint32(os.Getgid())
}

// --- fuse.FileSystemInterface implementation ---

func (b *CgoFuse) Init() {
	logging.Info("cgofuse: Init")
}

func (b *CgoFuse) Destroy() {
	b.destroyOnce.Do(func() {
		logging.Info("cgofuse: Destroy")
		if err := b.fs.Unmount(context.Background()); err != nil {
			logging.Error("Flush on unmount failed", logging.Err(err))
		}
		b.cancel()
	})
}

func (b *CgoFuse) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	a, err := statPath(b.ctx, b.fs, path)
	if err != nil {
		return cgoErrno("getattr", path, err)
	}
	b.fillStat(a, stat)
	return 0
}

func (b *CgoFuse) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	entries, err := readDir(b.ctx, b.fs, path)
	if err != nil {
		return cgoErrno("readdir", path, err)
	}

	fill(".", nil, 0)
	fill("..", nil, 0)
	for _, e := range entries {
		var st fuse.Stat_t
		b.fillStat(e.attr, &st)
		if !fill(e.name, &st, 0) {
			return 0
		}
	}
	return 0
}

func (b *CgoFuse) Opendir(path string) (int, uint64) {
	a, err := statPath(b.ctx, b.fs, path)
	if err != nil {
		return cgoErrno("opendir", path, err), badFh
	}
	if !a.dir {
		return -fuse.ENOTDIR, badFh
	}
	return 0, 0
}

func (b *CgoFuse) Releasedir(path string, fh uint64) int {
	return 0
}

func (b *CgoFuse) Open(path string, flags int) (int, uint64) {
	fh, err := b.handles.open(b.ctx, path, session.FromFlags(flags))
	if err != nil {
		return cgoErrno("open", path, err), badFh
	}
	return 0, fh
}

func (b *CgoFuse) Create(path string, flags int, mode uint32) (int, uint64) {
	m := session.FromFlags(flags)
	if m.ReadOnly() {
		m = session.ModeReadWrite
	}
	fh, err := b.handles.open(b.ctx, path, m)
	if err != nil {
		return cgoErrno("create", path, err), badFh
	}
	logging.Debug("created", logging.Path(path))
	return 0, fh
}

func (b *CgoFuse) Read(path string, buff []byte, ofst int64, fh uint64) int {
	p, ok := b.handles.path(fh)
	if !ok {
		return -fuse.EBADF
	}
	data, err := b.fs.Read(b.ctx, p, ofst, len(buff))
	if err != nil {
		return cgoErrno("read", p, err)
	}
	return copy(buff, data)
}

func (b *CgoFuse) Write(path string, buff []byte, ofst int64, fh uint64) int {
	p, ok := b.handles.path(fh)
	if !ok {
		return -fuse.EBADF
	}
	n, err := b.fs.Write(b.ctx, p, ofst, len(buff), buff)
	if err != nil {
		return cgoErrno("write", p, err)
	}
	return n
}

func (b *CgoFuse) Flush(path string, fh uint64) int {
	return 0
}

func (b *CgoFuse) Release(path string, fh uint64) int {
	return cgoErrno("release", path, b.handles.release(b.ctx, fh))
}

func (b *CgoFuse) Fsync(path string, datasync bool, fh uint64) int {
	return 0
}

func (b *CgoFuse) Truncate(path string, size int64, fh uint64) int {
	return cgoErrno("truncate", path, b.handles.truncate(b.ctx, path, size))
}

func (b *CgoFuse) Mkdir(path string, mode uint32) int {
	return cgoErrno("mkdir", path, b.fs.MakeDirectory(b.ctx, path))
}

func (b *CgoFuse) Unlink(path string) int {
	return cgoErrno("unlink", path, b.fs.Delete(b.ctx, path))
}

func (b *CgoFuse) Rmdir(path string) int {
	return cgoErrno("rmdir", path, b.fs.RemoveDirectory(b.ctx, path))
}

func (b *CgoFuse) Rename(oldpath string, newpath string) int {
	return -fuse.ENOSYS
}

func (b *CgoFuse) Utimens(path string, tmsp []fuse.Timespec) int {
	return cgoErrno("utimens", path, b.fs.Touch(b.ctx, path))
}

func (b *CgoFuse) Chmod(path string, mode uint32) int {
	return 0 // no-op
}

func (b *CgoFuse) Chown(path string, uid uint32, gid uint32) int {
	return 0 // no-op
}

func (b *CgoFuse) Access(path string, mask uint32) int {
	if _, err := statPath(b.ctx, b.fs, path); err != nil {
		return cgoErrno("access", path, err)
	}
	return 0
}

func (b *CgoFuse) Statfs(path string, stat *fuse.Statfs_t) int {
	u := usage(b.fs.Cache().Dir())
	stat.Bsize = u.Bsize
	stat.Frsize = u.Bsize
	stat.Blocks = u.Blocks
	stat.Bfree = u.Bfree
	stat.Bavail = u.Bavail
	stat.Files = u.Files
	stat.Ffree = u.Ffree
	stat.Favail = u.Ffree
	stat.Namemax = u.Namemax
	return 0
}

func (b *CgoFuse) Getxattr(path string, name string) (int, []byte) {
	return -fuse.ENODATA, nil
}

func (b *CgoFuse) Listxattr(path string, fill func(name string) bool) int {
	return 0
}
