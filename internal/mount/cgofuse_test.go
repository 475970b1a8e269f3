package mount

import (
	"errors"
	"os"
	"testing"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/fruitsalade/boxfs/internal/boxfs"
	"github.com/fruitsalade/boxfs/internal/cache"
	"github.com/fruitsalade/boxfs/internal/models"
	"github.com/fruitsalade/boxfs/internal/remote/remotetest"
	"github.com/fruitsalade/boxfs/internal/resolver"
	"github.com/fruitsalade/boxfs/internal/session"
)

type fixture struct {
	store *remotetest.Store
	fs    *boxfs.FS
	b     *CgoFuse
	docs  string
	a     string
}

// newFixture builds / -> docs/ -> a.txt ("0123456789").
func newFixture(t *testing.T) fixture {
	t.Helper()
	s := remotetest.New()
	docs := s.AddFolder(models.RootID, "docs")
	a := s.AddFile(docs, "a.txt", []byte("0123456789"))
	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	fsys := boxfs.New(s, c, resolver.Options{})
	return fixture{store: s, fs: fsys, b: NewCgoFuse(t.TempDir(), fsys), docs: docs, a: a}
}

func TestCgoErrno(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{boxfs.ErrNotFound, -fuse.ENOENT},
		{boxfs.ErrRemote, -fuse.EIO},
		{boxfs.ErrLocalIO, -fuse.EIO},
		{boxfs.ErrNoSession, -fuse.EBADF},
		{boxfs.ErrInvalid, -fuse.EINVAL},
		{&session.RemoteError{Op: "upload", Err: errors.New("x")}, -fuse.EIO},
	}
	for _, tt := range tests {
		if got := cgoErrno("test", "/x", tt.err); got != tt.want {
			t.Errorf("cgoErrno(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestCgoFuse_Getattr(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		path string
		mode uint32
		size int64
		rc   int
	}{
		{"/", fuse.S_IFDIR | 0755, boxfs.DirectorySize, 0},
		{"/docs", fuse.S_IFDIR | 0755, boxfs.DirectorySize, 0},
		{"/docs/a.txt", fuse.S_IFREG | 0644, 10, 0},
		{"/docs/none", 0, 0, -fuse.ENOENT},
	}
	for _, tt := range tests {
		var st fuse.Stat_t
		rc := f.b.Getattr(tt.path, &st, badFh)
		if rc != tt.rc {
			t.Errorf("Getattr(%s) = %d, want %d", tt.path, rc, tt.rc)
			continue
		}
		if rc != 0 {
			continue
		}
		if st.Mode != tt.mode || st.Size != tt.size {
			t.Errorf("Getattr(%s) = mode %o size %d, want mode %o size %d", tt.path, st.Mode, st.Size, tt.mode, tt.size)
		}
	}
}

func TestCgoFuse_Readdir(t *testing.T) {
	f := newFixture(t)
	f.store.AddFolder(f.docs, "sub")

	var names []string
	dirs := map[string]bool{}
	rc := f.b.Readdir("/docs", func(name string, st *fuse.Stat_t, ofst int64) bool {
		names = append(names, name)
		if st != nil && st.Mode&fuse.S_IFMT == fuse.S_IFDIR {
			dirs[name] = true
		}
		return true
	}, 0, 0)
	if rc != 0 {
		t.Fatalf("Readdir = %d", rc)
	}
	want := []string{".", "..", "sub", "a.txt"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
	if !dirs["sub"] || dirs["a.txt"] {
		t.Errorf("dir flags = %v", dirs)
	}

	if rc := f.b.Readdir("/docs/a.txt", func(string, *fuse.Stat_t, int64) bool { return true }, 0, 0); rc != -fuse.EINVAL {
		t.Errorf("Readdir(file) = %d, want EINVAL", rc)
	}
	if rc, _ := f.b.Opendir("/docs/a.txt"); rc != -fuse.ENOTDIR {
		t.Errorf("Opendir(file) = %d, want ENOTDIR", rc)
	}
	if rc, _ := f.b.Opendir("/nope"); rc != -fuse.ENOENT {
		t.Errorf("Opendir(missing) = %d, want ENOENT", rc)
	}
}

func TestCgoFuse_ReadExisting(t *testing.T) {
	f := newFixture(t)

	rc, fh := f.b.Open("/docs/a.txt", os.O_RDONLY)
	if rc != 0 {
		t.Fatalf("Open = %d", rc)
	}
	buf := make([]byte, 4)
	if n := f.b.Read("/docs/a.txt", buf, 3, fh); n != 4 || string(buf) != "3456" {
		t.Errorf("Read = %d %q", n, buf)
	}
	if rc := f.b.Release("/docs/a.txt", fh); rc != 0 {
		t.Errorf("Release = %d", rc)
	}
	if c := f.store.MutationCalls(); c != 0 {
		t.Errorf("mutations = %d, want 0", c)
	}
	if f.fs.Sessions().Len() != 0 {
		t.Error("session left open after release")
	}
}

func TestCgoFuse_CreateWriteRelease(t *testing.T) {
	f := newFixture(t)
	p := "/docs/new.txt"

	rc, fh := f.b.Create(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if rc != 0 {
		t.Fatalf("Create = %d", rc)
	}
	if n := f.b.Write(p, []byte("hello"), 0, fh); n != 5 {
		t.Fatalf("Write = %d", n)
	}

	var st fuse.Stat_t
	if rc := f.b.Getattr(p, &st, fh); rc != 0 || st.Size != 5 {
		t.Errorf("Getattr before upload = %d size %d", rc, st.Size)
	}
	if c := f.store.Calls(remotetest.OpUpload); c != 0 {
		t.Errorf("uploads before release = %d", c)
	}

	if rc := f.b.Release(p, fh); rc != 0 {
		t.Fatalf("Release = %d", rc)
	}
	ups := f.store.Uploads()
	if len(ups) != 1 || ups[0].ParentID != f.docs || ups[0].Name != "new.txt" || string(ups[0].Data) != "hello" {
		t.Errorf("uploads = %+v", ups)
	}
}

func TestCgoFuse_SharedHandles(t *testing.T) {
	f := newFixture(t)
	p := "/docs/a.txt"

	rc1, fh1 := f.b.Open(p, os.O_RDWR)
	rc2, fh2 := f.b.Open(p, os.O_RDWR)
	if rc1 != 0 || rc2 != 0 {
		t.Fatalf("Open = %d, %d", rc1, rc2)
	}
	if fh1 == fh2 {
		t.Fatal("handles share a number")
	}
	if c := f.store.Calls(remotetest.OpDownload); c != 1 {
		t.Errorf("downloads = %d, want 1", c)
	}

	f.b.Write(p, []byte("AB"), 0, fh2)
	f.b.Release(p, fh1)
	if c := f.store.Calls(remotetest.OpOverwrite); c != 0 {
		t.Errorf("overwrite after first release = %d", c)
	}
	if !f.fs.Sessions().IsOpen(p) {
		t.Fatal("session closed while a handle remains")
	}

	f.b.Release(p, fh2)
	if data, _ := f.store.Content(f.a); string(data) != "AB23456789" {
		t.Errorf("remote content = %q", data)
	}
	if n := f.b.handles.count(); n != 0 {
		t.Errorf("live handles = %d", n)
	}
}

func TestCgoFuse_WriterJoinsReader(t *testing.T) {
	f := newFixture(t)
	p := "/docs/a.txt"

	rc, reader := f.b.Open(p, os.O_RDONLY)
	if rc != 0 {
		t.Fatalf("Open(r) = %d", rc)
	}
	rc, writer := f.b.Open(p, os.O_WRONLY)
	if rc != 0 {
		t.Fatalf("Open(w) = %d", rc)
	}
	if n := f.b.Write(p, []byte("XY"), 2, writer); n != 2 {
		t.Fatalf("Write = %d, want 2", n)
	}
	if rc := f.b.Truncate(p, 6, writer); rc != 0 {
		t.Fatalf("Truncate = %d", rc)
	}
	buf := make([]byte, 10)
	if n := f.b.Read(p, buf, 0, reader); n != 6 || string(buf[:n]) != "01XY45" {
		t.Errorf("Read through reader = %d %q", n, buf[:n])
	}

	f.b.Release(p, writer)
	if c := f.store.Calls(remotetest.OpOverwrite); c != 0 {
		t.Errorf("overwrite while reader open = %d", c)
	}
	if rc := f.b.Release(p, reader); rc != 0 {
		t.Fatalf("Release = %d", rc)
	}
	if data, _ := f.store.Content(f.a); string(data) != "01XY45" {
		t.Errorf("remote content = %q", data)
	}
	if c := f.store.Calls(remotetest.OpDownload); c != 1 {
		t.Errorf("downloads = %d, want 1", c)
	}
}

func TestCgoFuse_ReaddirListsCreated(t *testing.T) {
	f := newFixture(t)
	p := "/docs/new.txt"

	rc, fh := f.b.Create(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if rc != 0 {
		t.Fatalf("Create = %d", rc)
	}
	f.b.Write(p, []byte("abc"), 0, fh)

	sizes := map[string]int64{}
	f.b.Readdir("/docs", func(name string, st *fuse.Stat_t, ofst int64) bool {
		if st != nil {
			sizes[name] = st.Size
		}
		return true
	}, 0, 0)
	if size, ok := sizes["new.txt"]; !ok || size != 3 {
		t.Errorf("listing = %v, want new.txt of 3 bytes", sizes)
	}

	f.b.Release(p, fh)
	names := 0
	f.b.Readdir("/docs", func(name string, st *fuse.Stat_t, ofst int64) bool {
		if name == "new.txt" {
			names++
		}
		return true
	}, 0, 0)
	if names != 1 {
		t.Errorf("new.txt listed %d times after upload", names)
	}
}

func TestCgoFuse_TruncateClosedFile(t *testing.T) {
	f := newFixture(t)

	if rc := f.b.Truncate("/docs/a.txt", 3, badFh); rc != 0 {
		t.Fatalf("Truncate = %d", rc)
	}
	if data, _ := f.store.Content(f.a); string(data) != "012" {
		t.Errorf("remote content = %q", data)
	}
	if rc := f.b.Truncate("/docs/none", 0, badFh); rc != -fuse.ENOENT {
		t.Errorf("Truncate(missing) = %d", rc)
	}
	if rc := f.b.Truncate("/docs", 0, badFh); rc != -fuse.EINVAL {
		t.Errorf("Truncate(folder) = %d", rc)
	}
}

func TestCgoFuse_BadHandle(t *testing.T) {
	f := newFixture(t)
	buf := make([]byte, 4)
	if rc := f.b.Read("/docs/a.txt", buf, 0, 42); rc != -fuse.EBADF {
		t.Errorf("Read = %d, want EBADF", rc)
	}
	if rc := f.b.Write("/docs/a.txt", buf, 0, 42); rc != -fuse.EBADF {
		t.Errorf("Write = %d, want EBADF", rc)
	}
	if rc := f.b.Release("/docs/a.txt", 42); rc != -fuse.EBADF {
		t.Errorf("Release = %d, want EBADF", rc)
	}
}

func TestCgoFuse_OpenErrors(t *testing.T) {
	f := newFixture(t)
	if rc, fh := f.b.Open("/docs/none", os.O_RDONLY); rc != -fuse.ENOENT || fh != badFh {
		t.Errorf("Open(missing) = %d, %d", rc, fh)
	}
	if rc, _ := f.b.Open("/docs", os.O_RDONLY); rc != -fuse.EINVAL {
		t.Errorf("Open(folder) = %d", rc)
	}
	f.store.FailOn(remotetest.OpDownload, errors.New("reset"))
	if rc, _ := f.b.Open("/docs/a.txt", os.O_RDONLY); rc != -fuse.EIO {
		t.Errorf("Open(download failure) = %d", rc)
	}
	f.store.FailOn(remotetest.OpFolder, errors.New("503"))
	if rc, _ := f.b.Open("/docs/a.txt", os.O_RDWR); rc != -fuse.EIO {
		t.Errorf("Open(listing failure) = %d, want EIO", rc)
	}
	if rc, _ := f.b.Create("/docs/a.txt", os.O_WRONLY|os.O_CREATE, 0644); rc != -fuse.EIO {
		t.Errorf("Create(listing failure) = %d, want EIO", rc)
	}
	if len(f.store.Uploads()) != 0 || f.fs.Sessions().Len() != 0 {
		t.Error("listing failure started a session")
	}
}

func TestCgoFuse_DirectoryOps(t *testing.T) {
	f := newFixture(t)

	if rc := f.b.Mkdir("/docs/sub", 0755); rc != 0 {
		t.Fatalf("Mkdir = %d", rc)
	}
	var st fuse.Stat_t
	if rc := f.b.Getattr("/docs/sub", &st, badFh); rc != 0 || st.Mode&fuse.S_IFMT != fuse.S_IFDIR {
		t.Errorf("Getattr(new dir) = %d mode %o", rc, st.Mode)
	}
	if rc := f.b.Rmdir("/docs/sub"); rc != 0 {
		t.Errorf("Rmdir = %d", rc)
	}
	if rc := f.b.Unlink("/docs/a.txt"); rc != 0 {
		t.Errorf("Unlink = %d", rc)
	}
	if f.store.Exists(f.a) {
		t.Error("file still exists after unlink")
	}
	if rc := f.b.Unlink("/docs/a.txt"); rc != -fuse.ENOENT {
		t.Errorf("second Unlink = %d", rc)
	}
	if rc := f.b.Rename("/docs", "/other"); rc != -fuse.ENOSYS {
		t.Errorf("Rename = %d, want ENOSYS", rc)
	}
}

func TestCgoFuse_NoOps(t *testing.T) {
	f := newFixture(t)
	if rc := f.b.Chmod("/docs/a.txt", 0600); rc != 0 {
		t.Errorf("Chmod = %d", rc)
	}
	if rc := f.b.Utimens("/docs/a.txt", nil); rc != 0 {
		t.Errorf("Utimens = %d", rc)
	}
	if rc := f.b.Access("/docs/a.txt", 0); rc != 0 {
		t.Errorf("Access = %d", rc)
	}
	if rc := f.b.Access("/docs/none", 0); rc != -fuse.ENOENT {
		t.Errorf("Access(missing) = %d", rc)
	}
	if c := f.store.MutationCalls(); c != 0 {
		t.Errorf("mutations = %d", c)
	}
}

func TestCgoFuse_Statfs(t *testing.T) {
	f := newFixture(t)
	var st fuse.Statfs_t
	if rc := f.b.Statfs("/", &st); rc != 0 {
		t.Fatalf("Statfs = %d", rc)
	}
	if st.Bsize == 0 || st.Blocks == 0 || st.Namemax == 0 {
		t.Errorf("Statfs = %+v", st)
	}
}

func TestCgoFuse_DestroyFlushes(t *testing.T) {
	f := newFixture(t)
	p := "/docs/late.txt"
	_, fh := f.b.Create(p, os.O_WRONLY|os.O_CREATE, 0644)
	f.b.Write(p, []byte("x"), 0, fh)

	f.b.Destroy()
	f.b.Destroy()
	if c := f.store.Calls(remotetest.OpUpload); c != 1 {
		t.Errorf("uploads = %d, want 1", c)
	}
	if f.b.ctx.Err() == nil {
		t.Error("context not cancelled by Destroy")
	}
}

func TestNew(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"", CgoFuseName, GoFuseName} {
		b, err := New(name, t.TempDir(), f.fs)
		if err != nil {
			t.Errorf("New(%q): %v", name, err)
			continue
		}
		if name != "" && b.Name() != name {
			t.Errorf("New(%q).Name() = %q", name, b.Name())
		}
	}
	if _, err := New("nfs", t.TempDir(), f.fs); err == nil {
		t.Error("New(nfs) succeeded")
	}
}
