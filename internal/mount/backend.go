// Package mount serves a boxfs.FS through FUSE.
//
// Two dispatch backends are available: cgofuse, which is path based and runs
// on Linux, macOS and Windows (WinFsp), and go-fuse, which is inode based and
// runs on Linux and macOS.
package mount

import (
	"context"
	"fmt"
	"os"

	"github.com/fruitsalade/boxfs/internal/boxfs"
)

// Backend mounts the filesystem.
type Backend interface {
	// Start mounts and blocks until the filesystem is unmounted or ctx is
	// cancelled.
	Start(ctx context.Context) error
	// Stop unmounts.
	Stop() error
	// Name identifies the backend in logs.
	Name() string
}

// Backend names accepted by New.
const (
	CgoFuseName = "cgofuse"
	GoFuseName  = "gofuse"
)

// New returns the backend called name, mounting fsys at mountPoint.
func New(name, mountPoint string, fsys *boxfs.FS) (Backend, error) {
	switch name {
	case CgoFuseName, "":
		return NewCgoFuse(mountPoint, fsys), nil
	case GoFuseName:
		return NewGoFuse(mountPoint, fsys), nil
	default:
		return nil, fmt.Errorf("unknown fuse backend %q", name)
	}
}

func ensureMountPoint(p string) error {
	if err := os.MkdirAll(p, 0755); err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}
	return nil
}
