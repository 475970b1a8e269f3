//go:build windows

package mount

import (
	"context"
	"errors"

	"github.com/fruitsalade/boxfs/internal/boxfs"
)

// GoFuse is unavailable on Windows; use cgofuse.
type GoFuse struct{}

func NewGoFuse(mountPath string, fsys *boxfs.FS) *GoFuse {
	return &GoFuse{}
}

func (b *GoFuse) Name() string { return GoFuseName }

func (b *GoFuse) Start(ctx context.Context) error {
	return errors.New("go-fuse is not supported on windows, use cgofuse")
}

func (b *GoFuse) Stop() error { return nil }
