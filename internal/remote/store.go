// Package remote defines the identifier-addressed object store that boxfs
// mounts, and an HTTP client for it.
package remote

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/fruitsalade/boxfs/internal/metrics"
	"github.com/fruitsalade/boxfs/internal/models"
)

// Store is the capability surface boxfs needs from a remote tree.
//
// Identifiers are opaque. models.RootID names the root folder.
type Store interface {
	// Folder returns the folder with its direct children populated.
	Folder(ctx context.Context, id string) (*models.Node, error)
	// Download returns the content of a file. The caller closes it.
	Download(ctx context.Context, id string) (io.ReadCloser, error)
	// Upload creates a new file under parentID and returns its identifier.
	Upload(ctx context.Context, parentID, name string, data []byte) (string, error)
	// Overwrite replaces the content of an existing file.
	Overwrite(ctx context.Context, id, name string, data []byte) error
	// Delete removes a folder or a file.
	Delete(ctx context.Context, kind models.Kind, id string) error
	// CreateFolder creates a sub-folder under parentID and returns its identifier.
	CreateFolder(ctx context.Context, parentID, name string) (string, error)
}

// ErrNotFound is returned when an identifier does not exist remotely.
var ErrNotFound = errors.New("remote: not found")

// Observe records the duration and outcome of a remote call.
//
//	defer remote.Observe("upload", time.Now(), &err)
func Observe(op string, start time.Time, errp *error) {
	metrics.RecordRemoteOperation(op, time.Since(start), errp == nil || *errp == nil)
}

// Metered wraps a download so the bytes read are recorded when it is closed.
func Metered(rc io.ReadCloser) io.ReadCloser {
	return &countingReadCloser{ReadCloser: rc}
}

// countingReadCloser reports downloaded bytes when closed.
type countingReadCloser struct {
	io.ReadCloser
	n int64
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error {
	metrics.RecordDownload(c.n)
	return c.ReadCloser.Close()
}
