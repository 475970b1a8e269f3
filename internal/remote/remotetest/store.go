// Package remotetest provides an in-memory remote.Store that records calls.
package remotetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/fruitsalade/boxfs/internal/models"
	"github.com/fruitsalade/boxfs/internal/remote"
)

// Operation names used by Calls and FailOn.
const (
	OpFolder       = "folder"
	OpDownload     = "download"
	OpUpload       = "upload"
	OpOverwrite    = "overwrite"
	OpDelete       = "delete"
	OpCreateFolder = "create_folder"
)

// UploadCall records one Upload.
type UploadCall struct {
	ParentID string
	Name     string
	Data     []byte
}

// OverwriteCall records one Overwrite.
type OverwriteCall struct {
	ID   string
	Name string
	Data []byte
}

type entry struct {
	kind     models.Kind
	name     string
	parent   string
	children []string
	data     []byte
}

// Store is a thread-safe in-memory tree.
type Store struct {
	mu         sync.Mutex
	nextID     int
	entries    map[string]*entry
	calls      map[string]int
	failures   map[string]error
	uploads    []UploadCall
	overwrites []OverwriteCall
}

var _ remote.Store = (*Store)(nil)

// New returns a store holding only the root folder.
func New() *Store {
	return &Store{
		nextID: 100,
		entries: map[string]*entry{
			models.RootID: {kind: models.KindFolder, name: "All Files"},
		},
		calls:    make(map[string]int),
		failures: make(map[string]error),
	}
}

func (s *Store) add(parentID string, e *entry) string {
	p, ok := s.entries[parentID]
	if !ok || p.kind != models.KindFolder {
		panic(fmt.Sprintf("remotetest: parent %q is not a folder", parentID))
	}
	s.nextID++
	id := strconv.Itoa(s.nextID)
	e.parent = parentID
	s.entries[id] = e
	p.children = append(p.children, id)
	return id
}

// AddFolder seeds a folder without recording a call.
func (s *Store) AddFolder(parentID, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(parentID, &entry{kind: models.KindFolder, name: name})
}

// AddFile seeds a file without recording a call.
func (s *Store) AddFile(parentID, name string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(parentID, &entry{kind: models.KindFile, name: name, data: append([]byte(nil), data...)})
}

// FailOn makes every later call of op return err. A nil err clears it.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// MutationCalls returns the number of upload, overwrite, delete and
// create_folder calls.
func (s *Store) MutationCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[OpUpload] + s.calls[OpOverwrite] + s.calls[OpDelete] + s.calls[OpCreateFolder]
}

// ResetCalls zeroes all counters and recorded calls.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
	s.uploads = nil
	s.overwrites = nil
}

// Uploads returns the recorded uploads.
func (s *Store) Uploads() []UploadCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]UploadCall(nil), s.uploads...)
}

// Overwrites returns the recorded overwrites.
func (s *Store) Overwrites() []OverwriteCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OverwriteCall(nil), s.overwrites...)
}

// Content returns the stored content of file id.
func (s *Store) Content(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.kind != models.KindFile {
		return nil, false
	}
	return append([]byte(nil), e.data...), true
}

// Exists reports whether id is present.
func (s *Store) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// begin records a call and returns the injected failure, if any.
// Must be called with lock held.
func (s *Store) begin(op string) error {
	s.calls[op]++
	return s.failures[op]
}

func (s *Store) Folder(ctx context.Context, id string) (*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpFolder); err != nil {
		return nil, err
	}
	e, ok := s.entries[id]
	if !ok || e.kind != models.KindFolder {
		return nil, fmt.Errorf("folder %s: %w", id, remote.ErrNotFound)
	}
	var folders, files []*models.Node
	for _, cid := range e.children {
		c := s.entries[cid]
		if c.kind == models.KindFolder {
			folders = append(folders, models.NewFolder(cid, c.name, nil, nil))
		} else {
			files = append(files, models.NewFile(cid, c.name, int64(len(c.data))))
		}
	}
	return models.NewFolder(id, e.name, folders, files), nil
}

func (s *Store) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpDownload); err != nil {
		return nil, err
	}
	e, ok := s.entries[id]
	if !ok || e.kind != models.KindFile {
		return nil, fmt.Errorf("file %s: %w", id, remote.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), e.data...))), nil
}

func (s *Store) Upload(ctx context.Context, parentID, name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data = append([]byte(nil), data...)
	s.uploads = append(s.uploads, UploadCall{ParentID: parentID, Name: name, Data: data})
	if err := s.begin(OpUpload); err != nil {
		return "", err
	}
	if p, ok := s.entries[parentID]; !ok || p.kind != models.KindFolder {
		return "", fmt.Errorf("folder %s: %w", parentID, remote.ErrNotFound)
	}
	return s.add(parentID, &entry{kind: models.KindFile, name: name, data: data}), nil
}

func (s *Store) Overwrite(ctx context.Context, id, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data = append([]byte(nil), data...)
	s.overwrites = append(s.overwrites, OverwriteCall{ID: id, Name: name, Data: data})
	if err := s.begin(OpOverwrite); err != nil {
		return err
	}
	e, ok := s.entries[id]
	if !ok || e.kind != models.KindFile {
		return fmt.Errorf("file %s: %w", id, remote.ErrNotFound)
	}
	e.data = data
	return nil
}

func (s *Store) Delete(ctx context.Context, kind models.Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpDelete); err != nil {
		return err
	}
	e, ok := s.entries[id]
	if !ok || e.kind != kind || id == models.RootID {
		return fmt.Errorf("%s %s: %w", kind, id, remote.ErrNotFound)
	}
	if p := s.entries[e.parent]; p != nil {
		for i, cid := range p.children {
			if cid == id {
				p.children = append(p.children[:i], p.children[i+1:]...)
				break
			}
		}
	}
	s.drop(id)
	return nil
}

func (s *Store) drop(id string) {
	for _, cid := range s.entries[id].children {
		s.drop(cid)
	}
	delete(s.entries, id)
}

func (s *Store) CreateFolder(ctx context.Context, parentID, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpCreateFolder); err != nil {
		return "", err
	}
	if p, ok := s.entries[parentID]; !ok || p.kind != models.KindFolder {
		return "", fmt.Errorf("folder %s: %w", parentID, remote.ErrNotFound)
	}
	return s.add(parentID, &entry{kind: models.KindFolder, name: name}), nil
}
