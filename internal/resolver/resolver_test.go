package resolver

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/fruitsalade/boxfs/internal/models"
	"github.com/fruitsalade/boxfs/internal/remote"
	"github.com/fruitsalade/boxfs/internal/remote/remotetest"
)

type fixture struct {
	store *remotetest.Store
	docs  string
	a     string
}

// newFixture builds / -> docs/ -> a.txt (10 bytes), plus /readme.
func newFixture() fixture {
	s := remotetest.New()
	docs := s.AddFolder(models.RootID, "docs")
	a := s.AddFile(docs, "a.txt", []byte("0123456789"))
	s.AddFile(models.RootID, "readme", []byte("r"))
	return fixture{store: s, docs: docs, a: a}
}

func TestSegments(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"/", []string{}},
		{"", []string{}},
		{"/docs", []string{"docs"}},
		{"//docs///a.txt/", []string{"docs", "a.txt"}},
	}
	for _, tt := range tests {
		got := Segments(tt.in)
		if len(got) == 0 && len(tt.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Segments(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		in, parent, name string
	}{
		{"/", "/", ""},
		{"/docs", "/", "docs"},
		{"/docs/new.txt", "/docs", "new.txt"},
		{"docs//x/", "/docs", "x"},
	}
	for _, tt := range tests {
		parent, name := Split(tt.in)
		if parent != tt.parent || name != tt.name {
			t.Errorf("Split(%q) = (%q, %q), want (%q, %q)", tt.in, parent, name, tt.parent, tt.name)
		}
	}
}

func TestResolve_Root(t *testing.T) {
	f := newFixture()
	r := New(f.store, Options{})

	for _, p := range []string{"/", "", "//"} {
		f.store.ResetCalls()
		n, err := r.Resolve(context.Background(), p)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", p, err)
		}
		if n.ID != models.RootID || !n.IsFolder() {
			t.Errorf("Resolve(%q) = %+v, want root folder", p, n)
		}
		if c := f.store.Calls(remotetest.OpFolder); c != 1 {
			t.Errorf("Resolve(%q) made %d folder fetches, want 1", p, c)
		}
	}
}

func TestResolve_OneFetchPerSegment(t *testing.T) {
	f := newFixture()
	r := New(f.store, Options{})

	tests := []struct {
		path    string
		id      string
		kind    models.Kind
		fetches int
	}{
		{"/docs", f.docs, models.KindFolder, 1},
		{"/docs/a.txt", f.a, models.KindFile, 2},
	}
	for _, tt := range tests {
		f.store.ResetCalls()
		n, err := r.Resolve(context.Background(), tt.path)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tt.path, err)
		}
		if n.ID != tt.id || n.Kind != tt.kind {
			t.Errorf("Resolve(%q) = %+v", tt.path, n)
		}
		if got := f.store.Calls(remotetest.OpFolder); got != tt.fetches {
			t.Errorf("Resolve(%q) fetches = %d, want %d", tt.path, got, tt.fetches)
		}
	}
	if f.store.Calls(remotetest.OpDownload) != 0 {
		t.Error("resolution must not download content")
	}
}

func TestResolve_FileSize(t *testing.T) {
	f := newFixture()
	n, err := New(f.store, Options{}).Resolve(context.Background(), "/docs/a.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if n.Size != 10 {
		t.Errorf("size = %d, want 10", n.Size)
	}
}

func TestResolve_NotFound(t *testing.T) {
	f := newFixture()
	r := New(f.store, Options{})

	tests := []struct {
		path    string
		fetches int
	}{
		{"/missing", 1},
		{"/docs/missing", 2},
		// intermediate segment is a file: stops without further recursion
		{"/readme/x", 1},
		{"/missing/deeper/still", 1},
	}
	for _, tt := range tests {
		f.store.ResetCalls()
		_, err := r.Resolve(context.Background(), tt.path)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve(%q) err = %v, want ErrNotFound", tt.path, err)
		}
		if got := f.store.Calls(remotetest.OpFolder); got != tt.fetches {
			t.Errorf("Resolve(%q) fetches = %d, want %d", tt.path, got, tt.fetches)
		}
		if FetchFailed(err) {
			t.Errorf("Resolve(%q): clean miss reported as fetch failure", tt.path)
		}
	}
}

func TestResolve_FolderBeatsFile(t *testing.T) {
	s := remotetest.New()
	s.AddFile(models.RootID, "dup", []byte("file"))
	folder := s.AddFolder(models.RootID, "dup")

	n, err := New(s, Options{}).Resolve(context.Background(), "/dup")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if n.ID != folder || !n.IsFolder() {
		t.Errorf("Resolve(/dup) = %+v, want folder %s", n, folder)
	}
}

func TestResolve_RemoteFailureIsAbsent(t *testing.T) {
	f := newFixture()
	boom := errors.New("connection reset")
	f.store.FailOn(remotetest.OpFolder, boom)

	_, err := New(f.store, Options{}).Resolve(context.Background(), "/docs/a.txt")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want it to wrap the remote cause", err)
	}
	if !FetchFailed(err) {
		t.Errorf("FetchFailed(%v) = false", err)
	}
}

func TestFetchFailed_RemoteNotFoundIsAMiss(t *testing.T) {
	f := newFixture()
	f.store.FailOn(remotetest.OpFolder, fmt.Errorf("folder 101: %w", remote.ErrNotFound))

	_, err := New(f.store, Options{}).Resolve(context.Background(), "/docs/a.txt")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if FetchFailed(err) {
		t.Error("a folder the remote reports missing is a clean miss")
	}
	if FetchFailed(nil) {
		t.Error("FetchFailed(nil) = true")
	}
}

func TestResolveEntry_Parent(t *testing.T) {
	f := newFixture()
	r := New(f.store, Options{})

	node, parent, err := r.ResolveEntry(context.Background(), "/docs/a.txt")
	if err != nil {
		t.Fatalf("ResolveEntry: %v", err)
	}
	if node.ID != f.a || parent.ID != f.docs {
		t.Errorf("got node %s parent %s", node.ID, parent.ID)
	}

	_, parent, err = r.ResolveEntry(context.Background(), "/")
	if err != nil || parent != nil {
		t.Errorf("root parent = %v, err = %v", parent, err)
	}
}

func TestList(t *testing.T) {
	f := newFixture()
	r := New(f.store, Options{})

	root, err := r.List(context.Background(), "/")
	if err != nil {
		t.Fatalf("List(/): %v", err)
	}
	if got := root.Names(); !reflect.DeepEqual(got, []string{"docs", "readme"}) {
		t.Errorf("List(/) = %v", got)
	}

	docs, err := r.List(context.Background(), "/docs")
	if err != nil {
		t.Fatalf("List(/docs): %v", err)
	}
	if got := docs.Names(); !reflect.DeepEqual(got, []string{"a.txt"}) {
		t.Errorf("List(/docs) = %v", got)
	}
}

func TestListingCache(t *testing.T) {
	f := newFixture()
	r := New(f.store, Options{CacheSize: 16, CacheTTL: time.Minute})
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "/docs/a.txt"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := r.Resolve(ctx, "/docs/a.txt"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := f.store.Calls(remotetest.OpFolder); got != 2 {
		t.Errorf("fetches with warm cache = %d, want 2", got)
	}

	f.store.AddFile(f.docs, "b.txt", nil)
	if _, err := r.Resolve(ctx, "/docs/b.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale listing should not see b.txt yet, err = %v", err)
	}

	r.Invalidate(f.docs)
	if _, err := r.Resolve(ctx, "/docs/b.txt"); err != nil {
		t.Errorf("after Invalidate: %v", err)
	}
}
