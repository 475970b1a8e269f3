package boxfs

import (
	"errors"
	"fmt"

	"github.com/fruitsalade/boxfs/internal/resolver"
	"github.com/fruitsalade/boxfs/internal/session"
)

// Kind classifies a failure.
type Kind int

const (
	KindNone Kind = iota
	// KindNotFound: the path does not map to a remote node.
	KindNotFound
	// KindRemote: the remote store reported an error.
	KindRemote
	// KindLocalIO: the cache directory or a cache file failed.
	KindLocalIO
	// KindNoSession: read, write or close on a path that is not open.
	KindNoSession
	// KindInvalid: a bad argument, such as a folder where a file was expected.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not found"
	case KindRemote:
		return "remote"
	case KindLocalIO:
		return "local io"
	case KindNoSession:
		return "no session"
	case KindInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned by every FS operation.
type Error struct {
	Op   string
	Path string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on a bare *Error carrying only a Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Path == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotFound  = &Error{Kind: KindNotFound}
	ErrRemote    = &Error{Kind: KindRemote}
	ErrLocalIO   = &Error{Kind: KindLocalIO}
	ErrNoSession = &Error{Kind: KindNoSession}
	ErrInvalid   = &Error{Kind: KindInvalid}
)

// KindOf returns the kind of err. Errors that did not come from FS are
// classified by what they wrap.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	var re *session.RemoteError
	switch {
	case errors.Is(err, session.ErrNoSession):
		return KindNoSession
	case errors.Is(err, session.ErrInvalid):
		return KindInvalid
	case errors.As(err, &re):
		return KindRemote
	case errors.Is(err, resolver.ErrNotFound):
		return KindNotFound
	default:
		return KindLocalIO
	}
}

// wrap attaches op and path to err, keeping a kind already assigned.
func wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Path: path, Kind: KindOf(err), Err: err}
}

func newError(op, path string, kind Kind, err error) error {
	return &Error{Op: op, Path: path, Kind: kind, Err: err}
}
