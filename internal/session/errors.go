package session

import "errors"

var (
	// ErrNoSession is returned by Read, Write, Close and Truncate when the
	// path has no open session.
	ErrNoSession = errors.New("no open session")
	// ErrInvalid is returned for malformed arguments.
	ErrInvalid = errors.New("invalid argument")
)

// RemoteError marks a failure reported by the remote store.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}
