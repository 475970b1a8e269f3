package session

import (
	"fmt"
	"os"
)

// Mode is the access requested when a session is opened.
type Mode struct {
	Read   bool
	Write  bool
	Append bool
}

// The modes understood by ParseMode.
var (
	ModeRead            = Mode{Read: true}
	ModeWrite           = Mode{Write: true}
	ModeAppend          = Mode{Write: true, Append: true}
	ModeReadWrite       = Mode{Read: true, Write: true}
	ModeReadWriteAppend = Mode{Read: true, Write: true, Append: true}
)

// ParseMode accepts r, w, a, wa, rw and rwa, plus the stdio spellings r+ and a+.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "r":
		return ModeRead, nil
	case "w":
		return ModeWrite, nil
	case "a", "wa":
		return ModeAppend, nil
	case "rw", "r+":
		return ModeReadWrite, nil
	case "rwa", "a+":
		return ModeReadWriteAppend, nil
	}
	return Mode{}, fmt.Errorf("unknown open mode %q: %w", s, ErrInvalid)
}

// FromFlags derives a mode from os.O_* open flags.
//
// A write-only open that neither truncates nor appends is treated as rw so
// the downloaded content is kept.
func FromFlags(flags int) Mode {
	appendMode := flags&os.O_APPEND != 0
	switch flags & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_WRONLY:
		if appendMode {
			return ModeAppend
		}
		if flags&os.O_TRUNC != 0 {
			return ModeWrite
		}
		return ModeReadWrite
	case os.O_RDWR:
		if appendMode {
			return ModeReadWriteAppend
		}
		return ModeReadWrite
	default:
		return ModeRead
	}
}

// ReadOnly reports whether the mode forbids creating a missing file.
func (m Mode) ReadOnly() bool {
	return !m.Write && !m.Append
}

// Flags returns the native open flags for the local cache file.
func (m Mode) Flags() int {
	switch {
	case m.Read && m.Write && m.Append:
		return os.O_RDWR | os.O_CREATE | os.O_APPEND
	case m.Read && m.Write:
		return os.O_RDWR
	case m.Append:
		return os.O_WRONLY | os.O_CREATE | os.O_APPEND
	case m.Write:
		return os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	default:
		return os.O_RDONLY
	}
}

func (m Mode) String() string {
	s := ""
	if m.Read {
		s += "r"
	}
	if m.Write {
		s += "w"
	}
	if m.Append {
		s += "a"
	}
	if s == "wa" {
		return "a"
	}
	return s
}
