package minorlog

import (
	"strings"
)

// AccessMode is the access requested by an opener
type AccessMode uint8

const (
	ModeRead AccessMode = 1 << iota
	ModeWrite

	ModeNone      AccessMode = 0
	ModeReadWrite AccessMode = ModeRead | ModeWrite
)

func (m AccessMode) CanRead() bool {
	return m&ModeRead == ModeRead
}

func (m AccessMode) CanWrite() bool {
	return m&ModeWrite == ModeWrite
}

func (m AccessMode) String() string {
	switch m & ModeReadWrite {
	case ModeRead:
		return "r"
	case ModeWrite:
		return "w"
	case ModeReadWrite:
		return "rw"
	}
	return "-"
}

// ParseAccessMode accepts "r", "w", "rw" (any order/case) and "-" for no access
func ParseAccessMode(s string) (AccessMode, bool) {
	s = strings.ToLower(s)
	if s == "-" || s == "" {
		return ModeNone, true
	}
	mode := ModeNone
	for _, c := range s {
		switch c {
		case 'r':
			mode |= ModeRead
		case 'w':
			mode |= ModeWrite
		default:
			return ModeNone, false
		}
	}
	return mode, true
}

// ControlCommand is an out-of-band command issued through File.Ioctl
type ControlCommand uint8

const (
	// Reset rewinds both cursors, logically truncating the minor
	Reset ControlCommand = iota
	// Restart rewinds the read cursor only
	Restart
)

func (c ControlCommand) String() string {
	switch c {
	case Reset:
		return "RESET"
	case Restart:
		return "RESTART"
	}
	return "UNKNOWN"
}

// ParseControlCommand maps "RESET"/"RESTART" (case insensitive) to a command
func ParseControlCommand(s string) (ControlCommand, bool) {
	switch strings.ToUpper(s) {
	case "RESET":
		return Reset, true
	case "RESTART":
		return Restart, true
	}
	return 0, false
}
