// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package errno defines the small set of negative-integer result codes that
// cross the public API boundary, following the platform errno convention
// referenced throughout the image request and journal subsystems.
package errno

// Errno is a small negative result code, the same shape callers already know
// from the underlying object-store transport.
type Errno int32

// OK is the zero-value success result. Comparisons against it drive the
// worst-error-wins accumulation in the completion aggregate.
const OK Errno = 0

const (
	// ErrIO marks a transport failure reported by the object store.
	ErrIO Errno = -5
	// ErrPerm marks the distributed lock having been lost underneath an
	// in-flight write.
	ErrPerm Errno = -1
	// ErrNotFound marks a write-path object missing on the backend.
	ErrNotFound Errno = -2
	// ErrReadOnly marks a write attempted against a snapshot or a
	// read-only volume.
	ErrReadOnly Errno = -30
	// ErrShutdown marks an append attempted against a journal that is
	// already closing.
	ErrShutdown Errno = -108
)

func (e Errno) Error() string {
	switch e {
	case OK:
		return "success"
	case ErrIO:
		return "input/output error"
	case ErrPerm:
		return "operation not permitted"
	case ErrNotFound:
		return "no such object"
	case ErrReadOnly:
		return "read-only filesystem"
	case ErrShutdown:
		return "cannot send after transport endpoint shutdown"
	default:
		return "unknown error"
	}
}

// severity ranks errors so that worst-error-wins accumulation is well
// defined: permission failures outrank I/O failures, which outrank
// not-found, which outranks success.
func (e Errno) severity() int {
	switch e {
	case ErrPerm:
		return 4
	case ErrIO:
		return 3
	case ErrReadOnly:
		return 3
	case ErrShutdown:
		return 3
	case ErrNotFound:
		return 2
	case OK:
		return 0
	default:
		return 1
	}
}

// Worse returns whichever of a and b has the higher severity, keeping the
// first result recorded in the event of a tie so repeated calls are stable.
func Worse(a, b Errno) Errno {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// FromError adapts a plain Go error from the object-store or journal
// collaborators into an Errno, defaulting unrecognized failures to ErrIO.
func FromError(err error) Errno {
	if err == nil {
		return OK
	}
	if e, ok := err.(Errno); ok {
		return e
	}
	return ErrIO
}
