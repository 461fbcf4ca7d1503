// Package pollset is the minimal poll-set wrapper spec.md §2 names as an
// out-of-scope collaborator ("the pluggable eventfd/kqueue poll-set
// wrapper"). Since the progress engine in this module needs a working one
// to block on (spec.md §4.5), a small platform-specific implementation
// ships here: one file per backend, selected by build tag.
package pollset

// Event is one fired readiness notification.
type Event struct {
	// Tag is the opaque value supplied to Add; it's how the progress
	// engine tells "the control socket" apart from "peer X's rx-notify"
	// without a second map lookup.
	Tag uint64
}

// PollSet multiplexes readiness across a set of file descriptors, each
// tagged with a caller-chosen uint64 (spec.md §4.5's dispatch-by-tag).
type PollSet interface {
	Add(fd int, tag uint64) error
	Remove(fd int) error
	// Wait blocks up to timeoutMs (negative means forever, 0 means
	// non-blocking) and appends fired events to dst, returning the
	// extended slice.
	Wait(dst []Event, timeoutMs int) ([]Event, error)
	Close() error
}
