package tp

import "errors"

// Admission errors returned by Manager.TransmitMessage. Protocol errors on
// the wire are never surfaced here; they end sessions through the abort
// path instead.
var (
	// ErrInvalidMessageLength means the payload is not a multi-packet
	// message: 8 bytes or fewer fit a single frame, more than 1785 bytes
	// exceed the 255-packet segment limit.
	ErrInvalidMessageLength = errors.New("tp: message length outside 9..1785 bytes")

	// ErrInvalidSource means the source control function is nil or does not
	// currently hold a valid address.
	ErrInvalidSource = errors.New("tp: source control function has no valid address")

	// ErrSessionExists means a session is already active for the
	// (source, destination) pair, regardless of PGN.
	ErrSessionExists = errors.New("tp: session already active for this source and destination")

	// ErrSessionLimitReached means the configured session cap is exhausted.
	ErrSessionLimitReached = errors.New("tp: maximum number of sessions reached")
)
