package domain

import "errors"

// ErrTimeout is returned when no reply arrives before the request deadline.
var ErrTimeout = errors.New("request timed out")

// ErrNoResponders is returned when a request subject has no registered handler.
var ErrNoResponders = errors.New("no responders available for request")

// ErrConnectionLost is returned to every pending caller when the underlying connection fails.
var ErrConnectionLost = errors.New("connection lost")

// ErrClosed is returned when an operation is attempted on a closed connection or multiplexer.
var ErrClosed = errors.New("connection closed")

// ErrInvalidSubject is returned when a subject or pattern is malformed.
var ErrInvalidSubject = errors.New("invalid subject")

// ErrNotFound is returned when a request id is unknown to the tracker.
// It is returned both for ids that never existed and for evicted ones.
var ErrNotFound = errors.New("request not found")

// ErrTrailNotFound is returned when a trail artifact cannot be found in a store.
var ErrTrailNotFound = errors.New("trail not found")

// ErrStructuralInconsistency marks a reconstructed trail whose start node or edges are inconsistent.
var ErrStructuralInconsistency = errors.New("structural inconsistency")

// ErrUnresolvedChoice marks a choice that has no target node.
var ErrUnresolvedChoice = errors.New("unresolved choice")
