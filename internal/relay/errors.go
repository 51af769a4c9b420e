package relay

import "errors"

var (
	// ErrCapacityExceeded is returned by Register when the registry is full.
	// The caller should reject the new connection.
	ErrCapacityExceeded = errors.New("relay: capacity exceeded")
)
