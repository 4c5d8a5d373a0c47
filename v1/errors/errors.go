// Package errors holds sentinels shared by the session bus implementations.
package errors

import "errors"

var (
	// ErrTimeout reports a bus operation that exceeded its context deadline.
	ErrTimeout = errors.New("vmlock: timeout")
	// ErrConnectionClosed reports an operation on a closed backend connection.
	ErrConnectionClosed = errors.New("vmlock: connection closed")
)
