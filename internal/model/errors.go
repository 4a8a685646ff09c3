package model

import "errors"

var (
	// ErrDuplicateSession is returned when a connection id is already registered.
	ErrDuplicateSession = errors.New("duplicate session id")

	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrChannelClosed is returned when sending on a closed channel.
	ErrChannelClosed = errors.New("channel closed")

	// ErrHandshakeTimeout is returned when a connect attempt does not
	// complete within the configured timeout.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrClientStopped is returned when an operation is attempted on an
	// explicitly stopped client.
	ErrClientStopped = errors.New("client stopped")
)
