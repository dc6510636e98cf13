package internal

import "errors"

// Error definitions for the segment scheduling and delivery engine
var (
	ErrNotReady       = errors.New("not ready")
	ErrNotFound       = errors.New("not found")
	ErrBadClient      = errors.New("bad client message")
	ErrDuplicateID    = errors.New("duplicate connection id")
	ErrUnknownSession = errors.New("unknown session")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrQueueFull      = errors.New("send queue full")
)
