package session

import "errors"

var (
	// ErrSessionNotFound is returned when no node owns the session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrClaimedElsewhere is returned when another node already owns the session.
	ErrClaimedElsewhere = errors.New("session is owned by another node")
)
