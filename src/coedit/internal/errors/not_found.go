package errors

import (
	stderr "errors"
	"fmt"

	"github.com/gofrs/uuid"
)

// SessionNotFoundError is a service domain error for an unknown session.
type SessionNotFoundError struct {
	UUID uuid.UUID
}

// Error is an implementation of the error interface.
func (n *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %q not found", n.UUID)
}

// NotFoundSession returns a UUID and true if SessionNotFoundError is part of
// the error chain.
func NotFoundSession(e error) (_ uuid.UUID, ok bool) {
	var nf *SessionNotFoundError
	if !stderr.As(e, &nf) {
		return uuid.Nil, false
	}
	return nf.UUID, true
}

// ParticipantNotFoundError indicates that a participant is not a member of the
// session it was addressed through.
type ParticipantNotFoundError struct {
	UUID uuid.UUID
}

// Error is an implementation of the error interface.
func (n *ParticipantNotFoundError) Error() string {
	return fmt.Sprintf("participant %q not found", n.UUID)
}

// NoSessionFoundError indicates that a session cannot be found within the context.
type NoSessionFoundError struct{}

// Error is an implementation of the error interface.
func (n *NoSessionFoundError) Error() string {
	return "no session found in context"
}

// ApprovalNotFoundError indicates that a pending approval has already been
// resolved or never existed.
type ApprovalNotFoundError struct {
	UUID uuid.UUID
}

// Error is an implementation of the error interface.
func (n *ApprovalNotFoundError) Error() string {
	return fmt.Sprintf("approval %q not found", n.UUID)
}

// ProjectNotFoundError indicates that no project exists for a session token.
type ProjectNotFoundError struct {
	Token string
}

// Error is an implementation of the error interface.
func (n *ProjectNotFoundError) Error() string {
	return fmt.Sprintf("project %q not found", n.Token)
}
