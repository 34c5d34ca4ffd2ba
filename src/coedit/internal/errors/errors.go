package errors

import stderr "errors"

// New returns an error that formats as the given text.
// Each call to New returns a distinct error value even if the text is identical.
func New(msg string) error {
	return stderr.New(msg)
}

var (
	// ErrSessionFull reports that the session is at its participant cap.
	ErrSessionFull = New("session is full")
	// ErrSessionClosed reports that the session is no longer accepting participants or edits.
	ErrSessionClosed = New("session is closed")
	// ErrNotApproved reports that the participant has not been admitted to the session.
	ErrNotApproved = New("participant is not approved")
	// ErrNotAdmin reports that the operation requires the session admin.
	ErrNotAdmin = New("operation requires session admin")
)

// IsMembership reports whether the error is a membership or authorization
// rejection. Such errors are returned to the requesting participant only and
// are never broadcast.
func IsMembership(e error) bool {
	return stderr.Is(e, ErrSessionFull) || stderr.Is(e, ErrSessionClosed) ||
		stderr.Is(e, ErrNotApproved) || stderr.Is(e, ErrNotAdmin)
}
