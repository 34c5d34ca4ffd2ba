package errors

import (
	"fmt"
)

// DocumentNotFoundError indicates that a document is not open in the session.
type DocumentNotFoundError struct {
	Path string
}

// Error is an implementation of the error interface.
func (n *DocumentNotFoundError) Error() string {
	return fmt.Sprintf("document %q not found", n.Path)
}

// StaleBaseError indicates that an operation's base revision is too far behind
// the current document revision to be rebased unambiguously. The operation is
// rejected whole; it is never partially applied.
type StaleBaseError struct {
	Path            string
	BaseRevision    int64
	CurrentRevision int64
}

// Error is an implementation of the error interface.
func (n *StaleBaseError) Error() string {
	return fmt.Sprintf("operation on %q has stale base revision %d, current revision is %d", n.Path, n.BaseRevision, n.CurrentRevision)
}

// PathTraversalError indicates that a workspace-relative path escapes the
// workspace root. It is fatal to the specific file request only.
type PathTraversalError struct {
	Path string
}

// Error is an implementation of the error interface.
func (n *PathTraversalError) Error() string {
	return fmt.Sprintf("path %q escapes the workspace root", n.Path)
}

// PersistenceFailureError indicates that flushing a document to storage
// failed. In-memory document state remains authoritative and valid.
type PersistenceFailureError struct {
	Path string
	Err  error
}

// Error is an implementation of the error interface.
func (n *PersistenceFailureError) Error() string {
	return fmt.Sprintf("persisting %q: %v", n.Path, n.Err)
}

// Unwrap exposes the underlying storage error.
func (n *PersistenceFailureError) Unwrap() error {
	return n.Err
}

// DocumentSizeLimitError indicates that a document exceeds the configured size limit.
type DocumentSizeLimitError struct {
	Size int64
}

// Error is an implementation of the error interface.
func (n *DocumentSizeLimitError) Error() string {
	return fmt.Sprintf("size of %d bytes exceeds permitted limit", n.Size)
}
