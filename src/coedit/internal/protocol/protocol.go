// Package protocol defines the JSON event types exchanged over the websocket
// transport. Each frame is an Event envelope whose Payload is one of the typed
// structs below, keyed by Type.
package protocol

import (
	"encoding/json"

	"github.com/gofrs/uuid"
)

// Inbound event types.
const (
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypeOp           = "op"
	TypeCursor       = "cursor"
	TypeFileOpen     = "fileOpen"
	TypeChat         = "chat"
	TypeApprove      = "approve"
	TypeReject       = "reject"
	TypeKick         = "kick"
	TypeCloseSession = "closeSession"
	TypeOpenFile     = "openFile"
	TypeCloseFile    = "closeFile"
	TypeSaveFile     = "saveFile"
)

// Outbound event types.
const (
	TypeJoinAccepted      = "joinAccepted"
	TypeWaitingApproval   = "waitingApproval"
	TypeJoinRejected      = "joinRejected"
	TypeOpApplied         = "opApplied"
	TypeCursorUpdate      = "cursorUpdate"
	TypePresenceLeft      = "presenceLeft"
	TypeFileFocus         = "fileFocus"
	TypeChatMessage       = "chatMessage"
	TypeMembershipChanged = "membershipChanged"
	TypeSessionState      = "sessionState"
	TypeFileContent       = "fileContent"
	TypeFileSaved         = "fileSaved"
	TypeFileTreeChanged   = "fileTreeChanged"
	TypeSaveRequested     = "saveRequested"
	TypeKicked            = "kicked"
	TypeSessionClosed     = "sessionClosed"
	TypeError             = "error"
)

// Event is the wire envelope for all frames in both directions.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an Event envelope.
func NewEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Payload: raw}, nil
}

// MustEvent is NewEvent for payloads that cannot fail to marshal.
func MustEvent(eventType string, payload interface{}) Event {
	ev, err := NewEvent(eventType, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// Span is a single contiguous edit: at Pos, delete DelLen bytes, then insert
// InsText. Spans within an operation apply sequentially, each position
// relative to the text produced by the preceding spans.
type Span struct {
	Pos     int    `json:"pos"`
	DelLen  int    `json:"delLen,omitempty"`
	InsText string `json:"insText,omitempty"`
}

// Join requests admission to a session.
type Join struct {
	SessionToken string    `json:"sessionToken"`
	DisplayName  string    `json:"displayName"`
	Identity     uuid.UUID `json:"identity"`
	Anonymous    bool      `json:"anonymous,omitempty"`
}

// Op is a client edit computed against BaseRevision of the document at Path.
// ClientSeq is assigned by the client and used for idempotent retry detection.
type Op struct {
	Path         string `json:"path"`
	BaseRevision int64  `json:"baseRevision"`
	Spans        []Span `json:"spans"`
	ClientSeq    int64  `json:"clientSeq"`
}

// OpApplied is the broadcast form of an accepted operation. Spans are the
// rebased spans as applied at Revision. The originator receives it too, tagged
// with its own ClientSeq, to reconcile optimistic local state.
type OpApplied struct {
	Path        string    `json:"path"`
	Revision    int64     `json:"revision"`
	Spans       []Span    `json:"spans"`
	ClientSeq   int64     `json:"clientSeq"`
	Participant uuid.UUID `json:"participant"`
}

// Cursor carries a participant's selection in a file.
type Cursor struct {
	Path   string `json:"path"`
	Anchor int    `json:"anchor"`
	Head   int    `json:"head"`
}

// CursorUpdate is the broadcast form of Cursor with sender identity attached.
type CursorUpdate struct {
	Participant uuid.UUID `json:"participant"`
	DisplayName string    `json:"displayName"`
	Color       string    `json:"color"`
	Path        string    `json:"path"`
	Anchor      int       `json:"anchor"`
	Head        int       `json:"head"`
}

// FileFocus reports which file a participant is currently viewing.
type FileFocus struct {
	Participant uuid.UUID `json:"participant"`
	Path        string    `json:"path"`
}

// PresenceLeft announces that all presence state for a participant is gone.
type PresenceLeft struct {
	Participant uuid.UUID `json:"participant"`
	DisplayName string    `json:"displayName"`
}

// Chat is an inbound chat message.
type Chat struct {
	Text string `json:"text"`
}

// ChatMessage is the broadcast form of Chat.
type ChatMessage struct {
	Seq         int64     `json:"seq"`
	Participant uuid.UUID `json:"participant"`
	DisplayName string    `json:"displayName"`
	Color       string    `json:"color"`
	Text        string    `json:"text"`
	Timestamp   int64     `json:"timestamp"`
}

// ParticipantRef addresses another participant in admin actions.
type ParticipantRef struct {
	Participant uuid.UUID `json:"participant"`
}

// ParticipantInfo is the roster entry shared in membership events.
type ParticipantInfo struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"displayName"`
	Color       string    `json:"color"`
	Admin       bool      `json:"admin"`
	Approval    string    `json:"approval"`
	Connection  string    `json:"connection"`
	CurrentFile string    `json:"currentFile,omitempty"`
}

// MembershipChanged announces a roster transition to the other participants.
type MembershipChanged struct {
	Change      string          `json:"change"` // requested, joined, left, kicked
	Participant ParticipantInfo `json:"participant"`
}

// SessionState is the full roster, sent to a participant on admission and
// reconnection.
type SessionState struct {
	SessionID    uuid.UUID         `json:"sessionId"`
	Participants []ParticipantInfo `json:"participants"`
}

// JoinAccepted confirms admission and carries the participant's own identity.
type JoinAccepted struct {
	Participant ParticipantInfo `json:"participant"`
}

// JoinRejected carries the reason a join attempt failed.
type JoinRejected struct {
	Reason string `json:"reason"`
}

// FileRef addresses a document by workspace-relative path.
type FileRef struct {
	Path string `json:"path"`
}

// FileContent is the document snapshot returned on open.
type FileContent struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Revision int64  `json:"revision"`
}

// SaveFile requests that the document at Path be persisted.
type SaveFile struct {
	Path string `json:"path"`
}

// FileSaved announces a successful persist to the roster.
type FileSaved struct {
	Path        string    `json:"path"`
	Participant uuid.UUID `json:"participant"`
	Revision    int64     `json:"revision"`
}

// SaveRequested is routed to the admin when a non-admin participant asks to
// persist a file.
type SaveRequested struct {
	ApprovalID  uuid.UUID `json:"approvalId"`
	Path        string    `json:"path"`
	Participant uuid.UUID `json:"participant"`
	DisplayName string    `json:"displayName"`
}

// Approve resolves a pending join or save approval.
type Approve struct {
	Participant uuid.UUID `json:"participant,omitempty"`
	ApprovalID  uuid.UUID `json:"approvalId,omitempty"`
}

// FileTreeChanged announces a workspace tree mutation (create/delete/rename,
// or a change observed outside the editor).
type FileTreeChanged struct {
	Change  string `json:"change"` // created, deleted, renamed, external
	Path    string `json:"path"`
	NewPath string `json:"newPath,omitempty"`
	IsDir   bool   `json:"isDir,omitempty"`
}

// ErrorEvent is a terminal error for a single request, returned to the
// requesting participant only.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
