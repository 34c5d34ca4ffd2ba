// Package entity contains the domain logic for the coedit daemon.
package entity

import (
	"time"

	"github.com/gofrs/uuid"
)

type keyType string

// SessionContextKey indicates the key to be used to identify the session UUID in the context.
const SessionContextKey keyType = "SessionUUID"

// ParticipantContextKey indicates the key to be used to identify the participant UUID in the context.
const ParticipantContextKey keyType = "ParticipantUUID"

// DefaultMaxParticipants bounds session size when the project does not
// configure its own cap.
const DefaultMaxParticipants = 5

// Role distinguishes the session admin from ordinary members.
type Role string

const (
	// RoleAdmin is the session owner. Admin approves joins and saves, kicks
	// participants, mutates the file tree and closes the session.
	RoleAdmin Role = "admin"
	// RoleMember is an ordinary approved participant.
	RoleMember Role = "member"
)

// Approval is the admission state of a participant.
type Approval string

const (
	// ApprovalRequesting means the participant has connected but has not been admitted.
	ApprovalRequesting Approval = "requesting"
	// ApprovalApproved means the participant has full member capability.
	ApprovalApproved Approval = "approved"
	// ApprovalRejected means the admin denied the join request.
	ApprovalRejected Approval = "rejected"
)

// Connection is the transport state of a participant.
type Connection string

const (
	// ConnectionConnecting means the transport is established but the join handshake is incomplete.
	ConnectionConnecting Connection = "connecting"
	// ConnectionActive means the participant has a live transport.
	ConnectionActive Connection = "active"
	// ConnectionDisconnected means the transport dropped; the slot is retained
	// until the grace period elapses.
	ConnectionDisconnected Connection = "disconnected"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	// SessionOpen accepts joins and edits.
	SessionOpen SessionStatus = "open"
	// SessionClosed accepts nothing; all documents have been flushed and evicted.
	SessionClosed SessionStatus = "closed"
)

// ApprovalPolicy selects how join requests are admitted.
type ApprovalPolicy string

const (
	// ApprovalPolicyAdmin requires an explicit admin approval for each join.
	ApprovalPolicyAdmin ApprovalPolicy = "admin"
	// ApprovalPolicyOpen auto-approves joins up to the participant cap.
	ApprovalPolicyOpen ApprovalPolicy = "open"
)

// Colors is the display palette assigned to participants, collision-avoided
// within a session.
var Colors = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A",
	"#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E2",
}

// Participant is a session-scoped member slot.
type Participant struct {
	ID          uuid.UUID  `json:"id" zap:"id"`
	Identity    uuid.UUID  `json:"identity" zap:"identity"`
	DisplayName string     `json:"displayName" zap:"displayName"`
	Color       string     `json:"color" zap:"color"`
	Role        Role       `json:"role" zap:"role"`
	Approval    Approval   `json:"approval" zap:"approval"`
	Connection  Connection `json:"connection" zap:"connection"`
	Anonymous   bool       `json:"anonymous" zap:"anonymous"`
	CurrentFile string     `json:"currentFile" zap:"currentFile"`
	JoinedAt    time.Time  `json:"joinedAt" zap:"joinedAt"`
}

// CanEdit reports whether the participant may mutate documents, send chat
// messages or publish cursor positions.
func (p *Participant) CanEdit() bool {
	return p.Approval == ApprovalApproved
}

// CanAdminister reports whether the participant may approve, reject, kick and
// close the session.
func (p *Participant) CanAdminister() bool {
	return p.Role == RoleAdmin && p.Approval == ApprovalApproved
}

// Session is a live collaboration over one project workspace.
type Session struct {
	UUID            uuid.UUID                  `json:"uuid" zap:"uuid"`
	ProjectToken    string                     `json:"projectToken" zap:"projectToken"`
	Name            string                     `json:"name" zap:"name"`
	WorkspaceRoot   string                     `json:"workspaceRoot" zap:"workspaceRoot"`
	Status          SessionStatus              `json:"status" zap:"status"`
	AdminID         uuid.UUID                  `json:"adminId" zap:"adminId"`
	MaxParticipants int                        `json:"maxParticipants" zap:"maxParticipants"`
	Policy          ApprovalPolicy             `json:"policy" zap:"policy"`
	Participants    map[uuid.UUID]*Participant `json:"participants" zap:"-"`
}

// OccupiedSlots counts participants holding a slot against the cap: everyone
// Active or Requesting, plus Disconnected members inside their grace period.
func (s *Session) OccupiedSlots() int {
	n := 0
	for _, p := range s.Participants {
		if p.Approval == ApprovalRejected {
			continue
		}
		n++
	}
	return n
}

// FindByIdentity returns the participant slot previously assigned to the given
// identity, used to restore a slot on reconnection.
func (s *Session) FindByIdentity(identity uuid.UUID) *Participant {
	if identity == uuid.Nil {
		return nil
	}
	for _, p := range s.Participants {
		if p.Identity == identity {
			return p
		}
	}
	return nil
}

// NextColor picks the first palette color not already held by a participant.
// When the palette is exhausted it wraps around.
func (s *Session) NextColor() string {
	used := make(map[string]bool, len(s.Participants))
	for _, p := range s.Participants {
		used[p.Color] = true
	}
	for _, c := range Colors {
		if !used[c] {
			return c
		}
	}
	return Colors[len(s.Participants)%len(Colors)]
}
