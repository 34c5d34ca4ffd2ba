package model

import (
	"time"

	"github.com/gofrs/uuid"
)

// Participant is the repository layer model for a session member slot.
type Participant struct {
	ID          uuid.UUID
	Identity    uuid.UUID
	DisplayName string
	Color       string
	Role        string
	Approval    string
	Connection  string
	Anonymous   bool
	CurrentFile string
	JoinedAt    time.Time
}

// Session is the repository layer model for a live collaboration session.
type Session struct {
	UUID            uuid.UUID
	ProjectToken    string
	Name            string
	WorkspaceRoot   string
	Status          string
	AdminID         uuid.UUID
	MaxParticipants int
	Policy          string
	Participants    map[uuid.UUID]*Participant
}

// Project is the repository layer model for a persisted project row.
type Project struct {
	ID              int64
	Name            string
	SessionToken    string
	GitURL          string
	WorkspacePath   string
	MaxParticipants int
	Policy          string
	Active          bool
	CreatedAt       time.Time
}
