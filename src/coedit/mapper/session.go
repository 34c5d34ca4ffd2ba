package mapper

import (
	"context"

	"github.com/gofrs/uuid"

	"github.com/maanworks/coedit/src/coedit/entity"
	"github.com/maanworks/coedit/src/coedit/internal/errors"
	"github.com/maanworks/coedit/src/coedit/internal/protocol"
	"github.com/maanworks/coedit/src/coedit/model"
)

// SessionToModel maps a Session entity to its model equivalent.
func SessionToModel(s *entity.Session) *model.Session {
	m := &model.Session{
		UUID:            s.UUID,
		ProjectToken:    s.ProjectToken,
		Name:            s.Name,
		WorkspaceRoot:   s.WorkspaceRoot,
		Status:          string(s.Status),
		AdminID:         s.AdminID,
		MaxParticipants: s.MaxParticipants,
		Policy:          string(s.Policy),
		Participants:    make(map[uuid.UUID]*model.Participant, len(s.Participants)),
	}
	for id, p := range s.Participants {
		m.Participants[id] = ParticipantToModel(p)
	}
	return m
}

// ModelToSession maps a model Session to its entity equivalent.
func ModelToSession(m *model.Session) (*entity.Session, error) {
	s := &entity.Session{
		UUID:            m.UUID,
		ProjectToken:    m.ProjectToken,
		Name:            m.Name,
		WorkspaceRoot:   m.WorkspaceRoot,
		Status:          entity.SessionStatus(m.Status),
		AdminID:         m.AdminID,
		MaxParticipants: m.MaxParticipants,
		Policy:          entity.ApprovalPolicy(m.Policy),
		Participants:    make(map[uuid.UUID]*entity.Participant, len(m.Participants)),
	}
	for id, p := range m.Participants {
		s.Participants[id] = ModelToParticipant(p)
	}
	return s, nil
}

// ParticipantToModel maps a Participant entity to its model equivalent.
func ParticipantToModel(p *entity.Participant) *model.Participant {
	return &model.Participant{
		ID:          p.ID,
		Identity:    p.Identity,
		DisplayName: p.DisplayName,
		Color:       p.Color,
		Role:        string(p.Role),
		Approval:    string(p.Approval),
		Connection:  string(p.Connection),
		Anonymous:   p.Anonymous,
		CurrentFile: p.CurrentFile,
		JoinedAt:    p.JoinedAt,
	}
}

// ModelToParticipant maps a model Participant to its entity equivalent.
func ModelToParticipant(p *model.Participant) *entity.Participant {
	return &entity.Participant{
		ID:          p.ID,
		Identity:    p.Identity,
		DisplayName: p.DisplayName,
		Color:       p.Color,
		Role:        entity.Role(p.Role),
		Approval:    entity.Approval(p.Approval),
		Connection:  entity.Connection(p.Connection),
		Anonymous:   p.Anonymous,
		CurrentFile: p.CurrentFile,
		JoinedAt:    p.JoinedAt,
	}
}

// ParticipantToInfo maps a Participant entity to its wire roster form.
func ParticipantToInfo(p *entity.Participant) protocol.ParticipantInfo {
	return protocol.ParticipantInfo{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		Color:       p.Color,
		Admin:       p.Role == entity.RoleAdmin,
		Approval:    string(p.Approval),
		Connection:  string(p.Connection),
		CurrentFile: p.CurrentFile,
	}
}

// SessionToState maps a Session entity to the wire roster sent on admission.
func SessionToState(s *entity.Session) protocol.SessionState {
	state := protocol.SessionState{
		SessionID:    s.UUID,
		Participants: make([]protocol.ParticipantInfo, 0, len(s.Participants)),
	}
	for _, p := range s.Participants {
		if p.Approval != entity.ApprovalApproved {
			continue
		}
		state.Participants = append(state.Participants, ParticipantToInfo(p))
	}
	return state
}

// ContextToSessionUUID extracts the session UUID from a context.
func ContextToSessionUUID(c context.Context) (uuid.UUID, error) {
	s, ok := c.Value(entity.SessionContextKey).(uuid.UUID)
	if !ok {
		return uuid.Nil, &errors.NoSessionFoundError{}
	}
	return s, nil
}

// ContextToParticipantUUID extracts the participant UUID from a context.
func ContextToParticipantUUID(c context.Context) (uuid.UUID, error) {
	p, ok := c.Value(entity.ParticipantContextKey).(uuid.UUID)
	if !ok {
		return uuid.Nil, &errors.NoSessionFoundError{}
	}
	return p, nil
}
