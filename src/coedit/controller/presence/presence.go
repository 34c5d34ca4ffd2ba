// Package presence tracks per-participant cursor and focus state. All state is
// ephemeral: last-write-wins per participant and file, nothing is persisted,
// and everything is rebuilt from scratch on reconnect.
package presence

import (
	"context"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/uber-go/tally"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/maanworks/coedit/src/coedit/entity"
	"github.com/maanworks/coedit/src/coedit/gateway/client"
	coediterrors "github.com/maanworks/coedit/src/coedit/internal/errors"
	"github.com/maanworks/coedit/src/coedit/internal/protocol"
	"github.com/maanworks/coedit/src/coedit/repository/session"
)

const _nameKey = "presence"

// Module provides the presence controller.
var Module = fx.Provide(New)

// Controller is the presence tracker.
type Controller interface {
	// UpdateCursor overwrites the participant's cursor for the file and
	// broadcasts it immediately to the rest of the session.
	UpdateCursor(ctx context.Context, sessionID, participantID uuid.UUID, cursor protocol.Cursor) error
	// SetCurrentFile records which file the participant is focused on and
	// fans the change out.
	SetCurrentFile(ctx context.Context, sessionID, participantID uuid.UUID, path string) error
	// RemoveParticipant clears all cursor state for the participant across
	// every file and broadcasts a single departure event.
	RemoveParticipant(ctx context.Context, sessionID, participantID uuid.UUID) error
	// Forget drops all presence state for a session.
	Forget(ctx context.Context, sessionID uuid.UUID)
	// Cursors returns the current cursor set for a file.
	Cursors(ctx context.Context, sessionID uuid.UUID, path string) []protocol.CursorUpdate
}

// Params are inbound parameters to construct the controller.
type Params struct {
	fx.In

	Sessions session.Repository
	Gateway  client.Gateway
	Logger   *zap.SugaredLogger
	Stats    tally.Scope
}

type cursorKey struct {
	participant uuid.UUID
	path        string
}

type controller struct {
	sessions session.Repository
	gateway  client.Gateway
	logger   *zap.SugaredLogger
	stats    tally.Scope

	mu      sync.RWMutex
	cursors map[uuid.UUID]map[cursorKey]protocol.CursorUpdate
}

// New creates a new presence controller.
func New(p Params) Controller {
	return &controller{
		sessions: p.Sessions,
		gateway:  p.Gateway,
		logger:   p.Logger.With("plugin", _nameKey),
		stats:    p.Stats.SubScope(_nameKey),
		cursors:  make(map[uuid.UUID]map[cursorKey]protocol.CursorUpdate),
	}
}

func (c *controller) UpdateCursor(ctx context.Context, sessionID, participantID uuid.UUID, cursor protocol.Cursor) error {
	member, err := c.approvedParticipant(ctx, sessionID, participantID)
	if err != nil {
		return err
	}

	update := protocol.CursorUpdate{
		Participant: participantID,
		DisplayName: member.DisplayName,
		Color:       member.Color,
		Path:        cursor.Path,
		Anchor:      cursor.Anchor,
		Head:        cursor.Head,
	}

	c.mu.Lock()
	if c.cursors[sessionID] == nil {
		c.cursors[sessionID] = make(map[cursorKey]protocol.CursorUpdate)
	}
	c.cursors[sessionID][cursorKey{participant: participantID, path: cursor.Path}] = update
	c.mu.Unlock()

	// Not batched: cursor latency matters more than volume. Originator is
	// excluded, it already knows where its cursor is.
	c.gateway.BroadcastExcept(ctx, sessionID, participantID, protocol.MustEvent(protocol.TypeCursorUpdate, update))
	c.stats.Counter("cursor_updates").Inc(1)
	return nil
}

func (c *controller) SetCurrentFile(ctx context.Context, sessionID, participantID uuid.UUID, path string) error {
	if _, err := c.approvedParticipant(ctx, sessionID, participantID); err != nil {
		return err
	}

	_, err := c.sessions.Mutate(ctx, sessionID, func(s *entity.Session) error {
		p, ok := s.Participants[participantID]
		if !ok {
			return &coediterrors.ParticipantNotFoundError{UUID: participantID}
		}
		p.CurrentFile = path
		return nil
	})
	if err != nil {
		return err
	}

	c.gateway.Broadcast(ctx, sessionID, protocol.MustEvent(protocol.TypeFileFocus, protocol.FileFocus{
		Participant: participantID,
		Path:        path,
	}))
	return nil
}

func (c *controller) RemoveParticipant(ctx context.Context, sessionID, participantID uuid.UUID) error {
	c.mu.Lock()
	if files, ok := c.cursors[sessionID]; ok {
		for key := range files {
			if key.participant == participantID {
				delete(files, key)
			}
		}
		if len(files) == 0 {
			delete(c.cursors, sessionID)
		}
	}
	c.mu.Unlock()

	var name string
	if s, err := c.sessions.Get(ctx, sessionID); err == nil {
		if p, ok := s.Participants[participantID]; ok {
			name = p.DisplayName
		}
	}

	c.gateway.BroadcastExcept(ctx, sessionID, participantID, protocol.MustEvent(protocol.TypePresenceLeft, protocol.PresenceLeft{
		Participant: participantID,
		DisplayName: name,
	}))
	return nil
}

func (c *controller) Forget(ctx context.Context, sessionID uuid.UUID) {
	c.mu.Lock()
	delete(c.cursors, sessionID)
	c.mu.Unlock()
}

func (c *controller) Cursors(ctx context.Context, sessionID uuid.UUID, path string) []protocol.CursorUpdate {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []protocol.CursorUpdate
	for key, update := range c.cursors[sessionID] {
		if key.path == path {
			out = append(out, update)
		}
	}
	return out
}

func (c *controller) approvedParticipant(ctx context.Context, sessionID, participantID uuid.UUID) (*entity.Participant, error) {
	s, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == entity.SessionClosed {
		return nil, coediterrors.ErrSessionClosed
	}
	p, ok := s.Participants[participantID]
	if !ok {
		return nil, &coediterrors.ParticipantNotFoundError{UUID: participantID}
	}
	if !p.CanEdit() {
		return nil, coediterrors.ErrNotApproved
	}
	return p, nil
}
