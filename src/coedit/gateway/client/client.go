// Package client routes outbound events to connected participants. It is the
// single fan-out point for the four event classes: document operations,
// presence updates, chat messages and membership events.
package client

import (
	"context"
	"sync"

	"github.com/gofrs/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/maanworks/coedit/src/coedit/internal/errors"
	"github.com/maanworks/coedit/src/coedit/internal/protocol"
)

// Module provides the gateway.
var Module = fx.Provide(New)

// Conn is a transport handle for one participant. Send must preserve FIFO
// order of successive calls and must not block indefinitely; a Conn that can
// no longer keep up should fail Send and close itself.
type Conn interface {
	Send(ev protocol.Event) error
	Close() error
}

// Gateway fans out events to the registered participants of a session.
// Registration is controlled by the membership controller: only Approved,
// Active participants are registered, so fan-out never reaches a Requesting or
// Rejected connection.
type Gateway interface {
	// Register attaches a participant's connection. Called once a participant
	// becomes Active.
	Register(ctx context.Context, sessionID, participantID uuid.UUID, conn Conn)
	// Deregister detaches a participant's connection without closing it.
	Deregister(ctx context.Context, sessionID, participantID uuid.UUID)
	// DeregisterSession detaches and closes every connection of a session.
	DeregisterSession(ctx context.Context, sessionID uuid.UUID)

	// Broadcast sends ev to every registered participant of the session.
	Broadcast(ctx context.Context, sessionID uuid.UUID, ev protocol.Event)
	// BroadcastExcept sends ev to every registered participant except one.
	BroadcastExcept(ctx context.Context, sessionID, exclude uuid.UUID, ev protocol.Event)
	// SendTo sends ev to a single registered participant.
	SendTo(ctx context.Context, sessionID, participantID uuid.UUID, ev protocol.Event) error
}

type gateway struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]map[uuid.UUID]Conn
	logger   *zap.SugaredLogger
}

// New returns a Gateway for participant fan-out.
func New(logger *zap.SugaredLogger) Gateway {
	return &gateway{
		sessions: make(map[uuid.UUID]map[uuid.UUID]Conn),
		logger:   logger.With("plugin", "client-gateway"),
	}
}

func (g *gateway) Register(ctx context.Context, sessionID, participantID uuid.UUID, conn Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	conns, ok := g.sessions[sessionID]
	if !ok {
		conns = make(map[uuid.UUID]Conn)
		g.sessions[sessionID] = conns
	}
	conns[participantID] = conn
}

func (g *gateway) Deregister(ctx context.Context, sessionID, participantID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	conns, ok := g.sessions[sessionID]
	if !ok {
		return
	}
	delete(conns, participantID)
	if len(conns) == 0 {
		delete(g.sessions, sessionID)
	}
}

func (g *gateway) DeregisterSession(ctx context.Context, sessionID uuid.UUID) {
	g.mu.Lock()
	conns := g.sessions[sessionID]
	delete(g.sessions, sessionID)
	g.mu.Unlock()

	for id, conn := range conns {
		if err := conn.Close(); err != nil {
			g.logger.Debugw("closing connection", "participant", id, "error", err)
		}
	}
}

func (g *gateway) Broadcast(ctx context.Context, sessionID uuid.UUID, ev protocol.Event) {
	g.BroadcastExcept(ctx, sessionID, uuid.Nil, ev)
}

func (g *gateway) BroadcastExcept(ctx context.Context, sessionID, exclude uuid.UUID, ev protocol.Event) {
	for id, conn := range g.snapshot(sessionID) {
		if id == exclude {
			continue
		}
		if err := conn.Send(ev); err != nil {
			g.logger.Warnw("dropping unwritable connection", "session", sessionID, "participant", id, "error", err)
			g.Deregister(ctx, sessionID, id)
			conn.Close()
		}
	}
}

func (g *gateway) SendTo(ctx context.Context, sessionID, participantID uuid.UUID, ev protocol.Event) error {
	g.mu.RLock()
	conn, ok := g.sessions[sessionID][participantID]
	g.mu.RUnlock()
	if !ok {
		return &errors.ParticipantNotFoundError{UUID: participantID}
	}
	return conn.Send(ev)
}

// snapshot copies the connection set so fan-out does not hold the lock while
// sending.
func (g *gateway) snapshot(sessionID uuid.UUID) map[uuid.UUID]Conn {
	g.mu.RLock()
	defer g.mu.RUnlock()

	conns := g.sessions[sessionID]
	out := make(map[uuid.UUID]Conn, len(conns))
	for id, c := range conns {
		out[id] = c
	}
	return out
}
