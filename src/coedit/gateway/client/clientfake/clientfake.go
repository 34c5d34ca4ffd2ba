// Package clientfake provides in-memory fakes for the client gateway, used by
// controller tests to observe fan-out without a transport.
package clientfake

import (
	"context"
	"sync"

	"github.com/gofrs/uuid"

	"github.com/maanworks/coedit/src/coedit/gateway/client"
	"github.com/maanworks/coedit/src/coedit/internal/protocol"
)

// Conn records every event sent to it.
type Conn struct {
	mu     sync.Mutex
	events []protocol.Event
	closed bool
}

// NewConn returns an empty recording connection.
func NewConn() *Conn {
	return &Conn{}
}

// Send records the event.
func (c *Conn) Send(ev protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

// Close marks the connection closed.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Events returns a copy of everything sent so far.
func (c *Conn) Events() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Event, len(c.events))
	copy(out, c.events)
	return out
}

// EventsOfType returns sent events matching the given type.
func (c *Conn) EventsOfType(eventType string) []protocol.Event {
	var out []protocol.Event
	for _, ev := range c.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Gateway is a client.Gateway backed by recording conns.
type Gateway struct {
	mu    sync.Mutex
	conns map[uuid.UUID]map[uuid.UUID]*Conn
}

var _ client.Gateway = (*Gateway)(nil)

// New returns an empty fake gateway.
func New() *Gateway {
	return &Gateway{conns: make(map[uuid.UUID]map[uuid.UUID]*Conn)}
}

// Connect registers a fresh recording conn for the participant and returns it.
func (g *Gateway) Connect(sessionID, participantID uuid.UUID) *Conn {
	c := NewConn()
	g.Register(context.Background(), sessionID, participantID, c)
	return c
}

// Register implements client.Gateway. Non-Conn handles are wrapped.
func (g *Gateway) Register(ctx context.Context, sessionID, participantID uuid.UUID, conn client.Conn) {
	fake, ok := conn.(*Conn)
	if !ok {
		fake = NewConn()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conns[sessionID] == nil {
		g.conns[sessionID] = make(map[uuid.UUID]*Conn)
	}
	g.conns[sessionID][participantID] = fake
}

// Deregister implements client.Gateway.
func (g *Gateway) Deregister(ctx context.Context, sessionID, participantID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns[sessionID], participantID)
}

// DeregisterSession implements client.Gateway.
func (g *Gateway) DeregisterSession(ctx context.Context, sessionID uuid.UUID) {
	g.mu.Lock()
	conns := g.conns[sessionID]
	delete(g.conns, sessionID)
	g.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Broadcast implements client.Gateway.
func (g *Gateway) Broadcast(ctx context.Context, sessionID uuid.UUID, ev protocol.Event) {
	g.BroadcastExcept(ctx, sessionID, uuid.Nil, ev)
}

// BroadcastExcept implements client.Gateway.
func (g *Gateway) BroadcastExcept(ctx context.Context, sessionID, exclude uuid.UUID, ev protocol.Event) {
	for _, c := range g.participants(sessionID, exclude) {
		c.Send(ev)
	}
}

// SendTo implements client.Gateway.
func (g *Gateway) SendTo(ctx context.Context, sessionID, participantID uuid.UUID, ev protocol.Event) error {
	g.mu.Lock()
	c, ok := g.conns[sessionID][participantID]
	g.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Send(ev)
}

// ConnOf returns the recording conn for a participant, or nil.
func (g *Gateway) ConnOf(sessionID, participantID uuid.UUID) *Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns[sessionID][participantID]
}

func (g *Gateway) participants(sessionID, exclude uuid.UUID) []*Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Conn
	for id, c := range g.conns[sessionID] {
		if id == exclude {
			continue
		}
		out = append(out, c)
	}
	return out
}
