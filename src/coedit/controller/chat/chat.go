// Package chat assigns a per-session total order to messages and fans them out.
// A bounded backlog is retained per session so reconnecting participants can be
// caught up without any persistence.
package chat

import (
	"context"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/maanworks/coedit/src/coedit/entity"
	"github.com/maanworks/coedit/src/coedit/gateway/client"
	"github.com/maanworks/coedit/src/coedit/internal/clock"
	coediterrors "github.com/maanworks/coedit/src/coedit/internal/errors"
	"github.com/maanworks/coedit/src/coedit/internal/protocol"
	"github.com/maanworks/coedit/src/coedit/repository/session"
)

const (
	_nameKey   = "chat"
	_configKey = "chat"

	_defaultBacklogSize = 100
)

// Module provides the chat controller.
var Module = fx.Provide(New)

// Config tunes the per-session message backlog.
type Config struct {
	BacklogSize int `yaml:"backlogSize"`
}

// Controller is the chat fan-out and backlog manager.
type Controller interface {
	// Post sequences the message, appends it to the backlog, and broadcasts
	// it to every connected participant including the sender.
	Post(ctx context.Context, sessionID, participantID uuid.UUID, text string) (protocol.ChatMessage, error)
	// Replay sends the retained backlog, in order, to a single participant.
	Replay(ctx context.Context, sessionID, participantID uuid.UUID) error
	// Forget drops all chat state for a session.
	Forget(ctx context.Context, sessionID uuid.UUID)
}

// Params are inbound parameters to construct the controller.
type Params struct {
	fx.In

	Sessions session.Repository
	Gateway  client.Gateway
	Clock    clock.Clock
	Logger   *zap.SugaredLogger
	Stats    tally.Scope
	Config   config.Provider
}

type sessionLog struct {
	seq *atomic.Int64

	mu      sync.Mutex
	backlog []protocol.ChatMessage
}

type controller struct {
	sessions session.Repository
	gateway  client.Gateway
	clock    clock.Clock
	logger   *zap.SugaredLogger
	stats    tally.Scope
	cfg      Config

	mu   sync.Mutex
	logs map[uuid.UUID]*sessionLog
}

// New creates a new chat controller.
func New(p Params) (Controller, error) {
	cfg := Config{BacklogSize: _defaultBacklogSize}
	if err := p.Config.Get(_configKey).Populate(&cfg); err != nil {
		return nil, err
	}
	if cfg.BacklogSize <= 0 {
		cfg.BacklogSize = _defaultBacklogSize
	}
	return &controller{
		sessions: p.Sessions,
		gateway:  p.Gateway,
		clock:    p.Clock,
		logger:   p.Logger.With("plugin", _nameKey),
		stats:    p.Stats.SubScope(_nameKey),
		cfg:      cfg,
		logs:     make(map[uuid.UUID]*sessionLog),
	}, nil
}

func (c *controller) Post(ctx context.Context, sessionID, participantID uuid.UUID, text string) (protocol.ChatMessage, error) {
	s, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	if s.Status == entity.SessionClosed {
		return protocol.ChatMessage{}, coediterrors.ErrSessionClosed
	}
	p, ok := s.Participants[participantID]
	if !ok {
		return protocol.ChatMessage{}, &coediterrors.ParticipantNotFoundError{UUID: participantID}
	}
	if !p.CanEdit() {
		return protocol.ChatMessage{}, coediterrors.ErrNotApproved
	}

	log := c.logFor(sessionID)

	// Seq assignment, backlog append, and broadcast all happen under the
	// backlog lock so delivery order matches seq order.
	log.mu.Lock()
	msg := protocol.ChatMessage{
		Seq:         log.seq.Inc(),
		Participant: participantID,
		DisplayName: p.DisplayName,
		Color:       p.Color,
		Text:        text,
		Timestamp:   c.clock.Now().UnixMilli(),
	}
	log.backlog = append(log.backlog, msg)
	if overflow := len(log.backlog) - c.cfg.BacklogSize; overflow > 0 {
		log.backlog = log.backlog[overflow:]
	}
	c.gateway.Broadcast(ctx, sessionID, protocol.MustEvent(protocol.TypeChatMessage, msg))
	log.mu.Unlock()

	c.stats.Counter("messages").Inc(1)
	return msg, nil
}

func (c *controller) Replay(ctx context.Context, sessionID, participantID uuid.UUID) error {
	c.mu.Lock()
	log, ok := c.logs[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	log.mu.Lock()
	backlog := make([]protocol.ChatMessage, len(log.backlog))
	copy(backlog, log.backlog)
	log.mu.Unlock()

	for _, msg := range backlog {
		if err := c.gateway.SendTo(ctx, sessionID, participantID, protocol.MustEvent(protocol.TypeChatMessage, msg)); err != nil {
			return err
		}
	}
	return nil
}

func (c *controller) Forget(ctx context.Context, sessionID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.logs, sessionID)
}

func (c *controller) logFor(sessionID uuid.UUID) *sessionLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	log, ok := c.logs[sessionID]
	if !ok {
		log = &sessionLog{seq: atomic.NewInt64(0)}
		c.logs[sessionID] = log
	}
	return log
}
