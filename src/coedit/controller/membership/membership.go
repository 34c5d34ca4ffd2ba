// Package membership owns the participant lifecycle of a session: admission,
// approval, disconnect grace, kicks and session close. All transitions for a
// session are serialized through the session repository's per-session lock.
package membership

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/uber-go/tally"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/maanworks/coedit/src/coedit/controller/chat"
	"github.com/maanworks/coedit/src/coedit/controller/docstore"
	"github.com/maanworks/coedit/src/coedit/controller/presence"
	"github.com/maanworks/coedit/src/coedit/controller/workspace"
	"github.com/maanworks/coedit/src/coedit/entity"
	"github.com/maanworks/coedit/src/coedit/gateway/client"
	"github.com/maanworks/coedit/src/coedit/internal/clock"
	coediterrors "github.com/maanworks/coedit/src/coedit/internal/errors"
	"github.com/maanworks/coedit/src/coedit/internal/protocol"
	"github.com/maanworks/coedit/src/coedit/mapper"
	"github.com/maanworks/coedit/src/coedit/model"
	"github.com/maanworks/coedit/src/coedit/repository/session"
)

const (
	_nameKey   = "membership"
	_configKey = "membership"

	_defaultGracePeriod = 30 * time.Second
)

// Membership change kinds carried in membershipChanged events.
const (
	ChangeRequested = "requested"
	ChangeJoined    = "joined"
	ChangeLeft      = "left"
	ChangeKicked    = "kicked"
)

// Module provides the membership controller.
var Module = fx.Provide(New)

// Config tunes the disconnect grace window. Seconds rather than a Duration so
// the YAML stays plain integers.
type Config struct {
	GracePeriodSeconds int `yaml:"gracePeriodSeconds"`
}

func (c Config) gracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// JoinResult reports how an admission attempt resolved.
type JoinResult struct {
	Participant *entity.Participant
	Session     *entity.Session
	// Pending is true when the join awaits admin approval.
	Pending bool
	// Restored is true when an existing slot was reclaimed inside its grace
	// window; no roster events were broadcast.
	Restored bool
}

// Controller is the session membership state machine.
type Controller interface {
	// EnsureSession returns the live session for a project, creating it when
	// none exists.
	EnsureSession(ctx context.Context, project *model.Project) (*entity.Session, error)
	// Join admits a participant, parks it pending approval, or restores a
	// slot within its grace window. The conn carries hello traffic until the
	// participant is registered with the gateway.
	Join(ctx context.Context, sessionID uuid.UUID, req protocol.Join, conn client.Conn) (*JoinResult, error)
	// Approve admits a Requesting participant. Admin only.
	Approve(ctx context.Context, sessionID, adminID, targetID uuid.UUID) error
	// Reject removes a Requesting participant's slot. Admin only.
	Reject(ctx context.Context, sessionID, adminID, targetID uuid.UUID) error
	// Kick removes an Approved participant. Admin only.
	Kick(ctx context.Context, sessionID, adminID, targetID uuid.UUID) error
	// Close flushes and evicts every document, notifies the roster and tears
	// the session down. Admin only.
	Close(ctx context.Context, sessionID, adminID uuid.UUID) error
	// Disconnect handles a dropped transport: pending joins vanish, Approved
	// participants keep their slot for the grace window.
	Disconnect(ctx context.Context, sessionID, participantID uuid.UUID) error
	// Leave removes a participant immediately, with no grace window.
	Leave(ctx context.Context, sessionID, participantID uuid.UUID) error
}

// Params are inbound parameters to construct the controller.
type Params struct {
	fx.In

	Sessions session.Repository
	Gateway  client.Gateway
	Docs     docstore.Controller
	Presence presence.Controller
	Chat     chat.Controller
	Watcher  workspace.Watcher
	Clock    clock.Clock
	Logger   *zap.SugaredLogger
	Stats    tally.Scope
	Config   config.Provider
}

type timerKey struct {
	session     uuid.UUID
	participant uuid.UUID
}

type controller struct {
	sessions session.Repository
	gateway  client.Gateway
	docs     docstore.Controller
	presence presence.Controller
	chat     chat.Controller
	watcher  workspace.Watcher
	clock    clock.Clock
	logger   *zap.SugaredLogger
	stats    tally.Scope
	cfg      Config

	mu      sync.Mutex
	pending map[timerKey]client.Conn
	timers  map[timerKey]clock.Timer
}

// New creates a new membership controller.
func New(p Params) (Controller, error) {
	cfg := Config{GracePeriodSeconds: int(_defaultGracePeriod / time.Second)}
	if err := p.Config.Get(_configKey).Populate(&cfg); err != nil {
		return nil, err
	}
	if cfg.GracePeriodSeconds <= 0 {
		cfg.GracePeriodSeconds = int(_defaultGracePeriod / time.Second)
	}
	return &controller{
		sessions: p.Sessions,
		gateway:  p.Gateway,
		docs:     p.Docs,
		presence: p.Presence,
		chat:     p.Chat,
		watcher:  p.Watcher,
		clock:    p.Clock,
		logger:   p.Logger.With("plugin", _nameKey),
		stats:    p.Stats.SubScope(_nameKey),
		cfg:      cfg,
		pending:  make(map[timerKey]client.Conn),
		timers:   make(map[timerKey]clock.Timer),
	}, nil
}

func (c *controller) EnsureSession(ctx context.Context, project *model.Project) (*entity.Session, error) {
	if s, err := c.sessions.GetByProjectToken(ctx, project.SessionToken); err == nil {
		if s.Status == entity.SessionClosed {
			return nil, coediterrors.ErrSessionClosed
		}
		return s, nil
	}

	maxParticipants := project.MaxParticipants
	if maxParticipants <= 0 {
		maxParticipants = entity.DefaultMaxParticipants
	}
	policy := entity.ApprovalPolicy(project.Policy)
	if policy != entity.ApprovalPolicyOpen {
		policy = entity.ApprovalPolicyAdmin
	}

	s := &entity.Session{
		UUID:            uuid.Must(uuid.NewV4()),
		ProjectToken:    project.SessionToken,
		Name:            project.Name,
		WorkspaceRoot:   project.WorkspacePath,
		Status:          entity.SessionOpen,
		MaxParticipants: maxParticipants,
		Policy:          policy,
		Participants:    make(map[uuid.UUID]*entity.Participant),
	}
	if err := c.sessions.Set(ctx, s); err != nil {
		return nil, err
	}
	c.logger.Infow("session created", "session", s.UUID, "project", project.SessionToken)
	return s, nil
}

func (c *controller) Join(ctx context.Context, sessionID uuid.UUID, req protocol.Join, conn client.Conn) (*JoinResult, error) {
	var (
		joined   *entity.Participant
		restored bool
	)

	s, err := c.sessions.Mutate(ctx, sessionID, func(s *entity.Session) error {
		if s.Status == entity.SessionClosed {
			return coediterrors.ErrSessionClosed
		}

		if p := s.FindByIdentity(req.Identity); p != nil &&
			p.Approval == entity.ApprovalApproved &&
			p.Connection == entity.ConnectionDisconnected {
			p.Connection = entity.ConnectionActive
			joined, restored = p, true
			return nil
		}

		if s.OccupiedSlots() >= s.MaxParticipants {
			return coediterrors.ErrSessionFull
		}

		p := &entity.Participant{
			ID:          uuid.Must(uuid.NewV4()),
			Identity:    req.Identity,
			DisplayName: req.DisplayName,
			Color:       s.NextColor(),
			Role:        entity.RoleMember,
			Approval:    entity.ApprovalRequesting,
			Connection:  entity.ConnectionConnecting,
			Anonymous:   req.Anonymous,
			JoinedAt:    c.clock.Now(),
		}

		// First participant becomes the session admin regardless of policy.
		if s.AdminID == uuid.Nil {
			p.Role = entity.RoleAdmin
			p.Approval = entity.ApprovalApproved
			s.AdminID = p.ID
		} else if s.Policy == entity.ApprovalPolicyOpen {
			p.Approval = entity.ApprovalApproved
		}
		// The handshake completes on admission; a parked requester stays
		// Connecting until the admin decides.
		if p.Approval == entity.ApprovalApproved {
			p.Connection = entity.ConnectionActive
		}

		s.Participants[p.ID] = p
		joined = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &JoinResult{Participant: joined, Session: s, Restored: restored}

	if restored {
		c.cancelGrace(sessionID, joined.ID)
		c.gateway.Register(ctx, sessionID, joined.ID, conn)
		// Quiet restore: the roster never learned of the disconnect, so the
		// reconnect produces no join broadcast either.
		conn.Send(protocol.MustEvent(protocol.TypeSessionState, mapper.SessionToState(s)))
		if err := c.chat.Replay(ctx, sessionID, joined.ID); err != nil {
			c.logger.Warnw("chat replay failed", "session", sessionID, "participant", joined.ID, "error", err)
		}
		return result, nil
	}

	if joined.Approval == entity.ApprovalApproved {
		c.gateway.Register(ctx, sessionID, joined.ID, conn)
		conn.Send(protocol.MustEvent(protocol.TypeJoinAccepted, protocol.JoinAccepted{Participant: mapper.ParticipantToInfo(joined)}))
		conn.Send(protocol.MustEvent(protocol.TypeSessionState, mapper.SessionToState(s)))
		c.broadcastChange(ctx, sessionID, joined.ID, ChangeJoined, joined)
		c.stats.Counter("joins").Inc(1)
		return result, nil
	}

	// Park the conn until the admin decides; the gateway only carries
	// Approved participants.
	c.mu.Lock()
	c.pending[timerKey{session: sessionID, participant: joined.ID}] = conn
	c.mu.Unlock()

	result.Pending = true
	conn.Send(protocol.MustEvent(protocol.TypeWaitingApproval, protocol.JoinAccepted{Participant: mapper.ParticipantToInfo(joined)}))
	if err := c.gateway.SendTo(ctx, sessionID, s.AdminID, protocol.MustEvent(protocol.TypeMembershipChanged, protocol.MembershipChanged{
		Change:      ChangeRequested,
		Participant: mapper.ParticipantToInfo(joined),
	})); err != nil {
		c.logger.Warnw("admin notify failed", "session", sessionID, "error", err)
	}
	c.stats.Counter("join_requests").Inc(1)
	return result, nil
}

func (c *controller) Approve(ctx context.Context, sessionID, adminID, targetID uuid.UUID) error {
	var target *entity.Participant
	s, err := c.sessions.Mutate(ctx, sessionID, func(s *entity.Session) error {
		if err := requireAdmin(s, adminID); err != nil {
			return err
		}
		p, ok := s.Participants[targetID]
		if !ok || p.Approval != entity.ApprovalRequesting {
			return &coediterrors.ParticipantNotFoundError{UUID: targetID}
		}
		p.Approval = entity.ApprovalApproved
		p.Connection = entity.ConnectionActive
		target = p
		return nil
	})
	if err != nil {
		return err
	}

	conn := c.takePending(sessionID, targetID)
	if conn != nil {
		c.gateway.Register(ctx, sessionID, targetID, conn)
		conn.Send(protocol.MustEvent(protocol.TypeJoinAccepted, protocol.JoinAccepted{Participant: mapper.ParticipantToInfo(target)}))
		conn.Send(protocol.MustEvent(protocol.TypeSessionState, mapper.SessionToState(s)))
	}
	c.broadcastChange(ctx, sessionID, targetID, ChangeJoined, target)
	c.stats.Counter("approvals").Inc(1)
	return nil
}

func (c *controller) Reject(ctx context.Context, sessionID, adminID, targetID uuid.UUID) error {
	_, err := c.sessions.Mutate(ctx, sessionID, func(s *entity.Session) error {
		if err := requireAdmin(s, adminID); err != nil {
			return err
		}
		p, ok := s.Participants[targetID]
		if !ok || p.Approval != entity.ApprovalRequesting {
			return &coediterrors.ParticipantNotFoundError{UUID: targetID}
		}
		// Rejected slots do not count against the cap; drop them outright.
		delete(s.Participants, targetID)
		return nil
	})
	if err != nil {
		return err
	}

	if conn := c.takePending(sessionID, targetID); conn != nil {
		conn.Send(protocol.MustEvent(protocol.TypeJoinRejected, protocol.JoinRejected{Reason: "admin rejected the join request"}))
		conn.Close()
	}
	c.stats.Counter("rejections").Inc(1)
	return nil
}

func (c *controller) Kick(ctx context.Context, sessionID, adminID, targetID uuid.UUID) error {
	var target *entity.Participant
	_, err := c.sessions.Mutate(ctx, sessionID, func(s *entity.Session) error {
		if err := requireAdmin(s, adminID); err != nil {
			return err
		}
		if targetID == adminID {
			return coediterrors.ErrNotAdmin
		}
		p, ok := s.Participants[targetID]
		if !ok {
			return &coediterrors.ParticipantNotFoundError{UUID: targetID}
		}
		delete(s.Participants, targetID)
		target = p
		return nil
	})
	if err != nil {
		return err
	}

	c.cancelGrace(sessionID, targetID)
	if err := c.gateway.SendTo(ctx, sessionID, targetID, protocol.MustEvent(protocol.TypeKicked, protocol.ParticipantRef{Participant: targetID})); err != nil {
		c.logger.Warnw("kick notify failed", "session", sessionID, "participant", targetID, "error", err)
	}
	c.gateway.Deregister(ctx, sessionID, targetID)
	if conn := c.takePending(sessionID, targetID); conn != nil {
		conn.Close()
	}
	if err := c.docs.CloseParticipant(ctx, sessionID, targetID); err != nil {
		c.logger.Warnw("doc cleanup after kick failed", "session", sessionID, "participant", targetID, "error", err)
	}
	c.presence.RemoveParticipant(ctx, sessionID, targetID)
	c.broadcastChange(ctx, sessionID, targetID, ChangeKicked, target)
	c.stats.Counter("kicks").Inc(1)
	return nil
}

func (c *controller) Close(ctx context.Context, sessionID, adminID uuid.UUID) error {
	_, err := c.sessions.Mutate(ctx, sessionID, func(s *entity.Session) error {
		if err := requireAdmin(s, adminID); err != nil {
			return err
		}
		s.Status = entity.SessionClosed
		return nil
	})
	if err != nil {
		return err
	}

	// Flush everything before anyone loses their transport.
	if err := c.docs.CloseSession(ctx, sessionID); err != nil {
		c.logger.Errorw("flush on close failed", "session", sessionID, "error", err)
	}

	c.gateway.Broadcast(ctx, sessionID, protocol.MustEvent(protocol.TypeSessionClosed, protocol.SessionState{SessionID: sessionID}))

	if err := c.teardown(ctx, sessionID); err != nil {
		return err
	}
	c.logger.Infow("session closed", "session", sessionID)
	c.stats.Counter("closes").Inc(1)
	return nil
}

// teardown releases every resource held for a session: connections, chat
// backlog, presence state, the workspace watcher, parked joins and grace
// timers, and finally the registry slot.
func (c *controller) teardown(ctx context.Context, sessionID uuid.UUID) error {
	c.gateway.DeregisterSession(ctx, sessionID)
	c.chat.Forget(ctx, sessionID)
	c.presence.Forget(ctx, sessionID)
	c.watcher.Stop(sessionID)

	c.mu.Lock()
	for key, conn := range c.pending {
		if key.session == sessionID {
			conn.Close()
			delete(c.pending, key)
		}
	}
	for key, t := range c.timers {
		if key.session == sessionID {
			t.Stop()
			delete(c.timers, key)
		}
	}
	c.mu.Unlock()

	return c.sessions.Delete(ctx, sessionID)
}

// destroyAbandoned tears down a session whose last slot was just removed.
// There is no roster left to notify; documents are flushed before the state
// goes away.
func (c *controller) destroyAbandoned(ctx context.Context, sessionID uuid.UUID) {
	if err := c.docs.CloseSession(ctx, sessionID); err != nil {
		c.logger.Errorw("flush on abandon failed", "session", sessionID, "error", err)
	}
	if err := c.teardown(ctx, sessionID); err != nil {
		c.logger.Warnw("abandoned session teardown failed", "session", sessionID, "error", err)
		return
	}
	c.logger.Infow("session abandoned", "session", sessionID)
	c.stats.Counter("abandons").Inc(1)
}

func (c *controller) Disconnect(ctx context.Context, sessionID, participantID uuid.UUID) error {
	var approved, abandoned bool
	_, err := c.sessions.Mutate(ctx, sessionID, func(s *entity.Session) error {
		p, ok := s.Participants[participantID]
		if !ok {
			return &coediterrors.ParticipantNotFoundError{UUID: participantID}
		}
		if p.Approval != entity.ApprovalApproved {
			// A pending join that drops its transport leaves nothing behind.
			delete(s.Participants, participantID)
			abandoned = len(s.Participants) == 0
			return nil
		}
		p.Connection = entity.ConnectionDisconnected
		approved = true
		return nil
	})
	if err != nil {
		return err
	}

	c.gateway.Deregister(ctx, sessionID, participantID)
	if conn := c.takePending(sessionID, participantID); conn != nil {
		conn.Close()
	}

	if !approved {
		if abandoned {
			c.destroyAbandoned(ctx, sessionID)
		}
		return nil
	}

	// The slot survives for the grace window. Nothing is broadcast unless
	// the window elapses.
	key := timerKey{session: sessionID, participant: participantID}
	timer := c.clock.AfterFunc(c.cfg.gracePeriod(), func() {
		c.expire(sessionID, participantID)
	})
	c.mu.Lock()
	if old, ok := c.timers[key]; ok {
		old.Stop()
	}
	c.timers[key] = timer
	c.mu.Unlock()
	return nil
}

func (c *controller) Leave(ctx context.Context, sessionID, participantID uuid.UUID) error {
	var target *entity.Participant
	var wasApproved, abandoned bool
	_, err := c.sessions.Mutate(ctx, sessionID, func(s *entity.Session) error {
		p, ok := s.Participants[participantID]
		if !ok {
			return &coediterrors.ParticipantNotFoundError{UUID: participantID}
		}
		wasApproved = p.Approval == entity.ApprovalApproved
		delete(s.Participants, participantID)
		abandoned = len(s.Participants) == 0
		target = p
		return nil
	})
	if err != nil {
		return err
	}

	c.cancelGrace(sessionID, participantID)
	c.gateway.Deregister(ctx, sessionID, participantID)
	if conn := c.takePending(sessionID, participantID); conn != nil {
		conn.Close()
	}
	if wasApproved {
		if err := c.docs.CloseParticipant(ctx, sessionID, participantID); err != nil {
			c.logger.Warnw("doc cleanup after leave failed", "session", sessionID, "participant", participantID, "error", err)
		}
		c.presence.RemoveParticipant(ctx, sessionID, participantID)
		c.broadcastChange(ctx, sessionID, participantID, ChangeLeft, target)
	}
	if abandoned {
		c.destroyAbandoned(ctx, sessionID)
	}
	return nil
}

// expire removes a disconnected participant whose grace window elapsed. The
// per-session lock arbitrates the race against a concurrent reconnect.
func (c *controller) expire(sessionID, participantID uuid.UUID) {
	ctx := context.Background()

	var target *entity.Participant
	var abandoned bool
	_, err := c.sessions.Mutate(ctx, sessionID, func(s *entity.Session) error {
		p, ok := s.Participants[participantID]
		if !ok || p.Connection != entity.ConnectionDisconnected {
			return &coediterrors.ParticipantNotFoundError{UUID: participantID}
		}
		delete(s.Participants, participantID)
		abandoned = len(s.Participants) == 0
		target = p
		return nil
	})

	c.mu.Lock()
	delete(c.timers, timerKey{session: sessionID, participant: participantID})
	c.mu.Unlock()

	if err != nil {
		// Reconnected in time, or the session is already gone.
		return
	}

	if err := c.docs.CloseParticipant(ctx, sessionID, participantID); err != nil {
		c.logger.Warnw("doc cleanup after grace expiry failed", "session", sessionID, "participant", participantID, "error", err)
	}
	c.presence.RemoveParticipant(ctx, sessionID, participantID)
	c.broadcastChange(ctx, sessionID, participantID, ChangeLeft, target)
	c.stats.Counter("grace_expiries").Inc(1)

	// A session everyone abandoned is destroyed outright, not parked open.
	if abandoned {
		c.destroyAbandoned(ctx, sessionID)
	}
}

func (c *controller) broadcastChange(ctx context.Context, sessionID, aboutID uuid.UUID, change string, p *entity.Participant) {
	c.gateway.BroadcastExcept(ctx, sessionID, aboutID, protocol.MustEvent(protocol.TypeMembershipChanged, protocol.MembershipChanged{
		Change:      change,
		Participant: mapper.ParticipantToInfo(p),
	}))
}

func (c *controller) cancelGrace(sessionID, participantID uuid.UUID) {
	key := timerKey{session: sessionID, participant: participantID}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[key]; ok {
		t.Stop()
		delete(c.timers, key)
	}
}

func (c *controller) takePending(sessionID, participantID uuid.UUID) client.Conn {
	key := timerKey{session: sessionID, participant: participantID}
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.pending[key]
	if !ok {
		return nil
	}
	delete(c.pending, key)
	return conn
}

func requireAdmin(s *entity.Session, adminID uuid.UUID) error {
	p, ok := s.Participants[adminID]
	if !ok || !p.CanAdminister() {
		return coediterrors.ErrNotAdmin
	}
	return nil
}
