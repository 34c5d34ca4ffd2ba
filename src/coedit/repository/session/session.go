package session

import (
	"context"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/uber-go/tally"
	"go.uber.org/fx"

	"github.com/maanworks/coedit/src/coedit/entity"
	"github.com/maanworks/coedit/src/coedit/internal/errors"
	"github.com/maanworks/coedit/src/coedit/mapper"
	"github.com/maanworks/coedit/src/coedit/model"
)

// Module provides the session repository.
var Module = fx.Provide(New)

// Repository is the process-wide registry of live sessions. It owns all
// Session state; components receive it by handle rather than via globals so
// teardown stays deterministic and testable.
type Repository interface {
	Get(context.Context, uuid.UUID) (*entity.Session, error)
	GetFromContext(ctx context.Context) (*entity.Session, error)
	GetByProjectToken(ctx context.Context, token string) (*entity.Session, error)
	Set(context.Context, *entity.Session) error
	// Mutate runs fn against the session under its per-session lock.
	// Membership transitions are serialized through here so an approval or
	// kick cannot race a join check past the participant cap.
	Mutate(ctx context.Context, id uuid.UUID, fn func(*entity.Session) error) (*entity.Session, error)
	Delete(ctx context.Context, id uuid.UUID) error
	SessionCount(ctx context.Context) (int, error)
}

type lockedSession struct {
	mu      sync.Mutex
	session *model.Session
}

type repository struct {
	mu       sync.Mutex
	memstore map[uuid.UUID]*lockedSession
	stats    tally.Scope
}

// New returns a repository to a key-value Session data store.
func New(stats tally.Scope) Repository {
	return &repository{
		memstore: make(map[uuid.UUID]*lockedSession),
		stats:    stats,
	}
}

// Get returns a copy of the Session associated with the given id.
func (r *repository) Get(ctx context.Context, id uuid.UUID) (*entity.Session, error) {
	ls, err := r.locked(id)
	if err != nil {
		return nil, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return mapper.ModelToSession(ls.session)
}

// GetFromContext returns the Session associated with the given context.
func (r *repository) GetFromContext(ctx context.Context) (*entity.Session, error) {
	id, err := mapper.ContextToSessionUUID(ctx)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

// GetByProjectToken returns the live session for a project token, if any.
func (r *repository) GetByProjectToken(ctx context.Context, token string) (*entity.Session, error) {
	r.mu.Lock()
	var found *lockedSession
	for _, ls := range r.memstore {
		if ls.session.ProjectToken == token {
			found = ls
			break
		}
	}
	r.mu.Unlock()

	if found == nil {
		return nil, &errors.ProjectNotFoundError{Token: token}
	}
	found.mu.Lock()
	defer found.mu.Unlock()
	return mapper.ModelToSession(found.session)
}

// Set sets the Session to its associated uuid.
func (r *repository) Set(ctx context.Context, s *entity.Session) error {
	if s == nil {
		return errors.New("can't save nil session")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.memstore[s.UUID]
	if !ok {
		ls = &lockedSession{}
		r.memstore[s.UUID] = ls
	}
	ls.mu.Lock()
	ls.session = mapper.SessionToModel(s)
	ls.mu.Unlock()
	r.stats.Gauge("active_sessions").Update(float64(len(r.memstore)))
	return nil
}

// Mutate applies fn to the session under its lock and stores the result.
func (r *repository) Mutate(ctx context.Context, id uuid.UUID, fn func(*entity.Session) error) (*entity.Session, error) {
	ls, err := r.locked(id)
	if err != nil {
		return nil, err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	s, err := mapper.ModelToSession(ls.session)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	ls.session = mapper.SessionToModel(s)
	return s, nil
}

// Delete removes the Session associated with the given id.
func (r *repository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.memstore, id)
	r.stats.Gauge("active_sessions").Update(float64(len(r.memstore)))
	return nil
}

// SessionCount returns the total count of active sessions.
func (r *repository) SessionCount(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.memstore), nil
}

func (r *repository) locked(id uuid.UUID) (*lockedSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.memstore[id]
	if !ok {
		return nil, &errors.SessionNotFoundError{UUID: id}
	}
	return ls, nil
}
