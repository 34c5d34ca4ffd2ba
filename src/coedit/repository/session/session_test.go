package session

import (
	"context"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"

	"github.com/maanworks/coedit/src/coedit/entity"
	"github.com/maanworks/coedit/src/coedit/internal/errors"
)

func newSession() *entity.Session {
	return &entity.Session{
		UUID:            uuid.Must(uuid.NewV4()),
		ProjectToken:    "tok-" + uuid.Must(uuid.NewV4()).String()[:8],
		Status:          entity.SessionOpen,
		MaxParticipants: entity.DefaultMaxParticipants,
		Policy:          entity.ApprovalPolicyAdmin,
		Participants:    make(map[uuid.UUID]*entity.Participant),
	}
}

func TestSessionRepository(t *testing.T) {
	testScope := tally.NewTestScope("testing", make(map[string]string, 0))

	t.Run("should Set and Get successfully", func(t *testing.T) {
		s := newSession()
		repository := New(testScope)

		err := repository.Set(context.Background(), s)
		require.NoError(t, err)
		val, err := repository.Get(context.Background(), s.UUID)
		require.NoError(t, err)
		assert.Equal(t, s.UUID, val.UUID)
		assert.Equal(t, s.ProjectToken, val.ProjectToken)
	})

	t.Run("should fail to get something that was not Set", func(t *testing.T) {
		repository := New(testScope)

		id := uuid.Must(uuid.NewV4())
		_, err := repository.Get(context.Background(), id)
		require.Error(t, err)
		var nf *errors.SessionNotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, id, nf.UUID)
	})

	t.Run("should find session by project token", func(t *testing.T) {
		s := newSession()
		repository := New(testScope)
		require.NoError(t, repository.Set(context.Background(), s))

		val, err := repository.GetByProjectToken(context.Background(), s.ProjectToken)
		require.NoError(t, err)
		assert.Equal(t, s.UUID, val.UUID)

		_, err = repository.GetByProjectToken(context.Background(), "missing")
		var nf *errors.ProjectNotFoundError
		require.ErrorAs(t, err, &nf)
	})
}

func TestGetFromContext(t *testing.T) {
	testScope := tally.NewTestScope("testing", make(map[string]string, 0))

	t.Run("should get when uuid is in context", func(t *testing.T) {
		s := newSession()
		repository := New(testScope)
		ctx := context.WithValue(context.Background(), entity.SessionContextKey, s.UUID)
		require.NoError(t, repository.Set(ctx, s))

		val, err := repository.GetFromContext(ctx)
		assert.NoError(t, err)
		assert.Equal(t, s.UUID, val.UUID)
	})

	t.Run("should fail when uuid is missing from context", func(t *testing.T) {
		repository := New(testScope)

		_, err := repository.GetFromContext(context.Background())
		require.Error(t, err)
	})
}

func TestMutate(t *testing.T) {
	testScope := tally.NewTestScope("testing", make(map[string]string, 0))
	ctx := context.Background()

	t.Run("should persist mutations", func(t *testing.T) {
		s := newSession()
		repository := New(testScope)
		require.NoError(t, repository.Set(ctx, s))

		p := &entity.Participant{ID: uuid.Must(uuid.NewV4()), Approval: entity.ApprovalApproved}
		_, err := repository.Mutate(ctx, s.UUID, func(s *entity.Session) error {
			s.Participants[p.ID] = p
			return nil
		})
		require.NoError(t, err)

		val, err := repository.Get(ctx, s.UUID)
		require.NoError(t, err)
		require.Contains(t, val.Participants, p.ID)
	})

	t.Run("should discard mutation on error", func(t *testing.T) {
		s := newSession()
		repository := New(testScope)
		require.NoError(t, repository.Set(ctx, s))

		_, err := repository.Mutate(ctx, s.UUID, func(s *entity.Session) error {
			s.Status = entity.SessionClosed
			return errors.ErrSessionFull
		})
		require.ErrorIs(t, err, errors.ErrSessionFull)

		val, err := repository.Get(ctx, s.UUID)
		require.NoError(t, err)
		assert.Equal(t, entity.SessionOpen, val.Status)
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	testScope := tally.NewTestScope("testing", make(map[string]string, 0))
	repository := New(testScope)

	session1 := newSession()
	session2 := newSession()

	repository.Set(ctx, session1)
	repository.Set(ctx, session2)

	// First deletion is successful. Multiple deletions return no error.
	assert.NoError(t, repository.Delete(ctx, session2.UUID))
	assert.NoError(t, repository.Delete(ctx, session2.UUID))
	_, err := repository.Get(ctx, session2.UUID)
	assert.Error(t, err)

	// Other session unaffected.
	result, err := repository.Get(ctx, session1.UUID)
	require.NoError(t, err)
	assert.Equal(t, session1.UUID, result.UUID)

	count, err := repository.SessionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
