package presence

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/maanworks/coedit/src/coedit/entity"
	"github.com/maanworks/coedit/src/coedit/gateway/client/clientfake"
	coediterrors "github.com/maanworks/coedit/src/coedit/internal/errors"
	"github.com/maanworks/coedit/src/coedit/internal/protocol"
	sessionrepo "github.com/maanworks/coedit/src/coedit/repository/session"
)

type fixture struct {
	ctrl      Controller
	sessions  sessionrepo.Repository
	gateway   *clientfake.Gateway
	sessionID uuid.UUID
	adminID   uuid.UUID
	memberID  uuid.UUID
	pendingID uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sessions := sessionrepo.New(tally.NewTestScope("testing", nil))
	gateway := clientfake.New()

	f := &fixture{
		sessions:  sessions,
		gateway:   gateway,
		sessionID: uuid.Must(uuid.NewV4()),
		adminID:   uuid.Must(uuid.NewV4()),
		memberID:  uuid.Must(uuid.NewV4()),
		pendingID: uuid.Must(uuid.NewV4()),
	}

	s := &entity.Session{
		UUID:            f.sessionID,
		ProjectToken:    "tok",
		Status:          entity.SessionOpen,
		AdminID:         f.adminID,
		MaxParticipants: entity.DefaultMaxParticipants,
		Policy:          entity.ApprovalPolicyAdmin,
		Participants: map[uuid.UUID]*entity.Participant{
			f.adminID: {
				ID:          f.adminID,
				DisplayName: "ada",
				Color:       entity.Colors[0],
				Role:        entity.RoleAdmin,
				Approval:    entity.ApprovalApproved,
				Connection:  entity.ConnectionActive,
			},
			f.memberID: {
				ID:          f.memberID,
				DisplayName: "grace",
				Color:       entity.Colors[1],
				Role:        entity.RoleMember,
				Approval:    entity.ApprovalApproved,
				Connection:  entity.ConnectionActive,
			},
			f.pendingID: {
				ID:          f.pendingID,
				DisplayName: "eve",
				Role:        entity.RoleMember,
				Approval:    entity.ApprovalRequesting,
				Connection:  entity.ConnectionActive,
			},
		},
	}
	require.NoError(t, sessions.Set(context.Background(), s))

	gateway.Connect(f.sessionID, f.adminID)
	gateway.Connect(f.sessionID, f.memberID)

	f.ctrl = New(Params{
		Sessions: sessions,
		Gateway:  gateway,
		Logger:   zap.NewNop().Sugar(),
		Stats:    tally.NewTestScope("testing", nil),
	})
	return f
}

func TestUpdateCursorBroadcastsToOthers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.ctrl.UpdateCursor(ctx, f.sessionID, f.adminID, protocol.Cursor{Path: "main.go", Anchor: 3, Head: 7})
	require.NoError(t, err)

	memberEvents := f.gateway.ConnOf(f.sessionID, f.memberID).EventsOfType(protocol.TypeCursorUpdate)
	require.Len(t, memberEvents, 1)

	var update protocol.CursorUpdate
	require.NoError(t, json.Unmarshal(memberEvents[0].Payload, &update))
	assert.Equal(t, f.adminID, update.Participant)
	assert.Equal(t, "ada", update.DisplayName)
	assert.Equal(t, entity.Colors[0], update.Color)
	assert.Equal(t, 3, update.Anchor)
	assert.Equal(t, 7, update.Head)

	// Originator never echoes its own cursor.
	assert.Empty(t, f.gateway.ConnOf(f.sessionID, f.adminID).EventsOfType(protocol.TypeCursorUpdate))
}

func TestUpdateCursorLastWriteWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.UpdateCursor(ctx, f.sessionID, f.adminID, protocol.Cursor{Path: "main.go", Anchor: 1, Head: 1}))
	require.NoError(t, f.ctrl.UpdateCursor(ctx, f.sessionID, f.adminID, protocol.Cursor{Path: "main.go", Anchor: 9, Head: 9}))

	cursors := f.ctrl.Cursors(ctx, f.sessionID, "main.go")
	require.Len(t, cursors, 1)
	assert.Equal(t, 9, cursors[0].Anchor)
}

func TestUpdateCursorPerFileState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.UpdateCursor(ctx, f.sessionID, f.adminID, protocol.Cursor{Path: "a.go", Anchor: 1, Head: 1}))
	require.NoError(t, f.ctrl.UpdateCursor(ctx, f.sessionID, f.adminID, protocol.Cursor{Path: "b.go", Anchor: 2, Head: 2}))
	require.NoError(t, f.ctrl.UpdateCursor(ctx, f.sessionID, f.memberID, protocol.Cursor{Path: "a.go", Anchor: 5, Head: 5}))

	assert.Len(t, f.ctrl.Cursors(ctx, f.sessionID, "a.go"), 2)
	assert.Len(t, f.ctrl.Cursors(ctx, f.sessionID, "b.go"), 1)
}

func TestUpdateCursorRejectsPendingParticipant(t *testing.T) {
	f := newFixture(t)

	err := f.ctrl.UpdateCursor(context.Background(), f.sessionID, f.pendingID, protocol.Cursor{Path: "main.go"})
	assert.ErrorIs(t, err, coediterrors.ErrNotApproved)
}

func TestSetCurrentFilePersistsAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.SetCurrentFile(ctx, f.sessionID, f.memberID, "main.go"))

	s, err := f.sessions.Get(ctx, f.sessionID)
	require.NoError(t, err)
	assert.Equal(t, "main.go", s.Participants[f.memberID].CurrentFile)

	adminEvents := f.gateway.ConnOf(f.sessionID, f.adminID).EventsOfType(protocol.TypeFileFocus)
	require.Len(t, adminEvents, 1)

	var focus protocol.FileFocus
	require.NoError(t, json.Unmarshal(adminEvents[0].Payload, &focus))
	assert.Equal(t, f.memberID, focus.Participant)
	assert.Equal(t, "main.go", focus.Path)
}

func TestRemoveParticipantClearsCursorsWithSingleEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.UpdateCursor(ctx, f.sessionID, f.memberID, protocol.Cursor{Path: "a.go", Anchor: 1, Head: 1}))
	require.NoError(t, f.ctrl.UpdateCursor(ctx, f.sessionID, f.memberID, protocol.Cursor{Path: "b.go", Anchor: 2, Head: 2}))

	require.NoError(t, f.ctrl.RemoveParticipant(ctx, f.sessionID, f.memberID))

	assert.Empty(t, f.ctrl.Cursors(ctx, f.sessionID, "a.go"))
	assert.Empty(t, f.ctrl.Cursors(ctx, f.sessionID, "b.go"))

	// One departure event regardless of how many files had cursors.
	adminEvents := f.gateway.ConnOf(f.sessionID, f.adminID).EventsOfType(protocol.TypePresenceLeft)
	require.Len(t, adminEvents, 1)

	var left protocol.PresenceLeft
	require.NoError(t, json.Unmarshal(adminEvents[0].Payload, &left))
	assert.Equal(t, f.memberID, left.Participant)
	assert.Equal(t, "grace", left.DisplayName)
}

func TestForgetDropsAllSessionState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.UpdateCursor(ctx, f.sessionID, f.adminID, protocol.Cursor{Path: "a.go", Anchor: 1, Head: 1}))
	require.NoError(t, f.ctrl.UpdateCursor(ctx, f.sessionID, f.memberID, protocol.Cursor{Path: "b.go", Anchor: 2, Head: 2}))

	f.ctrl.Forget(ctx, f.sessionID)

	assert.Empty(t, f.ctrl.Cursors(ctx, f.sessionID, "a.go"))
	assert.Empty(t, f.ctrl.Cursors(ctx, f.sessionID, "b.go"))
}
