package docstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/config"
	"go.uber.org/zap"

	"github.com/maanworks/coedit/src/coedit/entity"
	"github.com/maanworks/coedit/src/coedit/gateway/client/clientfake"
	coediterrors "github.com/maanworks/coedit/src/coedit/internal/errors"
	"github.com/maanworks/coedit/src/coedit/internal/fs"
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
	root      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("hello world"), 0644))

	provider, err := config.NewYAML(config.Static(map[string]interface{}{
		"docstore": map[string]interface{}{
			"maxFileSizeBytes": 1 << 20,
			"rebaseWindow":     64,
		},
	}))
	require.NoError(t, err)

	sessions := sessionrepo.New(tally.NewTestScope("testing", nil))
	gateway := clientfake.New()

	f := &fixture{
		sessions:  sessions,
		gateway:   gateway,
		sessionID: uuid.Must(uuid.NewV4()),
		adminID:   uuid.Must(uuid.NewV4()),
		memberID:  uuid.Must(uuid.NewV4()),
		pendingID: uuid.Must(uuid.NewV4()),
		root:      root,
	}

	s := &entity.Session{
		UUID:            f.sessionID,
		ProjectToken:    "tok",
		WorkspaceRoot:   root,
		Status:          entity.SessionOpen,
		AdminID:         f.adminID,
		MaxParticipants: entity.DefaultMaxParticipants,
		Policy:          entity.ApprovalPolicyAdmin,
		Participants: map[uuid.UUID]*entity.Participant{
			f.adminID: {
				ID:         f.adminID,
				Role:       entity.RoleAdmin,
				Approval:   entity.ApprovalApproved,
				Connection: entity.ConnectionActive,
			},
			f.memberID: {
				ID:         f.memberID,
				Role:       entity.RoleMember,
				Approval:   entity.ApprovalApproved,
				Connection: entity.ConnectionActive,
			},
			f.pendingID: {
				ID:         f.pendingID,
				Role:       entity.RoleMember,
				Approval:   entity.ApprovalRequesting,
				Connection: entity.ConnectionActive,
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
		Config:   provider,
		FS:       fs.New(),
	})
	return f
}

func TestOpenReadsWorkspaceContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	content, revision, err := f.ctrl.Open(ctx, f.sessionID, "main.go", f.adminID)
	require.NoError(t, err)
	assert.Equal(t, "hello world", content)
	assert.Equal(t, int64(0), revision)
}

func TestOpenRejectsPendingParticipant(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.ctrl.Open(context.Background(), f.sessionID, "main.go", f.pendingID)
	require.ErrorIs(t, err, coediterrors.ErrNotApproved)
}

func TestOpenRejectsTraversal(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.ctrl.Open(context.Background(), f.sessionID, "../outside.txt", f.adminID)
	require.Error(t, err)
	var pt *coediterrors.PathTraversalError
	require.ErrorAs(t, err, &pt)
}

func TestApplyAdvancesRevisionAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.ctrl.Open(ctx, f.sessionID, "main.go", f.adminID)
	require.NoError(t, err)

	applied, err := f.ctrl.Apply(ctx, f.sessionID, f.adminID, protocol.Op{
		Path:         "main.go",
		BaseRevision: 0,
		Spans:        []protocol.Span{{Pos: 5, InsText: ","}},
		ClientSeq:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), applied.Revision)

	content, revision, err := f.ctrl.Content(ctx, f.sessionID, "main.go")
	require.NoError(t, err)
	assert.Equal(t, "hello, world", content)
	assert.Equal(t, int64(1), revision)

	// The applied op is echoed to the originator as well as the other member.
	assert.Len(t, f.gateway.ConnOf(f.sessionID, f.adminID).EventsOfType(protocol.TypeOpApplied), 1)
	assert.Len(t, f.gateway.ConnOf(f.sessionID, f.memberID).EventsOfType(protocol.TypeOpApplied), 1)
}

func TestRevisionMonotonicity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.ctrl.Open(ctx, f.sessionID, "main.go", f.adminID)
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		applied, err := f.ctrl.Apply(ctx, f.sessionID, f.adminID, protocol.Op{
			Path:         "main.go",
			BaseRevision: int64(i - 1),
			Spans:        []protocol.Span{{Pos: 0, InsText: "x"}},
			ClientSeq:    int64(i),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i), applied.Revision)
	}
}

func TestConcurrentBaseRebasedLikeScenario(t *testing.T) {
	// Document "hello world": A inserts " there" at 5, B concurrently deletes
	// "world" at [6,11), both against the same base. Expected final content is
	// exactly "hello there ".
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.ctrl.Open(ctx, f.sessionID, "main.go", f.adminID)
	require.NoError(t, err)

	_, err = f.ctrl.Apply(ctx, f.sessionID, f.adminID, protocol.Op{
		Path: "main.go", BaseRevision: 0, ClientSeq: 1,
		Spans: []protocol.Span{{Pos: 5, InsText: " there"}},
	})
	require.NoError(t, err)

	applied, err := f.ctrl.Apply(ctx, f.sessionID, f.memberID, protocol.Op{
		Path: "main.go", BaseRevision: 0, ClientSeq: 1,
		Spans: []protocol.Span{{Pos: 6, DelLen: 5}},
	})
	require.NoError(t, err)
	assert.Equal(t, []protocol.Span{{Pos: 12, DelLen: 5}}, applied.Spans)

	content, _, err := f.ctrl.Content(ctx, f.sessionID, "main.go")
	require.NoError(t, err)
	assert.Equal(t, "hello there ", content)
}

func TestIdempotentRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.ctrl.Open(ctx, f.sessionID, "main.go", f.adminID)
	require.NoError(t, err)

	op := protocol.Op{
		Path: "main.go", BaseRevision: 0, ClientSeq: 7,
		Spans: []protocol.Span{{Pos: 0, InsText: "x"}},
	}
	first, err := f.ctrl.Apply(ctx, f.sessionID, f.adminID, op)
	require.NoError(t, err)

	retry, err := f.ctrl.Apply(ctx, f.sessionID, f.adminID, op)
	require.NoError(t, err)
	assert.Equal(t, first, retry)

	content, revision, err := f.ctrl.Content(ctx, f.sessionID, "main.go")
	require.NoError(t, err)
	assert.Equal(t, "xhello world", content)
	assert.Equal(t, int64(1), revision)

	// The replay goes to the originator only; the other member sees a single
	// broadcast.
	assert.Len(t, f.gateway.ConnOf(f.sessionID, f.memberID).EventsOfType(protocol.TypeOpApplied), 1)
	assert.Len(t, f.gateway.ConnOf(f.sessionID, f.adminID).EventsOfType(protocol.TypeOpApplied), 2)
}

func TestNoOpDoesNotAdvanceRevision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.ctrl.Open(ctx, f.sessionID, "main.go", f.adminID)
	require.NoError(t, err)

	applied, err := f.ctrl.Apply(ctx, f.sessionID, f.adminID, protocol.Op{
		Path: "main.go", BaseRevision: 0, ClientSeq: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), applied.Revision)

	// Not broadcast to others.
	assert.Empty(t, f.gateway.ConnOf(f.sessionID, f.memberID).EventsOfType(protocol.TypeOpApplied))
}

func TestStaleBaseBeyondWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.ctrl.Open(ctx, f.sessionID, "main.go", f.adminID)
	require.NoError(t, err)

	for i := 1; i <= 70; i++ {
		_, err := f.ctrl.Apply(ctx, f.sessionID, f.adminID, protocol.Op{
			Path: "main.go", BaseRevision: int64(i - 1), ClientSeq: int64(i),
			Spans: []protocol.Span{{Pos: 0, InsText: "x"}},
		})
		require.NoError(t, err)
	}

	// Base revision 0 is now older than the 64-op rebase window.
	_, err = f.ctrl.Apply(ctx, f.sessionID, f.memberID, protocol.Op{
		Path: "main.go", BaseRevision: 0, ClientSeq: 1,
		Spans: []protocol.Span{{Pos: 0, InsText: "y"}},
	})
	var stale *coediterrors.StaleBaseError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, int64(70), stale.CurrentRevision)
}

func TestReplaceDiffsIntoSpans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.ctrl.Open(ctx, f.sessionID, "main.go", f.adminID)
	require.NoError(t, err)

	applied, err := f.ctrl.Replace(ctx, f.sessionID, f.adminID, "main.go", "hello brave world")
	require.NoError(t, err)
	assert.Equal(t, int64(1), applied.Revision)
	assert.NotEmpty(t, applied.Spans)

	content, _, err := f.ctrl.Content(ctx, f.sessionID, "main.go")
	require.NoError(t, err)
	assert.Equal(t, "hello brave world", content)
}

func TestFlushPersistsAndClosesEvict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.ctrl.Open(ctx, f.sessionID, "main.go", f.adminID)
	require.NoError(t, err)
	_, _, err = f.ctrl.Open(ctx, f.sessionID, "main.go", f.memberID)
	require.NoError(t, err)

	_, err = f.ctrl.Apply(ctx, f.sessionID, f.adminID, protocol.Op{
		Path: "main.go", BaseRevision: 0, ClientSeq: 1,
		Spans: []protocol.Span{{Pos: 11, InsText: "!"}},
	})
	require.NoError(t, err)

	persisted, err := f.ctrl.Flush(ctx, f.sessionID, "main.go")
	require.NoError(t, err)
	assert.True(t, persisted)

	raw, err := os.ReadFile(filepath.Join(f.root, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "hello world!", string(raw))

	// A second flush with no new revisions is a no-op.
	persisted, err = f.ctrl.Flush(ctx, f.sessionID, "main.go")
	require.NoError(t, err)
	assert.False(t, persisted)

	// First close keeps the document resident, last close evicts it.
	require.NoError(t, f.ctrl.Close(ctx, f.sessionID, "main.go", f.adminID))
	_, _, err = f.ctrl.Content(ctx, f.sessionID, "main.go")
	require.NoError(t, err)

	require.NoError(t, f.ctrl.Close(ctx, f.sessionID, "main.go", f.memberID))
	_, _, err = f.ctrl.Content(ctx, f.sessionID, "main.go")
	var nf *coediterrors.DocumentNotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestCloseSessionFlushesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(f.root, "other.go"), []byte("b"), 0644))

	_, _, err := f.ctrl.Open(ctx, f.sessionID, "main.go", f.adminID)
	require.NoError(t, err)
	_, _, err = f.ctrl.Open(ctx, f.sessionID, "other.go", f.adminID)
	require.NoError(t, err)

	_, err = f.ctrl.Apply(ctx, f.sessionID, f.adminID, protocol.Op{
		Path: "main.go", BaseRevision: 0, ClientSeq: 1,
		Spans: []protocol.Span{{Pos: 0, InsText: "saved "}},
	})
	require.NoError(t, err)

	require.NoError(t, f.ctrl.CloseSession(ctx, f.sessionID))

	raw, err := os.ReadFile(filepath.Join(f.root, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "saved hello world", string(raw))

	_, _, err = f.ctrl.Content(ctx, f.sessionID, "main.go")
	require.Error(t, err)
}
