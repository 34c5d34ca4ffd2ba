package collab

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/config"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/maanworks/coedit/src/coedit/controller/chat"
	"github.com/maanworks/coedit/src/coedit/controller/docstore"
	"github.com/maanworks/coedit/src/coedit/controller/membership"
	"github.com/maanworks/coedit/src/coedit/controller/presence"
	"github.com/maanworks/coedit/src/coedit/controller/workspace"
	"github.com/maanworks/coedit/src/coedit/entity"
	"github.com/maanworks/coedit/src/coedit/gateway/client/clientfake"
	"github.com/maanworks/coedit/src/coedit/internal/clock/clockfake"
	"github.com/maanworks/coedit/src/coedit/internal/executor"
	"github.com/maanworks/coedit/src/coedit/internal/fs"
	"github.com/maanworks/coedit/src/coedit/internal/protocol"
	projectrepo "github.com/maanworks/coedit/src/coedit/repository/project"
	sessionrepo "github.com/maanworks/coedit/src/coedit/repository/session"
)

type fixture struct {
	handler Handler
	gateway *clientfake.Gateway
	clock   *clockfake.Clock
	session *entity.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	baseDir := t.TempDir()
	provider, err := config.NewYAML(config.Static(map[string]interface{}{
		"docstore": map[string]interface{}{
			"maxFileSizeBytes": 1 << 20,
			"rebaseWindow":     64,
		},
		"chat": map[string]interface{}{
			"backlogSize": 100,
		},
		"membership": map[string]interface{}{
			"gracePeriodSeconds": 30,
		},
		"workspace": map[string]interface{}{
			"baseDir": baseDir,
		},
	}))
	require.NoError(t, err)

	logger := zap.NewNop().Sugar()
	stats := tally.NewTestScope("testing", nil)
	sessions := sessionrepo.New(stats)
	gateway := clientfake.New()
	clk := clockfake.New(time.Unix(1700000000, 0))
	workspaceFS := fs.New()
	lc := fxtest.NewLifecycle(t)

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	projects, err := projectrepo.NewWithDB(db, logger, stats)
	require.NoError(t, err)

	docs := docstore.New(docstore.Params{
		Sessions: sessions,
		Gateway:  gateway,
		Logger:   logger,
		Stats:    stats,
		Config:   provider,
		FS:       workspaceFS,
	})
	pres := presence.New(presence.Params{
		Sessions: sessions,
		Gateway:  gateway,
		Logger:   logger,
		Stats:    stats,
	})
	chatCtrl, err := chat.New(chat.Params{
		Sessions: sessions,
		Gateway:  gateway,
		Clock:    clk,
		Logger:   logger,
		Stats:    stats,
		Config:   provider,
	})
	require.NoError(t, err)
	watcher := workspace.NewWatcher(workspace.WatcherParams{
		Lifecycle: lc,
		Gateway:   gateway,
		Logger:    logger,
	})
	member, err := membership.New(membership.Params{
		Sessions: sessions,
		Gateway:  gateway,
		Docs:     docs,
		Presence: pres,
		Chat:     chatCtrl,
		Watcher:  watcher,
		Clock:    clk,
		Logger:   logger,
		Stats:    stats,
		Config:   provider,
	})
	require.NoError(t, err)
	ws, err := workspace.New(workspace.Params{
		Sessions: sessions,
		Gateway:  gateway,
		Docs:     docs,
		Projects: projects,
		Executor: executor.NewExecutor(),
		FS:       workspaceFS,
		Logger:   logger,
		Stats:    stats,
		Config:   provider,
	})
	require.NoError(t, err)

	h := New(Params{
		Membership: member,
		Workspace:  ws,
		Watcher:    watcher,
		Docs:       docs,
		Presence:   pres,
		Chat:       chatCtrl,
		Sessions:   sessions,
		Logger:     logger,
		Stats:      stats,
	})

	f := &fixture{handler: h, gateway: gateway, clock: clk}

	project, err := ws.CreateProject(context.Background(), workspace.CreateProjectRequest{
		Name:   "demo",
		Policy: string(entity.ApprovalPolicyOpen),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(project.WorkspacePath, "main.go"), []byte("hello world"), 0644))

	s, err := h.Resolve(context.Background(), project.SessionToken)
	require.NoError(t, err)
	f.session = s

	t.Cleanup(func() { lc.RequireStop() })
	return f
}

func (f *fixture) connect(t *testing.T, name string) (*Router, *clientfake.Conn) {
	t.Helper()
	conn := clientfake.NewConn()
	router := f.handler.NewRouter(f.session.UUID, conn)
	router.HandleEvent(context.Background(), protocol.MustEvent(protocol.TypeJoin, protocol.Join{
		DisplayName: name,
		Identity:    uuid.Must(uuid.NewV4()),
	}))
	require.Len(t, conn.EventsOfType(protocol.TypeJoinAccepted), 1, "join should be accepted")
	return router, conn
}

func TestRouterRejectsEventsBeforeJoin(t *testing.T) {
	f := newFixture(t)

	conn := clientfake.NewConn()
	router := f.handler.NewRouter(f.session.UUID, conn)
	router.HandleEvent(context.Background(), protocol.MustEvent(protocol.TypeChat, protocol.Chat{Text: "hi"}))

	errs := conn.EventsOfType(protocol.TypeError)
	require.Len(t, errs, 1)

	var ev protocol.ErrorEvent
	require.NoError(t, json.Unmarshal(errs[0].Payload, &ev))
	assert.Equal(t, "notJoined", ev.Code)
}

func TestRouterJoinAndEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	adminRouter, adminConn := f.connect(t, "ada")
	_, memberConn := f.connect(t, "grace")

	adminRouter.HandleEvent(ctx, protocol.MustEvent(protocol.TypeOpenFile, protocol.FileRef{Path: "main.go"}))
	require.Len(t, adminConn.EventsOfType(protocol.TypeFileContent), 1)

	adminRouter.HandleEvent(ctx, protocol.MustEvent(protocol.TypeOp, protocol.Op{
		Path:         "main.go",
		BaseRevision: 0,
		Spans:        []protocol.Span{{Pos: 5, InsText: " there"}},
		ClientSeq:    1,
	}))

	// Both the originator echo and the member broadcast arrive.
	assert.Len(t, adminConn.EventsOfType(protocol.TypeOpApplied), 1)
	assert.Len(t, memberConn.EventsOfType(protocol.TypeOpApplied), 1)
}

func TestRouterJoinRejectedWhenFull(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < entity.DefaultMaxParticipants; i++ {
		f.connect(t, "p")
	}

	extra := clientfake.NewConn()
	router := f.handler.NewRouter(f.session.UUID, extra)
	router.HandleEvent(context.Background(), protocol.MustEvent(protocol.TypeJoin, protocol.Join{DisplayName: "late"}))

	rejected := extra.EventsOfType(protocol.TypeJoinRejected)
	require.Len(t, rejected, 1)

	var ev protocol.JoinRejected
	require.NoError(t, json.Unmarshal(rejected[0].Payload, &ev))
	assert.Equal(t, "sessionFull", ev.Reason)
}

func TestRouterCursorFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	adminRouter, _ := f.connect(t, "ada")
	_, memberConn := f.connect(t, "grace")

	adminRouter.HandleEvent(ctx, protocol.MustEvent(protocol.TypeCursor, protocol.Cursor{Path: "main.go", Anchor: 2, Head: 2}))
	assert.Len(t, memberConn.EventsOfType(protocol.TypeCursorUpdate), 1)
}

func TestRouterStaleOpReturnsErrorToSenderOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	adminRouter, adminConn := f.connect(t, "ada")
	_, memberConn := f.connect(t, "grace")

	adminRouter.HandleEvent(ctx, protocol.MustEvent(protocol.TypeOpenFile, protocol.FileRef{Path: "main.go"}))
	adminRouter.HandleEvent(ctx, protocol.MustEvent(protocol.TypeOp, protocol.Op{
		Path:         "main.go",
		BaseRevision: 99,
		Spans:        []protocol.Span{{Pos: 0, InsText: "x"}},
		ClientSeq:    1,
	}))

	errs := adminConn.EventsOfType(protocol.TypeError)
	require.Len(t, errs, 1)
	var ev protocol.ErrorEvent
	require.NoError(t, json.Unmarshal(errs[0].Payload, &ev))
	assert.Equal(t, "staleBase", ev.Code)
	assert.Empty(t, memberConn.EventsOfType(protocol.TypeError))
}

func TestRouterLeave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, adminConn := f.connect(t, "ada")
	memberRouter, _ := f.connect(t, "grace")

	memberRouter.HandleEvent(ctx, protocol.MustEvent(protocol.TypeLeave, nil))

	var left bool
	for _, ev := range adminConn.EventsOfType(protocol.TypeMembershipChanged) {
		var change protocol.MembershipChanged
		require.NoError(t, json.Unmarshal(ev.Payload, &change))
		if change.Change == membership.ChangeLeft {
			left = true
		}
	}
	assert.True(t, left)
}

func TestRouterCloseSessionIsAdminOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.connect(t, "ada")
	memberRouter, memberConn := f.connect(t, "grace")

	memberRouter.HandleEvent(ctx, protocol.MustEvent(protocol.TypeCloseSession, nil))

	errs := memberConn.EventsOfType(protocol.TypeError)
	require.Len(t, errs, 1)
	var ev protocol.ErrorEvent
	require.NoError(t, json.Unmarshal(errs[0].Payload, &ev))
	assert.Equal(t, "notAdmin", ev.Code)
}

func TestRouterDisconnectStartsGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, adminConn := f.connect(t, "ada")
	memberRouter, _ := f.connect(t, "grace")

	memberRouter.HandleDisconnect(ctx)

	// Nothing broadcast until the grace window elapses.
	before := len(adminConn.EventsOfType(protocol.TypeMembershipChanged))
	f.clock.Advance(31 * time.Second)
	after := adminConn.EventsOfType(protocol.TypeMembershipChanged)
	assert.Greater(t, len(after), before)
}

func TestRouterUnknownEvent(t *testing.T) {
	f := newFixture(t)

	router, conn := f.connect(t, "ada")
	router.HandleEvent(context.Background(), protocol.Event{Type: "bogus"})

	errs := conn.EventsOfType(protocol.TypeError)
	require.Len(t, errs, 1)
	var ev protocol.ErrorEvent
	require.NoError(t, json.Unmarshal(errs[0].Payload, &ev))
	assert.Equal(t, "unknownEvent", ev.Code)
}
