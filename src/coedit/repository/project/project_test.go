package project

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	coediterrors "github.com/maanworks/coedit/src/coedit/internal/errors"
	"github.com/maanworks/coedit/src/coedit/model"
)

func newRepo(t *testing.T) Repository {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo, err := NewWithDB(db, zap.NewNop().Sugar(), tally.NewTestScope("testing", nil))
	require.NoError(t, err)
	return repo
}

func TestCreateAndGetByToken(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	p := &model.Project{
		Name:            "demo",
		SessionToken:    "tok-1",
		GitURL:          "https://example.com/demo.git",
		WorkspacePath:   "/tmp/ws/demo",
		MaxParticipants: 5,
		Policy:          "admin",
		Active:          true,
	}
	require.NoError(t, repo.Create(ctx, p))
	assert.NotZero(t, p.ID)
	assert.False(t, p.CreatedAt.IsZero())

	got, err := repo.GetByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.GitURL, got.GitURL)
	assert.Equal(t, p.WorkspacePath, got.WorkspacePath)
	assert.Equal(t, 5, got.MaxParticipants)
	assert.True(t, got.Active)
}

func TestGetByTokenNotFound(t *testing.T) {
	repo := newRepo(t)

	_, err := repo.GetByToken(context.Background(), "missing")
	var notFound *coediterrors.ProjectNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestCreateRejectsDuplicateToken(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &model.Project{Name: "a", SessionToken: "tok", WorkspacePath: "/tmp/a"}))
	err := repo.Create(ctx, &model.Project{Name: "b", SessionToken: "tok", WorkspacePath: "/tmp/b"})
	assert.Error(t, err)
}

func TestListOrdersNewestFirst(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	for _, token := range []string{"tok-1", "tok-2", "tok-3"} {
		require.NoError(t, repo.Create(ctx, &model.Project{Name: token, SessionToken: token, WorkspacePath: "/tmp/" + token}))
	}

	out, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestSetActive(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &model.Project{Name: "demo", SessionToken: "tok", WorkspacePath: "/tmp/demo", Active: true}))
	require.NoError(t, repo.SetActive(ctx, "tok", false))

	got, err := repo.GetByToken(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, got.Active)

	var notFound *coediterrors.ProjectNotFoundError
	assert.ErrorAs(t, repo.SetActive(ctx, "missing", true), &notFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &model.Project{Name: "demo", SessionToken: "tok", WorkspacePath: "/tmp/demo"}))
	require.NoError(t, repo.Delete(ctx, "tok"))
	require.NoError(t, repo.Delete(ctx, "tok"))

	_, err := repo.GetByToken(ctx, "tok")
	var notFound *coediterrors.ProjectNotFoundError
	assert.ErrorAs(t, err, &notFound)
}
