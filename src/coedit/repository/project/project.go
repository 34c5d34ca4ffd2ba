// Package project persists project rows in SQLite. Projects are the durable
// half of the system: a session token, a workspace path and the admission
// settings survive daemon restarts, while live session state does not.
package project

import (
	"context"
	"database/sql"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	coediterrors "github.com/maanworks/coedit/src/coedit/internal/errors"
	"github.com/maanworks/coedit/src/coedit/model"
)

const (
	_nameKey   = "projects"
	_configKey = "projects"
)

const _schema = `
CREATE TABLE IF NOT EXISTS projects (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    session_token TEXT NOT NULL UNIQUE,
    git_url TEXT NOT NULL DEFAULT '',
    workspace_path TEXT NOT NULL,
    max_participants INTEGER NOT NULL DEFAULT 5,
    policy TEXT NOT NULL DEFAULT 'admin',
    active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_projects_token ON projects(session_token);
`

// Module provides the project repository and its lifecycle hooks.
var Module = fx.Provide(New)

// Config locates the SQLite database file.
type Config struct {
	Path string `yaml:"path"`
}

// Repository is the persisted project store.
type Repository interface {
	Create(ctx context.Context, p *model.Project) error
	GetByToken(ctx context.Context, token string) (*model.Project, error)
	List(ctx context.Context) ([]*model.Project, error)
	SetActive(ctx context.Context, token string, active bool) error
	Delete(ctx context.Context, token string) error
}

// Params are inbound parameters to construct the repository.
type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Logger    *zap.SugaredLogger
	Stats     tally.Scope
	Config    config.Provider
}

type repository struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	stats  tally.Scope
}

// New opens the database, applies the schema and returns the repository. The
// connection closes on fx shutdown.
func New(p Params) (Repository, error) {
	var cfg Config
	if err := p.Config.Get(_configKey).Populate(&cfg); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		cfg.Path = "coedit.db"
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(_schema); err != nil {
		db.Close()
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return db.Close()
		},
	})

	return &repository{
		db:     db,
		logger: p.Logger.With("plugin", _nameKey),
		stats:  p.Stats.SubScope(_nameKey),
	}, nil
}

// NewWithDB wires the repository onto an existing connection, used in tests.
func NewWithDB(db *sql.DB, logger *zap.SugaredLogger, stats tally.Scope) (Repository, error) {
	if _, err := db.Exec(_schema); err != nil {
		return nil, err
	}
	return &repository{db: db, logger: logger, stats: stats.SubScope(_nameKey)}, nil
}

func (r *repository) Create(ctx context.Context, p *model.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO projects (name, session_token, git_url, workspace_path, max_participants, policy, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.SessionToken, p.GitURL, p.WorkspacePath, p.MaxParticipants, p.Policy, p.Active, p.CreatedAt,
	)
	if err != nil {
		return err
	}
	p.ID, err = res.LastInsertId()
	if err != nil {
		return err
	}
	r.stats.Counter("created").Inc(1)
	return nil
}

func (r *repository) GetByToken(ctx context.Context, token string) (*model.Project, error) {
	var p model.Project
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, session_token, git_url, workspace_path, max_participants, policy, active, created_at
		FROM projects WHERE session_token = ?`, token,
	).Scan(&p.ID, &p.Name, &p.SessionToken, &p.GitURL, &p.WorkspacePath, &p.MaxParticipants, &p.Policy, &p.Active, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, &coediterrors.ProjectNotFoundError{Token: token}
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repository) List(ctx context.Context) ([]*model.Project, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, session_token, git_url, workspace_path, max_participants, policy, active, created_at
		FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Project
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.SessionToken, &p.GitURL, &p.WorkspacePath, &p.MaxParticipants, &p.Policy, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *repository) SetActive(ctx context.Context, token string, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE projects SET active = ? WHERE session_token = ?`, active, token)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &coediterrors.ProjectNotFoundError{Token: token}
	}
	return nil
}

func (r *repository) Delete(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM projects WHERE session_token = ?`, token)
	return err
}
