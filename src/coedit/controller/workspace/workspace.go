// Package workspace manages the files behind a session: project creation with
// optional git import, the file tree surface, admin-gated tree mutations and
// the save approval flow.
package workspace

import (
	"context"
	"os"
	"os/exec"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/uber-go/tally"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/maanworks/coedit/src/coedit/controller/docstore"
	"github.com/maanworks/coedit/src/coedit/entity"
	"github.com/maanworks/coedit/src/coedit/gateway/client"
	coediterrors "github.com/maanworks/coedit/src/coedit/internal/errors"
	"github.com/maanworks/coedit/src/coedit/internal/executor"
	"github.com/maanworks/coedit/src/coedit/internal/fs"
	"github.com/maanworks/coedit/src/coedit/internal/protocol"
	"github.com/maanworks/coedit/src/coedit/model"
	projectrepo "github.com/maanworks/coedit/src/coedit/repository/project"
	"github.com/maanworks/coedit/src/coedit/repository/session"
)

const (
	_nameKey   = "workspace"
	_configKey = "workspace"
)

// Tree change kinds carried in fileTreeChanged events.
const (
	TreeCreated  = "created"
	TreeDeleted  = "deleted"
	TreeRenamed  = "renamed"
	TreeExternal = "external"
)

// Module provides the workspace controller.
var Module = fx.Provide(New)

// Config locates the directory under which per-project workspaces are created.
type Config struct {
	BaseDir string `yaml:"baseDir"`
}

// CreateProjectRequest describes a new project.
type CreateProjectRequest struct {
	Name            string `json:"name"`
	GitURL          string `json:"gitUrl,omitempty"`
	MaxParticipants int    `json:"maxParticipants,omitempty"`
	Policy          string `json:"policy,omitempty"`
}

// Controller is the workspace and project surface.
type Controller interface {
	// CreateProject provisions a workspace directory, optionally populated by
	// a shallow git clone, and persists the project row.
	CreateProject(ctx context.Context, req CreateProjectRequest) (*model.Project, error)
	// Project returns the persisted project for a session token.
	Project(ctx context.Context, token string) (*model.Project, error)
	// ListProjects returns every persisted project, newest first.
	ListProjects(ctx context.Context) ([]*model.Project, error)
	// Tree lists the workspace file tree, dotfiles skipped, directories first.
	Tree(ctx context.Context, sessionID uuid.UUID) ([]fs.TreeEntry, error)
	// CreateEntry creates an empty file or a directory. Admin only.
	CreateEntry(ctx context.Context, sessionID, adminID uuid.UUID, path string, isDir bool) error
	// DeleteEntry removes a file or directory tree. Admin only.
	DeleteEntry(ctx context.Context, sessionID, adminID uuid.UUID, path string) error
	// RenameEntry moves a file or directory inside the workspace. Admin only.
	RenameEntry(ctx context.Context, sessionID, adminID uuid.UUID, oldPath, newPath string) error
	// Save persists a document. Admins persist immediately; a member's request
	// is parked and routed to the admin for approval.
	Save(ctx context.Context, sessionID, participantID uuid.UUID, path string) error
	// ApproveSave executes a parked save request. Admin only.
	ApproveSave(ctx context.Context, sessionID, adminID, approvalID uuid.UUID) error
	// RejectSave drops a parked save request and informs the requester. Admin only.
	RejectSave(ctx context.Context, sessionID, adminID, approvalID uuid.UUID) error
}

// Params are inbound parameters to construct the controller.
type Params struct {
	fx.In

	Sessions session.Repository
	Gateway  client.Gateway
	Docs     docstore.Controller
	Projects projectrepo.Repository
	Executor executor.Executor
	FS       fs.WorkspaceFS
	Logger   *zap.SugaredLogger
	Stats    tally.Scope
	Config   config.Provider
}

type pendingSave struct {
	session   uuid.UUID
	path      string
	requester uuid.UUID
}

type controller struct {
	sessions session.Repository
	gateway  client.Gateway
	docs     docstore.Controller
	projects projectrepo.Repository
	executor executor.Executor
	fs       fs.WorkspaceFS
	logger   *zap.SugaredLogger
	stats    tally.Scope
	cfg      Config

	mu    sync.Mutex
	saves map[uuid.UUID]pendingSave
}

// New creates a new workspace controller.
func New(p Params) (Controller, error) {
	var cfg Config
	if err := p.Config.Get(_configKey).Populate(&cfg); err != nil {
		return nil, err
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = "workspaces"
	}
	return &controller{
		sessions: p.Sessions,
		gateway:  p.Gateway,
		docs:     p.Docs,
		projects: p.Projects,
		executor: p.Executor,
		fs:       p.FS,
		logger:   p.Logger.With("plugin", _nameKey),
		stats:    p.Stats.SubScope(_nameKey),
		cfg:      cfg,
		saves:    make(map[uuid.UUID]pendingSave),
	}, nil
}

func (c *controller) CreateProject(ctx context.Context, req CreateProjectRequest) (*model.Project, error) {
	token := uuid.Must(uuid.NewV4()).String()
	if err := c.fs.MkdirAll(c.cfg.BaseDir, token); err != nil {
		return nil, err
	}
	workspacePath, err := c.fs.SafeJoin(c.cfg.BaseDir, token)
	if err != nil {
		return nil, err
	}

	if req.GitURL != "" {
		cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", req.GitURL, ".")
		cmd.Dir = workspacePath
		if err := c.executor.RunCommand(cmd, os.Environ()); err != nil {
			return nil, err
		}
		c.stats.Counter("git_imports").Inc(1)
	}

	project := &model.Project{
		Name:            req.Name,
		SessionToken:    token,
		GitURL:          req.GitURL,
		WorkspacePath:   workspacePath,
		MaxParticipants: req.MaxParticipants,
		Policy:          req.Policy,
		Active:          true,
	}
	if project.MaxParticipants <= 0 {
		project.MaxParticipants = entity.DefaultMaxParticipants
	}
	if project.Policy == "" {
		project.Policy = string(entity.ApprovalPolicyAdmin)
	}
	if err := c.projects.Create(ctx, project); err != nil {
		return nil, err
	}
	c.logger.Infow("project created", "token", token, "name", req.Name, "git", req.GitURL != "")
	return project, nil
}

func (c *controller) Project(ctx context.Context, token string) (*model.Project, error) {
	return c.projects.GetByToken(ctx, token)
}

func (c *controller) ListProjects(ctx context.Context) ([]*model.Project, error) {
	return c.projects.List(ctx)
}

func (c *controller) Tree(ctx context.Context, sessionID uuid.UUID) ([]fs.TreeEntry, error) {
	s, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return c.fs.Tree(s.WorkspaceRoot, ".")
}

func (c *controller) CreateEntry(ctx context.Context, sessionID, adminID uuid.UUID, path string, isDir bool) error {
	s, err := c.adminSession(ctx, sessionID, adminID)
	if err != nil {
		return err
	}

	if isDir {
		err = c.fs.MkdirAll(s.WorkspaceRoot, path)
	} else {
		exists, existsErr := c.fs.FileExists(s.WorkspaceRoot, path)
		if existsErr != nil {
			return existsErr
		}
		if exists {
			return os.ErrExist
		}
		err = c.fs.WriteFile(s.WorkspaceRoot, path, nil)
	}
	if err != nil {
		return err
	}

	c.broadcastTree(ctx, sessionID, protocol.FileTreeChanged{Change: TreeCreated, Path: path, IsDir: isDir})
	return nil
}

func (c *controller) DeleteEntry(ctx context.Context, sessionID, adminID uuid.UUID, path string) error {
	s, err := c.adminSession(ctx, sessionID, adminID)
	if err != nil {
		return err
	}
	if err := c.fs.Remove(s.WorkspaceRoot, path); err != nil {
		return err
	}

	// Any open in-memory copy is now orphaned; a later flush must not
	// resurrect the file.
	c.docs.Discard(ctx, sessionID, path)
	c.broadcastTree(ctx, sessionID, protocol.FileTreeChanged{Change: TreeDeleted, Path: path})
	return nil
}

func (c *controller) RenameEntry(ctx context.Context, sessionID, adminID uuid.UUID, oldPath, newPath string) error {
	s, err := c.adminSession(ctx, sessionID, adminID)
	if err != nil {
		return err
	}
	if err := c.fs.Rename(s.WorkspaceRoot, oldPath, newPath); err != nil {
		return err
	}

	c.docs.Discard(ctx, sessionID, oldPath)
	c.broadcastTree(ctx, sessionID, protocol.FileTreeChanged{Change: TreeRenamed, Path: oldPath, NewPath: newPath})
	return nil
}

func (c *controller) Save(ctx context.Context, sessionID, participantID uuid.UUID, path string) error {
	s, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Status == entity.SessionClosed {
		return coediterrors.ErrSessionClosed
	}
	p, ok := s.Participants[participantID]
	if !ok {
		return &coediterrors.ParticipantNotFoundError{UUID: participantID}
	}
	if !p.CanEdit() {
		return coediterrors.ErrNotApproved
	}

	if p.CanAdminister() {
		return c.persist(ctx, sessionID, participantID, path)
	}

	// Members cannot touch disk directly; the request is parked until the
	// admin resolves it.
	approvalID := uuid.Must(uuid.NewV4())
	c.mu.Lock()
	c.saves[approvalID] = pendingSave{session: sessionID, path: path, requester: participantID}
	c.mu.Unlock()

	err = c.gateway.SendTo(ctx, sessionID, s.AdminID, protocol.MustEvent(protocol.TypeSaveRequested, protocol.SaveRequested{
		ApprovalID:  approvalID,
		Path:        path,
		Participant: participantID,
		DisplayName: p.DisplayName,
	}))
	if err != nil {
		c.logger.Warnw("save request notify failed", "session", sessionID, "error", err)
	}
	c.stats.Counter("save_requests").Inc(1)
	return nil
}

func (c *controller) ApproveSave(ctx context.Context, sessionID, adminID, approvalID uuid.UUID) error {
	if _, err := c.adminSession(ctx, sessionID, adminID); err != nil {
		return err
	}
	pending, ok := c.takeSave(sessionID, approvalID)
	if !ok {
		return &coediterrors.ApprovalNotFoundError{UUID: approvalID}
	}
	return c.persist(ctx, sessionID, pending.requester, pending.path)
}

func (c *controller) RejectSave(ctx context.Context, sessionID, adminID, approvalID uuid.UUID) error {
	if _, err := c.adminSession(ctx, sessionID, adminID); err != nil {
		return err
	}
	pending, ok := c.takeSave(sessionID, approvalID)
	if !ok {
		return &coediterrors.ApprovalNotFoundError{UUID: approvalID}
	}

	err := c.gateway.SendTo(ctx, sessionID, pending.requester, protocol.MustEvent(protocol.TypeError, protocol.ErrorEvent{
		Code:    "saveRejected",
		Message: "admin rejected the save request for " + pending.path,
	}))
	if err != nil {
		c.logger.Warnw("save rejection notify failed", "session", sessionID, "error", err)
	}
	return nil
}

// persist flushes the document and announces the save to the roster.
func (c *controller) persist(ctx context.Context, sessionID, participantID uuid.UUID, path string) error {
	if _, err := c.docs.Flush(ctx, sessionID, path); err != nil {
		return err
	}
	_, revision, err := c.docs.Content(ctx, sessionID, path)
	if err != nil {
		return err
	}

	c.gateway.Broadcast(ctx, sessionID, protocol.MustEvent(protocol.TypeFileSaved, protocol.FileSaved{
		Path:        path,
		Participant: participantID,
		Revision:    revision,
	}))
	c.stats.Counter("saves").Inc(1)
	return nil
}

func (c *controller) broadcastTree(ctx context.Context, sessionID uuid.UUID, change protocol.FileTreeChanged) {
	c.gateway.Broadcast(ctx, sessionID, protocol.MustEvent(protocol.TypeFileTreeChanged, change))
}

func (c *controller) takeSave(sessionID, approvalID uuid.UUID) (pendingSave, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending, ok := c.saves[approvalID]
	if !ok || pending.session != sessionID {
		return pendingSave{}, false
	}
	delete(c.saves, approvalID)
	return pending, true
}

func (c *controller) adminSession(ctx context.Context, sessionID, adminID uuid.UUID) (*entity.Session, error) {
	s, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == entity.SessionClosed {
		return nil, coediterrors.ErrSessionClosed
	}
	p, ok := s.Participants[adminID]
	if !ok || !p.CanAdminister() {
		return nil, coediterrors.ErrNotAdmin
	}
	return s, nil
}
