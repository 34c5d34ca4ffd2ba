// Package collab exposes the collaboration surface: the HTTP project API and
// the per-connection event router behind the websocket transport.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gofrs/uuid"
	"github.com/gorilla/mux"
	"github.com/uber-go/tally"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/maanworks/coedit/src/coedit/controller/chat"
	"github.com/maanworks/coedit/src/coedit/controller/docstore"
	"github.com/maanworks/coedit/src/coedit/controller/membership"
	"github.com/maanworks/coedit/src/coedit/controller/presence"
	"github.com/maanworks/coedit/src/coedit/controller/workspace"
	"github.com/maanworks/coedit/src/coedit/entity"
	"github.com/maanworks/coedit/src/coedit/gateway/client"
	coediterrors "github.com/maanworks/coedit/src/coedit/internal/errors"
	"github.com/maanworks/coedit/src/coedit/repository/session"
)

// Module provides the collab handler.
var Module = fx.Provide(New)

// Handler bridges transports to the controllers.
type Handler interface {
	// Resolve maps a session token to its live session, creating it from the
	// persisted project when necessary, and ensures the workspace is watched.
	Resolve(ctx context.Context, token string) (*entity.Session, error)
	// NewRouter builds the event router for one connection.
	NewRouter(sessionID uuid.UUID, conn client.Conn) *Router
	// RegisterRoutes mounts the HTTP project API.
	RegisterRoutes(r *mux.Router)
}

// Params are inbound parameters to construct the handler.
type Params struct {
	fx.In

	Membership membership.Controller
	Workspace  workspace.Controller
	Watcher    workspace.Watcher
	Docs       docstore.Controller
	Presence   presence.Controller
	Chat       chat.Controller
	Sessions   session.Repository
	Logger     *zap.SugaredLogger
	Stats      tally.Scope
}

type handler struct {
	membership membership.Controller
	workspace  workspace.Controller
	watcher    workspace.Watcher
	docs       docstore.Controller
	presence   presence.Controller
	chat       chat.Controller
	sessions   session.Repository
	logger     *zap.SugaredLogger
	stats      tally.Scope
}

// New constructs the collab handler.
func New(p Params) Handler {
	return &handler{
		membership: p.Membership,
		workspace:  p.Workspace,
		watcher:    p.Watcher,
		docs:       p.Docs,
		presence:   p.Presence,
		chat:       p.Chat,
		sessions:   p.Sessions,
		logger:     p.Logger.With("plugin", "collab"),
		stats:      p.Stats.SubScope("collab"),
	}
}

func (h *handler) Resolve(ctx context.Context, token string) (*entity.Session, error) {
	project, err := h.workspace.Project(ctx, token)
	if err != nil {
		return nil, err
	}
	if !project.Active {
		return nil, coediterrors.ErrSessionClosed
	}
	s, err := h.membership.EnsureSession(ctx, project)
	if err != nil {
		return nil, err
	}
	if err := h.watcher.Watch(ctx, s.UUID, s.WorkspaceRoot); err != nil {
		h.logger.Warnw("workspace watch failed", "session", s.UUID, "error", err)
	}
	return s, nil
}

func (h *handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/projects", h.createProject).Methods(http.MethodPost)
	r.HandleFunc("/api/projects", h.listProjects).Methods(http.MethodGet)
	r.HandleFunc("/api/projects/{token}", h.getProject).Methods(http.MethodGet)
	r.HandleFunc("/api/projects/{token}/tree", h.getTree).Methods(http.MethodGet)
}

func (h *handler) createProject(w http.ResponseWriter, r *http.Request) {
	var req workspace.CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	project, err := h.workspace.CreateProject(r.Context(), req)
	if err != nil {
		h.logger.Errorw("creating project", "name", req.Name, "error", err)
		http.Error(w, "failed to create project", http.StatusInternalServerError)
		return
	}
	h.stats.Counter("projects_created").Inc(1)
	writeJSON(w, http.StatusCreated, project)
}

func (h *handler) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.workspace.ListProjects(r.Context())
	if err != nil {
		http.Error(w, "failed to list projects", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *handler) getProject(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	project, err := h.workspace.Project(r.Context(), token)
	if err != nil {
		var notFound *coediterrors.ProjectNotFoundError
		if errors.As(err, &notFound) {
			http.Error(w, "project not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load project", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (h *handler) getTree(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	s, err := h.sessions.GetByProjectToken(r.Context(), token)
	if err != nil {
		http.Error(w, "no live session for project", http.StatusNotFound)
		return
	}
	entries, err := h.workspace.Tree(r.Context(), s.UUID)
	if err != nil {
		http.Error(w, "failed to read tree", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
