package collab

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofrs/uuid"

	"github.com/maanworks/coedit/src/coedit/entity"
	"github.com/maanworks/coedit/src/coedit/gateway/client"
	coediterrors "github.com/maanworks/coedit/src/coedit/internal/errors"
	"github.com/maanworks/coedit/src/coedit/internal/protocol"
)

// Router dispatches the inbound event stream of a single connection. It is
// driven by one read loop, so its fields need no locking.
type Router struct {
	h           *handler
	sessionID   uuid.UUID
	conn        client.Conn
	participant uuid.UUID
	joined      bool
}

// NewRouter builds the event router for one connection.
func (h *handler) NewRouter(sessionID uuid.UUID, conn client.Conn) *Router {
	return &Router{h: h, sessionID: sessionID, conn: conn}
}

// Participant returns the participant admitted on this connection, or Nil.
func (r *Router) Participant() uuid.UUID {
	return r.participant
}

// HandleEvent routes one inbound frame. Failures are reported to the
// requesting connection only; nothing is ever broadcast from here.
func (r *Router) HandleEvent(ctx context.Context, ev protocol.Event) {
	ctx = context.WithValue(ctx, entity.SessionContextKey, r.sessionID)
	if r.joined {
		ctx = context.WithValue(ctx, entity.ParticipantContextKey, r.participant)
	}

	if ev.Type == protocol.TypeJoin {
		r.join(ctx, ev)
		return
	}
	if !r.joined {
		r.sendError("notJoined", "join the session before sending "+ev.Type)
		return
	}

	switch ev.Type {
	case protocol.TypeOp:
		var op protocol.Op
		if !r.decode(ev, &op) {
			return
		}
		// Apply broadcasts the result itself, including the originator echo.
		if _, err := r.h.docs.Apply(ctx, r.sessionID, r.participant, op); err != nil {
			r.reportError(err)
		}

	case protocol.TypeCursor:
		var cursor protocol.Cursor
		if !r.decode(ev, &cursor) {
			return
		}
		if err := r.h.presence.UpdateCursor(ctx, r.sessionID, r.participant, cursor); err != nil {
			r.reportError(err)
		}

	case protocol.TypeFileOpen:
		var ref protocol.FileRef
		if !r.decode(ev, &ref) {
			return
		}
		if err := r.h.presence.SetCurrentFile(ctx, r.sessionID, r.participant, ref.Path); err != nil {
			r.reportError(err)
		}

	case protocol.TypeOpenFile:
		var ref protocol.FileRef
		if !r.decode(ev, &ref) {
			return
		}
		content, revision, err := r.h.docs.Open(ctx, r.sessionID, ref.Path, r.participant)
		if err != nil {
			r.reportError(err)
			return
		}
		r.conn.Send(protocol.MustEvent(protocol.TypeFileContent, protocol.FileContent{
			Path:     ref.Path,
			Content:  content,
			Revision: revision,
		}))
		// Catch the new viewer up on where everyone else is.
		for _, cursor := range r.h.presence.Cursors(ctx, r.sessionID, ref.Path) {
			r.conn.Send(protocol.MustEvent(protocol.TypeCursorUpdate, cursor))
		}

	case protocol.TypeCloseFile:
		var ref protocol.FileRef
		if !r.decode(ev, &ref) {
			return
		}
		if err := r.h.docs.Close(ctx, r.sessionID, ref.Path, r.participant); err != nil {
			r.reportError(err)
		}

	case protocol.TypeSaveFile:
		var save protocol.SaveFile
		if !r.decode(ev, &save) {
			return
		}
		if err := r.h.workspace.Save(ctx, r.sessionID, r.participant, save.Path); err != nil {
			r.reportError(err)
		}

	case protocol.TypeChat:
		var msg protocol.Chat
		if !r.decode(ev, &msg) {
			return
		}
		if _, err := r.h.chat.Post(ctx, r.sessionID, r.participant, msg.Text); err != nil {
			r.reportError(err)
		}

	case protocol.TypeApprove:
		var approve protocol.Approve
		if !r.decode(ev, &approve) {
			return
		}
		var err error
		if approve.ApprovalID != uuid.Nil {
			err = r.h.workspace.ApproveSave(ctx, r.sessionID, r.participant, approve.ApprovalID)
		} else {
			err = r.h.membership.Approve(ctx, r.sessionID, r.participant, approve.Participant)
		}
		if err != nil {
			r.reportError(err)
		}

	case protocol.TypeReject:
		var reject protocol.Approve
		if !r.decode(ev, &reject) {
			return
		}
		var err error
		if reject.ApprovalID != uuid.Nil {
			err = r.h.workspace.RejectSave(ctx, r.sessionID, r.participant, reject.ApprovalID)
		} else {
			err = r.h.membership.Reject(ctx, r.sessionID, r.participant, reject.Participant)
		}
		if err != nil {
			r.reportError(err)
		}

	case protocol.TypeKick:
		var ref protocol.ParticipantRef
		if !r.decode(ev, &ref) {
			return
		}
		if err := r.h.membership.Kick(ctx, r.sessionID, r.participant, ref.Participant); err != nil {
			r.reportError(err)
		}

	case protocol.TypeCloseSession:
		if err := r.h.membership.Close(ctx, r.sessionID, r.participant); err != nil {
			r.reportError(err)
			return
		}
		r.joined = false

	case protocol.TypeLeave:
		if err := r.h.membership.Leave(ctx, r.sessionID, r.participant); err != nil {
			r.reportError(err)
			return
		}
		r.joined = false

	default:
		r.sendError("unknownEvent", "unsupported event type "+ev.Type)
	}
}

// HandleDisconnect reacts to the transport dropping out from under the
// connection.
func (r *Router) HandleDisconnect(ctx context.Context) {
	if !r.joined {
		return
	}
	ctx = context.WithValue(ctx, entity.SessionContextKey, r.sessionID)
	if err := r.h.membership.Disconnect(ctx, r.sessionID, r.participant); err != nil {
		r.h.logger.Debugw("disconnect cleanup", "session", r.sessionID, "participant", r.participant, "error", err)
	}
	r.joined = false
}

func (r *Router) join(ctx context.Context, ev protocol.Event) {
	if r.joined {
		r.sendError("alreadyJoined", "connection already joined a session")
		return
	}

	var req protocol.Join
	if !r.decode(ev, &req) {
		return
	}

	result, err := r.h.membership.Join(ctx, r.sessionID, req, r.conn)
	if err != nil {
		r.conn.Send(protocol.MustEvent(protocol.TypeJoinRejected, protocol.JoinRejected{Reason: errorCode(err)}))
		return
	}

	r.participant = result.Participant.ID
	r.joined = true
}

func (r *Router) decode(ev protocol.Event, out interface{}) bool {
	if err := json.Unmarshal(ev.Payload, out); err != nil {
		r.sendError("badPayload", "malformed "+ev.Type+" payload")
		return false
	}
	return true
}

func (r *Router) reportError(err error) {
	if coediterrors.IsMembership(err) {
		r.h.stats.Counter("membership_errors").Inc(1)
	}
	r.sendError(errorCode(err), err.Error())
}

func (r *Router) sendError(code, message string) {
	r.conn.Send(protocol.MustEvent(protocol.TypeError, protocol.ErrorEvent{Code: code, Message: message}))
}

// errorCode maps controller errors to stable wire codes.
func errorCode(err error) string {
	var (
		staleBase   *coediterrors.StaleBaseError
		traversal   *coediterrors.PathTraversalError
		persistence *coediterrors.PersistenceFailureError
		docNotFound *coediterrors.DocumentNotFoundError
		sizeLimit   *coediterrors.DocumentSizeLimitError
	)
	switch {
	case errors.Is(err, coediterrors.ErrSessionFull):
		return "sessionFull"
	case errors.Is(err, coediterrors.ErrSessionClosed):
		return "sessionClosed"
	case errors.Is(err, coediterrors.ErrNotApproved):
		return "notApproved"
	case errors.Is(err, coediterrors.ErrNotAdmin):
		return "notAdmin"
	case errors.As(err, &staleBase):
		return "staleBase"
	case errors.As(err, &traversal):
		return "pathTraversal"
	case errors.As(err, &persistence):
		return "persistenceFailure"
	case errors.As(err, &docNotFound):
		return "documentNotFound"
	case errors.As(err, &sizeLimit):
		return "documentTooLarge"
	}

	var (
		sessionNotFound     *coediterrors.SessionNotFoundError
		participantNotFound *coediterrors.ParticipantNotFoundError
		projectNotFound     *coediterrors.ProjectNotFoundError
		approvalNotFound    *coediterrors.ApprovalNotFoundError
	)
	switch {
	case errors.As(err, &sessionNotFound),
		errors.As(err, &participantNotFound),
		errors.As(err, &projectNotFound),
		errors.As(err, &approvalNotFound):
		return "notFound"
	}
	return "internal"
}
