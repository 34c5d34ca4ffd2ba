// Package docstore holds the authoritative in-memory content of every open
// document and serializes concurrent edits against it. One entry exists per
// (session, path) pair while the file is open; operations targeting the same
// entry are applied one at a time under the entry lock, which fixes the server
// arrival order the transform engine rebases against.
package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/uber-go/tally"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/maanworks/coedit/src/coedit/entity"
	"github.com/maanworks/coedit/src/coedit/gateway/client"
	coediterrors "github.com/maanworks/coedit/src/coedit/internal/errors"
	"github.com/maanworks/coedit/src/coedit/internal/fs"
	"github.com/maanworks/coedit/src/coedit/internal/protocol"
	"github.com/maanworks/coedit/src/coedit/repository/session"
)

const (
	_nameKey             = "doc-store"
	_configKey           = "docstore"
	_defaultRebaseWindow = 256
)

// Module provides the docstore controller.
var Module = fx.Provide(New)

// Config holds the docstore settings from the config files.
type Config struct {
	MaxFileSizeBytes int64 `yaml:"maxFileSizeBytes"`
	RebaseWindow     int   `yaml:"rebaseWindow"`
}

// Controller is the document store and edit transform engine.
type Controller interface {
	// Open returns the current content and revision of the document, creating
	// it lazily from workspace storage on first open.
	Open(ctx context.Context, sessionID uuid.UUID, path string, participantID uuid.UUID) (string, int64, error)
	// Apply serializes, rebases and applies one edit operation, broadcasts the
	// applied form to the session and returns it. Duplicate submissions
	// (same participant and client sequence number) return the original
	// applied operation without reapplying.
	Apply(ctx context.Context, sessionID uuid.UUID, participantID uuid.UUID, op protocol.Op) (*protocol.OpApplied, error)
	// Replace diffs the document against full replacement text and applies
	// the result as a single operation at the current revision.
	Replace(ctx context.Context, sessionID uuid.UUID, participantID uuid.UUID, path, text string) (*protocol.OpApplied, error)
	// Content returns the current text and revision without opening.
	Content(ctx context.Context, sessionID uuid.UUID, path string) (string, int64, error)
	// Close releases a participant's hold on the document. The last close
	// flushes and evicts it.
	Close(ctx context.Context, sessionID uuid.UUID, path string, participantID uuid.UUID) error
	// CloseParticipant releases every document held by the participant.
	CloseParticipant(ctx context.Context, sessionID, participantID uuid.UUID) error
	// CloseSession flushes and evicts every document of the session.
	CloseSession(ctx context.Context, sessionID uuid.UUID) error
	// Flush persists current content to workspace storage. Advisory: it never
	// blocks concurrent editing and a failure leaves in-memory state
	// authoritative.
	Flush(ctx context.Context, sessionID uuid.UUID, path string) (bool, error)
	// Discard drops the in-memory entry without flushing. Used when the
	// backing file is deleted or renamed out from under an open document.
	Discard(ctx context.Context, sessionID uuid.UUID, path string)
}

// Params are inbound parameters to construct the controller.
type Params struct {
	fx.In

	Sessions session.Repository
	Gateway  client.Gateway
	Logger   *zap.SugaredLogger
	Stats    tally.Scope
	Config   config.Provider
	FS       fs.WorkspaceFS
}

type documentEntry struct {
	mu       sync.Mutex
	path     string
	content  string
	revision int64
	// history holds the applied primitives for the most recent revisions,
	// bounded by the rebase window. history[i] was applied at revision
	// revision-len(history)+i+1.
	history [][]protocol.Span
	// applied caches broadcast operations by (participant, clientSeq) for
	// idempotent retry detection.
	applied map[seqKey]*protocol.OpApplied
	openBy  map[uuid.UUID]bool
	flushed int64
}

type seqKey struct {
	participant uuid.UUID
	clientSeq   int64
}

type docKey struct {
	session uuid.UUID
	path    string
}

type controller struct {
	sessions  session.Repository
	gateway   client.Gateway
	logger    *zap.SugaredLogger
	stats     tally.Scope
	fs        fs.WorkspaceFS
	cfg       Config
	documents map[docKey]*documentEntry
	mu        sync.RWMutex
	dmp       *diffmatchpatch.DiffMatchPatch
}

// New creates a new controller for document storage and edit transforms.
func New(p Params) Controller {
	var cfg Config
	if err := p.Config.Get(_configKey).Populate(&cfg); err != nil || cfg.MaxFileSizeBytes == 0 {
		panic(fmt.Errorf("unable to get docstore configuration: %w", err))
	}
	if cfg.RebaseWindow <= 0 {
		cfg.RebaseWindow = _defaultRebaseWindow
	}

	return &controller{
		sessions:  p.Sessions,
		gateway:   p.Gateway,
		logger:    p.Logger.With("plugin", _nameKey),
		stats:     p.Stats.SubScope("doc_store"),
		fs:        p.FS,
		cfg:       cfg,
		documents: make(map[docKey]*documentEntry),
		dmp:       diffmatchpatch.New(),
	}
}

func (c *controller) Open(ctx context.Context, sessionID uuid.UUID, path string, participantID uuid.UUID) (string, int64, error) {
	s, err := c.approvedSession(ctx, sessionID, participantID)
	if err != nil {
		return "", 0, err
	}

	c.mu.Lock()
	key := docKey{session: sessionID, path: path}
	entry, ok := c.documents[key]
	if !ok {
		raw, err := c.fs.ReadFile(s.WorkspaceRoot, path)
		if err != nil {
			c.mu.Unlock()
			return "", 0, fmt.Errorf("opening document %q: %w", path, err)
		}
		if int64(len(raw)) > c.cfg.MaxFileSizeBytes {
			c.mu.Unlock()
			return "", 0, &coediterrors.DocumentSizeLimitError{Size: int64(len(raw))}
		}
		entry = &documentEntry{
			path:    path,
			content: string(raw),
			applied: make(map[seqKey]*protocol.OpApplied),
			openBy:  make(map[uuid.UUID]bool),
		}
		c.documents[key] = entry
	}
	c.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.openBy[participantID] = true
	c.updateMetrics()
	return entry.content, entry.revision, nil
}

func (c *controller) Apply(ctx context.Context, sessionID uuid.UUID, participantID uuid.UUID, op protocol.Op) (*protocol.OpApplied, error) {
	if _, err := c.approvedSession(ctx, sessionID, participantID); err != nil {
		return nil, err
	}
	entry, err := c.entry(sessionID, op.Path)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	// Idempotent retry: a previously seen (participant, clientSeq) pair
	// replays the original applied operation to the originator only.
	if prior, ok := entry.applied[seqKey{participant: participantID, clientSeq: op.ClientSeq}]; ok {
		c.stats.Counter("ops_replayed").Inc(1)
		c.sendTo(ctx, sessionID, participantID, protocol.TypeOpApplied, prior)
		return prior, nil
	}

	prims := decompose(op.Spans)
	if len(prims) == 0 {
		// A no-op does not advance the revision. It is acknowledged to the
		// originator only, never broadcast.
		ack := &protocol.OpApplied{
			Path:        op.Path,
			Revision:    entry.revision,
			ClientSeq:   op.ClientSeq,
			Participant: participantID,
		}
		c.sendTo(ctx, sessionID, participantID, protocol.TypeOpApplied, ack)
		return ack, nil
	}

	behind := entry.revision - op.BaseRevision
	if op.BaseRevision > entry.revision || behind > int64(len(entry.history)) {
		c.stats.Counter("ops_stale").Inc(1)
		return nil, &coediterrors.StaleBaseError{Path: op.Path, BaseRevision: op.BaseRevision, CurrentRevision: entry.revision}
	}

	// Rebase forward through every operation applied after the base revision.
	if behind > 0 {
		c.stats.Counter("ops_rebased").Inc(1)
		for _, intervening := range entry.history[int64(len(entry.history))-behind:] {
			prims = rebase(prims, intervening)
		}
	}

	content, err := applySpans(entry.content, prims)
	if err != nil {
		// The target region cannot be unambiguously located after rebasing.
		c.stats.Counter("ops_stale").Inc(1)
		return nil, &coediterrors.StaleBaseError{Path: op.Path, BaseRevision: op.BaseRevision, CurrentRevision: entry.revision}
	}
	if int64(len(content)) > c.cfg.MaxFileSizeBytes {
		return nil, &coediterrors.DocumentSizeLimitError{Size: int64(len(content))}
	}

	applied := c.commit(entry, participantID, op.ClientSeq, prims, content)
	c.stats.Counter("ops_applied").Inc(1)
	c.broadcast(ctx, sessionID, protocol.TypeOpApplied, applied)
	return applied, nil
}

func (c *controller) Replace(ctx context.Context, sessionID uuid.UUID, participantID uuid.UUID, path, text string) (*protocol.OpApplied, error) {
	if _, err := c.approvedSession(ctx, sessionID, participantID); err != nil {
		return nil, err
	}
	entry, err := c.entry(sessionID, path)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	prims := c.diffSpans(entry.content, text)
	if len(prims) == 0 {
		return &protocol.OpApplied{Path: path, Revision: entry.revision, Participant: participantID}, nil
	}

	applied := c.commit(entry, participantID, 0, prims, text)
	c.stats.Counter("ops_applied").Inc(1)
	c.broadcast(ctx, sessionID, protocol.TypeOpApplied, applied)
	return applied, nil
}

func (c *controller) Content(ctx context.Context, sessionID uuid.UUID, path string) (string, int64, error) {
	entry, err := c.entry(sessionID, path)
	if err != nil {
		return "", 0, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.content, entry.revision, nil
}

func (c *controller) Close(ctx context.Context, sessionID uuid.UUID, path string, participantID uuid.UUID) error {
	entry, err := c.entry(sessionID, path)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	delete(entry.openBy, participantID)
	last := len(entry.openBy) == 0
	entry.mu.Unlock()

	if !last {
		return nil
	}
	return c.evict(ctx, sessionID, path)
}

func (c *controller) CloseParticipant(ctx context.Context, sessionID, participantID uuid.UUID) error {
	var errs error
	for _, key := range c.keysForSession(sessionID) {
		entry, err := c.entry(sessionID, key.path)
		if err != nil {
			continue
		}
		entry.mu.Lock()
		held := entry.openBy[participantID]
		entry.mu.Unlock()
		if held {
			errs = multierr.Append(errs, c.Close(ctx, sessionID, key.path, participantID))
		}
	}
	return errs
}

func (c *controller) CloseSession(ctx context.Context, sessionID uuid.UUID) error {
	var errs error
	for _, key := range c.keysForSession(sessionID) {
		errs = multierr.Append(errs, c.evict(ctx, sessionID, key.path))
	}
	return errs
}

func (c *controller) Flush(ctx context.Context, sessionID uuid.UUID, path string) (bool, error) {
	s, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	entry, err := c.entry(sessionID, path)
	if err != nil {
		return false, err
	}

	// Snapshot under the entry lock, write without it so persistence never
	// holds up concurrent editing.
	entry.mu.Lock()
	content, revision := entry.content, entry.revision
	if revision == entry.flushed {
		entry.mu.Unlock()
		return false, nil
	}
	entry.mu.Unlock()

	if err := c.fs.WriteFile(s.WorkspaceRoot, path, []byte(content)); err != nil {
		return false, &coediterrors.PersistenceFailureError{Path: path, Err: err}
	}

	entry.mu.Lock()
	if entry.flushed < revision {
		entry.flushed = revision
	}
	entry.mu.Unlock()
	return true, nil
}

func (c *controller) Discard(ctx context.Context, sessionID uuid.UUID, path string) {
	c.mu.Lock()
	delete(c.documents, docKey{session: sessionID, path: path})
	c.mu.Unlock()
	c.updateMetrics()
}

// commit records an applied operation under the entry lock.
func (c *controller) commit(entry *documentEntry, participantID uuid.UUID, clientSeq int64, prims []protocol.Span, content string) *protocol.OpApplied {
	entry.content = content
	entry.revision++
	entry.history = append(entry.history, prims)
	if len(entry.history) > c.cfg.RebaseWindow {
		entry.history = entry.history[len(entry.history)-c.cfg.RebaseWindow:]
	}
	applied := &protocol.OpApplied{
		Path:        entry.path,
		Revision:    entry.revision,
		Spans:       prims,
		ClientSeq:   clientSeq,
		Participant: participantID,
	}
	if clientSeq != 0 {
		entry.applied[seqKey{participant: participantID, clientSeq: clientSeq}] = applied
	}
	return applied
}

// diffSpans converts a full-text replacement into sequential edit primitives.
func (c *controller) diffSpans(oldText, newText string) []protocol.Span {
	diffs := c.dmp.DiffMain(oldText, newText, false)
	var prims []protocol.Span
	pos := 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			pos += len(d.Text)
		case diffmatchpatch.DiffDelete:
			prims = append(prims, protocol.Span{Pos: pos, DelLen: len(d.Text)})
		case diffmatchpatch.DiffInsert:
			prims = append(prims, protocol.Span{Pos: pos, InsText: d.Text})
			pos += len(d.Text)
		}
	}
	return prims
}

func (c *controller) evict(ctx context.Context, sessionID uuid.UUID, path string) error {
	persisted, err := c.Flush(ctx, sessionID, path)
	if err != nil {
		// In-memory state stays authoritative; surface the failure as a
		// warning and keep the entry resident rather than losing edits.
		c.logger.Warnw("flush failed, document retained", "session", sessionID, "path", path, "error", err)
		return err
	}
	if persisted {
		c.logger.Debugw("document persisted on close", "session", sessionID, "path", path)
	}

	c.mu.Lock()
	delete(c.documents, docKey{session: sessionID, path: path})
	c.mu.Unlock()
	c.updateMetrics()
	return nil
}

func (c *controller) entry(sessionID uuid.UUID, path string) (*documentEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.documents[docKey{session: sessionID, path: path}]
	if !ok {
		return nil, &coediterrors.DocumentNotFoundError{Path: path}
	}
	return entry, nil
}

func (c *controller) keysForSession(sessionID uuid.UUID) []docKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var keys []docKey
	for key := range c.documents {
		if key.session == sessionID {
			keys = append(keys, key)
		}
	}
	return keys
}

// approvedSession loads the session and verifies the participant holds
// document-mutation capability.
func (c *controller) approvedSession(ctx context.Context, sessionID, participantID uuid.UUID) (*entity.Session, error) {
	s, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == entity.SessionClosed {
		return nil, coediterrors.ErrSessionClosed
	}
	p, ok := s.Participants[participantID]
	if !ok {
		return nil, &coediterrors.ParticipantNotFoundError{UUID: participantID}
	}
	if !p.CanEdit() {
		return nil, coediterrors.ErrNotApproved
	}
	return s, nil
}

func (c *controller) broadcast(ctx context.Context, sessionID uuid.UUID, eventType string, payload interface{}) {
	ev, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		c.logger.Errorw("marshaling broadcast", "type", eventType, "error", err)
		return
	}
	c.gateway.Broadcast(ctx, sessionID, ev)
}

func (c *controller) sendTo(ctx context.Context, sessionID, participantID uuid.UUID, eventType string, payload interface{}) {
	ev, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		c.logger.Errorw("marshaling event", "type", eventType, "error", err)
		return
	}
	if err := c.gateway.SendTo(ctx, sessionID, participantID, ev); err != nil {
		c.logger.Debugw("sending event", "participant", participantID, "error", err)
	}
}

func (c *controller) updateMetrics() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	openDocs := 0
	openBytes := 0
	for _, entry := range c.documents {
		openDocs++
		openBytes += len(entry.content)
	}
	c.stats.Gauge("open_docs").Update(float64(openDocs))
	c.stats.Gauge("open_bytes").Update(float64(openBytes))
}
