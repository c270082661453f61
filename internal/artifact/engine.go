package artifact

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"gwi.com/artifact-chat/internal/stream"
)

var (
	ErrDocumentNotFound   = errors.New("document not found")
	ErrDocumentNotActive  = errors.New("document is not active")
	ErrEditWhileStreaming = errors.New("document is being generated")
	ErrUnknownNavigation  = errors.New("unknown navigation")
)

// Repository is the document half of the persistence gateway.
type Repository interface {
	SnapshotAppender
	Snapshots(ctx context.Context, documentID string) ([]Snapshot, error)
}

// Navigation operations accepted by Navigate.
const (
	NavPrev   = "prev"
	NavNext   = "next"
	NavToggle = "toggle"
	NavLatest = "latest"
)

// View is what an editing surface renders for one document.
type View struct {
	Draft     Draft  `json:"draft"`
	Cursor    int    `json:"cursor"`
	Latest    int    `json:"latestIndex"`
	Mode      Mode   `json:"mode"`
	IsCurrent bool   `json:"isCurrentVersion"`
	Content   string `json:"content"`
	Diff      string `json:"diff,omitempty"`
	Dirty     bool   `json:"dirty"`
}

// Engine owns one session per active document. Each session pairs the
// draft and its state machine with the document's version store; the
// committer is shared.
type Engine struct {
	repo      Repository
	committer *Committer

	mu       sync.Mutex
	sessions map[string]*session

	watchMu  sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
}

type session struct {
	mu       sync.Mutex
	draft    Draft
	state    *StateMachine
	ingestor *Ingestor
	versions *VersionStore

	// holds counts generations in progress through Begin/Activate.
	holds int
	// released is set once the session left the engine; holders of a stale
	// pointer must look the document up again.
	released bool
}

func NewEngine(repo Repository, committer *Committer) *Engine {
	e := &Engine{
		repo:      repo,
		committer: committer,
		sessions:  make(map[string]*session),
		watchers:  make(map[string]map[chan struct{}]struct{}),
	}
	committer.OnCommit(e.notify)
	committer.OnSettled(func(documentID string) {
		e.Release(documentID)
	})
	return e
}

func newSession(versions *VersionStore) *session {
	meta := versions.Meta()
	s := &session{
		draft: Draft{
			DocumentID: meta.DocumentID,
			Title:      meta.Title,
			Kind:       meta.Kind,
		},
		state:    NewStateMachine(),
		versions: versions,
	}
	if latest, ok := versions.Latest(); ok {
		s.draft.Content = latest.Content
	}
	s.ingestor = NewIngestor(&s.draft, s.state)
	return s
}

// Activate starts a session for a brand new document with no versions. The
// session is held until End is called.
func (e *Engine) Activate(meta Meta) error {
	if err := meta.Kind.Validate(); err != nil {
		return err
	}
	versions := NewVersionStore(meta)
	e.mu.Lock()
	if _, ok := e.sessions[meta.DocumentID]; ok {
		e.mu.Unlock()
		return errors.Errorf("document %s is already active", meta.DocumentID)
	}
	sess := newSession(versions)
	sess.holds = 1
	e.sessions[meta.DocumentID] = sess
	e.mu.Unlock()
	e.committer.Track(versions)
	return nil
}

// Open returns the active session for documentID, loading its versions when
// the document is not active yet.
func (e *Engine) Open(ctx context.Context, documentID string) (View, error) {
	s, err := e.open(ctx, documentID)
	if err != nil {
		return View{}, err
	}
	return e.view(s), nil
}

func (e *Engine) open(ctx context.Context, documentID string) (*session, error) {
	e.mu.Lock()
	s, ok := e.sessions[documentID]
	e.mu.Unlock()
	if ok {
		return s, nil
	}

	snapshots, err := e.load(ctx, documentID)
	if err != nil {
		return nil, err
	}
	versions := NewVersionStore(Meta{DocumentID: documentID}, snapshots...)

	e.mu.Lock()
	// Another caller may have loaded it meanwhile.
	if existing, ok := e.sessions[documentID]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	s = newSession(versions)
	e.sessions[documentID] = s
	e.mu.Unlock()
	e.committer.Track(versions)
	return s, nil
}

// load reads a stored document without making it resident.
func (e *Engine) load(ctx context.Context, documentID string) ([]Snapshot, error) {
	snapshots, err := e.repo.Snapshots(ctx, documentID)
	if err != nil {
		return nil, errors.Wrapf(err, "load document %s", documentID)
	}
	if len(snapshots) == 0 {
		return nil, errors.Wrapf(ErrDocumentNotFound, "document %s", documentID)
	}
	if err := snapshots[len(snapshots)-1].Kind.Validate(); err != nil {
		return nil, errors.Wrapf(err, "document %s", documentID)
	}
	return snapshots, nil
}

// acquire returns the document's session locked, loading it when needed.
func (e *Engine) acquire(ctx context.Context, documentID string) (*session, error) {
	for {
		s, err := e.open(ctx, documentID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if !s.released {
			return s, nil
		}
		s.mu.Unlock()
	}
}

func (e *Engine) session(documentID string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[documentID]
	if !ok {
		return nil, errors.Wrapf(ErrDocumentNotActive, "document %s", documentID)
	}
	return s, nil
}

// locked returns the resident session of documentID with its lock held.
func (e *Engine) locked(documentID string) (*session, error) {
	s, err := e.session(documentID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil, errors.Wrapf(ErrDocumentNotActive, "document %s", documentID)
	}
	return s, nil
}

// Apply folds one document event into its session. A finish event commits
// the draft immediately.
func (e *Engine) Apply(ctx context.Context, ev stream.Event) error {
	s, err := e.locked(ev.DocumentID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	effect := s.ingestor.OnEvent(ev)
	if effect != EffectNone {
		e.notify(ev.DocumentID)
	}
	if effect != EffectFinished {
		return nil
	}
	return e.committer.Schedule(ctx, ev.DocumentID, s.draft.Content, true)
}

// Edit applies a manual edit. Edits are rejected while the draft is being
// generated and are debounced otherwise.
func (e *Engine) Edit(ctx context.Context, documentID, content string) error {
	s, err := e.acquire(ctx, documentID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	if !s.state.AcceptsEdits() {
		return errors.Wrapf(ErrEditWhileStreaming, "document %s", documentID)
	}
	s.draft.Content = content
	err = e.committer.Schedule(ctx, documentID, content, false)
	e.notify(documentID)
	return err
}

// Flush commits the current draft content now. An inactive document has
// nothing to flush.
func (e *Engine) Flush(ctx context.Context, documentID string) error {
	s, err := e.locked(documentID)
	if errors.Is(err, ErrDocumentNotActive) {
		return nil
	}
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	if s.state.Streaming() {
		return errors.Wrapf(ErrEditWhileStreaming, "document %s", documentID)
	}
	return e.committer.Schedule(ctx, documentID, s.draft.Content, true)
}

// Interrupt ends generation without committing, after an aborted model run.
// The last draft content stays available to Flush.
func (e *Engine) Interrupt(documentID string) {
	s, err := e.locked(documentID)
	if err != nil {
		return
	}
	if s.state.Finish() {
		s.draft.Status = s.state.Status()
		log.WithField("document", documentID).Warn("document generation interrupted")
	}
	s.mu.Unlock()
	e.notify(documentID)
}

// Close handles the user closing the document view. While the document is
// generating this only hides it. Otherwise the draft is flushed and the
// session dropped.
func (e *Engine) Close(ctx context.Context, documentID string) error {
	s, err := e.locked(documentID)
	if err != nil {
		return err
	}
	if s.state.Streaming() {
		s.draft.Visible = false
		s.mu.Unlock()
		e.notify(documentID)
		return nil
	}
	if err := e.committer.Schedule(ctx, documentID, s.draft.Content, true); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	e.drop(documentID)
	e.notify(documentID)
	return nil
}

// Reload drops the in-memory session so the next access reads the versions
// from the repository again. Used after history is truncated.
func (e *Engine) Reload(documentID string) {
	e.drop(documentID)
	e.notify(documentID)
}

func (e *Engine) drop(documentID string) {
	e.mu.Lock()
	s, ok := e.sessions[documentID]
	e.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	e.evict(documentID, s)
	s.mu.Unlock()
}

// evict must be called with s.mu held. The committer forgets the document
// before the session leaves the map so a concurrent open never inherits the
// old commit state.
func (e *Engine) evict(documentID string, s *session) {
	s.released = true
	e.committer.Forget(documentID)
	e.mu.Lock()
	if e.sessions[documentID] == s {
		delete(e.sessions, documentID)
	}
	e.mu.Unlock()
}

// Begin opens the document for a regeneration and holds its session until
// End. It returns the draft as it was before generation.
func (e *Engine) Begin(ctx context.Context, documentID string) (Draft, error) {
	s, err := e.acquire(ctx, documentID)
	if err != nil {
		return Draft{}, err
	}
	defer s.mu.Unlock()
	s.holds++
	return s.draft, nil
}

// End gives up the hold taken by Activate or Begin and releases the session
// if nothing else needs it.
func (e *Engine) End(documentID string) {
	s, err := e.locked(documentID)
	if err != nil {
		return
	}
	if s.holds > 0 {
		s.holds--
	}
	s.mu.Unlock()
	e.Release(documentID)
}

// Release drops the session of a document nobody is using. A session stays
// while it is held or generating, while its draft differs from the latest
// version, while someone watches it and while it shows anything but the
// latest version for editing. Release reports whether the session was
// dropped.
func (e *Engine) Release(documentID string) bool {
	s, err := e.locked(documentID)
	if err != nil {
		return false
	}
	defer s.mu.Unlock()
	if s.holds > 0 || s.state.Streaming() || e.committer.Dirty(documentID) || e.watched(documentID) {
		return false
	}
	latest, ok := s.versions.Latest()
	if !ok || latest.Content != s.draft.Content {
		return false
	}
	if !s.versions.IsCurrent(s.versions.Cursor()) || s.versions.Mode() != ModeEdit {
		return false
	}
	e.evict(documentID, s)
	return true
}

// Meta returns the identity of a document. Documents that are not resident
// are read from the repository without being loaded into a session.
func (e *Engine) Meta(ctx context.Context, documentID string) (Meta, error) {
	if s, err := e.session(documentID); err == nil {
		return s.versions.Meta(), nil
	}
	snapshots, err := e.load(ctx, documentID)
	if err != nil {
		return Meta{}, err
	}
	return NewVersionStore(Meta{DocumentID: documentID}, snapshots...).Meta(), nil
}

// Draft returns the draft of a resident document.
func (e *Engine) Draft(documentID string) (Draft, bool) {
	s, err := e.locked(documentID)
	if err != nil {
		return Draft{}, false
	}
	defer s.mu.Unlock()
	return s.draft, true
}

func (e *Engine) Dirty(documentID string) bool {
	return e.committer.Dirty(documentID)
}

// Versions returns the document's snapshots, oldest first. A document that
// is not resident stays that way.
func (e *Engine) Versions(ctx context.Context, documentID string) ([]Snapshot, error) {
	if s, err := e.session(documentID); err == nil {
		return s.versions.All(), nil
	}
	return e.load(ctx, documentID)
}

func (e *Engine) View(ctx context.Context, documentID string) (View, error) {
	return e.Open(ctx, documentID)
}

// Navigate moves the version cursor of an open document.
func (e *Engine) Navigate(ctx context.Context, documentID, op string) (View, error) {
	s, err := e.open(ctx, documentID)
	if err != nil {
		return View{}, err
	}
	switch op {
	case NavPrev:
		s.versions.Prev()
	case NavNext:
		s.versions.Next()
	case NavToggle:
		s.versions.ToggleDiffMode()
	case NavLatest:
		s.versions.JumpToLatest()
	default:
		return View{}, errors.Wrapf(ErrUnknownNavigation, "%q", op)
	}
	return e.view(s), nil
}

func (e *Engine) view(s *session) View {
	s.mu.Lock()
	draft := s.draft
	s.mu.Unlock()

	cursor := s.versions.Cursor()
	v := View{
		Draft:     draft,
		Cursor:    cursor,
		Latest:    s.versions.LatestIndex(),
		Mode:      s.versions.Mode(),
		IsCurrent: s.versions.IsCurrent(cursor),
		Content:   draft.Content,
		Dirty:     e.committer.Dirty(draft.DocumentID),
	}
	if !v.IsCurrent {
		if snap, err := s.versions.Get(cursor); err == nil {
			v.Content = snap.Content
		}
	}
	if v.Mode == ModeDiff && cursor >= 0 {
		diff, err := s.versions.Diff(cursor)
		if err != nil {
			log.WithError(err).WithField("document", draft.DocumentID).Warn("failed to render diff")
		}
		v.Diff = diff
	}
	return v
}

// Watch returns a channel signalled whenever the document changes, and a
// function that stops watching. Signals are coalesced.
func (e *Engine) Watch(documentID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	e.watchMu.Lock()
	if e.watchers[documentID] == nil {
		e.watchers[documentID] = make(map[chan struct{}]struct{})
	}
	e.watchers[documentID][ch] = struct{}{}
	e.watchMu.Unlock()

	return ch, func() {
		e.watchMu.Lock()
		defer e.watchMu.Unlock()
		delete(e.watchers[documentID], ch)
		if len(e.watchers[documentID]) == 0 {
			delete(e.watchers, documentID)
		}
	}
}

func (e *Engine) watched(documentID string) bool {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	return len(e.watchers[documentID]) > 0
}

func (e *Engine) notify(documentID string) {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	for ch := range e.watchers[documentID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Shutdown stops pending timers and commits every dirty draft that is not
// being generated.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if !e.committer.Dirty(id) {
			continue
		}
		if err := e.committer.Flush(ctx, id); err != nil {
			log.WithError(err).WithField("document", id).Error("failed to flush document on shutdown")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	e.committer.Close()
	return firstErr
}
