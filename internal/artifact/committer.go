package artifact

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"gwi.com/artifact-chat/internal/metrics"
)

// DefaultQuietPeriod is how long edits must pause before a debounced commit.
const DefaultQuietPeriod = 2000 * time.Millisecond

var ErrUnknownDocument = errors.New("document is not tracked by the committer")

// SnapshotAppender persists one new version and returns it as stored.
type SnapshotAppender interface {
	AppendSnapshot(ctx context.Context, s Snapshot) (Snapshot, error)
}

// Committer turns draft mutations into snapshots. Bursts of debounced
// mutations collapse into one write after the quiet period, and writes for
// one document never overlap.
type Committer struct {
	repo  SnapshotAppender
	clock Clock
	quiet time.Duration

	mu      sync.Mutex
	docs    map[string]*commitState
	closed  bool
	notify  func(documentID string)
	settled func(documentID string)
}

type commitState struct {
	versions *VersionStore

	// io is held for the whole gateway write.
	io sync.Mutex

	mu      sync.Mutex
	pending string
	dirty   bool
	timer   Timer
}

func NewCommitter(repo SnapshotAppender, clock Clock, quiet time.Duration) *Committer {
	if clock == nil {
		clock = RealClock()
	}
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &Committer{
		repo:  repo,
		clock: clock,
		quiet: quiet,
		docs:  make(map[string]*commitState),
	}
}

// OnCommit sets a callback run after every successful commit. It must not
// block on the committer.
func (c *Committer) OnCommit(fn func(documentID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
}

// OnSettled sets a callback run after a debounced commit succeeds, with no
// committer locks held.
func (c *Committer) OnSettled(fn func(documentID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settled = fn
}

// Track registers the version store that commits for its document append to.
// Tracking an already tracked document keeps the existing state.
func (c *Committer) Track(versions *VersionStore) {
	id := versions.Meta().DocumentID
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[id]; ok {
		return
	}
	c.docs[id] = &commitState{versions: versions}
}

// Forget stops any pending timer and drops the document. Unflushed content
// is discarded, so callers flush first.
func (c *Committer) Forget(documentID string) {
	c.mu.Lock()
	st, ok := c.docs[documentID]
	delete(c.docs, documentID)
	c.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.stopTimer()
	st.mu.Unlock()
}

func (c *Committer) state(documentID string) (*commitState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.docs[documentID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDocument, "document %s", documentID)
	}
	return st, nil
}

// Schedule records content as the document's desired next version. Content
// equal to the current version is a no-op. immediate commits before
// returning; otherwise the quiet-period timer is (re)armed.
func (c *Committer) Schedule(ctx context.Context, documentID, content string, immediate bool) error {
	st, err := c.state(documentID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if latest, ok := st.versions.Latest(); ok && latest.Content == content {
		st.stopTimer()
		st.dirty = false
		st.pending = ""
		st.mu.Unlock()
		metrics.DocumentCommitsSkipped.Inc()
		return nil
	}
	st.pending = content
	st.dirty = true
	if !immediate {
		if st.stopTimer() {
			metrics.DocumentCommitsCoalesced.Inc()
		}
		st.timer = c.clock.AfterFunc(c.quiet, func() {
			c.fire(documentID, st)
		})
		st.mu.Unlock()
		return nil
	}
	st.stopTimer()
	st.mu.Unlock()

	return c.commit(ctx, st)
}

// Flush commits pending content now, if any.
func (c *Committer) Flush(ctx context.Context, documentID string) error {
	st, err := c.state(documentID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.stopTimer()
	st.mu.Unlock()
	return c.commit(ctx, st)
}

func (c *Committer) Dirty(documentID string) bool {
	st, err := c.state(documentID)
	if err != nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.dirty
}

// Pending returns the content waiting to be committed.
func (c *Committer) Pending(documentID string) (string, bool) {
	st, err := c.state(documentID)
	if err != nil {
		return "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.pending, st.dirty
}

// Close stops every timer. Dirty documents stay dirty.
func (c *Committer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, st := range c.docs {
		st.mu.Lock()
		st.stopTimer()
		st.mu.Unlock()
	}
}

func (c *Committer) fire(documentID string, st *commitState) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if err := c.commit(context.Background(), st); err != nil {
		log.WithError(err).WithField("document", documentID).Warn("debounced commit failed, document stays dirty")
		return
	}
	c.mu.Lock()
	settled := c.settled
	c.mu.Unlock()
	if settled != nil {
		settled(documentID)
	}
}

func (c *Committer) commit(ctx context.Context, st *commitState) error {
	st.io.Lock()
	defer st.io.Unlock()

	// Re-check after waiting: an earlier commit may already have written
	// this content.
	st.mu.Lock()
	if !st.dirty {
		st.mu.Unlock()
		return nil
	}
	content := st.pending
	if latest, ok := st.versions.Latest(); ok && latest.Content == content {
		st.dirty = false
		st.pending = ""
		st.mu.Unlock()
		return nil
	}
	st.mu.Unlock()

	meta := st.versions.Meta()
	start := time.Now()
	saved, err := c.repo.AppendSnapshot(ctx, Snapshot{
		DocumentID: meta.DocumentID,
		Title:      meta.Title,
		Kind:       meta.Kind,
		UserID:     meta.UserID,
		Content:    content,
	})
	metrics.DocumentCommitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DocumentCommits.WithLabelValues(metrics.ResultFailure).Inc()
		return errors.Wrapf(err, "commit document %s", meta.DocumentID)
	}
	metrics.DocumentCommits.WithLabelValues(metrics.ResultSuccess).Inc()
	st.versions.Append(saved)

	st.mu.Lock()
	if st.pending == content {
		st.dirty = false
		st.pending = ""
	}
	st.mu.Unlock()
	log.WithFields(log.Fields{
		"document": meta.DocumentID,
		"version":  st.versions.LatestIndex(),
	}).Debug("document committed")

	c.mu.Lock()
	notify := c.notify
	c.mu.Unlock()
	if notify != nil {
		notify(meta.DocumentID)
	}
	return nil
}

// stopTimer must be called with st.mu held. It reports whether a pending
// timer was cancelled.
func (st *commitState) stopTimer() bool {
	if st.timer == nil {
		return false
	}
	stopped := st.timer.Stop()
	st.timer = nil
	return stopped
}
