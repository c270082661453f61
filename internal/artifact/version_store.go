package artifact

import (
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/pmezard/go-difflib/difflib"
)

var ErrVersionNotFound = errors.New("version not found")

// Snapshot is one immutable version of a document.
type Snapshot struct {
	DocumentID string    `json:"id"`
	Title      string    `json:"title"`
	Kind       Kind      `json:"kind"`
	Content    string    `json:"content"`
	UserID     int64     `json:"userId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Meta identifies a document independently of its versions.
type Meta struct {
	DocumentID string
	Title      string
	Kind       Kind
	UserID     int64
}

type Mode string

const (
	ModeEdit Mode = "edit"
	ModeDiff Mode = "diff"
)

// VersionStore is the append-only arena of a document's snapshots plus a
// bounds-checked navigation cursor. Navigation never touches the arena.
type VersionStore struct {
	mu        sync.RWMutex
	meta      Meta
	snapshots []Snapshot
	cursor    int
	mode      Mode
}

// NewVersionStore builds a store from snapshots already ordered oldest first.
// Title and kind fall back to the latest snapshot when meta leaves them empty.
func NewVersionStore(meta Meta, snapshots ...Snapshot) *VersionStore {
	vs := &VersionStore{
		meta:      meta,
		snapshots: append([]Snapshot(nil), snapshots...),
		mode:      ModeEdit,
	}
	if n := len(vs.snapshots); n > 0 {
		latest := vs.snapshots[n-1]
		if vs.meta.DocumentID == "" {
			vs.meta.DocumentID = latest.DocumentID
		}
		if vs.meta.Title == "" {
			vs.meta.Title = latest.Title
		}
		if vs.meta.Kind == "" {
			vs.meta.Kind = latest.Kind
		}
		if vs.meta.UserID == 0 {
			vs.meta.UserID = latest.UserID
		}
	}
	vs.cursor = len(vs.snapshots) - 1
	return vs
}

func (vs *VersionStore) Meta() Meta {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.meta
}

// Append stores s as the new current version and returns its index.
func (vs *VersionStore) Append(s Snapshot) int {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	s.DocumentID = vs.meta.DocumentID
	vs.snapshots = append(vs.snapshots, s)
	vs.cursor = len(vs.snapshots) - 1
	return vs.cursor
}

func (vs *VersionStore) Get(index int) (Snapshot, error) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	if index < 0 || index >= len(vs.snapshots) {
		return Snapshot{}, errors.Wrapf(ErrVersionNotFound, "index %d of %d", index, len(vs.snapshots))
	}
	return vs.snapshots[index], nil
}

func (vs *VersionStore) Latest() (Snapshot, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	if len(vs.snapshots) == 0 {
		return Snapshot{}, false
	}
	return vs.snapshots[len(vs.snapshots)-1], true
}

// LatestIndex is -1 for an empty store.
func (vs *VersionStore) LatestIndex() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return len(vs.snapshots) - 1
}

func (vs *VersionStore) Len() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return len(vs.snapshots)
}

// IsCurrent is true for the latest index, and for any index while the store
// is still empty.
func (vs *VersionStore) IsCurrent(index int) bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	if len(vs.snapshots) == 0 {
		return true
	}
	return index == len(vs.snapshots)-1
}

func (vs *VersionStore) All() []Snapshot {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return append([]Snapshot(nil), vs.snapshots...)
}

func (vs *VersionStore) Cursor() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.cursor
}

func (vs *VersionStore) Mode() Mode {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.mode
}

func (vs *VersionStore) Prev() int {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.cursor > 0 {
		vs.cursor--
	}
	return vs.cursor
}

func (vs *VersionStore) Next() int {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.cursor < len(vs.snapshots)-1 {
		vs.cursor++
	}
	return vs.cursor
}

func (vs *VersionStore) ToggleDiffMode() Mode {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.mode == ModeEdit {
		vs.mode = ModeDiff
	} else {
		vs.mode = ModeEdit
	}
	return vs.mode
}

func (vs *VersionStore) JumpToLatest() int {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.cursor = len(vs.snapshots) - 1
	vs.mode = ModeEdit
	return vs.cursor
}

// Diff renders a unified diff from the version before index to index.
// The first version diffs against an empty document.
func (vs *VersionStore) Diff(index int) (string, error) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	if index < 0 || index >= len(vs.snapshots) {
		return "", errors.Wrapf(ErrVersionNotFound, "index %d of %d", index, len(vs.snapshots))
	}
	previous := ""
	if index > 0 {
		previous = vs.snapshots[index-1].Content
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(previous),
		B:        difflib.SplitLines(vs.snapshots[index].Content),
		FromFile: versionLabel(index - 1),
		ToFile:   versionLabel(index),
		Context:  3,
	})
}

func versionLabel(index int) string {
	if index < 0 {
		return "empty"
	}
	return "v" + strconv.Itoa(index+1)
}
