package core

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"gwi.com/artifact-chat/internal/artifact"
)

// DocumentService exposes a user's documents to the editing surface.
type DocumentService struct {
	gateway Gateway
	engine  *artifact.Engine
}

func NewDocumentService(gateway Gateway, engine *artifact.Engine) *DocumentService {
	return &DocumentService{gateway: gateway, engine: engine}
}

func (s *DocumentService) authorize(ctx context.Context, userID int64, documentID string) error {
	if documentID == "" {
		return errors.Wrap(ErrBadRequest, "document id is required")
	}
	meta, err := s.engine.Meta(ctx, documentID)
	if err != nil {
		return documentError(err, documentID)
	}
	if meta.UserID != userID {
		return errors.Wrapf(ErrForbidden, "document %s belongs to another user", documentID)
	}
	return nil
}

// Versions returns every version of the document, oldest first.
func (s *DocumentService) Versions(ctx context.Context, userID int64, documentID string) ([]artifact.Snapshot, error) {
	if err := s.authorize(ctx, userID, documentID); err != nil {
		return nil, err
	}
	versions, err := s.engine.Versions(ctx, documentID)
	if err != nil {
		return nil, documentError(err, documentID)
	}
	// A document still being created has no versions yet.
	if len(versions) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "document %s has no versions", documentID)
	}
	return versions, nil
}

func (s *DocumentService) View(ctx context.Context, userID int64, documentID string) (artifact.View, error) {
	if err := s.authorize(ctx, userID, documentID); err != nil {
		return artifact.View{}, err
	}
	view, err := s.engine.View(ctx, documentID)
	if err != nil {
		return artifact.View{}, documentError(err, documentID)
	}
	s.engine.Release(documentID)
	return view, nil
}

// Edit records a manual edit; it is committed once edits pause.
func (s *DocumentService) Edit(ctx context.Context, userID int64, documentID, content string) (artifact.View, error) {
	if err := s.authorize(ctx, userID, documentID); err != nil {
		return artifact.View{}, err
	}
	if err := s.engine.Edit(ctx, documentID, content); err != nil {
		return artifact.View{}, documentError(err, documentID)
	}
	view, err := s.engine.View(ctx, documentID)
	return view, documentError(err, documentID)
}

func (s *DocumentService) Flush(ctx context.Context, userID int64, documentID string) (artifact.View, error) {
	if err := s.authorize(ctx, userID, documentID); err != nil {
		return artifact.View{}, err
	}
	if err := s.engine.Flush(ctx, documentID); err != nil {
		return artifact.View{}, documentError(err, documentID)
	}
	view, err := s.engine.View(ctx, documentID)
	if err != nil {
		return artifact.View{}, documentError(err, documentID)
	}
	s.engine.Release(documentID)
	return view, nil
}

func (s *DocumentService) Navigate(ctx context.Context, userID int64, documentID, op string) (artifact.View, error) {
	if err := s.authorize(ctx, userID, documentID); err != nil {
		return artifact.View{}, err
	}
	view, err := s.engine.Navigate(ctx, documentID, op)
	return view, documentError(err, documentID)
}

func (s *DocumentService) Close(ctx context.Context, userID int64, documentID string) error {
	if err := s.authorize(ctx, userID, documentID); err != nil {
		return err
	}
	err := s.engine.Close(ctx, documentID)
	if errors.Is(err, artifact.ErrDocumentNotActive) {
		return nil
	}
	return documentError(err, documentID)
}

// DeleteAfter removes the versions created after ts and reloads the
// document's history.
func (s *DocumentService) DeleteAfter(ctx context.Context, userID int64, documentID string, ts time.Time) (int64, error) {
	if ts.IsZero() {
		return 0, errors.Wrap(ErrBadRequest, "timestamp is required")
	}
	if err := s.authorize(ctx, userID, documentID); err != nil {
		return 0, err
	}
	if draft, ok := s.engine.Draft(documentID); ok && draft.Status == artifact.StatusStreaming {
		return 0, errors.Wrapf(ErrConflict, "document %s is being generated", documentID)
	}
	n, err := s.gateway.DeleteDocumentSnapshotsAfter(ctx, documentID, ts)
	if err != nil {
		return 0, persistenceError(err, "delete versions of document %s", documentID)
	}
	s.engine.Reload(documentID)
	return n, nil
}

// Release lets the engine drop the document's session once nothing needs it.
func (s *DocumentService) Release(documentID string) {
	s.engine.Release(documentID)
}

// Watch signals every change of the document until stop is called.
func (s *DocumentService) Watch(documentID string) (<-chan struct{}, func()) {
	return s.engine.Watch(documentID)
}
