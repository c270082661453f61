package core

import (
	"context"
	"time"

	"gwi.com/artifact-chat/internal/artifact"
	"gwi.com/artifact-chat/internal/store"
)

// Gateway is everything the services persist: chats, messages, votes and
// document versions. Deletes cascade to dependent rows.
type Gateway interface {
	GetDocumentSnapshots(ctx context.Context, id string) ([]artifact.Snapshot, error)
	AppendDocumentSnapshot(ctx context.Context, id, title string, kind artifact.Kind, content string, userID int64) (artifact.Snapshot, error)
	DeleteDocumentSnapshotsAfter(ctx context.Context, id string, ts time.Time) (int64, error)

	GetChat(ctx context.Context, id string) (*store.Chat, error)
	SaveChat(ctx context.Context, id string, ownerID int64, title string) error
	ListChats(ctx context.Context, ownerID int64) ([]store.Chat, error)
	UpdateChatVisibility(ctx context.Context, id string, visibility store.Visibility) error
	DeleteChat(ctx context.Context, id string) error

	SaveMessages(ctx context.Context, messages []store.Message) error
	GetMessages(ctx context.Context, chatID string) ([]store.Message, error)
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	DeleteMessagesAfter(ctx context.Context, chatID string, ts time.Time) ([]string, error)

	UpsertVote(ctx context.Context, chatID, messageID string, isUpvoted bool) error
	GetVotes(ctx context.Context, chatID string) ([]store.Vote, error)
}

type sqliteGateway struct {
	*store.SQLiteStore
}

// NewGateway exposes a SQLite store as a Gateway.
func NewGateway(s *store.SQLiteStore) Gateway {
	return sqliteGateway{SQLiteStore: s}
}

func (g sqliteGateway) GetDocumentSnapshots(ctx context.Context, id string) ([]artifact.Snapshot, error) {
	docs, err := g.GetDocuments(ctx, id)
	if err != nil {
		return nil, err
	}
	snapshots := make([]artifact.Snapshot, len(docs))
	for i, doc := range docs {
		snapshots[i] = toSnapshot(doc)
	}
	return snapshots, nil
}

func (g sqliteGateway) AppendDocumentSnapshot(ctx context.Context, id, title string, kind artifact.Kind, content string, userID int64) (artifact.Snapshot, error) {
	doc, err := g.AppendDocument(ctx, store.Document{
		ID:      id,
		Title:   title,
		Kind:    kind.String(),
		Content: content,
		UserID:  userID,
	})
	if err != nil {
		return artifact.Snapshot{}, err
	}
	return toSnapshot(doc), nil
}

func (g sqliteGateway) DeleteDocumentSnapshotsAfter(ctx context.Context, id string, ts time.Time) (int64, error) {
	return g.DeleteDocumentsAfter(ctx, id, ts)
}

func toSnapshot(doc store.Document) artifact.Snapshot {
	return artifact.Snapshot{
		DocumentID: doc.ID,
		Title:      doc.Title,
		Kind:       artifact.Kind(doc.Kind),
		Content:    doc.Content,
		UserID:     doc.UserID,
		CreatedAt:  doc.CreatedAt,
	}
}

// documentRepository feeds the document engine from the gateway.
type documentRepository struct {
	gateway Gateway
}

// NewDocumentRepository adapts a Gateway to the engine's Repository.
func NewDocumentRepository(g Gateway) artifact.Repository {
	return documentRepository{gateway: g}
}

func (r documentRepository) Snapshots(ctx context.Context, documentID string) ([]artifact.Snapshot, error) {
	return r.gateway.GetDocumentSnapshots(ctx, documentID)
}

func (r documentRepository) AppendSnapshot(ctx context.Context, s artifact.Snapshot) (artifact.Snapshot, error) {
	return r.gateway.AppendDocumentSnapshot(ctx, s.DocumentID, s.Title, s.Kind, s.Content, s.UserID)
}
