package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// GetDocuments returns every version of a document ordered by creation time,
// ties broken by insertion order. An unknown id yields an empty list.
func (s *SQLiteStore) GetDocuments(ctx context.Context, id string) ([]Document, error) {
	if cached, ok := s.documents.Get(id); ok {
		return append([]Document(nil), cached...), nil
	}
	gen := s.documentsGeneration()

	rows, err := s.db.QueryContext(ctx, "SELECT id, title, kind, content, user_id, created_at FROM documents WHERE id = ? ORDER BY created_at ASC, seq ASC", id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query documents")
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		var doc Document
		var created int64
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Kind, &doc.Content, &doc.UserID, &created); err != nil {
			return nil, errors.Wrap(err, "failed to scan document row")
		}
		doc.CreatedAt = fromNanos(created)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate documents")
	}
	if len(docs) > 0 {
		s.cacheDocuments(id, gen, docs)
	}
	return append([]Document(nil), docs...), nil
}

func (s *SQLiteStore) documentsGeneration() uint64 {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.generation
}

// cacheDocuments caches docs unless a write happened since gen was taken.
func (s *SQLiteStore) cacheDocuments(id string, gen uint64, docs []Document) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.generation != gen {
		return
	}
	s.documents.Add(id, docs)
}

func (s *SQLiteStore) invalidateDocuments(id string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.generation++
	s.invalidateDocuments(id)
}

// AppendDocument stores a new version. A zero CreatedAt is set to now.
func (s *SQLiteStore) AppendDocument(ctx context.Context, doc Document) (Document, error) {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	doc.CreatedAt = fromNanos(toNanos(doc.CreatedAt))

	stmt, err := s.db.PrepareContext(ctx, "INSERT INTO documents (id, title, kind, content, user_id, created_at) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return Document{}, errors.Wrap(err, "failed to prepare document insert")
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx, doc.ID, doc.Title, doc.Kind, doc.Content, doc.UserID, toNanos(doc.CreatedAt)); err != nil {
		return Document{}, errors.Wrap(err, "failed to execute document insert")
	}
	s.invalidateDocuments(doc.ID)
	return doc, nil
}

// DeleteDocumentsAfter removes the versions created strictly after ts and
// returns how many were removed.
func (s *SQLiteStore) DeleteDocumentsAfter(ctx context.Context, id string, ts time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ? AND created_at > ?", id, toNanos(ts))
	s.invalidateDocuments(id)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete documents")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
