package core

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/artifact-chat/internal/artifact"
	"gwi.com/artifact-chat/internal/stream"
)

func seedDocument(t *testing.T, h *harness, owner int64, contents ...string) string {
	t.Helper()
	h.model.steps = []modelStep{
		{calls: []ToolCall{{ID: "call_1", Name: ToolCreateDocument, Args: map[string]any{"title": "Plan", "kind": "code"}}}},
	}
	h.model.documents = [][]string{contents}
	events := h.runTurn(t, owner, userRequest("chat-doc", "write"))
	ids := eventsOf(events, stream.TypeID)
	require.Len(t, ids, 1)
	return ids[0].Content
}

func TestDocumentVersionsOwnership(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	docID := seedDocument(t, h, 1, "a", "ab")

	versions, err := h.docs.Versions(ctx, 1, docID)
	require.NoError(t, err)
	require.Len(t, versions, 1)

	_, err = h.docs.Versions(ctx, 2, docID)
	assert.True(t, errors.Is(err, ErrForbidden))

	_, err = h.docs.Versions(ctx, 1, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDocumentEditFlushAndNavigate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	docID := seedDocument(t, h, 1, "ab")

	view, err := h.docs.Edit(ctx, 1, docID, "abc")
	require.NoError(t, err)
	assert.True(t, view.Dirty)
	assert.Equal(t, "abc", view.Content)

	view, err = h.docs.Flush(ctx, 1, docID)
	require.NoError(t, err)
	assert.False(t, view.Dirty)
	assert.Equal(t, 1, view.Latest)

	view, err = h.docs.Navigate(ctx, 1, docID, artifact.NavPrev)
	require.NoError(t, err)
	assert.False(t, view.IsCurrent)
	assert.Equal(t, "ab", view.Content)

	_, err = h.docs.Navigate(ctx, 1, docID, "jump")
	assert.True(t, errors.Is(err, ErrBadRequest))
}

func TestDocumentDeleteAfter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	docID := seedDocument(t, h, 1, "ab")

	versions, err := h.docs.Versions(ctx, 1, docID)
	require.NoError(t, err)
	first := versions[0].CreatedAt

	_, err = h.docs.Edit(ctx, 1, docID, "abc")
	require.NoError(t, err)
	_, err = h.docs.Flush(ctx, 1, docID)
	require.NoError(t, err)

	n, err := h.docs.DeleteAfter(ctx, 1, docID, first)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	versions, err = h.docs.Versions(ctx, 1, docID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "ab", versions[0].Content)

	_, err = h.docs.DeleteAfter(ctx, 1, docID, time.Time{})
	assert.True(t, errors.Is(err, ErrBadRequest))
}

func TestDocumentClose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	docID := seedDocument(t, h, 1, "ab")

	_, err := h.docs.Edit(ctx, 1, docID, "abc")
	require.NoError(t, err)
	require.NoError(t, h.docs.Close(ctx, 1, docID))

	_, ok := h.engine.Draft(docID)
	assert.False(t, ok)
	versions, err := h.gateway.GetDocumentSnapshots(ctx, docID)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestDocumentSessionsReleasedWhenIdle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	docID := seedDocument(t, h, 1, "ab")

	// The finished turn committed the document and let its session go.
	_, resident := h.engine.Draft(docID)
	assert.False(t, resident)

	// A forbidden read never loads it.
	_, err := h.docs.Versions(ctx, 2, docID)
	require.True(t, errors.Is(err, ErrForbidden))
	_, err = h.docs.View(ctx, 2, docID)
	require.True(t, errors.Is(err, ErrForbidden))
	_, resident = h.engine.Draft(docID)
	assert.False(t, resident)

	// Neither does an owner reading the history.
	_, err = h.docs.Versions(ctx, 1, docID)
	require.NoError(t, err)
	_, resident = h.engine.Draft(docID)
	assert.False(t, resident)

	// An edit keeps it until the flush commits it.
	_, err = h.docs.Edit(ctx, 1, docID, "abc")
	require.NoError(t, err)
	_, resident = h.engine.Draft(docID)
	assert.True(t, resident)
	_, err = h.docs.Flush(ctx, 1, docID)
	require.NoError(t, err)
	_, resident = h.engine.Draft(docID)
	assert.False(t, resident)
}

func TestDocumentVersionsOfUncommittedDocument(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.model.steps = []modelStep{
		{calls: []ToolCall{{ID: "call_1", Name: ToolCreateDocument, Args: map[string]any{"title": "Plan", "kind": "code"}}}},
	}
	h.model.docErr = errModelDown

	events := h.runTurn(t, 1, userRequest("chat-1", "write"))
	docID := eventsOf(events, stream.TypeID)[0].Content

	_, err := h.docs.Versions(ctx, 1, docID)
	assert.True(t, errors.Is(err, ErrNotFound))
}
