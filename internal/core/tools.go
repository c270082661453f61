package core

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"gwi.com/artifact-chat/internal/artifact"
	"gwi.com/artifact-chat/internal/stream"
)

const (
	ToolCreateDocument = "createDocument"
	ToolUpdateDocument = "updateDocument"

	createdMessage = "A document was created and is now visible to the user."
	updatedMessage = "The document has been updated successfully."
)

// Emitter is the producing end of a turn's event stream.
type Emitter interface {
	Emit(ctx context.Context, ev stream.Event) error
	// Sync returns once the document engine has applied every event
	// emitted so far, including the commit a finish event triggers.
	Sync(ctx context.Context) error
}

// Bridge runs the document tools for one chat turn.
type Bridge struct {
	engine *artifact.Engine
	model  Model
	userID int64
	out    Emitter
}

func NewBridge(engine *artifact.Engine, model Model, userID int64, out Emitter) *Bridge {
	return &Bridge{engine: engine, model: model, userID: userID, out: out}
}

func (b *Bridge) Specs() []ToolSpec {
	kinds := make([]string, 0, len(artifact.Kinds()))
	for _, k := range artifact.Kinds() {
		kinds = append(kinds, k.String())
	}
	return []ToolSpec{
		{
			Name:        ToolCreateDocument,
			Description: "Create a document for writing or content creation activities. This tool will call other functions that will generate the contents of the document based on the title and kind.",
			Params: []ToolParam{
				{Name: "title", Description: "The title of the document"},
				{Name: "kind", Description: "The kind of document", Enum: kinds},
			},
		},
		{
			Name:        ToolUpdateDocument,
			Description: "Update a document with the given description.",
			Params: []ToolParam{
				{Name: "id", Description: "The ID of the document to update"},
				{Name: "description", Description: "The description of changes that need to be made"},
			},
		},
	}
}

// Invoke runs one tool call. Failures are reported to the model in the
// result rather than aborting the turn.
func (b *Bridge) Invoke(ctx context.Context, call ToolCall) ToolResult {
	result := ToolResult{CallID: call.ID, Name: call.Name}
	var err error
	switch call.Name {
	case ToolCreateDocument:
		result.Output, err = b.CreateDocument(ctx, stringArg(call.Args, "title"), stringArg(call.Args, "kind"))
	case ToolUpdateDocument:
		result.Output, err = b.UpdateDocument(ctx, stringArg(call.Args, "id"), stringArg(call.Args, "description"))
	default:
		err = errors.Wrapf(ErrBadRequest, "unknown tool %q", call.Name)
	}
	if err != nil {
		log.WithError(err).WithField("tool", call.Name).Warn("tool invocation failed")
		result.Output = map[string]any{"error": toolErrorMessage(err)}
	}
	return result
}

func toolErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "Document not found"
	case errors.Is(err, artifact.ErrUnsupportedKind):
		return "Unsupported document kind"
	case errors.Is(err, ErrUpstreamFailure):
		return "The document could not be generated"
	case errors.Is(err, ErrPersistenceFailure):
		return "The document could not be saved"
	case errors.Is(err, ErrBadRequest):
		return "Invalid tool call"
	default:
		return "Error fetching document"
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func (b *Bridge) CreateDocument(ctx context.Context, title, rawKind string) (map[string]any, error) {
	kind, err := artifact.ParseKind(rawKind)
	if err != nil {
		return nil, err
	}
	if title == "" {
		return nil, errors.Wrap(ErrBadRequest, "document title is required")
	}

	id := uuid.NewString()
	if err := b.engine.Activate(artifact.Meta{DocumentID: id, Title: title, Kind: kind, UserID: b.userID}); err != nil {
		return nil, err
	}
	defer b.engine.End(id)

	for _, ev := range []stream.Event{
		{Type: stream.TypeID, Content: id},
		{Type: stream.TypeTitle, Content: title},
		{Type: stream.TypeKind, Content: kind.String()},
		{Type: stream.TypeClear},
	} {
		ev.DocumentID = id
		if err := b.out.Emit(ctx, ev); err != nil {
			return nil, err
		}
	}

	if err := b.generate(ctx, id, DocumentRequest{Kind: kind, Title: title}); err != nil {
		return nil, err
	}
	return map[string]any{
		"id":      id,
		"title":   title,
		"kind":    kind.String(),
		"content": createdMessage,
	}, nil
}

func (b *Bridge) UpdateDocument(ctx context.Context, id, description string) (map[string]any, error) {
	if id == "" {
		return nil, errors.Wrap(ErrBadRequest, "document id is required")
	}
	meta, err := b.engine.Meta(ctx, id)
	if errors.Is(err, artifact.ErrUnsupportedKind) {
		return nil, err
	}
	if err != nil {
		return nil, documentError(err, id)
	}
	if meta.UserID != b.userID {
		return nil, errors.Wrapf(ErrNotFound, "document %s", id)
	}
	draft, err := b.engine.Begin(ctx, id)
	if err != nil {
		return nil, documentError(err, id)
	}
	defer b.engine.End(id)

	if err := b.out.Emit(ctx, stream.Event{Type: stream.TypeClear, Content: draft.Title, DocumentID: id}); err != nil {
		return nil, err
	}

	req := DocumentRequest{Kind: draft.Kind, Title: draft.Title, Current: draft.Content, Description: description}
	if err := b.generate(ctx, id, req); err != nil {
		return nil, err
	}
	return map[string]any{
		"id":      id,
		"title":   draft.Title,
		"kind":    draft.Kind.String(),
		"content": updatedMessage,
	}, nil
}

// generate streams the artifact model's output as content deltas, finishes
// the document and waits for its commit.
func (b *Bridge) generate(ctx context.Context, id string, req DocumentRequest) error {
	_, err := b.model.StreamDocument(ctx, req, func(content string) error {
		return b.out.Emit(ctx, stream.Event{Type: stream.TypeContentDelta, Content: content, DocumentID: id})
	})
	if err != nil {
		// Let the router catch up so the partial draft is what stays behind.
		if syncErr := b.out.Sync(ctx); syncErr != nil {
			log.WithError(syncErr).Warn("failed to sync document events")
		}
		b.engine.Interrupt(id)
		return errors.Wrapf(ErrUpstreamFailure, "generate document %s: %v", id, err)
	}

	if err := b.out.Emit(ctx, stream.Event{Type: stream.TypeFinish, DocumentID: id}); err != nil {
		return err
	}
	if err := b.out.Sync(ctx); err != nil {
		return err
	}
	if b.engine.Dirty(id) {
		return errors.Wrapf(ErrPersistenceFailure, "document %s was not committed", id)
	}
	return nil
}
