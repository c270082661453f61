package core

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"gwi.com/artifact-chat/internal/artifact"
	"gwi.com/artifact-chat/internal/metrics"
	"gwi.com/artifact-chat/internal/store"
	"gwi.com/artifact-chat/internal/stream"
)

const (
	defaultChatTitle   = "New chat"
	defaultMaxSteps    = 5
	subscriptionBuffer = 64
)

type ChatService struct {
	gateway  Gateway
	engine   *artifact.Engine
	model    Model
	maxSteps int
}

func NewChatService(gateway Gateway, engine *artifact.Engine, model Model, maxSteps int) *ChatService {
	if maxSteps < 1 {
		maxSteps = defaultMaxSteps
	}
	return &ChatService{
		gateway:  gateway,
		engine:   engine,
		model:    model,
		maxSteps: maxSteps,
	}
}

// ChatRequest is one turn posted by the chat UI.
type ChatRequest struct {
	ID                string            `json:"id"`
	Messages          []IncomingMessage `json:"messages"`
	SelectedChatModel string            `json:"selectedChatModel"`
}

type IncomingMessage struct {
	ID          string          `json:"id"`
	Role        store.Role      `json:"role"`
	Content     string          `json:"content"`
	Parts       json.RawMessage `json:"parts,omitempty"`
	Attachments json.RawMessage `json:"experimental_attachments,omitempty"`
}

// Turn is a validated request whose user message is already persisted.
type Turn struct {
	Chat          *store.Chat
	UserMessage   store.Message
	UserID        int64
	selectedModel string
	prompt        string
	history       []HistoryMessage
}

type messagePart struct {
	Type           string          `json:"type"`
	Text           string          `json:"text,omitempty"`
	ToolInvocation *toolInvocation `json:"toolInvocation,omitempty"`
}

type toolInvocation struct {
	State      string         `json:"state"`
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args"`
	Result     map[string]any `json:"result,omitempty"`
}

// Chat model selectors a client may send. An empty selector picks the
// default chat model.
const (
	ChatModelDefault   = "chat-model"
	ChatModelReasoning = "chat-model-reasoning"
)

func validChatModel(selected string) bool {
	switch selected {
	case "", ChatModelDefault, ChatModelReasoning:
		return true
	}
	return false
}

// StartTurn validates the request, resolves or creates the chat and persists
// the user message. Nothing is streamed until this succeeds.
func (s *ChatService) StartTurn(ctx context.Context, userID int64, req ChatRequest) (*Turn, error) {
	if req.ID == "" {
		return nil, errors.Wrap(ErrBadRequest, "chat id is required")
	}
	if !validChatModel(req.SelectedChatModel) {
		return nil, errors.Wrapf(ErrBadRequest, "unknown chat model %q", req.SelectedChatModel)
	}
	incoming, ok := lastUserMessage(req.Messages)
	if !ok {
		return nil, errors.Wrap(ErrBadRequest, "no user message found")
	}
	prompt := messageText(incoming)

	chat, err := s.gateway.GetChat(ctx, req.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		title := s.generateTitle(ctx, prompt)
		if err := s.gateway.SaveChat(ctx, req.ID, userID, title); err != nil {
			return nil, persistenceError(err, "save chat %s", req.ID)
		}
		chat = &store.Chat{ID: req.ID, UserID: userID, Title: title, Visibility: store.VisibilityPrivate}
	case err != nil:
		return nil, persistenceError(err, "get chat %s", req.ID)
	case chat.UserID != userID:
		return nil, errors.Wrapf(ErrUnauthorized, "chat %s belongs to another user", req.ID)
	}

	history, err := s.gateway.GetMessages(ctx, chat.ID)
	if err != nil {
		return nil, persistenceError(err, "get messages for chat %s", chat.ID)
	}

	msg := store.Message{
		ID:          incoming.ID,
		ChatID:      chat.ID,
		Role:        store.RoleUser,
		Parts:       incoming.Parts,
		Attachments: incoming.Attachments,
		CreatedAt:   time.Now(),
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if len(msg.Parts) == 0 {
		msg.Parts = mustJSON([]messagePart{{Type: "text", Text: incoming.Content}})
	}
	if err := s.gateway.SaveMessages(ctx, []store.Message{msg}); err != nil {
		return nil, persistenceError(err, "save user message for chat %s", chat.ID)
	}

	turn := &Turn{
		Chat:          chat,
		UserMessage:   msg,
		UserID:        userID,
		selectedModel: req.SelectedChatModel,
		prompt:        prompt,
	}
	for _, m := range history {
		turn.history = append(turn.history, HistoryMessage{Role: m.Role, Text: partsText(m.Parts)})
	}
	return turn, nil
}

func (s *ChatService) generateTitle(ctx context.Context, prompt string) string {
	title, err := s.model.GenerateTitle(ctx, prompt)
	title = strings.Trim(title, "\"'\n\r\t .")
	if err != nil || title == "" {
		log.WithError(err).Warn("Failed to generate chat title, using default")
		return defaultChatTitle
	}
	return title
}

// Stream runs the model for a started turn and writes every event through
// write. The run is detached from ctx: once ctx ends only writing stops,
// while generation, document commits and the assistant message save finish.
func (s *ChatService) Stream(ctx context.Context, turn *Turn, write func(stream.Event) error) error {
	runCtx := context.WithoutCancel(ctx)
	b := stream.NewBroadcaster()
	outward := b.Subscribe(subscriptionBuffer)
	router := b.Subscribe(subscriptionBuffer)

	var g errgroup.Group
	g.Go(func() error {
		defer b.Close()
		s.run(runCtx, turn, &turnEmitter{b: b, router: router})
		return nil
	})
	g.Go(func() error {
		s.writeOutward(ctx, runCtx, outward, write)
		return nil
	})
	g.Go(func() error {
		s.routeDocuments(runCtx, router)
		return nil
	})
	return g.Wait()
}

// writeOutward keeps draining after the client goes away so the producer is
// never blocked by a dead connection.
func (s *ChatService) writeOutward(ctx, runCtx context.Context, sub *stream.Subscription, write func(stream.Event) error) {
	stopped := false
	for {
		ev, ok := sub.Next(runCtx)
		if !ok {
			return
		}
		if stopped {
			continue
		}
		if ctx.Err() != nil {
			log.WithField("type", ev.Type).Debug("client stopped the stream, discarding outward events")
			stopped = true
			continue
		}
		if err := write(ev); err != nil {
			log.WithError(err).Warn("failed to write stream event, discarding the rest")
			stopped = true
		}
	}
}

// routeDocuments applies document events in emission order.
func (s *ChatService) routeDocuments(ctx context.Context, sub *stream.Subscription) {
	for {
		ev, ok := sub.Next(ctx)
		if !ok {
			return
		}
		if !ev.IsDocumentEvent() {
			continue
		}
		if err := s.engine.Apply(ctx, ev); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"document": ev.DocumentID,
				"type":     ev.Type,
			}).Error("failed to apply document event")
		}
	}
}

func (s *ChatService) run(ctx context.Context, turn *Turn, out *turnEmitter) {
	logger := log.WithField("chat", turn.Chat.ID)
	bridge := NewBridge(s.engine, s.model, turn.UserID, out)

	var text strings.Builder
	var invocations []toolInvocation
	failed := false

	session, err := s.model.StartChat(ctx, turn.selectedModel, turn.history, bridge.Specs())
	if err != nil {
		logger.WithError(err).Error("failed to start model run")
		failed = true
	}

	next := ModelTurn{Text: turn.prompt}
	for step := 0; session != nil && step < s.maxSteps; step++ {
		calls, err := session.Send(ctx, next, func(delta string) error {
			text.WriteString(delta)
			return out.Emit(ctx, stream.Event{Type: stream.TypeTextDelta, Content: delta})
		})
		if err != nil {
			logger.WithError(errors.Wrapf(ErrUpstreamFailure, "%v", err)).Error("model run failed")
			failed = true
			break
		}
		if len(calls) == 0 {
			break
		}

		results := make([]ToolResult, 0, len(calls))
		for _, call := range calls {
			_ = out.Emit(ctx, stream.Event{Type: stream.TypeToolCall, Content: string(mustJSON(map[string]any{
				"toolCallId": call.ID,
				"toolName":   call.Name,
				"args":       call.Args,
			}))})
			res := bridge.Invoke(ctx, call)
			_ = out.Emit(ctx, stream.Event{Type: stream.TypeToolResult, Content: string(mustJSON(map[string]any{
				"toolCallId": call.ID,
				"toolName":   call.Name,
				"result":     res.Output,
			}))})
			invocations = append(invocations, toolInvocation{
				State:      "result",
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Args:       call.Args,
				Result:     res.Output,
			})
			results = append(results, res)
		}
		next = ModelTurn{ToolResults: results}
		if step == s.maxSteps-1 {
			logger.WithField("maxSteps", s.maxSteps).Warn("model run reached the tool step limit")
		}
	}

	if failed {
		_ = out.Emit(ctx, stream.Event{Type: stream.TypeError, Content: stream.GenericErrorMessage})
		metrics.ChatTurns.WithLabelValues(metrics.ResultFailure).Inc()
	} else {
		metrics.ChatTurns.WithLabelValues(metrics.ResultSuccess).Inc()
	}

	if text.Len() == 0 && len(invocations) == 0 {
		return
	}
	s.saveAssistantMessage(ctx, turn, text.String(), invocations)
}

// saveAssistantMessage never fails the turn; the user already has the answer.
func (s *ChatService) saveAssistantMessage(ctx context.Context, turn *Turn, text string, invocations []toolInvocation) {
	var parts []messagePart
	if text != "" {
		parts = append(parts, messagePart{Type: "text", Text: text})
	}
	for i := range invocations {
		parts = append(parts, messagePart{Type: "tool-invocation", ToolInvocation: &invocations[i]})
	}

	msg := store.Message{
		ID:          uuid.NewString(),
		ChatID:      turn.Chat.ID,
		Role:        store.RoleAssistant,
		Parts:       mustJSON(parts),
		Attachments: json.RawMessage("[]"),
		CreatedAt:   time.Now(),
	}
	if err := s.gateway.SaveMessages(ctx, []store.Message{msg}); err != nil {
		metrics.AssistantPersistFailures.Inc()
		log.WithError(err).WithField("chat", turn.Chat.ID).Error("Failed to save assistant message")
	}
}

type turnEmitter struct {
	b      *stream.Broadcaster
	router *stream.Subscription
}

func (e *turnEmitter) Emit(ctx context.Context, ev stream.Event) error {
	metrics.StreamEvents.WithLabelValues(string(ev.Type)).Inc()
	return e.b.Publish(ctx, ev)
}

func (e *turnEmitter) Sync(ctx context.Context) error {
	return e.b.Fence(ctx, e.router)
}

func lastUserMessage(messages []IncomingMessage) (IncomingMessage, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role == store.RoleUser && (strings.TrimSpace(m.Content) != "" || partsText(m.Parts) != "") {
			return m, true
		}
	}
	return IncomingMessage{}, false
}

func messageText(m IncomingMessage) string {
	if text := partsText(m.Parts); text != "" {
		return text
	}
	return m.Content
}

// partsText joins the text parts of a stored or incoming message.
func partsText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var parts []messagePart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).Error("failed to encode message JSON")
		return json.RawMessage("null")
	}
	return raw
}
