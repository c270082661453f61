package core

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"gwi.com/artifact-chat/internal/artifact"
	"gwi.com/artifact-chat/internal/store"
	"gwi.com/artifact-chat/internal/stream"
)

var errModelDown = errors.New("model unavailable")

// modelStep is one scripted answer of the chat model.
type modelStep struct {
	text  string
	calls []ToolCall
	err   error
}

// fakeModel replays scripted steps and document streams. Scripts are
// consumed in order and can be replaced between turns.
type fakeModel struct {
	mu        sync.Mutex
	title     string
	titleErr  error
	startErr  error
	steps     []modelStep
	documents [][]string
	docErr    error
	requests  []DocumentRequest
	sent      []ModelTurn
}

func (m *fakeModel) StartChat(ctx context.Context, selectedModel string, history []HistoryMessage, tools []ToolSpec) (ChatSession, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	return &fakeSession{m: m}, nil
}

func (m *fakeModel) GenerateTitle(ctx context.Context, userMessage string) (string, error) {
	return m.title, m.titleErr
}

func (m *fakeModel) StreamDocument(ctx context.Context, req DocumentRequest, onContent func(string) error) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	var contents []string
	if len(m.documents) > 0 {
		contents, m.documents = m.documents[0], m.documents[1:]
	}
	docErr := m.docErr
	m.mu.Unlock()

	last := ""
	for _, c := range contents {
		if err := onContent(c); err != nil {
			return last, err
		}
		last = c
	}
	return last, docErr
}

type fakeSession struct {
	m *fakeModel
}

func (s *fakeSession) Send(ctx context.Context, turn ModelTurn, onText func(string) error) ([]ToolCall, error) {
	s.m.mu.Lock()
	s.m.sent = append(s.m.sent, turn)
	if len(s.m.steps) == 0 {
		s.m.mu.Unlock()
		return nil, nil
	}
	step := s.m.steps[0]
	s.m.steps = s.m.steps[1:]
	s.m.mu.Unlock()

	if step.err != nil {
		return nil, step.err
	}
	if step.text != "" {
		if err := onText(step.text); err != nil {
			return nil, err
		}
	}
	return step.calls, nil
}

// failingGateway fails selected writes on top of a real store.
type failingGateway struct {
	Gateway
	failAssistant bool
	failUser      bool
}

func (g *failingGateway) SaveMessages(ctx context.Context, msgs []store.Message) error {
	for _, m := range msgs {
		if (m.Role == store.RoleAssistant && g.failAssistant) || (m.Role == store.RoleUser && g.failUser) {
			return errors.New("disk full")
		}
	}
	return g.Gateway.SaveMessages(ctx, msgs)
}

type harness struct {
	gateway Gateway
	engine  *artifact.Engine
	model   *fakeModel
	chats   *ChatService
	docs    *DocumentService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "core.db"), 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newHarnessWithGateway(t, NewGateway(db))
}

func newHarnessWithGateway(t *testing.T, gw Gateway) *harness {
	t.Helper()
	repo := NewDocumentRepository(gw)
	clock := artifact.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	engine := artifact.NewEngine(repo, artifact.NewCommitter(repo, clock, 0))
	model := &fakeModel{title: "Plan chat"}
	return &harness{
		gateway: gw,
		engine:  engine,
		model:   model,
		chats:   NewChatService(gw, engine, model, 5),
		docs:    NewDocumentService(gw, engine),
	}
}

func userRequest(chatID, text string) ChatRequest {
	return ChatRequest{
		ID:                chatID,
		Messages:          []IncomingMessage{{Role: store.RoleUser, Content: text}},
		SelectedChatModel: "chat-model",
	}
}

// runTurn starts and streams one turn, returning every outward event.
func (h *harness) runTurn(t *testing.T, userID int64, req ChatRequest) []stream.Event {
	t.Helper()
	ctx := context.Background()
	turn, err := h.chats.StartTurn(ctx, userID, req)
	require.NoError(t, err)

	var events []stream.Event
	require.NoError(t, h.chats.Stream(ctx, turn, func(ev stream.Event) error {
		events = append(events, ev)
		return nil
	}))
	return events
}

func eventsOf(events []stream.Event, typ stream.EventType) []stream.Event {
	var out []stream.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
