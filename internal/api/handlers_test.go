package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/artifact-chat/internal/artifact"
	"gwi.com/artifact-chat/internal/auth"
	"gwi.com/artifact-chat/internal/core"
	"gwi.com/artifact-chat/internal/store"
	"gwi.com/artifact-chat/internal/stream"
)

const testSecret = "test-secret"

// scriptedModel answers the first message of every chat with text and tool
// calls, and streams the same content for every document.
type scriptedModel struct {
	mu       sync.Mutex
	text     string
	calls    []core.ToolCall
	document []string
}

func (m *scriptedModel) StartChat(ctx context.Context, selectedModel string, history []core.HistoryMessage, tools []core.ToolSpec) (core.ChatSession, error) {
	return &scriptedSession{m: m}, nil
}

func (m *scriptedModel) GenerateTitle(ctx context.Context, userMessage string) (string, error) {
	return "Scripted", nil
}

func (m *scriptedModel) StreamDocument(ctx context.Context, req core.DocumentRequest, onContent func(string) error) (string, error) {
	m.mu.Lock()
	contents := m.document
	m.mu.Unlock()
	last := ""
	for _, c := range contents {
		if err := onContent(c); err != nil {
			return last, err
		}
		last = c
	}
	return last, nil
}

type scriptedSession struct {
	m    *scriptedModel
	sent int
}

func (s *scriptedSession) Send(ctx context.Context, turn core.ModelTurn, onText func(string) error) ([]core.ToolCall, error) {
	s.sent++
	if s.sent > 1 {
		return nil, nil
	}
	s.m.mu.Lock()
	text, calls := s.m.text, s.m.calls
	s.m.mu.Unlock()
	if text != "" {
		if err := onText(text); err != nil {
			return nil, err
		}
	}
	return calls, nil
}

type testServer struct {
	handler http.Handler
	db      *store.SQLiteStore
	model   *scriptedModel
	tokens  map[string]string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"), 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gw := core.NewGateway(db)
	repo := core.NewDocumentRepository(gw)
	clock := artifact.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	engine := artifact.NewEngine(repo, artifact.NewCommitter(repo, clock, 0))
	model := &scriptedModel{}

	h := NewAPIHandler(core.NewChatService(gw, engine, model, 5), core.NewDocumentService(gw, engine), db, testSecret)
	ts := &testServer{handler: NewRouter(h), db: db, model: model, tokens: map[string]string{}}
	for _, name := range []string{"luke", "vader"} {
		hash, err := auth.HashPassword("pw-" + name)
		require.NoError(t, err)
		_, err = db.CreateUser(context.Background(), name, hash)
		require.NoError(t, err)
		token, err := auth.GenerateJWT(testSecret, name)
		require.NoError(t, err)
		ts.tokens[name] = token
	}
	return ts
}

func (s *testServer) do(t *testing.T, user, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+s.tokens[user])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeEvents(t *testing.T, body string) []stream.Event {
	t.Helper()
	var events []stream.Event
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		var ev stream.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	return events
}

func chatBody(chatID, text string) core.ChatRequest {
	return core.ChatRequest{
		ID:                chatID,
		Messages:          []core.IncomingMessage{{ID: chatID + "-u1", Role: store.RoleUser, Content: text}},
		SelectedChatModel: "chat-model",
	}
}

// createDocument runs a chat turn whose model creates one code document,
// returning the new document id.
func (s *testServer) createDocument(t *testing.T, user, chatID string) string {
	t.Helper()
	s.model.mu.Lock()
	s.model.text = "On it."
	s.model.calls = []core.ToolCall{{ID: "call_1", Name: core.ToolCreateDocument, Args: map[string]any{"title": "Plan", "kind": "code"}}}
	s.model.document = []string{"print(", "print(1)"}
	s.model.mu.Unlock()

	rec := s.do(t, user, http.MethodPost, "/api/chat", chatBody(chatID, "write a plan"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	for _, ev := range decodeEvents(t, rec.Body.String()) {
		if ev.Type == stream.TypeID {
			return ev.Content
		}
	}
	t.Fatal("no document id event in stream")
	return ""
}

func TestHealthAndAuth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "", http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, "", http.MethodGet, "/api/history", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSignupAndLogin(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "", http.MethodPost, "/api/signup", credentialsRequest{UserID: "leia", Password: "alderaan"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotContains(t, rec.Body.String(), "alderaan")

	rec = s.do(t, "", http.MethodPost, "/api/login", credentialsRequest{UserID: "leia", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, "", http.MethodPost, "/api/login", credentialsRequest{UserID: "nobody", Password: "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, "", http.MethodPost, "/api/login", credentialsRequest{UserID: "leia", Password: "alderaan"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	sub, err := auth.ValidateJWT(testSecret, resp["token"])
	require.NoError(t, err)
	assert.Equal(t, "leia", sub)

	rec = s.do(t, "", http.MethodPost, "/api/signup", credentialsRequest{UserID: "leia"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatStreamCreatesDocument(t *testing.T) {
	s := newTestServer(t)
	docID := s.createDocument(t, "luke", "chat-1")

	rec := s.do(t, "luke", http.MethodGet, "/api/document?id="+docID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var versions []artifact.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	require.Len(t, versions, 1)
	assert.Equal(t, "print(1)", versions[0].Content)
	assert.Equal(t, artifact.KindCode, versions[0].Kind)

	rec = s.do(t, "vader", http.MethodGet, "/api/document?id="+docID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, "luke", http.MethodGet, "/api/document?id=missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, "luke", http.MethodGet, "/api/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var chats []store.Chat
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chats))
	require.Len(t, chats, 1)
	assert.Equal(t, "Scripted", chats[0].Title)
}

func TestChatErrorsBeforeStreaming(t *testing.T) {
	s := newTestServer(t)
	s.createDocument(t, "luke", "chat-1")

	rec := s.do(t, "vader", http.MethodPost, "/api/chat", chatBody("chat-1", "hijack"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, "luke", http.MethodPost, "/api/chat", core.ChatRequest{ID: "chat-2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+s.tokens["luke"])
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteChat(t *testing.T) {
	s := newTestServer(t)
	s.createDocument(t, "luke", "chat-1")

	assert.Equal(t, http.StatusBadRequest, s.do(t, "luke", http.MethodDelete, "/api/chat", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, "luke", http.MethodDelete, "/api/chat?id=missing", nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, "vader", http.MethodDelete, "/api/chat?id=chat-1", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, "luke", http.MethodDelete, "/api/chat?id=chat-1", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, "luke", http.MethodDelete, "/api/chat?id=chat-1", nil).Code)
}

func TestDocumentEditFlushAndDelete(t *testing.T) {
	s := newTestServer(t)
	docID := s.createDocument(t, "luke", "chat-1")

	rec := s.do(t, "luke", http.MethodPost, "/api/document?id="+docID, editRequest{Content: "print(2)"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var view artifact.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.True(t, view.Dirty)

	rec = s.do(t, "luke", http.MethodPost, "/api/document/flush?id="+docID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.False(t, view.Dirty)
	assert.Equal(t, 1, view.Latest)

	rec = s.do(t, "luke", http.MethodGet, "/api/document?id="+docID, nil)
	var versions []artifact.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	require.Len(t, versions, 2)

	rec = s.do(t, "luke", http.MethodDelete, "/api/document?id="+docID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts := versions[0].CreatedAt.Format(time.RFC3339Nano)
	rec = s.do(t, "vader", http.MethodDelete, "/api/document?id="+docID+"&timestamp="+ts, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, "luke", http.MethodDelete, "/api/document?id="+docID+"&timestamp="+ts, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":1}`, rec.Body.String())
}

func TestVotes(t *testing.T) {
	s := newTestServer(t)
	s.createDocument(t, "luke", "chat-1")

	rec := s.do(t, "luke", http.MethodGet, "/api/chat/messages?chatId=chat-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var messages []store.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &messages))
	require.Len(t, messages, 2)
	assistant := messages[1]
	require.Equal(t, store.RoleAssistant, assistant.Role)

	vote := voteRequest{ChatID: "chat-1", MessageID: assistant.ID, Type: "up"}
	assert.Equal(t, http.StatusNoContent, s.do(t, "luke", http.MethodPatch, "/api/vote", vote).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, "vader", http.MethodPatch, "/api/vote", vote).Code)

	vote.Type = "sideways"
	assert.Equal(t, http.StatusBadRequest, s.do(t, "luke", http.MethodPatch, "/api/vote", vote).Code)

	rec = s.do(t, "luke", http.MethodGet, "/api/vote?chatId=chat-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var votes []store.Vote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &votes))
	require.Len(t, votes, 1)
	assert.True(t, votes[0].IsUpvoted)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, "vader", http.MethodGet, "/api/vote?chatId=chat-1", nil).Code)
}

func TestVisibilityAndDeleteMessages(t *testing.T) {
	s := newTestServer(t)
	s.createDocument(t, "luke", "chat-1")

	rec := s.do(t, "vader", http.MethodGet, "/api/chat/messages?chatId=chat-1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	body := visibilityRequest{ChatID: "chat-1", Visibility: store.VisibilityPublic}
	assert.Equal(t, http.StatusForbidden, s.do(t, "vader", http.MethodPatch, "/api/chat/visibility", body).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, "luke", http.MethodPatch, "/api/chat/visibility", body).Code)

	rec = s.do(t, "vader", http.MethodGet, "/api/chat/messages?chatId=chat-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var messages []store.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &messages))
	require.Len(t, messages, 2)

	ts := messages[0].CreatedAt.Format(time.RFC3339Nano)
	rec = s.do(t, "luke", http.MethodDelete, "/api/chat/messages?chatId=chat-1&timestamp="+ts, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var deleted map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deleted))
	assert.Equal(t, []string{messages[1].ID}, deleted["deleted"])

	rec = s.do(t, "luke", http.MethodDelete, "/api/chat/messages?chatId=chat-1&timestamp=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseTimestamp(t *testing.T) {
	ts, err := parseTimestamp("1704067200000")
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	ts, err = parseTimestamp("2024-01-01T00:00:00.5Z")
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, ts.Sub(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	_, err = parseTimestamp("")
	assert.Error(t, err)
}

func TestDocumentWebSocket(t *testing.T) {
	s := newTestServer(t)
	docID := s.createDocument(t, "luke", "chat-1")

	srv := httptest.NewServer(s.handler)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/document/ws?id=" + docID

	_, resp, err := websocket.DefaultDialer.Dial(base+"&token="+s.tokens["vader"], nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+"&token="+s.tokens["luke"], nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	read := func() documentWSOutbound {
		var out documentWSOutbound
		require.NoError(t, conn.ReadJSON(&out))
		return out
	}

	initial := read()
	require.Equal(t, "view", initial.Type)
	assert.Equal(t, "print(1)", initial.View.Content)

	require.NoError(t, conn.WriteJSON(documentWSInbound{Type: "edit", Content: "print(3)"}))
	edited := read()
	require.Equal(t, "view", edited.Type)
	assert.Equal(t, "print(3)", edited.View.Draft.Content)
	assert.True(t, edited.View.Dirty)

	require.NoError(t, conn.WriteJSON(documentWSInbound{Type: "jump"}))
	bad := read()
	assert.Equal(t, "error", bad.Type)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	require.NoError(t, conn.WriteJSON(documentWSInbound{Type: "close"}))
	for {
		out := read()
		if out.Type == "closed" {
			break
		}
		require.Equal(t, "view", out.Type)
	}

	rec := s.do(t, "luke", http.MethodGet, "/api/document?id="+docID, nil)
	var versions []artifact.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	require.Len(t, versions, 2)
	assert.Equal(t, "print(3)", versions[1].Content)
}
