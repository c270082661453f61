package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"gwi.com/artifact-chat/internal/artifact"
	"gwi.com/artifact-chat/internal/config"
	"gwi.com/artifact-chat/internal/store"
)

const (
	regularPrompt = "You are a friendly assistant! Keep your responses concise and helpful."

	artifactsPrompt = "Artifacts is a special user interface mode that helps users with writing, editing, and other content creation tasks. " +
		"When artifact is open, it is on the right side of the screen, while the conversation is on the left side. " +
		"When creating or updating documents, changes are reflected in real-time on the artifacts and visible to the user.\n\n" +
		"When asked to write code, always use artifacts.\n\n" +
		"Use `createDocument` for substantial content (more than 10 lines), for code, for content users will likely save or reuse, " +
		"and when explicitly asked to create a document. Do not use it for informational or conversational answers.\n\n" +
		"Use `updateDocument` to change an existing document, preferring full rewrites for major changes. " +
		"Do not update a document right after creating it. Wait for user feedback or a request to update it."

	codePrompt = "You are a code generator that creates self-contained, executable code snippets. When writing code:\n" +
		"1. Each snippet should be complete and runnable on its own\n" +
		"2. Include helpful comments explaining the code\n" +
		"3. Avoid external dependencies\n" +
		"4. Handle potential errors gracefully\n" +
		"5. Don't access files or network resources\n" +
		"6. Don't use infinite loops\n" +
		"Return only the code, without surrounding prose."

	titleSystemInstruction = "You are a helpful assistant that generates concise titles for chat conversations. " +
		"The title should be 3-5 words maximum. Just return the title itself, nothing else."
)

func updateDocumentPrompt(current string, kind artifact.Kind) string {
	switch kind {
	case artifact.KindCode:
		return "Improve the following code snippet based on the given prompt.\n\n" + current
	default:
		return ""
	}
}

// Model is the generative backend: a tool-calling chat model, a title model
// and an artifact model that streams document content.
type Model interface {
	StartChat(ctx context.Context, selectedModel string, history []HistoryMessage, tools []ToolSpec) (ChatSession, error)
	GenerateTitle(ctx context.Context, userMessage string) (string, error)
	// StreamDocument calls onContent with the cumulative content after every
	// chunk and returns the final content.
	StreamDocument(ctx context.Context, req DocumentRequest, onContent func(content string) error) (string, error)
}

// ChatSession is one multi-step model conversation.
type ChatSession interface {
	// Send delivers a user turn or the results of the previous step's tool
	// calls, streams text through onText and returns the tool calls the
	// model made in this step.
	Send(ctx context.Context, turn ModelTurn, onText func(delta string) error) ([]ToolCall, error)
}

type HistoryMessage struct {
	Role store.Role
	Text string
}

type ModelTurn struct {
	Text        string
	ToolResults []ToolResult
}

type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

type ToolResult struct {
	CallID string
	Name   string
	Output map[string]any
}

type ToolParam struct {
	Name        string
	Description string
	Enum        []string
}

type ToolSpec struct {
	Name        string
	Description string
	Params      []ToolParam
}

// DocumentRequest asks the artifact model for a new document (Current empty)
// or a revision of Current following Description.
type DocumentRequest struct {
	Kind        artifact.Kind
	Title       string
	Current     string
	Description string
}

type GeminiModel struct {
	client         *genai.Client
	chatModel      string
	reasoningModel string
	artifactModel  string
	titleModel     string
}

func NewGeminiModel(ctx context.Context, cfg *config.Config) (*GeminiModel, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GenAI client")
	}
	return &GeminiModel{
		client:         client,
		chatModel:      cfg.ChatModel,
		reasoningModel: cfg.ReasoningModel,
		artifactModel:  cfg.ArtifactModel,
		titleModel:     cfg.TitleModel,
	}, nil
}

func (m *GeminiModel) Close() {
	if m.client != nil {
		if err := m.client.Close(); err != nil {
			log.WithError(err).Warn("Error closing GenAI client")
		} else {
			log.Info("GenAI client closed.")
		}
	}
}

func (m *GeminiModel) StartChat(ctx context.Context, selectedModel string, history []HistoryMessage, tools []ToolSpec) (ChatSession, error) {
	model := m.client.GenerativeModel(m.modelFor(selectedModel))
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt())},
	}
	if len(tools) > 0 {
		model.Tools = []*genai.Tool{{FunctionDeclarations: functionDeclarations(tools)}}
	}

	cs := model.StartChat()
	for _, msg := range history {
		if msg.Text == "" {
			continue
		}
		role := "user"
		if msg.Role == store.RoleAssistant {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(msg.Text)}})
	}
	return &geminiSession{cs: cs}, nil
}

// modelFor maps a chat model selector to the Gemini model serving it.
func (m *GeminiModel) modelFor(selectedModel string) string {
	if selectedModel == ChatModelReasoning && m.reasoningModel != "" {
		return m.reasoningModel
	}
	return m.chatModel
}

// Both chat models get the artifacts prompt; the document tools stay
// available to the reasoning model too.
func systemPrompt() string {
	return regularPrompt + "\n\n" + artifactsPrompt
}

func functionDeclarations(tools []ToolSpec) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		params := &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}
		for _, p := range tool.Params {
			params.Properties[p.Name] = &genai.Schema{Type: genai.TypeString, Description: p.Description, Enum: p.Enum}
			params.Required = append(params.Required, p.Name)
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  params,
		})
	}
	return decls
}

type geminiSession struct {
	cs    *genai.ChatSession
	calls int
}

func (s *geminiSession) Send(ctx context.Context, turn ModelTurn, onText func(string) error) ([]ToolCall, error) {
	var parts []genai.Part
	if turn.Text != "" {
		parts = append(parts, genai.Text(turn.Text))
	}
	for _, res := range turn.ToolResults {
		parts = append(parts, genai.FunctionResponse{Name: res.Name, Response: res.Output})
	}
	if len(parts) == 0 {
		return nil, errors.New("nothing to send to the chat model")
	}

	var calls []ToolCall
	iter := s.cs.SendMessageStream(ctx, parts...)
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "gemini chat stream failed")
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				switch p := part.(type) {
				case genai.Text:
					if err := onText(string(p)); err != nil {
						return nil, err
					}
				case genai.FunctionCall:
					s.calls++
					calls = append(calls, ToolCall{ID: fmt.Sprintf("call_%d", s.calls), Name: p.Name, Args: p.Args})
				default:
					log.Debugf("Gemini response part was not text: %T", part)
				}
			}
		}
	}
	return calls, nil
}

func (m *GeminiModel) GenerateTitle(ctx context.Context, userMessage string) (string, error) {
	model := m.client.GenerativeModel(m.titleModel)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(titleSystemInstruction)},
	}

	temp := float32(0.3)
	maxTokens := int32(20)
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     &temp,
	}

	prompt := fmt.Sprintf("Generate a very concise title (3-5 words maximum) for a conversation that starts with or is about: %q.", userMessage)
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", errors.Wrap(err, "gemini title generation request failed")
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("LLM did not generate a title (empty response)")
	}

	var title strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			title.WriteString(string(txt))
		}
	}
	return title.String(), nil
}

func (m *GeminiModel) StreamDocument(ctx context.Context, req DocumentRequest, onContent func(string) error) (string, error) {
	model := m.client.GenerativeModel(m.artifactModel)
	system, prompt := codePrompt, req.Title
	if req.Description != "" {
		system, prompt = updateDocumentPrompt(req.Current, req.Kind), req.Description
	}
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}

	var content strings.Builder
	iter := model.GenerateContentStream(ctx, genai.Text(prompt))
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return content.String(), errors.Wrap(err, "gemini document stream failed")
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				txt, ok := part.(genai.Text)
				if !ok || txt == "" {
					continue
				}
				content.WriteString(string(txt))
				if err := onContent(content.String()); err != nil {
					return content.String(), err
				}
			}
		}
	}
	return content.String(), nil
}
