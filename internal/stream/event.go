package stream

type EventType string

const (
	TypeTextDelta    EventType = "text-delta"
	TypeID           EventType = "id"
	TypeTitle        EventType = "title"
	TypeKind         EventType = "kind"
	TypeClear        EventType = "clear"
	TypeContentDelta EventType = "content-delta"
	TypeFinish       EventType = "finish"
	TypeToolCall     EventType = "tool-call"
	TypeToolResult   EventType = "tool-result"
	TypeError        EventType = "error"
)

// GenericErrorMessage is the only error text ever written to the outward stream.
const GenericErrorMessage = "An error occurred."

// Event is one record of the data stream shared by the chat UI and the
// document engine. DocumentID is set on every document-kind event.
type Event struct {
	Type       EventType `json:"type"`
	Content    string    `json:"content"`
	DocumentID string    `json:"documentId,omitempty"`
}

// IsDocumentEvent reports whether the event belongs to an artifact's
// generation and must be routed to the document engine.
func (e Event) IsDocumentEvent() bool {
	switch e.Type {
	case TypeID, TypeTitle, TypeKind, TypeClear, TypeContentDelta, TypeFinish:
		return e.DocumentID != ""
	}
	return false
}
