package artifact

import (
	"unicode/utf8"

	"gwi.com/artifact-chat/internal/stream"
)

// The draft becomes visible the first time a streamed content length lands
// strictly between these bounds.
const (
	visibilityWindowLow  = 300
	visibilityWindowHigh = 310
)

// Draft is the transient, user-facing view of a document being generated or
// edited. It is never part of the version history until committed.
type Draft struct {
	DocumentID string `json:"documentId"`
	Title      string `json:"title"`
	Kind       Kind   `json:"kind"`
	Content    string `json:"content"`
	Visible    bool   `json:"isVisible"`
	Status     Status `json:"status"`
}

type Effect int

const (
	EffectNone Effect = iota
	EffectChanged
	// EffectFinished asks the owner to commit the draft immediately.
	EffectFinished
)

// Ingestor folds one document's stream events into its draft.
type Ingestor struct {
	draft *Draft
	state *StateMachine
}

func NewIngestor(draft *Draft, state *StateMachine) *Ingestor {
	draft.Status = state.Status()
	return &Ingestor{draft: draft, state: state}
}

// OnEvent applies ev to the draft. Events arrive in emission order, so
// content deltas simply replace the content.
func (in *Ingestor) OnEvent(ev stream.Event) Effect {
	effect := EffectNone
	switch ev.Type {
	case stream.TypeID:
		in.draft.DocumentID = ev.Content
		effect = EffectChanged
	case stream.TypeTitle:
		in.draft.Title = ev.Content
		effect = EffectChanged
	case stream.TypeKind:
		if k, err := ParseKind(ev.Content); err == nil {
			in.draft.Kind = k
		}
		effect = EffectChanged
	case stream.TypeClear:
		in.state.Begin()
		in.draft.Content = ""
		if ev.Content != "" {
			in.draft.Title = ev.Content
		}
		effect = EffectChanged
	case stream.TypeContentDelta:
		in.state.Begin()
		in.draft.Content = ev.Content
		if in.state.Streaming() && !in.draft.Visible {
			n := utf8.RuneCountInString(ev.Content)
			if n > visibilityWindowLow && n < visibilityWindowHigh {
				in.draft.Visible = true
			}
		}
		effect = EffectChanged
	case stream.TypeFinish:
		if in.state.Finish() {
			effect = EffectFinished
		}
	}
	in.draft.Status = in.state.Status()
	return effect
}
