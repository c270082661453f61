package artifact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"gwi.com/artifact-chat/internal/stream"
)

func delta(n int) stream.Event {
	return stream.Event{Type: stream.TypeContentDelta, Content: strings.Repeat("x", n), DocumentID: "doc"}
}

func TestIngestorVisibilityWindow(t *testing.T) {
	tests := []struct {
		name        string
		lengths     []int
		wantVisible []bool
	}{
		{
			name:        "crosses into the window",
			lengths:     []int{0, 150, 305, 450},
			wantVisible: []bool{false, false, true, true},
		},
		{
			name:        "skips the window",
			lengths:     []int{0, 150, 450},
			wantVisible: []bool{false, false, false},
		},
		{
			name:        "window bounds are exclusive",
			lengths:     []int{300, 310},
			wantVisible: []bool{false, false},
		},
		{
			name:        "jump from 295 to 400",
			lengths:     []int{295, 400},
			wantVisible: []bool{false, false},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			draft := &Draft{DocumentID: "doc"}
			in := NewIngestor(draft, NewStateMachine())

			flips := 0
			for i, n := range tc.lengths {
				was := draft.Visible
				in.OnEvent(delta(n))
				if !was && draft.Visible {
					flips++
				}
				assert.Equal(t, tc.wantVisible[i], draft.Visible, "after length %d", n)
			}
			assert.LessOrEqual(t, flips, 1)
		})
	}
}

func TestIngestorVisibilityCountsRunes(t *testing.T) {
	draft := &Draft{DocumentID: "doc"}
	in := NewIngestor(draft, NewStateMachine())

	// 305 runes, 610 bytes.
	in.OnEvent(stream.Event{Type: stream.TypeContentDelta, Content: strings.Repeat("é", 305)})
	assert.True(t, draft.Visible)
}

func TestIngestorCreateSequence(t *testing.T) {
	draft := &Draft{}
	state := NewStateMachine()
	in := NewIngestor(draft, state)

	assert.Equal(t, EffectChanged, in.OnEvent(stream.Event{Type: stream.TypeID, Content: "doc"}))
	in.OnEvent(stream.Event{Type: stream.TypeTitle, Content: "Plan"})
	in.OnEvent(stream.Event{Type: stream.TypeKind, Content: "code"})
	in.OnEvent(stream.Event{Type: stream.TypeClear})
	assert.Equal(t, StatusStreaming, draft.Status)

	in.OnEvent(stream.Event{Type: stream.TypeContentDelta, Content: "a"})
	in.OnEvent(stream.Event{Type: stream.TypeContentDelta, Content: "ab"})
	assert.Equal(t, "ab", draft.Content)

	assert.Equal(t, EffectFinished, in.OnEvent(stream.Event{Type: stream.TypeFinish}))
	assert.Equal(t, StatusIdle, draft.Status)
	assert.Equal(t, Draft{DocumentID: "doc", Title: "Plan", Kind: KindCode, Content: "ab", Status: StatusIdle}, *draft)

	// A second finish has nothing to commit.
	assert.Equal(t, EffectNone, in.OnEvent(stream.Event{Type: stream.TypeFinish}))
}

func TestIngestorClearEchoesTitle(t *testing.T) {
	draft := &Draft{DocumentID: "doc", Title: "Old", Content: "previous"}
	in := NewIngestor(draft, NewStateMachine())

	in.OnEvent(stream.Event{Type: stream.TypeClear, Content: "Plan"})
	assert.Equal(t, "", draft.Content)
	assert.Equal(t, "Plan", draft.Title)
	assert.Equal(t, StatusStreaming, draft.Status)
}

func TestIngestorIgnoresUnknownKind(t *testing.T) {
	draft := &Draft{DocumentID: "doc", Kind: KindCode}
	in := NewIngestor(draft, NewStateMachine())

	in.OnEvent(stream.Event{Type: stream.TypeKind, Content: "spreadsheet"})
	assert.Equal(t, KindCode, draft.Kind)
}
