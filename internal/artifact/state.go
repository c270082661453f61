package artifact

type Status string

const (
	StatusIdle      Status = "idle"
	StatusStreaming Status = "streaming"
)

// StateMachine decides whether the draft or the persisted versions are
// authoritative. While streaming, the generator is the only writer of the
// draft; once idle, the editing surface is.
type StateMachine struct {
	status Status
}

func NewStateMachine() *StateMachine {
	return &StateMachine{status: StatusIdle}
}

func (m *StateMachine) Status() Status {
	return m.status
}

func (m *StateMachine) Streaming() bool {
	return m.status == StatusStreaming
}

// Begin enters streaming. Re-entering from idle for an existing document is
// allowed; the version history is untouched. It reports whether the status
// changed.
func (m *StateMachine) Begin() bool {
	if m.status == StatusStreaming {
		return false
	}
	m.status = StatusStreaming
	return true
}

// Finish leaves streaming. It reports whether the status changed.
func (m *StateMachine) Finish() bool {
	if m.status != StatusStreaming {
		return false
	}
	m.status = StatusIdle
	return true
}

// AcceptsEdits reports whether manual edits may reach the committer.
func (m *StateMachine) AcceptsEdits() bool {
	return m.status == StatusIdle
}
