package research

import (
	"deep-research-agent/internal/domain"
	"deep-research-agent/internal/usage"
)

// Input starts a run. Messages is the conversation so far, ending with the
// user's latest message.
type Input struct {
	Messages []domain.ChatMessage
}

// State accumulates across the top-level graph. Nodes only append to the
// slices and return the same pointer.
type State struct {
	Messages           []domain.ChatMessage `json:"messages"`
	ResearchBrief      string               `json:"research_brief"`
	SupervisorMessages []domain.ChatMessage `json:"supervisor_messages"`
	Notes              []string             `json:"notes"`
	RawNotes           []string             `json:"raw_notes"`
	FinalReport        string               `json:"final_report"`
	NeedsClarification bool                 `json:"needs_clarification"`
	ClarifyingQuestion string               `json:"clarifying_question,omitempty"`
	ResearchIterations int                  `json:"research_iterations"`
	Usage              usage.Summary        `json:"usage"`

	tracker *usage.Tracker
	failure error
}

// Result is delivered by InvokeAsync.
type Result struct {
	State *State
	Err   error
}

// supervisorState is the state of the supervisor subgraph.
type supervisorState struct {
	Brief      string
	Messages   []domain.ChatMessage
	Iterations int
	Notes      []string
	RawNotes   []string
	Done       bool

	tracker *usage.Tracker
	failure error
}

// researcherState is the state of one researcher subgraph run.
type researcherState struct {
	Topic          string
	Messages       []domain.ChatMessage
	ToolIterations int
	Compressed     string
	RawNotes       []string

	tracker *usage.Tracker
	failure error
}

func lastMessage(msgs []domain.ChatMessage) (domain.ChatMessage, bool) {
	if len(msgs) == 0 {
		return domain.ChatMessage{}, false
	}
	return msgs[len(msgs)-1], true
}

// failureRecorder lets node wrappers keep the first node error with its
// original chain intact, whatever the graph runtime does to it.
type failureRecorder interface {
	recordFailure(err error)
}

func (s *State) recordFailure(err error) {
	if s.failure == nil {
		s.failure = err
	}
}

func (s *supervisorState) recordFailure(err error) {
	if s.failure == nil {
		s.failure = err
	}
}

func (s *researcherState) recordFailure(err error) {
	if s.failure == nil {
		s.failure = err
	}
}
