package domain

// Turn is a single persisted research conversation message.
type Turn struct {
	PK         string
	SK         string
	ResearchID string
	Role       string
	Content    string
	TTL        int64
}

// RunStatus is the lifecycle state of a research run.
type RunStatus string

const (
	RunNeedsClarification RunStatus = "needs_clarification"
	RunComplete           RunStatus = "complete"
)

// RunMeta stores aggregate research run state.
type RunMeta struct {
	PK            string
	SK            string
	ResearchID    string
	Status        RunStatus
	ResearchBrief string
	FinalReport   string
	Turns         int
	InputTokens   int
	OutputTokens  int
	CostUSD       string
	LastActivity  string
	TTL           int64
}

// RunRecord is everything persisted for one completed workflow invocation.
type RunRecord struct {
	ResearchID    string
	Status        RunStatus
	Messages      []ChatMessage
	ResearchBrief string
	FinalReport   string
	Turns         int
	InputTokens   int
	OutputTokens  int
	CostUSD       string
}
