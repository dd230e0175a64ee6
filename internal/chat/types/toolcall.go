package types

// ToolCallType discriminates tool call variants
type ToolCallType string

const (
	ToolFunction        ToolCallType = "function"
	ToolWebSearch       ToolCallType = "web_search"
	ToolCodeInterpreter ToolCallType = "code_interpreter"
	ToolMCP             ToolCallType = "mcp"
	ToolMCPApproval     ToolCallType = "mcp_approval"
)

// ToolCallStatus is a state in a variant's status machine
type ToolCallStatus string

const (
	StatusInProgress   ToolCallStatus = "in_progress"
	StatusSearching    ToolCallStatus = "searching"
	StatusInterpreting ToolCallStatus = "interpreting"
	StatusCompleted    ToolCallStatus = "completed"
	StatusFailed       ToolCallStatus = "failed"
	StatusAborted      ToolCallStatus = "aborted"
	StatusPending      ToolCallStatus = "pending"
	StatusApproved     ToolCallStatus = "approved"
	StatusDenied       ToolCallStatus = "denied"
)

// ToolCall is a tool invocation made by the model during a turn
type ToolCall struct {
	ID                string         `json:"id"`
	Type              ToolCallType   `json:"type"`
	Name              string         `json:"name"`
	Arguments         string         `json:"arguments"`
	Status            ToolCallStatus `json:"status"`
	Query             string         `json:"query,omitempty"`
	Code              string         `json:"code,omitempty"`
	Output            string         `json:"output,omitempty"`
	ServerLabel       string         `json:"serverLabel,omitempty"`
	ApprovalRequestID string         `json:"approvalRequestId,omitempty"`
	Result            string         `json:"result,omitempty"`
	Error             string         `json:"error,omitempty"`
}

// statusRank orders the statuses reachable by each variant. Statuses sharing
// the highest rank are terminal.
var statusRank = map[ToolCallType]map[ToolCallStatus]int{
	ToolWebSearch: {
		StatusInProgress: 0,
		StatusSearching:  1,
		StatusCompleted:  2,
		StatusFailed:     2,
		StatusAborted:    2,
	},
	ToolCodeInterpreter: {
		StatusInProgress:   0,
		StatusInterpreting: 1,
		StatusCompleted:    2,
		StatusFailed:       2,
		StatusAborted:      2,
	},
	ToolFunction: {
		StatusInProgress: 0,
		StatusCompleted:  1,
		StatusFailed:     1,
		StatusAborted:    1,
	},
	ToolMCP: {
		StatusInProgress: 0,
		StatusCompleted:  1,
		StatusFailed:     1,
		StatusAborted:    1,
	},
	ToolMCPApproval: {
		StatusPending:  0,
		StatusApproved: 1,
		StatusDenied:   1,
	},
}

// InitialStatus is the status a freshly seen call of this variant starts in
func (t ToolCallType) InitialStatus() ToolCallStatus {
	if t == ToolMCPApproval {
		return StatusPending
	}
	return StatusInProgress
}

// CanTransition reports whether a call of this variant may move from one
// status to another. Only forward moves out of non-terminal statuses are legal.
func (t ToolCallType) CanTransition(from, to ToolCallStatus) bool {
	ranks, ok := statusRank[t]
	if !ok {
		return false
	}
	toRank, ok := ranks[to]
	if !ok {
		return false
	}
	fromRank, ok := ranks[from]
	if !ok {
		// unknown current status, accept any valid target
		return true
	}
	if t.IsTerminal(from) {
		return false
	}
	return toRank > fromRank
}

// IsTerminal reports whether status ends the variant's status machine
func (t ToolCallType) IsTerminal(status ToolCallStatus) bool {
	ranks, ok := statusRank[t]
	if !ok {
		return false
	}
	rank, ok := ranks[status]
	if !ok {
		return false
	}
	top := 0
	for _, r := range ranks {
		if r > top {
			top = r
		}
	}
	return rank == top
}

// Advance moves the call to status when the transition is legal
func (c *ToolCall) Advance(status ToolCallStatus) bool {
	if c.Status == status {
		return false
	}
	if !c.Type.CanTransition(c.Status, status) {
		return false
	}
	c.Status = status
	return true
}
