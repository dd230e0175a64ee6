package types

// ResponseRequest is the outbound request for one streamed model response
type ResponseRequest struct {
	Model              string            `json:"model"`
	Input              []InputItem       `json:"input"`
	PreviousResponseID string            `json:"previous_response_id,omitempty"`
	Reasoning          *ReasoningOptions `json:"reasoning,omitempty"`
	Instructions       string            `json:"instructions,omitempty"`
	Tools              []Tool            `json:"tools,omitempty"`
	Stream             bool              `json:"stream"`
}

// ReasoningOptions configures reasoning effort and summaries
type ReasoningOptions struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// InputItem is a single item of the request input list
type InputItem struct {
	Type              string `json:"type,omitempty"`
	Role              string `json:"role,omitempty"`
	Content           string `json:"content,omitempty"`
	ApprovalRequestID string `json:"approval_request_id,omitempty"`
	Approve           *bool  `json:"approve,omitempty"`
}

// Tool enables a hosted tool on the request
type Tool struct {
	Type            string         `json:"type"`
	ServerLabel     string         `json:"server_label,omitempty"`
	ServerURL       string         `json:"server_url,omitempty"`
	RequireApproval string         `json:"require_approval,omitempty"`
	Container       *ToolContainer `json:"container,omitempty"`
}

// ToolContainer selects the code interpreter container and its files
type ToolContainer struct {
	Type    string   `json:"type"`
	FileIDs []string `json:"file_ids,omitempty"`
}

// UserInput builds the input list for a user text turn
func UserInput(text string) []InputItem {
	return []InputItem{{Role: string(RoleUser), Content: text}}
}

// ApprovalInput builds the input list answering an mcp approval request
func ApprovalInput(approvalRequestID string, approve bool) []InputItem {
	return []InputItem{{
		Type:              "mcp_approval_response",
		ApprovalRequestID: approvalRequestID,
		Approve:           &approve,
	}}
}
