package service

// SendMessageRequest 发送消息请求
type SendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// NewChatRequest 新建对话请求
type NewChatRequest struct {
	Ephemeral bool `json:"ephemeral"`
}

// RenameThreadRequest 重命名对话请求
type RenameThreadRequest struct {
	Title string `json:"title" binding:"required,max=200"`
}

// AttachFilesRequest 附加文件请求
type AttachFilesRequest struct {
	FileIDs []string `json:"fileIds" binding:"required,min=1,dive,required"`
}

// ApprovalRequest MCP 审批请求
type ApprovalRequest struct {
	Approve *bool `json:"approve" binding:"required"`
}

// ThreadSummary is a thread without its messages, for listings
type ThreadSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
	MessageCount int    `json:"messageCount"`
	Streaming    bool   `json:"streaming"`
}

// ThreadListResponse 对话列表响应
type ThreadListResponse struct {
	Threads []ThreadSummary `json:"threads"`
}
