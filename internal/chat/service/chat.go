package service

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/biz"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/types"
	apperrors "github.com/lk2023060901/ai-chat-stream/internal/pkg/errors"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/logger"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/response"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/sse"
	"go.uber.org/zap"
)

const (
	eventBuffer    = 64
	eventHeartbeat = 30 * time.Second
)

// ChatService 对话 HTTP 服务
type ChatService struct {
	uc     *biz.ChatUseCase
	hub    *sse.Hub
	logger *logger.Logger

	heartbeat time.Duration
}

// NewChatService 创建对话服务
func NewChatService(uc *biz.ChatUseCase, hub *sse.Hub, logger *logger.Logger) *ChatService {
	return &ChatService{
		uc:        uc,
		hub:       hub,
		logger:    logger.Named("chat"),
		heartbeat: eventHeartbeat,
	}
}

// RegisterRoutes 注册路由
func (s *ChatService) RegisterRoutes(r *gin.RouterGroup) {
	chat := r.Group("/chat")
	{
		chat.GET("/state", s.GetState)
		chat.GET("/events", s.StreamEvents)
		chat.POST("/messages", s.SendMessage)
		chat.POST("/messages/:id/retry", s.RetryMessage)
		chat.POST("/stop", s.Stop)
		chat.POST("/new", s.NewChat)
		chat.POST("/files", s.AttachFiles)
		chat.POST("/approvals/:id", s.ResolveApproval)

		chat.GET("/threads", s.ListThreads)
		chat.POST("/threads/:id/switch", s.withThread, s.SwitchThread)
		chat.PATCH("/threads/:id", s.withThread, s.RenameThread)
		chat.DELETE("/threads/:id", s.withThread, s.DeleteThread)
	}
}

// GetState 获取当前对话视图
func (s *ChatService) GetState(c *gin.Context) {
	response.Success(c, s.uc.State())
}

// ListThreads 获取对话列表
func (s *ChatService) ListThreads(c *gin.Context) {
	view := s.uc.State()
	streaming := make(map[string]bool, len(view.Background)+1)
	for _, id := range view.Background {
		streaming[id] = true
	}
	if view.Streaming && view.ThreadID != "" {
		streaming[view.ThreadID] = true
	}

	threads := s.uc.Threads()
	resp := ThreadListResponse{Threads: make([]ThreadSummary, 0, len(threads))}
	for _, t := range threads {
		resp.Threads = append(resp.Threads, toThreadSummary(t, streaming[t.ID]))
	}
	response.Success(c, resp)
}

// SendMessage 发送消息并开始流式回复
func (s *ChatService) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	view, err := s.uc.Send(c.Request.Context(), req.Content)
	if err != nil {
		s.handleError(c, err)
		return
	}
	response.Success(c, view)
}

// RetryMessage 重新生成指定的助手消息
func (s *ChatService) RetryMessage(c *gin.Context) {
	view, err := s.uc.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	response.Success(c, view)
}

// Stop 停止当前流
func (s *ChatService) Stop(c *gin.Context) {
	response.Success(c, s.uc.Stop())
}

// NewChat 新建对话, 正在进行的流转入后台
func (s *ChatService) NewChat(c *gin.Context) {
	var req NewChatRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}

	view, err := s.uc.NewChat(c.Request.Context(), req.Ephemeral)
	if err != nil {
		s.handleError(c, err)
		return
	}
	response.Success(c, view)
}

// AttachFiles 为代码解释器附加已上传的文件
func (s *ChatService) AttachFiles(c *gin.Context) {
	var req AttachFilesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	view, err := s.uc.AttachFiles(c.Request.Context(), req.FileIDs)
	if err != nil {
		s.handleError(c, err)
		return
	}
	response.Success(c, view)
}

// ResolveApproval 批准或拒绝 MCP 工具调用
func (s *ChatService) ResolveApproval(c *gin.Context) {
	var req ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	resolve := s.uc.Deny
	if *req.Approve {
		resolve = s.uc.Approve
	}
	view, err := resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	response.Success(c, view)
}

// SwitchThread 切换到指定对话
func (s *ChatService) SwitchThread(c *gin.Context) {
	view, err := s.uc.SwitchThread(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	response.Success(c, view)
}

// RenameThread 重命名对话
func (s *ChatService) RenameThread(c *gin.Context) {
	var req RenameThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	thread, err := s.uc.RenameThread(c.Request.Context(), c.Param("id"), req.Title)
	if err != nil {
		s.handleError(c, err)
		return
	}
	response.Success(c, toThreadSummary(thread, false))
}

// DeleteThread 删除对话
func (s *ChatService) DeleteThread(c *gin.Context) {
	view, err := s.uc.DeleteThread(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	response.Success(c, view)
}

// StreamEvents SSE 推送视图与对话变更
func (s *ChatService) StreamEvents(c *gin.Context) {
	stream := sse.NewStream(c, s.hub).
		WithResource(ResourceChat).
		WithBufferSize(eventBuffer).
		WithHeartbeat(s.heartbeat).
		OnConnect(func(st *sse.Stream) {
			// 注册之后再发快照, 之后的变更不会丢失
			_ = st.Send(EventView, s.uc.State())
			s.logger.Debug("event stream connected", zap.String("client_id", st.GetClientID()))
		}).
		OnDisconnect(func() {
			s.logger.Debug("event stream closed")
		}).
		OnError(func(err error) {
			s.logger.Warn("event stream error", zap.Error(err))
		}).
		Build()
	defer stream.Close()

	stream.StartStreaming()
}

// withThread 将路径中的对话 ID 放入请求上下文, 供日志使用
func (s *ChatService) withThread(c *gin.Context) {
	c.Request = c.Request.WithContext(logger.WithThreadID(c.Request.Context(), c.Param("id")))
	c.Next()
}

// handleError 统一错误处理
func (s *ChatService) handleError(c *gin.Context, err error) {
	if !apperrors.IsClientError(apperrors.ExtractCode(err)) {
		s.logger.WithContext(c.Request.Context()).Error("chat request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	response.HandleError(c, err)
}

func toThreadSummary(t *types.Thread, streaming bool) ThreadSummary {
	return ThreadSummary{
		ID:           t.ID,
		Title:        t.Title,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		MessageCount: len(t.Messages),
		Streaming:    streaming,
	}
}
