package sse

import (
	"encoding/json"
	"sync"
)

// Event SSE 事件
type Event struct {
	Type string      `json:"type"` // 事件类型
	Data interface{} `json:"data"` // 事件数据
}

// Client SSE 客户端连接
type Client struct {
	ID       string
	Channel  chan Event
	Resource string // 订阅的资源 ID (如 chat)

	closed bool // Unregister 关闭 Channel 后置位, 受 Hub.mu 保护
}

// Hub SSE 连接管理器
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]bool // resource -> clients
}

// NewHub 创建 Hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]bool),
	}
}

// Register 注册客户端
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.Resource] == nil {
		h.clients[client.Resource] = make(map[*Client]bool)
	}
	h.clients[client.Resource][client] = true
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.clients[client.Resource]; ok {
		if _, exists := clients[client]; exists {
			delete(clients, client)
			client.closed = true
			close(client.Channel)

			// 清理空资源
			if len(clients) == 0 {
				delete(h.clients, client.Resource)
			}
		}
	}
}

// Broadcast 向订阅指定资源的所有客户端广播消息, 不阻塞.
// 返回因缓冲区满而丢弃的客户端数量
func (h *Hub) Broadcast(resource string, event Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	dropped := 0
	for client := range h.clients[resource] {
		select {
		case client.Channel <- event:
		default:
			// 客户端缓冲区满,跳过
			dropped++
		}
	}
	return dropped
}

// trySend 在 Hub 锁内向单个客户端发送, 避免与 Unregister 关闭 Channel 竞争
func (h *Hub) trySend(client *Client, event Event) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if client.closed {
		return false, ErrStreamClosed
	}
	select {
	case client.Channel <- event:
		return true, nil
	default:
		return false, nil
	}
}

// GetClientCount 获取订阅指定资源的客户端数量
func (h *Hub) GetClientCount(resource string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[resource])
}

// FormatSSE 格式化为 SSE 消息格式
func (e Event) FormatSSE() string {
	data, err := json.Marshal(e.Data)
	if err != nil {
		data = []byte("null")
	}
	return "event: " + e.Type + "\ndata: " + string(data) + "\n\n"
}
