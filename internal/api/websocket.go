// internal/api/websocket.go
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Corphon/OMNetCore/internal/utils"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsPingInterval = 54 * time.Second
	wsPingTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsMaxFrame     = 64 * 1024
	wsSendBuffer   = 32
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 在生产环境中应该进行更严格的检查
		return true
	},
}

// WebSocketClient 表示一个 WebSocket 客户端连接
type WebSocketClient struct {
	id        string
	userID    string
	conn      *websocket.Conn
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closed    int32 // 原子操作标志，0=开启，1=关闭
	lastPing  atomic.Int64
	createdAt time.Time
}

func newWebSocketClient(parent context.Context, conn *websocket.Conn, userID string) *WebSocketClient {
	ctx, cancel := context.WithCancel(parent)
	client := &WebSocketClient{
		id:        uuid.NewString(),
		userID:    userID,
		conn:      conn,
		send:      make(chan []byte, wsSendBuffer),
		ctx:       ctx,
		cancel:    cancel,
		createdAt: time.Now(),
	}
	client.UpdatePing()
	return client
}

// Close 关闭连接并取消进行中的对话
func (client *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		client.cancel()
		client.conn.Close()
	}
}

// IsClosed 检查连接是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// UpdatePing 更新最后活跃时间
func (client *WebSocketClient) UpdatePing() {
	client.lastPing.Store(time.Now().UnixNano())
}

// IsExpired 检查连接是否超时
func (client *WebSocketClient) IsExpired(timeout time.Duration) bool {
	if timeout <= 0 {
		return true
	}
	return time.Since(time.Unix(0, client.lastPing.Load())) > timeout
}

// SendJSON 把消息放入发送队列，连接关闭时放弃
func (client *WebSocketClient) SendJSON(v interface{}) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case client.send <- msg:
		return nil
	case <-client.ctx.Done():
		return client.ctx.Err()
	}
}

// writePump 是唯一写连接的协程
func (client *WebSocketClient) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("WebSocket write failed", zap.String("client_id", client.id), zap.Error(err))
				client.Close()
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.Close()
				return
			}
		case <-client.ctx.Done():
			client.conn.SetWriteDeadline(time.Now().Add(time.Second))
			client.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// WebSocketManager 管理所有 WebSocket 连接
type WebSocketManager struct {
	mu          sync.RWMutex
	clients     map[string]*WebSocketClient
	pingTimeout time.Duration
	metrics     *utils.Metrics
	logger      *zap.Logger
}

// NewWebSocketManager 创建连接管理器
func NewWebSocketManager(metrics *utils.Metrics, logger *zap.Logger) *WebSocketManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketManager{
		clients:     make(map[string]*WebSocketClient),
		pingTimeout: wsPingTimeout,
		metrics:     metrics,
		logger:      logger.With(zap.String("component", "websocket")),
	}
}

func (manager *WebSocketManager) register(client *WebSocketClient) {
	manager.mu.Lock()
	manager.clients[client.id] = client
	manager.mu.Unlock()
	manager.metrics.WebsocketConnected(1)
	manager.logger.Info("WebSocket client connected",
		zap.String("client_id", client.id), zap.String("user_id", client.userID))
}

func (manager *WebSocketManager) unregister(client *WebSocketClient) {
	manager.mu.Lock()
	_, ok := manager.clients[client.id]
	delete(manager.clients, client.id)
	manager.mu.Unlock()

	client.Close()
	if ok {
		manager.metrics.WebsocketConnected(-1)
		manager.logger.Info("WebSocket client disconnected",
			zap.String("client_id", client.id), zap.String("user_id", client.userID))
	}
}

// Run 定期清理超时连接，ctx 结束时关闭所有连接
func (manager *WebSocketManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			manager.cleanupExpiredConnections()
		case <-ctx.Done():
			manager.Shutdown()
			return nil
		}
	}
}

// cleanupExpiredConnections 清理过期和死连接
func (manager *WebSocketManager) cleanupExpiredConnections() {
	manager.mu.RLock()
	var expired []*WebSocketClient
	for _, client := range manager.clients {
		if client.IsClosed() || client.IsExpired(manager.pingTimeout) {
			expired = append(expired, client)
		}
	}
	manager.mu.RUnlock()

	for _, client := range expired {
		manager.unregister(client)
	}
}

// Shutdown 关闭所有连接
func (manager *WebSocketManager) Shutdown() {
	manager.mu.RLock()
	clients := make([]*WebSocketClient, 0, len(manager.clients))
	for _, client := range manager.clients {
		clients = append(clients, client)
	}
	manager.mu.RUnlock()

	for _, client := range clients {
		client.Close()
	}
}

// Count 当前连接数
func (manager *WebSocketManager) Count() int {
	manager.mu.RLock()
	defer manager.mu.RUnlock()
	return len(manager.clients)
}

// GetStatus 获取管理器状态
func (manager *WebSocketManager) GetStatus() map[string]interface{} {
	manager.mu.RLock()
	defer manager.mu.RUnlock()

	users := make([]map[string]interface{}, 0, len(manager.clients))
	for _, client := range manager.clients {
		if client.IsClosed() {
			continue
		}
		users = append(users, map[string]interface{}{
			"client_id":    client.id,
			"user_id":      client.userID,
			"connected_at": client.createdAt.Format(time.RFC3339),
			"last_ping":    time.Unix(0, client.lastPing.Load()).Format(time.RFC3339),
		})
	}
	return map[string]interface{}{
		"total_connections": len(users),
		"clients":           users,
	}
}
