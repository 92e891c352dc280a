// internal/api/websocket_handlers.go
package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/Corphon/OMNetCore/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ChatWebSocket 每个文本帧是一次对话请求，回复与 POST /api/chat 同形。
// 同一连接上的请求按顺序处理；连接断开会取消正在进行的对话。
func (h *Handler) ChatWebSocket(c *gin.Context) {
	authUser, authenticated := GetUserFromContext(c)
	defaultUser := c.Query("user_id")
	if authenticated {
		defaultUser = authUser
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := newWebSocketClient(c.Request.Context(), conn, defaultUser)
	h.hub.register(client)
	defer h.hub.unregister(client)

	turns := make(chan models.TurnRequest, wsSendBuffer)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		client.writePump(h.logger)
	}()
	go func() {
		defer wg.Done()
		h.processTurns(client, turns)
	}()

	h.readFrames(client, turns, authenticated)
	close(turns)
	client.Close()
	wg.Wait()
}

// readFrames 读取请求帧直到连接关闭
func (h *Handler) readFrames(client *WebSocketClient, turns chan<- models.TurnRequest, authenticated bool) {
	client.conn.SetReadLimit(wsMaxFrame)
	client.conn.SetReadDeadline(time.Now().Add(wsPingTimeout))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(wsPingTimeout))
		return nil
	})

	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", zap.String("client_id", client.id), zap.Error(err))
			}
			return
		}
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(wsPingTimeout))

		var req models.TurnRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			client.SendJSON(turnFailure(req, "请求格式错误"))
			continue
		}
		switch {
		case req.UserID == "":
			req.UserID = client.userID
		case authenticated && req.UserID != client.userID:
			client.SendJSON(turnFailure(req, "令牌与请求的用户不一致"))
			continue
		}

		select {
		case turns <- req:
		default:
			client.SendJSON(turnFailure(req, "请求过多，请稍后再试"))
		}
	}
}

// processTurns 顺序处理请求并回写结果
func (h *Handler) processTurns(client *WebSocketClient, turns <-chan models.TurnRequest) {
	for req := range turns {
		if client.ctx.Err() != nil {
			continue
		}
		result, err := h.sessions.ProcessTurn(client.ctx, req)
		if err != nil {
			if client.ctx.Err() != nil {
				continue
			}
			_, message := turnErrorStatus(err)
			result = turnFailure(req, message)
		}
		if err := client.SendJSON(result); err != nil {
			h.logger.Debug("Dropped reply for closed connection",
				zap.String("client_id", client.id), zap.String("session_id", result.SessionID))
		}
	}
}
