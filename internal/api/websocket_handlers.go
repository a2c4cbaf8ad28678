// internal/api/websocket_handlers.go
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Corphon/Formamorph/internal/gameplay"
	"github.com/Corphon/Formamorph/internal/services"
	"github.com/Corphon/Formamorph/internal/utils"
)

// WebSocketHandler 会话的实时通道：推送回合事件，接收玩家动作
type WebSocketHandler struct {
	manager  *WebSocketManager
	game     *services.GameService
	response *ResponseHelper
	logger   *utils.Logger
}

// NewWebSocketHandler 创建 WebSocket 处理器
func NewWebSocketHandler(manager *WebSocketManager, game *services.GameService) *WebSocketHandler {
	return &WebSocketHandler{
		manager:  manager,
		game:     game,
		response: NewResponseHelper(),
		logger:   utils.GetLogger(),
	}
}

// clientMessage 客户端发来的消息
type clientMessage struct {
	Type   string `json:"type"`
	Action string `json:"action,omitempty"`
}

// SessionWebSocket 处理 /ws/sessions/:id
func (wh *WebSocketHandler) SessionWebSocket(c *gin.Context) {
	sessionID := c.Param("id")
	session, err := wh.game.GetSession(sessionID)
	if err != nil {
		wh.response.FromError(c, "session", err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		wh.logger.Warn("❌ websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	client := newWebSocketClient(conn, sessionID, clientID)
	if !wh.manager.Register(client) {
		client.Close()
		return
	}
	defer wh.manager.Unregister(client)

	events, cancel := session.Events().Subscribe()
	defer cancel()

	go wh.writeLoop(client)
	go wh.forwardEvents(client, events)

	_ = client.SendMessage(map[string]interface{}{
		"type":       "connected",
		"session_id": sessionID,
		"client_id":  clientID,
		"view":       session.View(),
		"timestamp":  time.Now().Format(time.RFC3339),
	})

	wh.readLoop(client)
}

// forwardEvents 把会话事件转发给客户端
func (wh *WebSocketHandler) forwardEvents(client *WebSocketClient, events <-chan gameplay.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = client.SendMessage(ev)
		case <-client.done:
			return
		}
	}
}

// readLoop 读取客户端消息直到连接断开
func (wh *WebSocketHandler) readLoop(client *WebSocketClient) {
	client.conn.SetReadDeadline(time.Now().Add(readTimeout))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		return client.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for !client.IsClosed() {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wh.logger.Warn("websocket read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			client.SendError("invalid message")
			continue
		}
		wh.handleMessage(client, msg)
	}
}

// writeLoop 发送队列中的消息并定期 ping
func (wh *WebSocketHandler) writeLoop(client *WebSocketClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		client.Close()
	}()

	for {
		select {
		case message := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				wh.logger.Warn("❌ websocket write failed", map[string]interface{}{"error": err.Error()})
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

func (wh *WebSocketHandler) handleMessage(client *WebSocketClient, msg clientMessage) {
	switch msg.Type {
	case "action":
		if err := wh.game.ActAsync(client.sessionID, msg.Action); err != nil {
			client.SendError(err.Error())
		}
	case "state":
		session, err := wh.game.GetSession(client.sessionID)
		if err != nil {
			client.SendError(err.Error())
			return
		}
		_ = client.SendMessage(gameplay.Event{
			Type:      gameplay.EventState,
			SessionID: client.sessionID,
			View:      session.View(),
			Timestamp: time.Now(),
		})
	case "ping":
		_ = client.SendMessage(map[string]interface{}{"type": "pong", "timestamp": time.Now().Unix()})
	default:
		client.SendError("unknown message type: " + msg.Type)
	}
}

// GetStatus 连接状态（调试用）
func (wh *WebSocketHandler) GetStatus(c *gin.Context) {
	status := wh.manager.GetStatus()
	status["timestamp"] = time.Now().Format(time.RFC3339)
	c.JSON(http.StatusOK, status)
}
