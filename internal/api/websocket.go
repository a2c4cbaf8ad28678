// internal/api/websocket.go
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Corphon/Formamorph/internal/utils"
)

const (
	pingInterval  = 54 * time.Second
	readTimeout   = 60 * time.Second
	writeTimeout  = 10 * time.Second
	sendQueueSize = 256
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketConnection WebSocket 连接需要的方法，测试中可替换
type WebSocketConnection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// WebSocketClient 一个客户端连接，订阅一个会话
type WebSocketClient struct {
	conn      WebSocketConnection
	sessionID string
	clientID  string
	send      chan []byte
	done      chan struct{}
	closed    int32 // 0=开启，1=关闭
	lastPing  atomic.Int64
	createdAt time.Time
}

func newWebSocketClient(conn WebSocketConnection, sessionID, clientID string) *WebSocketClient {
	client := &WebSocketClient{
		conn:      conn,
		sessionID: sessionID,
		clientID:  clientID,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
	client.UpdatePing()
	return client
}

// Close 关闭连接，可重复调用
func (client *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		close(client.done)
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// IsClosed 是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// UpdatePing 更新最后活跃时间
func (client *WebSocketClient) UpdatePing() {
	client.lastPing.Store(time.Now().UnixNano())
}

// LastPing 最后活跃时间
func (client *WebSocketClient) LastPing() time.Time {
	return time.Unix(0, client.lastPing.Load())
}

// IsExpired 超过 timeout 没有活动
func (client *WebSocketClient) IsExpired(timeout time.Duration) bool {
	if timeout <= 0 {
		return true
	}
	return time.Since(client.LastPing()) > timeout
}

// SendMessage 序列化后放入发送队列，队列满时丢弃
func (client *WebSocketClient) SendMessage(message interface{}) error {
	if client.IsClosed() {
		return nil
	}
	msgBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}
	client.enqueue(msgBytes)
	return nil
}

func (client *WebSocketClient) enqueue(msg []byte) bool {
	if client.IsClosed() {
		return false
	}
	select {
	case client.send <- msg:
		return true
	default:
		utils.GetLogger().Warn("websocket send queue full, message dropped", map[string]interface{}{
			"session": client.sessionID,
			"client":  client.clientID,
		})
		return false
	}
}

// SendError 发送错误消息
func (client *WebSocketClient) SendError(errorMsg string) {
	_ = client.SendMessage(map[string]interface{}{
		"type":      "error",
		"error":     errorMsg,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

type sessionMessage struct {
	sessionID string
	payload   []byte
}

// WebSocketManager 按会话 ID 管理连接
type WebSocketManager struct {
	connections map[string]map[*WebSocketClient]struct{}
	broadcast   chan sessionMessage
	register    chan *WebSocketClient
	unregister  chan *WebSocketClient
	quit        chan struct{}
	done        chan struct{}
	once        sync.Once
	mutex       sync.RWMutex
	pingTimeout time.Duration
	logger      *utils.Logger
}

// NewWebSocketManager 创建管理器并启动主循环
func NewWebSocketManager() *WebSocketManager {
	m := &WebSocketManager{
		connections: make(map[string]map[*WebSocketClient]struct{}),
		broadcast:   make(chan sessionMessage, 256),
		register:    make(chan *WebSocketClient, 256),
		unregister:  make(chan *WebSocketClient, 256),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		pingTimeout: 2 * pingInterval,
		logger:      utils.GetLogger(),
	}
	go m.run()
	return m
}

func (m *WebSocketManager) run() {
	defer close(m.done)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case client := <-m.register:
			m.registerClient(client)
		case client := <-m.unregister:
			m.unregisterClient(client)
		case <-ticker.C:
			m.cleanupExpiredConnections()
		case msg := <-m.broadcast:
			m.deliver(msg)
		case <-m.quit:
			m.shutdown()
			return
		}
	}
}

// Register 登记客户端
func (m *WebSocketManager) Register(client *WebSocketClient) bool {
	select {
	case m.register <- client:
		return true
	case <-m.quit:
		return false
	}
}

// Unregister 注销客户端，超时后放弃
func (m *WebSocketManager) Unregister(client *WebSocketClient) {
	select {
	case m.unregister <- client:
	case <-m.quit:
	case <-time.After(5 * time.Second):
		m.logger.Warn("websocket unregister timed out", map[string]interface{}{"client": client.clientID})
	}
}

func (m *WebSocketManager) registerClient(client *WebSocketClient) {
	if client == nil {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.connections[client.sessionID] == nil {
		m.connections[client.sessionID] = make(map[*WebSocketClient]struct{})
	}
	m.connections[client.sessionID][client] = struct{}{}
	client.UpdatePing()

	m.logger.Info("✅ websocket client connected", map[string]interface{}{
		"session": client.sessionID,
		"client":  client.clientID,
	})
}

func (m *WebSocketManager) unregisterClient(client *WebSocketClient) {
	if client == nil {
		return
	}
	m.mutex.Lock()
	if clients, ok := m.connections[client.sessionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(m.connections, client.sessionID)
		}
	}
	m.mutex.Unlock()

	client.Close()
	m.logger.Info("🔌 websocket client disconnected", map[string]interface{}{
		"session": client.sessionID,
		"client":  client.clientID,
	})
}

// cleanupExpiredConnections 清理已关闭和超时的连接
func (m *WebSocketManager) cleanupExpiredConnections() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	removed := 0
	for sessionID, clients := range m.connections {
		for client := range clients {
			if client.IsClosed() || client.IsExpired(m.pingTimeout) {
				delete(clients, client)
				client.Close()
				removed++
			}
		}
		if len(clients) == 0 {
			delete(m.connections, sessionID)
		}
	}
	return removed
}

func (m *WebSocketManager) deliver(msg sessionMessage) {
	m.mutex.RLock()
	targets := make([]*WebSocketClient, 0, len(m.connections[msg.sessionID]))
	for client := range m.connections[msg.sessionID] {
		if !client.IsClosed() {
			targets = append(targets, client)
		}
	}
	m.mutex.RUnlock()

	for _, client := range targets {
		if !client.enqueue(msg.payload) {
			client.Close()
		}
	}
}

// BroadcastToSession 向订阅该会话的全部客户端发送消息
func (m *WebSocketManager) BroadcastToSession(sessionID string, message interface{}) {
	payload, err := json.Marshal(message)
	if err != nil {
		m.logger.Error("❌ marshal broadcast failed", map[string]interface{}{"error": err.Error()})
		return
	}
	select {
	case m.broadcast <- sessionMessage{sessionID: sessionID, payload: payload}:
	case <-m.quit:
	}
}

// ClientCount 会话的连接数
func (m *WebSocketManager) ClientCount(sessionID string) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.connections[sessionID])
}

// GetStatus 连接状态
func (m *WebSocketManager) GetStatus() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	sessions := make(map[string]interface{})
	total := 0
	for sessionID, clients := range m.connections {
		list := make([]interface{}, 0, len(clients))
		for client := range clients {
			if client.IsClosed() {
				continue
			}
			list = append(list, map[string]interface{}{
				"client_id":    client.clientID,
				"connected_at": client.createdAt.Format(time.RFC3339),
				"last_ping":    client.LastPing().Format(time.RFC3339),
			})
		}
		sessions[sessionID] = map[string]interface{}{
			"client_count": len(list),
			"clients":      list,
		}
		total += len(list)
	}

	return map[string]interface{}{
		"total_sessions":       len(m.connections),
		"total_connections":    total,
		"sessions":             sessions,
		"ping_timeout_seconds": int(m.pingTimeout.Seconds()),
	}
}

// Shutdown 关闭所有连接并停止主循环
func (m *WebSocketManager) Shutdown() {
	m.once.Do(func() { close(m.quit) })
	<-m.done
}

func (m *WebSocketManager) shutdown() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, clients := range m.connections {
		for client := range clients {
			client.Close()
		}
	}
	m.connections = make(map[string]map[*WebSocketClient]struct{})
	m.logger.Info("✅ websocket manager stopped", nil)
}
