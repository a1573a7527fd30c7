package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-security-analyzer/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	clientSendSize = 64
)

// AllSessions 订阅所有会话的事件
const AllSessions = "all"

// progressClient 单个 WebSocket 订阅者，只由自己的写协程写连接
type progressClient struct {
	sessionID string
	conn      *websocket.Conn
	send      chan service.ProgressEvent
}

// ProgressHub 按会话向 WebSocket 客户端推送分析进度
type ProgressHub struct {
	logger    *logrus.Logger
	upgrader  websocket.Upgrader
	broadcast chan service.ProgressEvent
	done      chan struct{}
	stopOnce  sync.Once

	clientMutex sync.RWMutex
	clients     map[string]map[*progressClient]struct{}
}

// NewProgressHub 创建进度推送中心，allowedOrigin 为 "*" 或空时不校验来源
func NewProgressHub(allowedOrigin string, logger *logrus.Logger) *ProgressHub {
	return &ProgressHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" || allowedOrigin == "*" {
					return true
				}
				return r.Header.Get("Origin") == allowedOrigin
			},
		},
		broadcast: make(chan service.ProgressEvent, 256),
		done:      make(chan struct{}),
		clients:   make(map[string]map[*progressClient]struct{}),
	}
}

// Start 启动广播协程
func (h *ProgressHub) Start() {
	go h.runBroadcaster()
}

// Stop 停止广播并关闭所有连接
func (h *ProgressHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.clientMutex.Lock()
		defer h.clientMutex.Unlock()
		for _, set := range h.clients {
			for c := range set {
				close(c.send)
			}
		}
		h.clients = make(map[string]map[*progressClient]struct{})
	})
}

// Notify 实现 service.Notifier，通道满时丢弃
func (h *ProgressHub) Notify(event service.ProgressEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.WithField("session_id", event.SessionID).Warn("Broadcast channel is full, dropping progress event")
	}
}

func (h *ProgressHub) runBroadcaster() {
	for {
		select {
		case <-h.done:
			return
		case event := <-h.broadcast:
			h.dispatch(event)
		}
	}
}

// dispatch 投递给订阅该会话和订阅全部的客户端，慢客户端被断开
func (h *ProgressHub) dispatch(event service.ProgressEvent) {
	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()

	for _, key := range []string{event.SessionID, AllSessions} {
		for c := range h.clients[key] {
			select {
			case c.send <- event:
			default:
				h.logger.WithField("session_id", key).Warn("WebSocket client too slow, disconnecting")
				h.removeLocked(c)
			}
		}
	}
}

func (h *ProgressHub) register(c *progressClient) {
	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()

	set, ok := h.clients[c.sessionID]
	if !ok {
		set = make(map[*progressClient]struct{})
		h.clients[c.sessionID] = set
	}
	set[c] = struct{}{}
}

func (h *ProgressHub) unregister(c *progressClient) {
	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()
	h.removeLocked(c)
}

func (h *ProgressHub) removeLocked(c *progressClient) {
	set, ok := h.clients[c.sessionID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.sessionID)
	}
}

// ClientCount 当前连接数
func (h *ProgressHub) ClientCount() int {
	h.clientMutex.RLock()
	defer h.clientMutex.RUnlock()

	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// HandleWebSocket 处理 WebSocket 连接
// GET /ws/progress/:session_id
func (h *ProgressHub) HandleWebSocket(c *gin.Context) {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		sessionID = AllSessions
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	client := &progressClient{
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan service.ProgressEvent, clientSendSize),
	}
	h.register(client)
	h.logger.WithField("session_id", sessionID).Info("WebSocket client connected")

	go h.writePump(client)
	h.readPump(client)

	h.unregister(client)
	h.logger.WithField("session_id", sessionID).Info("WebSocket client disconnected")
}

// readPump 读取直到连接关闭，只处理控制帧
func (h *ProgressHub) readPump(c *progressClient) {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			return
		}
	}
}

// writePump 串行写事件与心跳
func (h *ProgressHub) writePump(c *progressClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				h.logger.WithError(err).Warn("Failed to write to WebSocket client")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
