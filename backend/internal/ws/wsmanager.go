package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"workspace-collab/backend/internal/collab"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
		"file://",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// Manager 负责升级 HTTP 连接并限制同时在线的连接数
type Manager struct {
	h     *Hub
	conns *collab.SemaphoreControl
}

func NewManager(h *Hub, maxConnections int) *Manager {
	return &Manager{h: h, conns: collab.NewSemaphoreControl(maxConnections)}
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	// 身份由 middleware.Identity 写入
	participantID := c.GetString("participantId")
	name := c.GetString("username")
	if participantID == "" {
		c.String(http.StatusUnauthorized, "missing participant identity")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.h.log.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade error")
		return
	}

	if !m.conns.TryAcquire() {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Maximum connections reached")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		m.h.log.Warn().Int("max", m.conns.Cap()).Msg("connection rejected: limit reached")
		return
	}
	defer m.conns.Release()

	wsConn := NewConn(conn, m.h, participantID, name)
	if !m.h.register(wsConn) {
		wsConn.CloseWith(websocket.CloseNormalClosure, "Server shutting down")
		return
	}
	wsConn.log.Debug().Msg("connection opened")

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.readLoop()
}
