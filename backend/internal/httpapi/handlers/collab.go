package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"workspace-collab/backend/internal/cache"
	"workspace-collab/backend/internal/collab"
	"workspace-collab/backend/internal/presence"
	"workspace-collab/backend/internal/ws"
)

// Collab 提供协作服务的只读 HTTP 接口：统计、在线名单、文档重新同步
type Collab struct {
	hub    *ws.Hub
	engine *collab.Engine
	// 可以为 nil（未配置 Redis）
	mirror cache.PresenceCache
}

func NewCollab(hub *ws.Hub, engine *collab.Engine, mirror cache.PresenceCache) *Collab {
	return &Collab{hub: hub, engine: engine, mirror: mirror}
}

func (h *Collab) Register(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)
	r.GET("/stats", h.Stats)
	r.GET("/workspaces/:workspaceId/users", h.WorkspaceUsers)
	r.GET("/workspaces/:workspaceId/online", h.OnlineMembers)
	r.GET("/documents/:workspaceId/:documentId", h.GetDocument)
	r.GET("/documents/:workspaceId/:documentId/ops", h.GetOperations)
}

func (h *Collab) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Format(time.RFC3339)})
}

func (h *Collab) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.hub.Stats())
}

func (h *Collab) WorkspaceUsers(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	users := h.hub.Registry().Roster(workspaceID)
	if users == nil {
		users = []presence.UserPresence{}
	}
	c.JSON(http.StatusOK, gin.H{"workspaceId": workspaceID, "users": users, "count": len(users)})
}

// OnlineMembers 从 Redis 镜像读取（可能包含其它实例上的参与者）
func (h *Collab) OnlineMembers(c *gin.Context) {
	if h.mirror == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "presence mirror disabled"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
	defer cancel()
	members, err := h.mirror.GetAliveMembersWithNames(ctx, c.Param("workspaceId"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

func (h *Collab) restore(c *gin.Context) (string, bool) {
	key := ws.DocumentKey(c.Param("workspaceId"), c.Param("documentId"))
	if err := h.engine.Restore(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return "", false
	}
	return key, true
}

// GetDocument 返回当前内容与版本，客户端据此重新同步
func (h *Collab) GetDocument(c *gin.Context) {
	key, ok := h.restore(c)
	if !ok {
		return
	}
	st, err := h.engine.Snapshot(key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"documentId": c.Param("documentId"),
		"content":    st.Content,
		"version":    st.Version,
	})
}

// GetOperations 把 since 之后的提交合成一个操作返回
func (h *Collab) GetOperations(c *gin.Context) {
	since, err := strconv.Atoi(c.DefaultQuery("since", "0"))
	if err != nil || since < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
		return
	}
	key, ok := h.restore(c)
	if !ok {
		return
	}
	op, version, err := h.engine.CatchUp(key, since)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"documentId": c.Param("documentId"),
		"since":      since,
		"version":    version,
		"operation":  op.Operations,
	})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, collab.ErrDocumentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, collab.ErrVersionAhead):
		status = http.StatusBadRequest
	case errors.Is(err, collab.ErrHistoryCompacted):
		// 客户端需要改用 GetDocument 拉取全文
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
