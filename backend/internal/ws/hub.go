package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"workspace-collab/backend/internal/cache"
	"workspace-collab/backend/internal/collab"
	"workspace-collab/backend/internal/presence"
)

// EventSink 接收已提交操作的事件（Kafka 分发器），不能阻塞
type EventSink interface {
	TryEnqueue(evt collab.DocOpEvent) bool
}

type Options struct {
	PingInterval    time.Duration
	PresenceTimeout time.Duration
	// 单次 edit 等待提交信号量的最长时间
	SubmitTimeout time.Duration
	SubmitWorkers int
	SendBuffer    int
	CacheTimeout  time.Duration
}

func DefaultOptions() Options {
	return Options{
		PingInterval:    30 * time.Second,
		PresenceTimeout: 90 * time.Second,
		SubmitTimeout:   200 * time.Millisecond,
		SubmitWorkers:   collab.MaxSemaphore,
		SendBuffer:      64,
		CacheTimeout:    200 * time.Millisecond,
	}
}

type Stats struct {
	Connections  int `json:"connections"`
	Workspaces   int `json:"workspaces"`
	Participants int `json:"participants"`
	Documents    int `json:"documents"`
}

// Hub 把连接上的消息分发给引擎和在线注册表，并决定通知哪些连接
type Hub struct {
	engine   collab.Service
	registry *presence.Registry
	//  接口实例（一般是 Redis 实现的客户端句柄），可以为 nil。
	// 它本身不“存数据”，只把在线状态与光标镜像出去
	presence cache.PresenceCache
	events   EventSink
	// 限制同时进行的提交数量
	submitSem *collab.SemaphoreControl

	opts Options
	log  zerolog.Logger

	// 读写锁，保护 conns；注册/注销连接、查找广播目标时都会先加锁
	mu    sync.RWMutex
	conns map[string]*Conn
	// Shutdown 之后不再接受新连接；wg.Add 只在 closing 为 false 时调用
	closing bool
	wg      sync.WaitGroup
}

func NewHub(engine collab.Service, registry *presence.Registry, p cache.PresenceCache, events EventSink, opts Options, logger zerolog.Logger) *Hub {
	if opts.SubmitWorkers <= 0 {
		opts.SubmitWorkers = collab.MaxSemaphore
	}
	return &Hub{
		engine:    engine,
		registry:  registry,
		presence:  p,
		events:    events,
		submitSem: collab.NewSemaphoreControl(opts.SubmitWorkers),
		opts:      opts,
		log:       logger.With().Str("component", "hub").Logger(),
		conns:     make(map[string]*Conn),
	}
}

func (h *Hub) Registry() *presence.Registry { return h.registry }

// register 登记连接；hub 正在关闭时返回 false
func (h *Hub) register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[c.id] = c
	h.wg.Add(1)
	return true
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	_, ok := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()
	if ok {
		h.wg.Done()
	}
}

func (h *Hub) conn(id string) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}

// sendTo 把同一条消息放入每个 peer 的发送队列
func (h *Hub) sendTo(peers []presence.Peer, msg Envelope) {
	for _, p := range peers {
		if c := h.conn(p.ID()); c != nil {
			c.Enqueue(msg)
		}
	}
}

// disconnect 在连接读循环退出时调用
func (h *Hub) disconnect(c *Conn) {
	if ws := c.workspaceID; ws != "" {
		h.leave(c, ws, "disconnected")
	}
	c.setState(stateClosed)
	c.close()
	h.unregister(c)
}

// leave 移除 c 在工作区中的注册，并通知其它连接
func (h *Hub) leave(c *Conn, workspaceID, reason string) {
	c.workspaceID = ""
	c.setState(stateUnjoined)
	res := h.registry.Leave(workspaceID, c.participantID, c)
	if !res.Removed {
		return
	}
	h.sendTo(res.Others, newEnvelope(TypeLeave, c.participantID, workspaceID, LeaveBroadcast{Reason: reason}))
	h.mirrorRemove(workspaceID, c.participantID)
	h.log.Info().Str("ws", workspaceID).Str("participant", c.participantID).Str("reason", reason).Msg("participant left")
}

func (h *Hub) touch(c *Conn) {
	if ws := c.workspaceID; ws != "" {
		_ = h.registry.Touch(ws, c.participantID)
	}
}

func (h *Hub) publishEvent(workspaceID, connID string, a collab.Applied) {
	if h.events == nil {
		return
	}
	h.events.TryEnqueue(collab.NewDocOpEvent(workspaceID, connID, a))
}

func (h *Hub) cacheCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.opts.CacheTimeout)
}

func (h *Hub) mirrorAdd(p presence.UserPresence) {
	if h.presence == nil {
		return
	}
	ctx, cancel := h.cacheCtx()
	defer cancel()
	if err := h.presence.AddMember(ctx, p.WorkspaceID, p.ParticipantID, p.Profile.Name, h.opts.PresenceTimeout); err != nil {
		h.log.Warn().Err(err).Str("ws", p.WorkspaceID).Msg("presence mirror add failed")
	}
}

func (h *Hub) mirrorCursor(workspaceID, participantID string, data json.RawMessage) {
	if h.presence == nil {
		return
	}
	ctx, cancel := h.cacheCtx()
	defer cancel()
	if err := h.presence.SetCursor(ctx, workspaceID, participantID, data, h.opts.PresenceTimeout); err != nil {
		h.log.Warn().Err(err).Str("ws", workspaceID).Msg("presence mirror cursor failed")
	}
}

func (h *Hub) mirrorRemove(workspaceID, participantID string) {
	if h.presence == nil {
		return
	}
	ctx, cancel := h.cacheCtx()
	defer cancel()
	if err := h.presence.RemoveMember(ctx, workspaceID, participantID); err != nil {
		h.log.Warn().Err(err).Str("ws", workspaceID).Msg("presence mirror remove failed")
	}
}

// Sweep 驱逐超过 PresenceTimeout 没有任何消息/心跳的参与者，并关闭其连接
func (h *Hub) Sweep(now time.Time) int {
	evicted := h.registry.Sweep(now, h.opts.PresenceTimeout)
	for _, e := range evicted {
		ws, pid := e.Presence.WorkspaceID, e.Presence.ParticipantID
		h.sendTo(e.Others, newEnvelope(TypeLeave, pid, ws, LeaveBroadcast{Reason: "timeout"}))
		h.mirrorRemove(ws, pid)
		if c := h.conn(e.Peer.ID()); c != nil {
			c.CloseWith(websocket.CloseGoingAway, "Presence timeout")
		}
		h.log.Info().Str("ws", ws).Str("participant", pid).Msg("stale presence evicted")
	}
	return len(evicted)
}

// RunSweeper 周期性调用 Sweep，直到 ctx 结束
func (h *Hub) RunSweeper(ctx context.Context) error {
	interval := h.opts.PresenceTimeout / 3
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			h.Sweep(now)
		}
	}
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()
	rs := h.registry.Stats()
	return Stats{
		Connections:  n,
		Workspaces:   rs.Workspaces,
		Participants: rs.Participants,
		Documents:    len(h.engine.Documents()),
	}
}

// Shutdown 以 1000 关闭所有连接，并等待它们的读循环退出
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.CloseWith(websocket.CloseNormalClosure, "Server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
