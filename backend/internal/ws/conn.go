package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"workspace-collab/backend/internal/collab"
	"workspace-collab/backend/internal/ot"
	"workspace-collab/backend/internal/presence"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
	restoreTimeout = 5 * time.Second
)

type connState int32

const (
	stateUnjoined connState = iota
	stateJoined
	stateClosed
)

type Conn struct {
	id string
	ws *websocket.Conn
	// hub 负责注册表、引擎与广播
	hub *Hub

	participantID string
	name          string
	// 只在读循环所在的 goroutine 中读写
	workspaceID string
	state       atomic.Int32

	// send 是出站队列，由 writeLoop 消费；满了就丢弃
	send      chan Envelope
	done      chan struct{}
	closeOnce sync.Once

	log zerolog.Logger
}

var _ presence.Peer = (*Conn)(nil)

func NewConn(ws *websocket.Conn, hub *Hub, participantID, name string) *Conn {
	buf := hub.opts.SendBuffer
	if buf <= 0 {
		buf = 64
	}
	id := uuid.NewString()
	return &Conn{
		id:            id,
		ws:            ws,
		hub:           hub,
		participantID: participantID,
		name:          name,
		send:          make(chan Envelope, buf),
		done:          make(chan struct{}),
		log:           hub.log.With().Str("conn", id).Str("participant", participantID).Logger(),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) currentState() connState { return connState(c.state.Load()) }

func (c *Conn) setState(s connState) { c.state.Store(int32(s)) }

// Enqueue 非阻塞地放入发送队列，队列满或连接已关闭时丢弃并返回 false
func (c *Conn) Enqueue(msg Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		// 如果队列满了，则丢弃消息
		c.log.Warn().Str("type", msg.Type).Msg("send queue full, drop message")
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// CloseWith 发送关闭帧后断开连接；读循环随后退出并完成清理
func (c *Conn) CloseWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.close()
}

func (c *Conn) extendDeadline() {
	if t := c.hub.opts.PresenceTimeout; t > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(t))
	}
}

func (c *Conn) readLoop() {
	defer c.hub.disconnect(c)

	c.ws.SetReadLimit(maxMessageSize)
	c.extendDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendDeadline()
		c.hub.touch(c)
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn().Err(err).Msg("read error")
			} else {
				c.log.Debug().Err(err).Msg("connection closed")
			}
			return
		}
		c.extendDeadline()

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.Enqueue(errorEnvelope(errInvalidMessage))
			continue
		}
		c.handle(env)
	}
}

func (c *Conn) writeLoop() {
	var tick <-chan time.Time
	if d := c.hub.opts.PingInterval; d > 0 {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer c.close()

	// 持续消费通道中的 Envelope
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.log.Debug().Err(err).Msg("write error")
				return
			}
		case <-tick:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("ping error")
				return
			}
		case <-c.done:
			return
		}
	}
}

// handle 在读循环中串行执行，同一连接的消息按到达顺序处理
func (c *Conn) handle(env Envelope) {
	if c.currentState() != stateJoined && env.Type != TypeJoin {
		if isKnownType(env.Type) {
			c.Enqueue(errorEnvelope(errNotJoined))
		} else {
			c.log.Warn().Str("type", env.Type).Msg("unknown message type")
		}
		return
	}
	// 身份以连接为准，不信任客户端填写的 participantId/workspaceId
	env.ParticipantID = c.participantID
	if env.Type != TypeJoin {
		env.WorkspaceID = c.workspaceID
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}

	switch {
	case env.Type == TypeJoin:
		c.handleJoin(env)
	case env.Type == TypeLeave:
		c.hub.leave(c, c.workspaceID, "left")
	case env.Type == TypeEdit:
		c.hub.touch(c)
		c.handleEdit(env)
	case env.Type == TypeCursor:
		c.handleCursor(env)
	case env.Type == TypeSelection:
		c.handleSelection(env)
	case env.Type == TypePresence:
		c.handlePresence(env)
	case env.Type == TypePing:
		c.hub.touch(c)
		c.Enqueue(newEnvelope(TypePong, "", c.workspaceID, nil))
	case isCommentType(env.Type):
		// 评论只做转发，包括发送者自己
		c.hub.touch(c)
		c.hub.sendTo(c.hub.registry.Peers(c.workspaceID, ""), env)
	default:
		c.log.Warn().Str("type", env.Type).Msg("unknown message type")
	}
}

func isKnownType(t string) bool {
	switch t {
	case TypeJoin, TypeLeave, TypeEdit, TypeCursor, TypeSelection, TypePresence, TypePing:
		return true
	}
	return isCommentType(t)
}

func (c *Conn) handleJoin(env Envelope) {
	if env.WorkspaceID == "" {
		c.Enqueue(errorEnvelope(errMissingWS))
		return
	}
	var data JoinData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			c.Enqueue(errorEnvelope(errInvalidMessage))
			return
		}
	}
	if data.User.Name == "" {
		data.User.Name = c.name
	}
	// 切换工作区时先离开旧的
	if c.workspaceID != "" && c.workspaceID != env.WorkspaceID {
		c.hub.leave(c, c.workspaceID, "switched workspace")
	}

	res := c.hub.registry.Join(env.WorkspaceID, presence.UserPresence{
		ParticipantID:  c.participantID,
		ActiveDocument: data.ActiveDocument,
		Profile:        data.User,
	}, c)
	c.workspaceID = env.WorkspaceID
	c.setState(stateJoined)

	if res.Replaced != nil {
		if old := c.hub.conn(res.Replaced.ID()); old != nil {
			old.CloseWith(websocket.CloseNormalClosure, "Replaced by a newer connection")
		}
	}

	c.Enqueue(newEnvelope(TypeWorkspaceState, "", c.workspaceID, WorkspaceState{Users: res.Roster}))
	c.hub.sendTo(res.Others, newEnvelope(TypeJoin, c.participantID, c.workspaceID, JoinBroadcast{User: data.User, Presence: res.Presence}))
	c.hub.mirrorAdd(res.Presence)
	c.log.Info().Str("ws", c.workspaceID).Int("roster", len(res.Roster)).Msg("participant joined")
}

func (c *Conn) handleEdit(env Envelope) {
	var data EditData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.documentID() == "" {
		c.Enqueue(errorEnvelope(errInvalidMessage))
		return
	}
	docID := data.documentID()
	editErr := func(msg string) {
		c.Enqueue(newEnvelope(TypeEditError, "", c.workspaceID, EditErrorData{DocumentID: docID, Error: msg}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.hub.opts.SubmitTimeout)
	defer cancel()
	if err := c.hub.submitSem.Acquire(ctx); err != nil {
		editErr("server busy")
		return
	}
	defer c.hub.submitSem.Release()

	key := DocumentKey(c.workspaceID, docID)
	rctx, rcancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer rcancel()
	if err := c.hub.engine.Restore(rctx, key); err != nil {
		c.log.Error().Err(err).Str("doc", key).Msg("restore document failed")
		editErr("document unavailable")
		return
	}

	op := ot.TextOperation{
		Operations:  data.Operation,
		BaseVersion: data.BaseVersion,
		Author:      c.participantID,
		Timestamp:   env.Timestamp,
	}
	_, err := c.hub.engine.Submit(key, op, data.InitialContent, func(a collab.Applied) {
		result := EditResult{
			DocumentID:  docID,
			OperationID: a.ID,
			Operation:   a.Op.Operations,
			BaseVersion: a.Op.BaseVersion,
			Version:     a.Version,
		}
		c.hub.sendTo(c.hub.registry.Peers(c.workspaceID, c.participantID), newEnvelope(TypeEdit, c.participantID, c.workspaceID, result))
		c.Enqueue(newEnvelope(TypeEditAck, c.participantID, c.workspaceID, result))
		c.hub.publishEvent(c.workspaceID, c.id, a)
	})
	if err != nil {
		ev := c.log.Warn()
		if errors.Is(err, collab.ErrTransformFailure) {
			ev = ev.Bool("transform", true)
		}
		ev.Err(err).Str("doc", key).Int("base", data.BaseVersion).Msg("edit rejected")
		editErr(err.Error())
	}
}

func (c *Conn) handleCursor(env Envelope) {
	var data CursorData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		c.Enqueue(errorEnvelope(errInvalidMessage))
		return
	}
	res, err := c.hub.registry.UpdateCursor(c.workspaceID, c.participantID, data.Cursor, data.ActiveDocument)
	if err != nil {
		c.log.Debug().Err(err).Msg("cursor update ignored")
		return
	}
	c.hub.sendTo(res.Others, env)
	c.hub.mirrorCursor(c.workspaceID, c.participantID, env.Data)
}

func (c *Conn) handleSelection(env Envelope) {
	var data SelectionData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		c.Enqueue(errorEnvelope(errInvalidMessage))
		return
	}
	res, err := c.hub.registry.UpdateSelection(c.workspaceID, c.participantID, data.Selection, data.ActiveDocument)
	if err != nil {
		c.log.Debug().Err(err).Msg("selection update ignored")
		return
	}
	c.hub.sendTo(res.Others, env)
}

func (c *Conn) handlePresence(env Envelope) {
	var data PresenceData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		c.Enqueue(errorEnvelope(errInvalidMessage))
		return
	}
	res, err := c.hub.registry.UpdatePresence(c.workspaceID, c.participantID, data.ActiveDocument)
	if err != nil {
		c.log.Debug().Err(err).Msg("presence update ignored")
		return
	}
	c.hub.sendTo(res.Others, env)
}

// DocumentKey 把文档 id 限定在工作区内
func DocumentKey(workspaceID, documentID string) string {
	return workspaceID + ":" + documentID
}
