package ws

import (
	"encoding/json"
	"time"

	"workspace-collab/backend/internal/ot"
	"workspace-collab/backend/internal/presence"
)

// 客户端与服务端共用的消息类型
const (
	TypeJoin           = "join"
	TypeLeave          = "leave"
	TypeCursor         = "cursor"
	TypeSelection      = "selection"
	TypeEdit           = "edit"
	TypePresence       = "presence"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeComment        = "comment"
	TypeCommentReply   = "comment-reply"
	TypeCommentEdit    = "comment-edit"
	TypeCommentDelete  = "comment-delete"
	TypeCommentResolve = "comment-resolve"
	TypeCommentReact   = "comment-react"

	// 仅服务端发送
	TypeWorkspaceState = "workspace-state"
	TypeEditAck        = "edit-ack"
	TypeEditError      = "edit-error"
	TypeError          = "error"
)

const (
	errInvalidMessage = "Invalid message format"
	errNotJoined      = "Not joined to a workspace"
	errMissingWS      = "Missing workspaceId"
)

// Envelope 是所有消息的外层结构；data 按 type 解析
type Envelope struct {
	Type          string          `json:"type"`
	ParticipantID string          `json:"participantId,omitempty"`
	WorkspaceID   string          `json:"workspaceId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
}

type JoinData struct {
	User           presence.Profile `json:"user"`
	ActiveDocument string           `json:"activeDocument,omitempty"`
}

type WorkspaceState struct {
	Users []presence.UserPresence `json:"users"`
}

type JoinBroadcast struct {
	User     presence.Profile      `json:"user"`
	Presence presence.UserPresence `json:"presence"`
}

type LeaveBroadcast struct {
	Reason string `json:"reason,omitempty"`
}

type CursorData struct {
	Cursor         *presence.CursorPosition `json:"cursor"`
	ActiveDocument string                   `json:"activeDocument,omitempty"`
}

type SelectionData struct {
	Selection      *presence.SelectionRange `json:"selection"`
	ActiveDocument string                   `json:"activeDocument,omitempty"`
}

type PresenceData struct {
	ActiveDocument string `json:"activeDocument"`
}

type EditData struct {
	DocumentID string `json:"documentId"`
	// 旧客户端使用 fileId
	FileID         string         `json:"fileId,omitempty"`
	BaseVersion    int            `json:"baseVersion"`
	Operation      []ot.Operation `json:"operation"`
	InitialContent *string        `json:"initialContent,omitempty"`
}

func (d EditData) documentID() string {
	if d.DocumentID != "" {
		return d.DocumentID
	}
	return d.FileID
}

// EditResult 既用于广播给其它连接，也作为 edit-ack 回给发送者
type EditResult struct {
	DocumentID  string         `json:"documentId"`
	OperationID string         `json:"operationId"`
	Operation   []ot.Operation `json:"operation"`
	BaseVersion int            `json:"baseVersion"`
	Version     int            `json:"version"`
}

type EditErrorData struct {
	DocumentID string `json:"documentId"`
	Error      string `json:"error"`
}

func newEnvelope(typ, participantID, workspaceID string, data interface{}) Envelope {
	env := Envelope{
		Type:          typ,
		ParticipantID: participantID,
		WorkspaceID:   workspaceID,
		Timestamp:     time.Now(),
	}
	if data != nil {
		// data 均为本包内定义的结构体，不会序列化失败
		env.Data, _ = json.Marshal(data)
	}
	return env
}

func errorEnvelope(msg string) Envelope {
	return Envelope{Type: TypeError, Timestamp: time.Now(), Error: msg}
}

func isCommentType(t string) bool {
	switch t {
	case TypeComment, TypeCommentReply, TypeCommentEdit, TypeCommentDelete, TypeCommentResolve, TypeCommentReact:
		return true
	}
	return false
}
