package collab

import (
	"time"

	"workspace-collab/backend/internal/ot"
)

const EventOpApplied = "OP_APPLIED"

// DocOpEvent 是每次提交后发往 Kafka 的审计事件，key 为文档 id
type DocOpEvent struct {
	EventType   string         `json:"eventType"` // 固定 "OP_APPLIED"
	DocID       string         `json:"docId"`
	WorkspaceID string         `json:"workspaceId"`
	OperationID string         `json:"operationId"`
	Version     int            `json:"version"`
	BaseVersion int            `json:"baseVersion"`
	AuthorID    string         `json:"authorId"`
	ConnID      string         `json:"connId"`
	Ops         []ot.Operation `json:"ops"`
	AppliedAt   time.Time      `json:"appliedAt"`
}

// NewDocOpEvent 由一次提交结果构造事件
func NewDocOpEvent(workspaceID, connID string, a Applied) DocOpEvent {
	return DocOpEvent{
		EventType:   EventOpApplied,
		DocID:       a.DocumentID,
		WorkspaceID: workspaceID,
		OperationID: a.ID,
		Version:     a.Version,
		BaseVersion: a.Op.BaseVersion,
		AuthorID:    a.Op.Author,
		ConnID:      connID,
		Ops:         a.Op.Operations,
		AppliedAt:   a.AppliedAt,
	}
}
