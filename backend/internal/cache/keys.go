package cache

import "fmt"

// 键语义：
// - roomKey(workspaceID):     工作区在线成员（ZSet<participantId, expireAtUnix>，score=expireAt）
// - namesKey(workspaceID):    工作区内 participantId→name 映射（Hash）
// - cursorKey(ws, pid):       参与者最近一次光标（String，带 TTL）
// - workspacesKey():          工作区索引集合（Set<workspaceID>）

const (
	keyRoomFmt       = "presence:room:{ws:%s}"       // ZSet<participantId, expireAtUnix>
	keyNamesFmt      = "presence:room:names:{ws:%s}" // Hash<participantId -> name>
	keyCursorFmt     = "presence:cursor:{ws:%s}:%s"  // String
	keyWorkspacesSet = "presence:workspaces"         // Set<workspaceID>
)

func roomKey(workspaceID string) string  { return fmt.Sprintf(keyRoomFmt, workspaceID) }
func namesKey(workspaceID string) string { return fmt.Sprintf(keyNamesFmt, workspaceID) }
func cursorKey(workspaceID, participantID string) string {
	return fmt.Sprintf(keyCursorFmt, workspaceID, participantID)
}
func workspacesKey() string { return keyWorkspacesSet }
