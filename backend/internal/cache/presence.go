package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 把进程内的在线名单镜像到 Redis，供其它实例/看板读取。
// 进程内的 presence.Registry 才是权威数据，这里写失败只记录日志。
type PresenceCache interface {
	AddMember(ctx context.Context, workspaceID, participantID, name string, ttl time.Duration) error
	RemoveMember(ctx context.Context, workspaceID, participantID string) error
	GetWorkspaces(ctx context.Context) ([]string, error)
	GetAliveMembersWithNames(ctx context.Context, workspaceID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, workspaceID, participantID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, workspaceID, participantID string) ([]byte, error)
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

type PresenceMember struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, workspaceID, participantID, name string, ttl time.Duration) error {
	// 刷新TTL也直接调用AddMember即可
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(workspaceID), redis.Z{Score: float64(expireAt), Member: participantID})
	// 名字表（Hash）
	tx.HSet(ctx, namesKey(workspaceID), participantID, name)
	tx.SAdd(ctx, workspacesKey(), workspaceID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, workspaceID, participantID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(workspaceID), participantID)
	tx.HDel(ctx, namesKey(workspaceID), participantID)
	tx.Del(ctx, cursorKey(workspaceID, participantID))
	_, err := tx.Exec(ctx)
	return err
}

// GetWorkspaces 返回索引中仍有在线成员的工作区，顺带清理空的索引项
func (p *redisPresence) GetWorkspaces(ctx context.Context) ([]string, error) {
	ids, err := p.rdb.SMembers(ctx, workspacesKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	var workspaces []string
	for _, id := range ids {
		n, err := p.rdb.ZCard(ctx, roomKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			p.rdb.SRem(ctx, workspacesKey(), id)
			continue
		}
		workspaces = append(workspaces, id)
	}
	return workspaces, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, workspaceID, participantID string, jsonData []byte, ttl time.Duration) error {
	if err := p.rdb.Set(ctx, cursorKey(workspaceID, participantID), jsonData, ttl).Err(); err != nil {
		return err
	}
	return nil
}

func (p *redisPresence) GetCursor(ctx context.Context, workspaceID, participantID string) ([]byte, error) {
	cursor, err := p.rdb.Get(ctx, cursorKey(workspaceID, participantID)).Bytes()
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

// 清理过期成员
// KEYS[1] = roomKey, KEYS[2] = namesKey, ARGV[1] = now (unix seconds)
var expireScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, workspaceID string) ([]PresenceMember, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	_, err := expireScript.Run(ctx, p.rdb, []string{roomKey(workspaceID), namesKey(workspaceID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(workspaceID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(workspaceID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, PresenceMember{ParticipantID: aliveIDs[i], Name: name})
	}
	return members, nil
}
