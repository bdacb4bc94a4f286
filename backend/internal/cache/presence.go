package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache：房间在线状态与光标的外部存储。
// presence 是尽力而为的：丢失/乱序不破坏任何正确性属性，
// 所以这里的失败由调用方静默降级。
type PresenceCache interface {
	AddMember(ctx context.Context, docID, sessionID string, userID uint64, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, sessionID string) error
	GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, docID, sessionID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, docID, sessionID string) ([]byte, error)
}

type PresenceMember struct {
	SessionID string
	UserID    uint64
	Username  string
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, docID, sessionID string, userID uint64, username string, ttl time.Duration) error {
	// 刷新 TTL 也直接调用 AddMember
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），表达"逻辑 TTL"
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: sessionID})
	// 名字表（Hash），值为 userId:username
	tx.HSet(ctx, namesKey(docID), sessionID, strconv.FormatUint(userID, 10)+":"+username)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID, sessionID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), sessionID)
	tx.HDel(ctx, namesKey(docID), sessionID)
	tx.Del(ctx, cursorKey(docID, sessionID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) SetCursor(ctx context.Context, docID, sessionID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(docID, sessionID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, docID, sessionID string) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(docID, sessionID)).Bytes()
}

func (p *redisPresence) GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error) {
	// step1: 清理过期会话
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	luaScript := `
	-- KEYS[1] = roomKey(docID)   e.g. presence:room:{docID}
	-- KEYS[2] = namesKey(docID)  e.g. presence:room:names:{docID}
	-- ARGV[1] = now (unix seconds)

	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		redis.call("HDEL", KEYS[2], unpack(expired))
	end
	return #expired
	`
	script := redis.NewScript(luaScript)
	_, err := script.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线会话
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量取名字表
	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		m := PresenceMember{SessionID: aliveIDs[i]}
		if v != nil {
			if s, ok := v.(string); ok {
				// userId:username
				for j := 0; j < len(s); j++ {
					if s[j] == ':' {
						m.UserID, _ = strconv.ParseUint(s[:j], 10, 64)
						m.Username = s[j+1:]
						break
					}
				}
			}
		}
		members = append(members, m)
	}
	return members, nil
}
