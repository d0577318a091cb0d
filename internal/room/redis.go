package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisRegistry persists rooms in Redis so multiple relay instances can
// share one room table. Membership mutations run as Lua scripts, which gives
// the same per-room linearizability the in-memory backend gets from its
// per-room mutex.
//
// Key layout under the configured prefix:
//
//	<prefix>:room:<id>          hash   creator, created_at
//	<prefix>:room:<id>:members  list   member IDs in join order
type RedisRegistry struct {
	rdb    *redis.Client
	prefix string
}

// joinScript returns false (a nil reply) when the room does not exist,
// otherwise the pre-join member list. The push is skipped when the member is
// already present, so redelivered joins cannot duplicate an entry.
var joinScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return false
end
local members = redis.call("LRANGE", KEYS[2], 0, -1)
for _, m in ipairs(members) do
	if m == ARGV[1] then
		return members
	end
end
redis.call("RPUSH", KEYS[2], ARGV[1])
return members
`)

// leaveScript returns 1 when removing the member emptied and deleted the
// room, 0 otherwise (including unknown rooms, which are a no-op).
var leaveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("LREM", KEYS[2], 0, ARGV[1])
if redis.call("LLEN", KEYS[2]) == 0 then
	redis.call("DEL", KEYS[1], KEYS[2])
	return 1
end
return 0
`)

var lookupScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return false
end
local meta = redis.call("HMGET", KEYS[1], "creator", "created_at")
return {meta[1], meta[2], redis.call("LRANGE", KEYS[2], 0, -1)}
`)

func NewRedisRegistry(rdb *redis.Client, prefix string) *RedisRegistry {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "meetflow"
	}
	return &RedisRegistry{rdb: rdb, prefix: p}
}

func (r *RedisRegistry) keys(roomID string) []string {
	meta := fmt.Sprintf("%s:room:%s", r.prefix, roomID)
	return []string{meta, meta + ":members"}
}

func (r *RedisRegistry) Create(ctx context.Context, creatorID string) (*Room, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	keys := r.keys(id)

	// The ID is a fresh UUID so the keys cannot pre-exist; a transactional
	// pipeline is enough to make the hash and member list appear together.
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, keys[0], map[string]any{
		"creator":    creatorID,
		"created_at": now.Format(time.RFC3339Nano),
	})
	pipe.RPush(ctx, keys[1], creatorID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}

	return &Room{
		ID:        id,
		Creator:   creatorID,
		Members:   []string{creatorID},
		CreatedAt: now,
	}, nil
}

func (r *RedisRegistry) Join(ctx context.Context, roomID, memberID string) ([]string, error) {
	res, err := joinScript.Run(ctx, r.rdb, r.keys(roomID), memberID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("join room: %w", err)
	}

	raw, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("join room: unexpected reply %T", res)
	}
	members := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("join room: unexpected member %T", v)
		}
		members = append(members, s)
	}
	return withoutMember(members, memberID), nil
}

func (r *RedisRegistry) Leave(ctx context.Context, roomID, memberID string) (bool, error) {
	res, err := leaveScript.Run(ctx, r.rdb, r.keys(roomID), memberID).Int()
	if err != nil {
		return false, fmt.Errorf("leave room: %w", err)
	}
	return res == 1, nil
}

func (r *RedisRegistry) Lookup(ctx context.Context, roomID string) (*Room, error) {
	res, err := lookupScript.Run(ctx, r.rdb, r.keys(roomID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup room: %w", err)
	}

	raw, ok := res.([]any)
	if !ok || len(raw) != 3 {
		return nil, fmt.Errorf("lookup room: unexpected reply %T", res)
	}
	creator, _ := raw[0].(string)
	createdAt := time.Time{}
	if ts, ok := raw[1].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			createdAt = parsed
		}
	}
	rawMembers, ok := raw[2].([]any)
	if !ok {
		return nil, fmt.Errorf("lookup room: unexpected members %T", raw[2])
	}
	members := make([]string, 0, len(rawMembers))
	for _, v := range rawMembers {
		if s, ok := v.(string); ok {
			members = append(members, s)
		}
	}

	return &Room{
		ID:        roomID,
		Creator:   creator,
		Members:   members,
		CreatedAt: createdAt,
	}, nil
}
