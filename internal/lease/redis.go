package lease

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "earnbot/pkg/logx"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis is a Locker backed by SET NX PX.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	log    logx.Logger
}

// NewRedis parses a redis:// URL and returns a connected Locker.
func NewRedis(ctx context.Context, rawURL, prefix string, log logx.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("lease: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("lease: ping redis: %w", err)
	}
	return FromClient(rdb, prefix, log), nil
}

func FromClient(rdb redis.UniversalClient, prefix string, log logx.Logger) *Redis {
	if prefix == "" {
		prefix = "earnbot:lease:"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Redis{rdb: rdb, prefix: prefix, log: log}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool) {
	full := r.prefix + key
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		r.log.Warn("lease check failed, proceeding without lease", logx.String("key", full), logx.Err(err))
		return func() {}, true
	}
	if !ok {
		r.log.Debug("lease held elsewhere", logx.String("key", full))
		return func() {}, false
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, r.rdb, []string{full}, token).Err(); err != nil && err != redis.Nil {
			r.log.Debug("lease release failed", logx.String("key", full), logx.Err(err))
		}
	}, true
}

func (r *Redis) Close() error { return r.rdb.Close() }
