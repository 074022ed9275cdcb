package redis

import (
	"errors"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/domain/keys"
)

const (
	// Forever is the expire value for keys without ttl
	Forever = time.Duration(-1)
)

var (
	// ErrNotFound is returned when the key does not exist
	ErrNotFound = errors.New("redis: key not found")
	// ErrDeadlineExceeded is returned when the context deadline passed before the command was sent
	ErrDeadlineExceeded = errors.New("redis: deadline exceeded")
	// ErrNoTTL is returned by TTL when the key exists without expire
	ErrNoTTL = errors.New("redis: key has no ttl")
	// ErrExpireNotExistOrTimeout is returned when an expire could not be set
	ErrExpireNotExistOrTimeout = errors.New("redis: key not exist or timeout not set")
)

// Service is the subset of redis commands used by the engine
type Service interface {
	Get(context ctx.Ctx, key string) ([]byte, error)
	Set(context ctx.Ctx, key string, val []byte, expire time.Duration) error
	// SetNX returns false when the key already exists
	SetNX(context ctx.Ctx, key string, val []byte, expire time.Duration) (bool, error)
	Del(context ctx.Ctx, ks ...string) (int, error)
	// Expire returns ErrExpireNotExistOrTimeout when the key is gone
	Expire(context ctx.Ctx, key string, ttl time.Duration) error
	// TTL returns the remaining time to live in seconds
	TTL(context ctx.Ctx, key string) (int, error)

	Publish(context ctx.Ctx, channel string, payload []byte) (int, error)
	// Subscribe blocks delivering messages of channel to onMessage until the
	// context ends or the connection fails
	Subscribe(context ctx.Ctx, channel string, onMessage func(payload []byte)) error

	ScriptDo(context ctx.Ctx, hdl *ScriptHdl, keysAndArgs ...interface{}) (interface{}, error)
	Ping(context ctx.Ctx) error
	Name() string
}

// ScriptHdl is a lua script loaded once per connection and called by sha
type ScriptHdl struct {
	keyCount int
	script   *redis.Script
}

func NewScriptHdl(keyCount int, src string) *ScriptHdl {
	return &ScriptHdl{
		keyCount: keyCount,
		script:   redis.NewScript(keyCount, src),
	}
}

// Do runs the script on conn, a nil reply is returned as ErrNotFound
func (h *ScriptHdl) Do(conn redis.Conn, keysAndArgs ...interface{}) (interface{}, error) {
	v, err := h.script.Do(conn, keysAndArgs...)
	if err == redis.ErrNil || (err == nil && v == nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (h *ScriptHdl) prefix(keysAndArgs ...interface{}) string {
	if h.keyCount == 0 || len(keysAndArgs) == 0 {
		return "n/a"
	}
	if k, ok := keysAndArgs[0].(string); ok {
		return keys.GetPrefix(k)
	}
	return "n/a"
}
