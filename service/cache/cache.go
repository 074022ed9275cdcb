package cache

import (
	"time"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/service/cache/provider"
)

// ErrNotFound is returned by Get on a miss
var ErrNotFound = provider.ErrNotFound

// OneTimeGetter loads the value of a missed key
type OneTimeGetter func() (interface{}, error)

type Serializer func(interface{}) ([]byte, error)

type Deserializer func([]byte, interface{}) error

// Service caches typed values on top of a Provider. Values are stored
// serialized, so every reader decodes its own copy.
type Service interface {
	// GetByFunc fills container from the cache, or from getter on a miss.
	// Concurrent misses of the same key share one getter call.
	GetByFunc(c ctx.Ctx, key string, container interface{}, getter OneTimeGetter) error
	Get(c ctx.Ctx, key string, container interface{}) error
	Set(c ctx.Ctx, key string, value interface{}) error
	Del(c ctx.Ctx, key string) error
}

type ServiceConfig struct {
	Ttl time.Duration
	// Pfx namespaces the keys and tags the hit/miss metrics
	Pfx   string
	Cache provider.Provider
	// json when nil
	Serialize   Serializer
	Deserialize Deserializer
}
