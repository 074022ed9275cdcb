package cache

import (
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/log"
	"github.com/x-xyz/bidengine/base/metrics"
	"github.com/x-xyz/bidengine/domain/keys"
	"github.com/x-xyz/bidengine/service/cache/provider"
)

type impl struct {
	ttl         time.Duration
	pfx         string
	cache       provider.Provider
	serialize   Serializer
	deserialize Deserializer
	flights     singleflight.Group
	met         metrics.Service

	mu sync.Mutex
	// loading holds the getter runs in progress. Del marks them stale so a
	// value read before the delete is never stored after it.
	loading map[string]*load
}

type load struct {
	stale bool
}

func New(cfg ServiceConfig) Service {
	im := &impl{
		ttl:         cfg.Ttl,
		pfx:         cfg.Pfx,
		cache:       cfg.Cache,
		serialize:   cfg.Serialize,
		deserialize: cfg.Deserialize,
		met:         metrics.New("cache"),
		loading:     map[string]*load{},
	}
	if im.serialize == nil {
		im.serialize = json.Marshal
	}
	if im.deserialize == nil {
		im.deserialize = json.Unmarshal
	}
	return im
}

func (im *impl) logger(c ctx.Ctx, key string, err error) log.Logger {
	return c.WithFields(log.Fields{"err": err, "key": key, "pfx": im.pfx})
}

func (im *impl) GetByFunc(c ctx.Ctx, key string, container interface{}, getter OneTimeGetter) error {
	err := im.Get(c, key, container)
	if err == nil {
		return nil
	}
	if err != ErrNotFound {
		return err
	}

	// the flight hands out the encoded value so callers never share one decoded instance
	raw, err, shared := im.flights.Do(key, func() (interface{}, error) {
		l := im.begin(key)
		defer im.end(key, l)

		val, err := getter()
		if err != nil {
			return nil, err
		}
		data, err := im.serialize(val)
		if err != nil {
			im.logger(c, key, err).Error("serialize failed")
			return nil, err
		}
		im.fill(c, key, l, data)
		return data, nil
	})
	if err != nil {
		im.logger(c, key, err).Warn("getter failed")
		return err
	}
	if shared {
		im.met.BumpSum("flight.shared", 1, "pfx", im.pfx)
	}
	return im.deserialize(raw.([]byte), container)
}

func (im *impl) Get(c ctx.Ctx, key string, container interface{}) error {
	data, _, err := im.cache.Get(c, keys.RedisKey(im.pfx, key))
	if err == ErrNotFound {
		im.met.BumpSum("miss", 1, "pfx", im.pfx)
		return ErrNotFound
	}
	if err != nil {
		im.logger(c, key, err).Error("cache.Get failed")
		return err
	}
	if err := im.deserialize(data, container); err != nil {
		// an undecodable entry is dropped and reads as a miss
		im.logger(c, key, err).Warn("deserialize failed")
		im.drop(c, key)
		return ErrNotFound
	}
	im.met.BumpSum("hit", 1, "pfx", im.pfx)
	return nil
}

func (im *impl) Set(c ctx.Ctx, key string, value interface{}) error {
	data, err := im.serialize(value)
	if err != nil {
		im.logger(c, key, err).Error("serialize failed")
		return err
	}
	if err := im.cache.Set(c, keys.RedisKey(im.pfx, key), data, im.ttl); err != nil {
		im.logger(c, key, err).Error("cache.Set failed")
		return err
	}
	return nil
}

func (im *impl) Del(c ctx.Ctx, key string) error {
	im.invalidate(key)
	if err := im.cache.Del(c, keys.RedisKey(im.pfx, key)); err != nil {
		im.logger(c, key, err).Error("cache.Del failed")
		return err
	}
	return nil
}

func (im *impl) drop(c ctx.Ctx, key string) {
	if err := im.cache.Del(c, keys.RedisKey(im.pfx, key)); err != nil {
		im.logger(c, key, err).Warn("cache.Del failed")
	}
}

func (im *impl) begin(key string) *load {
	l := &load{}
	im.mu.Lock()
	im.loading[key] = l
	im.mu.Unlock()
	return l
}

func (im *impl) end(key string, l *load) {
	im.mu.Lock()
	if im.loading[key] == l {
		delete(im.loading, key)
	}
	im.mu.Unlock()
}

func (im *impl) isStale(l *load) bool {
	im.mu.Lock()
	defer im.mu.Unlock()
	return l.stale
}

// invalidate marks the running load of key stale and makes later readers
// start a new one instead of joining it
func (im *impl) invalidate(key string) {
	im.mu.Lock()
	if l, ok := im.loading[key]; ok {
		l.stale = true
	}
	im.mu.Unlock()
	im.flights.Forget(key)
}

// fill stores a loaded value unless a Del raced with the load. The check runs
// again after the write because Del may land between the two.
func (im *impl) fill(c ctx.Ctx, key string, l *load, data []byte) {
	if im.isStale(l) {
		im.met.BumpSum("fill.stale", 1, "pfx", im.pfx)
		return
	}
	if err := im.cache.Set(c, keys.RedisKey(im.pfx, key), data, im.ttl); err != nil {
		// still served, the next reader loads again
		im.logger(c, key, err).Warn("cache.Set failed")
		return
	}
	if im.isStale(l) {
		im.met.BumpSum("fill.stale", 1, "pfx", im.pfx)
		im.drop(c, key)
	}
}
