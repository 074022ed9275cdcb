package primitive

import (
	"time"

	"github.com/coocood/freecache"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/metrics"
	"github.com/x-xyz/bidengine/service/cache/provider"
)

var met = metrics.New("cache.primitive")

type impl struct {
	name  string
	cache *freecache.Cache
}

// NewPrimitive creates an in-process cache of sizeMB megabytes
func NewPrimitive(name string, sizeMB int) provider.Provider {
	return &impl{name, freecache.NewCache(sizeMB * 1024 * 1024)}
}

// expireSeconds rounds ttl up to whole seconds. freecache treats 0 as never
// expiring, so a positive sub-second ttl must not truncate to 0.
func expireSeconds(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	secs := int(ttl / time.Second)
	if ttl%time.Second != 0 {
		secs++
	}
	return secs
}

func (im *impl) Get(c ctx.Ctx, key string) ([]byte, time.Duration, error) {
	val, ttl, err := im.cache.GetWithExpiration([]byte(key))
	if err == freecache.ErrNotFound {
		met.BumpSum("miss", 1, "name", im.name)
		return nil, time.Duration(0), provider.ErrNotFound
	} else if err != nil {
		c.WithField("err", err).WithField("key", key).Error("cache.Get failed")
		return nil, time.Duration(0), err
	}
	met.BumpSum("hit", 1, "name", im.name)

	if ttl == 0 {
		return val, time.Duration(0), nil
	}
	remaining := time.Until(time.Unix(int64(ttl), 0))
	if remaining < 0 {
		remaining = 0
	}
	return val, remaining, nil
}

func (im *impl) Set(c ctx.Ctx, key string, value []byte, ttl time.Duration) error {
	if err := im.cache.Set([]byte(key), value, expireSeconds(ttl)); err != nil {
		c.WithField("err", err).WithField("key", key).Error("cache.Set failed")
		return err
	}
	return nil
}

func (im *impl) Del(c ctx.Ctx, key string) error {
	im.cache.Del([]byte(key))
	return nil
}
