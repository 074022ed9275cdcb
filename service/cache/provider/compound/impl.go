package compound

import (
	"time"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/log"
	"github.com/x-xyz/bidengine/service/cache/provider"
)

// layered keeps the in-process cache in front of the shared one
type layered struct {
	layers []provider.Provider
}

// NewCompound stacks providers, fastest first. A hit in a lower layer is
// copied into the layers above it with the remaining ttl.
func NewCompound(layers []provider.Provider) provider.Provider {
	return &layered{layers: layers}
}

func (l *layered) Get(c ctx.Ctx, key string) ([]byte, time.Duration, error) {
	for depth, lyr := range l.layers {
		val, ttl, err := lyr.Get(c, key)
		if err == provider.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		l.promote(c, depth, key, val, ttl)
		return val, ttl, nil
	}
	return nil, 0, provider.ErrNotFound
}

// promote fills the layers above depth. A failed fill only costs a later miss.
func (l *layered) promote(c ctx.Ctx, depth int, key string, val []byte, ttl time.Duration) {
	for i := 0; i < depth; i++ {
		if err := l.layers[i].Set(c, key, val, ttl); err != nil {
			c.WithFields(log.Fields{"err": err, "key": key, "layer": i}).Warn("promote failed")
		}
	}
}

// Set writes the shared layer first so an upper layer never holds a value the
// shared one rejected
func (l *layered) Set(c ctx.Ctx, key string, value []byte, ttl time.Duration) error {
	for i := len(l.layers) - 1; i >= 0; i-- {
		if err := l.layers[i].Set(c, key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}

// Del clears the lowest layer first, so a concurrent Get cannot refill an
// upper layer from a stale lower one
func (l *layered) Del(c ctx.Ctx, key string) error {
	for i := len(l.layers) - 1; i >= 0; i-- {
		if err := l.layers[i].Del(c, key); err != nil {
			return err
		}
	}
	return nil
}
