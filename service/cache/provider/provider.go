package provider

import (
	"errors"
	"time"

	"github.com/x-xyz/bidengine/base/ctx"
)

// ErrNotFound is a miss, including an expired entry
var ErrNotFound = errors.New("cache miss")

// Provider stores raw bytes under a ttl. Implementations: primitive (in
// process), redis (shared by instances) and compound (layers of both).
type Provider interface {
	// Get returns the value with its remaining ttl
	Get(c ctx.Ctx, key string) ([]byte, time.Duration, error)
	Set(c ctx.Ctx, key string, value []byte, ttl time.Duration) error
	Del(c ctx.Ctx, key string) error
}
