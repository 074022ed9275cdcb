package gate

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/x-xyz/bidengine/base/backoff"
	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/goroutine"
	"github.com/x-xyz/bidengine/base/keylock"
	"github.com/x-xyz/bidengine/base/log"
	"github.com/x-xyz/bidengine/base/metrics"
	"github.com/x-xyz/bidengine/domain"
	"github.com/x-xyz/bidengine/domain/keys"
	"github.com/x-xyz/bidengine/service/redis"
)

var (
	// ErrLeaseUnavailable is returned when the lease store could not be reached
	ErrLeaseUnavailable = errors.New("gate: lease store unavailable")

	// releaseScript deletes the lease only while it still carries our token
	releaseScript = redis.NewScriptHdl(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Gate serializes the writers of one auction
type Gate interface {
	// Acquire blocks until auctionId is held, or returns domain.ErrLockTimeout
	// once the wait exceeds the lock timeout. The returned func releases the
	// auction and must be called exactly once.
	Acquire(c ctx.Ctx, auctionId string) (func(), error)
}

type Config struct {
	LockTimeout time.Duration
	// Redis enables the cross instance lease, nil keeps the gate in process
	Redis    redis.Service
	LeaseTtl time.Duration
}

type impl struct {
	locks       *keylock.Table
	lockTimeout time.Duration
	redis       redis.Service
	leaseTtl    time.Duration
	met         metrics.Service
}

func New(cfg Config) Gate {
	if cfg.LeaseTtl <= 0 {
		cfg.LeaseTtl = 5 * time.Second
	}
	return &impl{
		locks:       keylock.New(),
		lockTimeout: cfg.LockTimeout,
		redis:       cfg.Redis,
		leaseTtl:    cfg.LeaseTtl,
		met:         metrics.New("gate"),
	}
}

func (im *impl) Acquire(c ctx.Ctx, auctionId string) (func(), error) {
	defer im.met.BumpTime("wait.time").End()

	lockCtx := c
	if im.lockTimeout > 0 {
		var cancel func()
		lockCtx, cancel = ctx.WithTimeout(c, im.lockTimeout)
		defer cancel()
	}

	unlock, err := im.locks.Lock(lockCtx, auctionId)
	if err != nil {
		im.met.BumpSum("timeout", 1, "scope", "local")
		return nil, domain.ErrLockTimeout
	}
	if im.redis == nil {
		return unlock, nil
	}

	key := keys.RedisKey(keys.PfxAuctionLease, auctionId)
	token := uuid.New().String()
	if err := im.lease(lockCtx, key, token); err != nil {
		unlock()
		return nil, err
	}

	// the lease must be kept and released even if the caller's context has ended
	rCtx := ctx.Detach(c)
	stop := make(chan struct{})
	stopped := make(chan struct{})
	goroutine.RecoverableGo(func() {
		im.keepAlive(rCtx, key, stop)
	}, goroutine.WithName("gate.keepAlive"), goroutine.WithAfterEnded(func() {
		close(stopped)
	}))

	return func() {
		close(stop)
		<-stopped
		if _, err := im.redis.ScriptDo(rCtx, releaseScript, key, token); err != nil && err != redis.ErrNotFound {
			rCtx.WithFields(log.Fields{"err": err, "key": key}).Warn("release lease failed, it expires on its own")
		}
		unlock()
	}, nil
}

func (im *impl) lease(c ctx.Ctx, key, token string) error {
	b := backoff.NewLinear(5*time.Millisecond, 50*time.Millisecond)
	for {
		ok, err := im.redis.SetNX(c, key, []byte(token), im.leaseTtl)
		if err != nil {
			if c.Err() != nil {
				return domain.ErrLockTimeout
			}
			c.WithFields(log.Fields{"err": err, "key": key}).Error("redis.SetNX failed")
			return xerrors.Errorf("take lease %s: %v: %w", key, err, ErrLeaseUnavailable)
		}
		if ok {
			return nil
		}
		if err := b.Backoff(c); err != nil {
			im.met.BumpSum("timeout", 1, "scope", "lease")
			return domain.ErrLockTimeout
		}
	}
}

// keepAlive extends the lease every half ttl while the holder runs. A failed
// refresh ends it and the lease expires on its own.
func (im *impl) keepAlive(c ctx.Ctx, key string, stop <-chan struct{}) {
	ticker := time.NewTicker(im.leaseTtl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := im.redis.Expire(c, key, im.leaseTtl); err != nil {
				im.met.BumpSum("lease.refresh.err", 1)
				c.WithFields(log.Fields{"err": err, "key": key}).Warn("refresh lease failed")
				return
			}
		}
	}
}
