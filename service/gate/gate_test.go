package gate

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/domain"
	"github.com/x-xyz/bidengine/service/redis"
	mockRedis "github.com/x-xyz/bidengine/service/redis/mocks"
)

func TestAcquireSerializesOneAuction(t *testing.T) {
	g := New(Config{LockTimeout: time.Second})
	c := ctx.Background()

	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Acquire(c, "a1")
			require.NoError(t, err)
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxSeen)
}

func TestAcquireOtherAuctionsDoNotWait(t *testing.T) {
	g := New(Config{LockTimeout: 50 * time.Millisecond})
	c := ctx.Background()

	release, err := g.Acquire(c, "a1")
	require.NoError(t, err)
	defer release()

	other, err := g.Acquire(c, "a2")
	require.NoError(t, err)
	other()
}

func TestAcquireTimesOut(t *testing.T) {
	g := New(Config{LockTimeout: 20 * time.Millisecond})
	c := ctx.Background()

	release, err := g.Acquire(c, "a1")
	require.NoError(t, err)

	_, err = g.Acquire(c, "a1")
	require.Equal(t, domain.ErrLockTimeout, err)

	release()
	again, err := g.Acquire(c, "a1")
	require.NoError(t, err)
	again()
}

func TestAcquireTakesLease(t *testing.T) {
	r := mockRedis.NewService(t)
	g := New(Config{LockTimeout: time.Second, Redis: r, LeaseTtl: time.Second})
	c := ctx.Background()

	var token []byte
	r.On("SetNX", mock.Anything, "auctionLease:a1", mock.Anything, time.Second).Return(false, nil).Once()
	r.On("SetNX", mock.Anything, "auctionLease:a1", mock.Anything, time.Second).
		Run(func(args mock.Arguments) { token = args.Get(2).([]byte) }).
		Return(true, nil).Once()

	release, err := g.Acquire(c, "a1")
	require.NoError(t, err)

	r.On("ScriptDo", mock.Anything, releaseScript, "auctionLease:a1", mock.Anything).
		Run(func(args mock.Arguments) { require.Equal(t, string(token), args.Get(3)) }).
		Return(int64(1), nil).Once()
	release()
}

func TestAcquireLeaseUnavailable(t *testing.T) {
	r := mockRedis.NewService(t)
	g := New(Config{LockTimeout: time.Second, Redis: r})
	c := ctx.Background()

	r.On("SetNX", mock.Anything, "auctionLease:a1", mock.Anything, 5*time.Second).Return(false, errors.New("connection refused")).Once()

	_, err := g.Acquire(c, "a1")
	require.True(t, errors.Is(err, ErrLeaseUnavailable))

	// the local lock was handed back
	r.On("SetNX", mock.Anything, "auctionLease:a1", mock.Anything, 5*time.Second).Return(true, nil).Once()
	r.On("ScriptDo", mock.Anything, releaseScript, "auctionLease:a1", mock.Anything).Return(nil, redis.ErrNotFound).Once()
	release, err := g.Acquire(c, "a1")
	require.NoError(t, err)
	release()
}

func TestAcquireLeaseHeldElsewhere(t *testing.T) {
	r := mockRedis.NewService(t)
	g := New(Config{LockTimeout: 30 * time.Millisecond, Redis: r, LeaseTtl: time.Second})

	r.On("SetNX", mock.Anything, "auctionLease:a1", mock.Anything, time.Second).Return(false, nil)

	_, err := g.Acquire(ctx.Background(), "a1")
	require.Equal(t, domain.ErrLockTimeout, err)
}

func TestLeaseRefreshedWhileHeld(t *testing.T) {
	r := mockRedis.NewService(t)
	ttl := 100 * time.Millisecond
	g := New(Config{LockTimeout: time.Second, Redis: r, LeaseTtl: ttl})

	var refreshes int32
	r.On("SetNX", mock.Anything, "auctionLease:a1", mock.Anything, ttl).Return(true, nil).Once()
	r.On("Expire", mock.Anything, "auctionLease:a1", ttl).
		Run(func(mock.Arguments) { atomic.AddInt32(&refreshes, 1) }).
		Return(nil)
	r.On("ScriptDo", mock.Anything, releaseScript, "auctionLease:a1", mock.Anything).Return(int64(1), nil).Once()

	release, err := g.Acquire(ctx.Background(), "a1")
	require.NoError(t, err)
	time.Sleep(3 * ttl)
	release()

	held := atomic.LoadInt32(&refreshes)
	require.GreaterOrEqual(t, held, int32(2))

	// nothing refreshes a released lease
	time.Sleep(2 * ttl)
	require.Equal(t, held, atomic.LoadInt32(&refreshes))
}

func TestLeaseRefreshStopsOnFailure(t *testing.T) {
	r := mockRedis.NewService(t)
	ttl := 100 * time.Millisecond
	g := New(Config{LockTimeout: time.Second, Redis: r, LeaseTtl: ttl})

	r.On("SetNX", mock.Anything, "auctionLease:a1", mock.Anything, ttl).Return(true, nil).Once()
	r.On("Expire", mock.Anything, "auctionLease:a1", ttl).Return(redis.ErrExpireNotExistOrTimeout).Once()
	r.On("ScriptDo", mock.Anything, releaseScript, "auctionLease:a1", mock.Anything).Return(int64(0), nil).Once()

	release, err := g.Acquire(ctx.Background(), "a1")
	require.NoError(t, err)
	time.Sleep(4 * ttl)
	release()
}
