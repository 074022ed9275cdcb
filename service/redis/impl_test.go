package redis

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/database/redisclient"
	"github.com/x-xyz/bidengine/base/metrics"
)

type redisSuite struct {
	suite.Suite
	im Service
}

func TestRedisSuite(t *testing.T) {
	if os.Getenv("TEST_REDIS_URI") == "" {
		t.Skip("TEST_REDIS_URI not set")
	}
	suite.Run(t, new(redisSuite))
}

func (s *redisSuite) SetupSuite() {
	pool := redisclient.MustConnectRedis(os.Getenv("TEST_REDIS_URI"), "")
	s.im = New("test", metrics.New("redis"), &Pools{Src: pool})
}

func (s *redisSuite) TestSetGetDel() {
	c := ctx.Background()
	key := "test:setget"

	_, err := s.im.Get(c, key+":missing")
	s.Equal(ErrNotFound, err)

	s.Require().NoError(s.im.Set(c, key, []byte("v1"), time.Minute))
	val, err := s.im.Get(c, key)
	s.Require().NoError(err)
	s.Equal([]byte("v1"), val)

	ttl, err := s.im.TTL(c, key)
	s.Require().NoError(err)
	s.True(ttl > 0 && ttl <= 60)

	n, err := s.im.Del(c, key)
	s.Require().NoError(err)
	s.Equal(1, n)

	_, err = s.im.Get(c, key)
	s.Equal(ErrNotFound, err)
	s.Equal(ErrExpireNotExistOrTimeout, s.im.Expire(c, key, time.Minute))
}

func (s *redisSuite) TestSetNX() {
	c := ctx.Background()
	key := "test:setnx"
	defer s.im.Del(c, key)

	ok, err := s.im.SetNX(c, key, []byte("a"), time.Second)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.im.SetNX(c, key, []byte("b"), time.Second)
	s.Require().NoError(err)
	s.False(ok)
}

func (s *redisSuite) TestScriptDo() {
	c := ctx.Background()
	key := "test:script"
	defer s.im.Del(c, key)

	hdl := NewScriptHdl(1, `return redis.call("INCRBY", KEYS[1], ARGV[1])`)
	v, err := s.im.ScriptDo(c, hdl, key, 3)
	s.Require().NoError(err)
	s.Equal(int64(3), v)

	nilHdl := NewScriptHdl(1, `return redis.call("GET", KEYS[1] .. ":none")`)
	_, err = s.im.ScriptDo(c, nilHdl, key)
	s.Equal(ErrNotFound, err)
}

func (s *redisSuite) TestPublishSubscribe() {
	c, cancel := ctx.WithCancel(ctx.Background())
	channel := "test:channel"

	var (
		mu  sync.Mutex
		got [][]byte
	)
	done := make(chan error, 1)
	go func() {
		done <- s.im.Subscribe(c, channel, func(payload []byte) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, payload)
		})
	}()

	s.Eventually(func() bool {
		n, err := s.im.Publish(ctx.Background(), channel, []byte("hello"))
		return err == nil && n > 0
	}, 3*time.Second, 50*time.Millisecond)

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	s.NoError(<-done)
}

func TestScriptHdlPrefix(t *testing.T) {
	hdl := NewScriptHdl(1, "return 1")
	require.Equal(t, "auctionLease", hdl.prefix("auctionLease:a1", "token"))
	require.Equal(t, "n/a", NewScriptHdl(0, "return 1").prefix("x:y"))
	require.Equal(t, "n/a", hdl.prefix(42))
}
