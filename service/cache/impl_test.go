package cache

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/domain/keys"
	"github.com/x-xyz/bidengine/service/cache/provider"
	"github.com/x-xyz/bidengine/service/cache/provider/primitive"
)

var (
	mockCtx = ctx.Background()
)

type value struct {
	Value string `json:"value"`
}

type testsuite struct {
	suite.Suite
	im    *impl
	cache provider.Provider
}

func (ts *testsuite) SetupTest() {
	ts.cache = primitive.NewPrimitive("test", 64)
	ts.im = New(ServiceConfig{
		Ttl:   time.Second,
		Pfx:   "testing",
		Cache: ts.cache,
	}).(*impl)
}

func Test(t *testing.T) {
	suite.Run(t, new(testsuite))
}

func (ts *testsuite) TestGet() {
	var (
		k = "key"
		v = value{"value"}
		c = &value{}
	)

	ts.Equal(ErrNotFound, ts.im.Get(mockCtx, k, c))

	sv, err := json.Marshal(v)
	ts.NoError(err)
	ts.NoError(ts.cache.Set(mockCtx, keys.RedisKey(ts.im.pfx, k), sv, time.Second))
	ts.NoError(ts.im.Get(mockCtx, k, c))
	ts.Equal(v, *c)

	time.Sleep(1100 * time.Millisecond)

	_, _, err = ts.cache.Get(mockCtx, keys.RedisKey(ts.im.pfx, k))
	ts.Equal(provider.ErrNotFound, err)
}

func (ts *testsuite) TestSetDel() {
	var (
		k = "key"
		v = value{"value"}
		c = &value{}
	)

	ts.NoError(ts.im.Set(mockCtx, k, v))

	sv, _, err := ts.cache.Get(mockCtx, keys.RedisKey(ts.im.pfx, k))
	ts.NoError(err)

	ts.NoError(json.Unmarshal(sv, c))
	ts.Equal(v, *c)

	ts.NoError(ts.im.Del(mockCtx, k))
	ts.Equal(ErrNotFound, ts.im.Get(mockCtx, k, c))
}

func (ts *testsuite) TestGetByFunc() {
	var (
		k = "key"
		v = value{"value"}
		c = &value{}
	)

	ts.NoError(ts.im.GetByFunc(mockCtx, k, c, func() (interface{}, error) {
		return &v, nil
	}))

	ts.Equal(v, *c)

	sv, _, err := ts.cache.Get(mockCtx, keys.RedisKey(ts.im.pfx, k))
	ts.NoError(err)
	ts.NoError(json.Unmarshal(sv, c))
	ts.Equal(v, *c)

	// served from cache
	c2 := &value{}
	ts.NoError(ts.im.GetByFunc(mockCtx, k, c2, func() (interface{}, error) {
		return nil, errors.New("should not be called")
	}))
	ts.Equal(v, *c2)
}

func (ts *testsuite) TestGetByFuncError() {
	boom := errors.New("boom")
	err := ts.im.GetByFunc(mockCtx, "key", &value{}, func() (interface{}, error) {
		return nil, boom
	})
	ts.Equal(boom, err)

	_, _, err = ts.cache.Get(mockCtx, keys.RedisKey(ts.im.pfx, "key"))
	ts.Equal(provider.ErrNotFound, err)
}

func (ts *testsuite) TestGetByFuncSharesConcurrentMisses() {
	var (
		calls   int32
		release = make(chan struct{})
		wg      sync.WaitGroup
	)

	getter := func() (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &value{"shared"}, nil
	}

	results := make([]*value, 8)
	for i := range results {
		results[i] = &value{}
		wg.Add(1)
		go func(c *value) {
			defer wg.Done()
			ts.NoError(ts.im.GetByFunc(mockCtx, "key", c, getter))
		}(results[i])
	}

	// let every goroutine reach the flight before it lands
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	ts.Equal(int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		ts.Equal("shared", r.Value)
	}
}

func (ts *testsuite) TestGetByFuncDecodesPerCaller() {
	type listing struct {
		Ids []string `json:"ids"`
	}
	loaded := &listing{Ids: []string{"a1", "a2"}}

	c1, c2 := &listing{}, &listing{}
	ts.NoError(ts.im.GetByFunc(mockCtx, "list", c1, func() (interface{}, error) { return loaded, nil }))
	ts.NoError(ts.im.GetByFunc(mockCtx, "list", c2, func() (interface{}, error) { return loaded, nil }))

	c1.Ids[0] = "changed"
	ts.Equal([]string{"a1", "a2"}, c2.Ids)
	ts.Equal([]string{"a1", "a2"}, loaded.Ids)
}

func (ts *testsuite) TestUndecodableEntryIsAMiss() {
	key := keys.RedisKey(ts.im.pfx, "key")
	ts.NoError(ts.cache.Set(mockCtx, key, []byte("{"), time.Minute))

	ts.Equal(ErrNotFound, ts.im.Get(mockCtx, "key", &value{}))

	_, _, err := ts.cache.Get(mockCtx, key)
	ts.Equal(provider.ErrNotFound, err)
}

func (ts *testsuite) TestDelDuringLoadKeepsStaleValueOut() {
	var (
		started = make(chan struct{})
		release = make(chan struct{})
		done    = make(chan error, 1)
	)

	go func() {
		done <- ts.im.GetByFunc(mockCtx, "key", &value{}, func() (interface{}, error) {
			close(started)
			<-release
			return &value{"old"}, nil
		})
	}()
	<-started

	ts.NoError(ts.im.Del(mockCtx, "key"))

	// readers after the delete do not join the running load
	fresh := &value{}
	ts.NoError(ts.im.GetByFunc(mockCtx, "key", fresh, func() (interface{}, error) {
		return &value{"new"}, nil
	}))
	ts.Equal("new", fresh.Value)

	close(release)
	ts.NoError(<-done)

	c := &value{}
	ts.NoError(ts.im.Get(mockCtx, "key", c))
	ts.Equal("new", c.Value)
}

func (ts *testsuite) TestDelDuringLoadAlone() {
	var (
		started = make(chan struct{})
		release = make(chan struct{})
		done    = make(chan error, 1)
	)

	go func() {
		done <- ts.im.GetByFunc(mockCtx, "key", &value{}, func() (interface{}, error) {
			close(started)
			<-release
			return &value{"old"}, nil
		})
	}()
	<-started
	ts.NoError(ts.im.Del(mockCtx, "key"))
	close(release)
	ts.NoError(<-done)

	ts.Equal(ErrNotFound, ts.im.Get(mockCtx, "key", &value{}))
}
