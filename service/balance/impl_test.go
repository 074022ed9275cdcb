package balance

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	bCtx "github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/domain/balance"
)

func newServer(t *testing.T, hits *int32) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		switch r.URL.Path {
		case "/users/alice/balance":
			w.Write([]byte(`{"userId":"alice","available":"250.75"}`))
		case "/users/broken/balance":
			w.WriteHeader(http.StatusBadGateway)
		case "/users/garbled/balance":
			w.Write([]byte(`{"available":`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func Test_GetBalance(t *testing.T) {
	req := require.New(t)
	var hits int32
	srv := newServer(t, &hits)
	c := NewClient(&ClientCfg{
		HttpClient: http.Client{},
		BaseUrl:    srv.URL,
		Timeout:    time.Second,
	})
	ctx := bCtx.Background()

	amount, err := c.GetBalance(ctx, "alice")
	req.NoError(err)
	req.True(decimal.RequireFromString("250.75").Equal(amount))

	amount, err = c.GetBalance(ctx, "nobody")
	req.NoError(err)
	req.True(amount.IsZero())

	_, err = c.GetBalance(ctx, "broken")
	req.True(errors.Is(err, balance.ErrUnavailable))

	_, err = c.GetBalance(ctx, "garbled")
	req.True(errors.Is(err, balance.ErrUnavailable))
}

func Test_GetBalanceUnreachable(t *testing.T) {
	c := NewClient(&ClientCfg{
		HttpClient: http.Client{},
		BaseUrl:    "http://127.0.0.1:1",
		Timeout:    100 * time.Millisecond,
	})
	_, err := c.GetBalance(bCtx.Background(), "alice")
	require.True(t, errors.Is(err, balance.ErrUnavailable))
}

func Test_GetBalanceCached(t *testing.T) {
	req := require.New(t)
	var hits int32
	srv := newServer(t, &hits)
	c := NewClient(&ClientCfg{
		HttpClient: http.Client{},
		BaseUrl:    srv.URL,
		Timeout:    time.Second,
		CacheTtl:   time.Minute,
	})
	ctx := bCtx.Background()

	for i := 0; i < 3; i++ {
		amount, err := c.GetBalance(ctx, "alice")
		req.NoError(err)
		req.True(decimal.RequireFromString("250.75").Equal(amount))
	}
	req.Equal(int32(1), atomic.LoadInt32(&hits))

	// failures are not cached
	_, err := c.GetBalance(ctx, "broken")
	req.Error(err)
	_, err = c.GetBalance(ctx, "broken")
	req.Error(err)
	req.Equal(int32(3), atomic.LoadInt32(&hits))
}

func Test_Static(t *testing.T) {
	req := require.New(t)
	s := NewStatic(map[string]decimal.Decimal{"alice": decimal.NewFromInt(10)}, decimal.NewFromInt(1000))
	ctx := bCtx.Background()

	amount, err := s.GetBalance(ctx, "alice")
	req.NoError(err)
	req.True(decimal.NewFromInt(10).Equal(amount))

	amount, err = s.GetBalance(ctx, "bob")
	req.NoError(err)
	req.True(decimal.NewFromInt(1000).Equal(amount))

	s.Set("bob", decimal.NewFromInt(3))
	amount, _ = s.GetBalance(ctx, "bob")
	req.True(decimal.NewFromInt(3).Equal(amount))
}
