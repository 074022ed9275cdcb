package balance

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"

	bCtx "github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/log"
	"github.com/x-xyz/bidengine/domain/balance"
	"github.com/x-xyz/bidengine/service/cache"
	"github.com/x-xyz/bidengine/service/cache/provider/primitive"
)

// NewClient asks the identity service for spendable balances
func NewClient(cfg *ClientCfg) balance.Provider {
	c := &client{
		client:  cfg.HttpClient,
		baseUrl: cfg.BaseUrl,
		timeout: cfg.Timeout,
	}
	if cfg.CacheTtl > 0 {
		c.cache = cache.New(cache.ServiceConfig{
			Ttl:   cfg.CacheTtl,
			Pfx:   "balance_cache",
			Cache: primitive.NewPrimitive("balance_cache", 4),
		})
	}
	return c
}

type client struct {
	client  http.Client
	baseUrl string
	timeout time.Duration
	cache   cache.Service
}

func (c *client) GetBalance(ctx bCtx.Ctx, userId string) (decimal.Decimal, error) {
	if c.cache == nil {
		return c.getBalance(ctx, userId)
	}

	var res Balance
	if err := c.cache.GetByFunc(ctx, userId, &res, func() (interface{}, error) {
		amount, err := c.getBalance(ctx, userId)
		if err != nil {
			return nil, err
		}
		return &Balance{UserId: userId, Available: amount}, nil
	}); err != nil {
		return decimal.Zero, err
	}
	return res.Available, nil
}

func (c *client) getBalance(ctx bCtx.Ctx, userId string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/users/%s/balance", c.baseUrl, url.PathEscape(userId))
	data, status, err := c.get(ctx, url)
	if err != nil {
		return decimal.Zero, xerrors.Errorf("get balance of %s: %w", userId, balance.ErrUnavailable)
	}
	if status == http.StatusNotFound {
		// unknown users have nothing to spend
		return decimal.Zero, nil
	}
	if status != http.StatusOK {
		ctx.WithFields(log.Fields{
			"url":        url,
			"statusCode": status,
		}).Error("resp.StatusCode != 200")
		return decimal.Zero, xerrors.Errorf("get balance of %s: %v: %w", userId, ErrStatusCodeNotOk, balance.ErrUnavailable)
	}

	resp := &Balance{}
	if err := json.Unmarshal(data, resp); err != nil {
		ctx.WithField("err", err).Error("json.Unmarshal failed")
		return decimal.Zero, xerrors.Errorf("decode balance of %s: %w", userId, balance.ErrUnavailable)
	}
	return resp.Available, nil
}

func (c *client) get(ctx bCtx.Ctx, url string) ([]byte, int, error) {
	tCtx, cancel := bCtx.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(tCtx, http.MethodGet, url, nil)
	if err != nil {
		ctx.WithFields(log.Fields{
			"url": url,
			"err": err,
		}).Error("http.NewRequest failed")
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		ctx.WithFields(log.Fields{
			"url": url,
			"err": err,
		}).Error("client.Do failed")
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		ctx.WithFields(log.Fields{
			"url": url,
			"err": err,
		}).Error("failed to read body")
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}
