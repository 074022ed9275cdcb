package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/x-xyz/bidengine/base/clock"
	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/delivery"
	"github.com/x-xyz/bidengine/domain"
	"github.com/x-xyz/bidengine/domain/auction"
	"github.com/x-xyz/bidengine/domain/bid"
	"github.com/x-xyz/bidengine/middleware"
	"github.com/x-xyz/bidengine/service/cache/provider"
	authMiddleware "github.com/x-xyz/bidengine/stores/auth/delivery/http/middleware"
)

const defaultListLimit = 50

type Config struct {
	RedactBidder bool
	Clock        clock.Clock
	// ListCache serves repeated listings for ListCacheTtl when set
	ListCache    provider.Provider
	ListCacheTtl time.Duration
	// BidRate and BidBurst bound the bids one user may submit per second
	BidRate  float64
	BidBurst int
}

type handler struct {
	uc     auction.UseCase
	redact bool
	now    clock.Clock
}

func New(e *echo.Echo, uc auction.UseCase, am *authMiddleware.AuthMiddleware, cfg Config) {
	if cfg.Clock == nil {
		cfg.Clock = clock.System
	}
	if cfg.BidRate <= 0 {
		cfg.BidRate = 5
	}
	if cfg.BidBurst <= 0 {
		cfg.BidBurst = 10
	}
	h := &handler{
		uc:     uc,
		redact: cfg.RedactBidder,
		now:    cfg.Clock,
	}
	bidLimit := middleware.RateLimit(cfg.BidRate, cfg.BidBurst, 10*time.Minute)

	gs := e.Group("/auctions")

	if cfg.ListCache != nil {
		gs.GET("", h.getAll, middleware.CacheHttp(cfg.ListCache, cfg.ListCacheTtl))
	} else {
		gs.GET("", h.getAll)
	}

	gs.POST("", h.create, am.Auth())

	g := e.Group("/auctions/:id")

	g.GET("", h.get, am.OptionalAuth())

	g.PATCH("", h.update, am.Auth())

	g.DELETE("", h.delete, am.Auth())

	g.POST("/schedule", h.schedule, am.Auth())

	g.POST("/cancel", h.cancel, am.Auth())

	g.POST("/watch", h.watch, am.Auth())

	g.DELETE("/watch", h.unwatch, am.Auth())

	g.GET("/snapshot", h.getSnapshot)

	g.GET("/bids", h.getBids)

	g.POST("/bids", h.placeBid, am.Auth(), bidLimit)

	g.POST("/buy-now", h.buyNow, am.Auth(), bidLimit)

	g.DELETE("/bids/:bidId", h.cancelBid, am.Auth())
}

type listParams struct {
	Status   string `query:"status"`
	SellerId string `query:"sellerId"`
	SortBy   string `query:"sortBy"`
	SortDir  string `query:"sortDir"`
	Offset   int32  `query:"offset"`
	Limit    int32  `query:"limit"`
}

type listResult struct {
	Items []*auction.PublicAuction `json:"items"`
	Count int                      `json:"count"`
}

func (h *handler) getAll(c echo.Context) error {
	ctx := c.Get("ctx").(ctx.Ctx)

	p := &listParams{}

	if err := c.Bind(p); err != nil {
		return delivery.MakeJsonResp(c, http.StatusBadRequest, "invalid params")
	}

	filters := []auction.FindAllOptionsFunc{}
	if p.Status != "" {
		statuses := []auction.Status{}
		for _, s := range strings.Split(p.Status, ",") {
			statuses = append(statuses, auction.Status(strings.TrimSpace(s)))
		}
		filters = append(filters, auction.WithStatus(statuses...))
	}
	if p.SellerId != "" {
		filters = append(filters, auction.WithSellerId(p.SellerId))
	}

	sortBy, sortDir := "endTime", domain.SortDirAsc
	if p.SortBy != "" {
		sortBy = p.SortBy
	}
	if p.SortDir == "desc" {
		sortDir = domain.SortDirDesc
	}
	if p.Limit == 0 || p.Limit > 500 {
		p.Limit = defaultListLimit
	}
	opts := append([]auction.FindAllOptionsFunc{
		auction.WithSort(sortBy, sortDir),
		auction.WithPagination(p.Offset, p.Limit),
	}, filters...)

	as, err := h.uc.FindAll(ctx, opts...)
	if err != nil {
		ctx.WithField("err", err).Error("uc.FindAll failed")
		return delivery.MakeJsonResp(c, http.StatusInternalServerError, err)
	}
	count, err := h.uc.Count(ctx, filters...)
	if err != nil {
		ctx.WithField("err", err).Error("uc.Count failed")
		return delivery.MakeJsonResp(c, http.StatusInternalServerError, err)
	}

	now := h.now()
	res := listResult{Items: make([]*auction.PublicAuction, 0, len(as)), Count: count}
	for _, a := range as {
		res.Items = append(res.Items, a.Public(now, h.redact))
	}
	return delivery.MakeJsonResp(c, http.StatusOK, res)
}

func (h *handler) get(c echo.Context) error {
	ctx := c.Get("ctx").(ctx.Ctx)

	a, err := h.uc.FindOne(ctx, c.Param("id"))
	if err != nil {
		return delivery.MakeJsonResp(c, http.StatusInternalServerError, err)
	}

	// the seller sees the reserve and the watchers
	if p, ok := authMiddleware.Principal(c); ok && (p.UserId == a.SellerId || p.IsAdmin) {
		return delivery.MakeJsonResp(c, http.StatusOK, a)
	}
	return delivery.MakeJsonResp(c, http.StatusOK, a.Public(h.now(), h.redact))
}

func (h *handler) create(c echo.Context) error {
	ctx := c.Get("ctx").(ctx.Ctx)
	p, _ := authMiddleware.Principal(c)

	req := auction.CreateRequest{}
	if err := c.Bind(&req); err != nil {
		ctx.WithField("err", err).Warn("bind failed")
		return delivery.MakeJsonResp(c, http.StatusBadRequest, "invalid body")
	}
	if err := c.Validate(&req); err != nil {
		return delivery.MakeJsonResp(c, http.StatusBadRequest, err.Error())
	}
	req.SellerId = p.UserId

	a, err := h.uc.Create(ctx, req)
	if err != nil {
		return delivery.MakeJsonResp(c, http.StatusInternalServerError, err)
	}
	return delivery.MakeJsonResp(c, http.StatusCreated, a)
}

func (h *handler) update(c echo.Context) error {
	ctx := c.Get("ctx").(ctx.Ctx)
	p, _ := authMiddleware.Principal(c)

	req := auction.UpdateRequest{}
	if err := c.Bind(&req); err != nil {
		ctx.WithField("err", err).Warn("bind failed")
		return delivery.MakeJsonResp(c, http.StatusBadRequest, "invalid body")
	}
	if err := c.Validate(&req); err != nil {
		return delivery.MakeJsonResp(c, http.StatusBadRequest, err.Error())
	}

	a, err := h.uc.Update(ctx, c.Param("id"), p, req)
	if err != nil {
		return delivery.MakeJsonResp(c, http.StatusInternalServerError, err)
	}
	return delivery.MakeJsonResp(c, http.StatusOK, a)
}

func (h *handler) schedule(c echo.Context) error {
	ctx := c.Get("ctx").(ctx.Ctx)
	p, _ := authMiddleware.Principal(c)

	a, err := h.uc.Schedule(ctx, c.Param("id"), p)
	if err != nil {
		return delivery.MakeJsonResp(c, http.StatusInternalServerError, err)
	}
	return delivery.MakeJsonResp(c, http.StatusOK, a)
}

func (h *handler) cancel(c echo.Context) error {
	ctx := c.Get("ctx").(ctx.Ctx)
	p, _ := authMiddleware.Principal(c)

	a, err := h.uc.Cancel(ctx, c.Param("id"), p)
	if err != nil {
		return delivery.MakeJsonResp(c, http.StatusInternalServerError, err)
	}
	return delivery.MakeJsonResp(c, http.StatusOK, a)
}

func (h *handler) delete(c echo.Context) error {
	ctx := c.Get("ctx").(ctx.Ctx)
	p, _ := authMiddleware.Principal(c)

	if err := h.uc.Delete(ctx, c.Param("id"), p); err != nil {
		return delivery.MakeJsonResp(c, http.StatusInternalServerError, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handler) watch(c echo.Context) error {
	ctx := c.Get("ctx").(ctx.Ctx)
	p, _ := authMiddleware.Principal(c)

	a, err := h.uc.Watch(ctx, c.Param("id"), p.UserId)
	if err != nil {
		return delivery.MakeJsonResp(c, http.StatusInternalServerError, err)
	}
	return delivery.MakeJsonResp(c, http.StatusOK, a.Public(h.now(), h.redact))
}

func (h *handler) unwatch(c echo.Context) error {
	ctx := c.Get("ctx").(ctx.Ctx)
	p, _ := authMiddleware.Principal(c)

	a, err := h.uc.Unwatch(ctx, c.Param("id"), p.UserId)
	if err != nil {
		return delivery.MakeJsonResp(c, http.StatusInternalServerError, err)
	}
	return delivery.MakeJsonResp(c, http.StatusOK, a.Public(h.now(), h.redact))
}

func (h *handler) getSnapshot(c echo.Context) error {
	ctx := c.Get("ctx").(ctx.Ctx)

	snap, err := h.uc.Snapshot(ctx, c.Param("id"))
	if err != nil {
		return delivery.MakeJsonResp(c, http.StatusInternalServerError, err)
	}
	return delivery.MakeJsonResp(c, http.StatusOK, snap)
}

func (h *handler) getBids(c echo.Context) error {
	ctx := c.Get("ctx").(ctx.Ctx)

	limit := 0
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return delivery.MakeJsonResp(c, http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	bids, err := h.uc.BidHistory(ctx, c.Param("id"), limit)
	if err != nil {
		return delivery.MakeJsonResp(c, http.StatusInternalServerError, err)
	}
	res := make([]*bid.PublicBid, 0, len(bids))
	for _, b := range bids {
		res = append(res, b.Public(h.redact))
	}
	return delivery.MakeJsonResp(c, http.StatusOK, res)
}

// bidResp answers a bid request. A rejected bid still carries the auction's
// current price so the client can retry with a sensible amount.
func bidResp(c echo.Context, res *auction.BidResult, err error) error {
	if err != nil {
		status := delivery.StatusOf(err, http.StatusInternalServerError)
		if res == nil {
			return delivery.MakeJsonResp(c, status, err)
		}
		return delivery.MakeJsonResp(c, status, res)
	}
	if res.Replayed {
		return delivery.MakeJsonResp(c, http.StatusOK, res)
	}
	return delivery.MakeJsonResp(c, http.StatusCreated, res)
}

func (h *handler) placeBid(c echo.Context) error {
	ctx := c.Get("ctx").(ctx.Ctx)
	p, _ := authMiddleware.Principal(c)

	req := auction.PlaceBidRequest{}
	if err := c.Bind(&req); err != nil {
		ctx.WithField("err", err).Warn("bind failed")
		return delivery.MakeJsonResp(c, http.StatusBadRequest, "invalid body")
	}
	if err := c.Validate(&req); err != nil {
		if !req.Amount.IsPositive() {
			return delivery.MakeJsonResp(c, http.StatusBadRequest, auction.ErrInvalidAmount)
		}
		return delivery.MakeJsonResp(c, http.StatusBadRequest, auction.ErrInvalidRequest)
	}
	req.AuctionId = c.Param("id")
	req.BidderId = p.UserId

	res, err := h.uc.PlaceBid(ctx, req)
	return bidResp(c, res, err)
}

func (h *handler) buyNow(c echo.Context) error {
	ctx := c.Get("ctx").(ctx.Ctx)
	p, _ := authMiddleware.Principal(c)

	req := auction.BuyNowRequest{}
	if err := c.Bind(&req); err != nil {
		ctx.WithField("err", err).Warn("bind failed")
		return delivery.MakeJsonResp(c, http.StatusBadRequest, "invalid body")
	}
	if err := c.Validate(&req); err != nil {
		return delivery.MakeJsonResp(c, http.StatusBadRequest, auction.ErrInvalidRequest)
	}
	req.AuctionId = c.Param("id")
	req.BidderId = p.UserId

	res, err := h.uc.BuyNow(ctx, req)
	return bidResp(c, res, err)
}

func (h *handler) cancelBid(c echo.Context) error {
	ctx := c.Get("ctx").(ctx.Ctx)
	p, _ := authMiddleware.Principal(c)

	a, err := h.uc.CancelBid(ctx, c.Param("id"), c.Param("bidId"), p.UserId)
	if err != nil {
		return delivery.MakeJsonResp(c, http.StatusInternalServerError, err)
	}
	return delivery.MakeJsonResp(c, http.StatusOK, a.Public(h.now(), h.redact))
}
