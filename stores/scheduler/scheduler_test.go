package scheduler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/x-xyz/bidengine/base/clock"
	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/domain/auction"
	"github.com/x-xyz/bidengine/domain/bid"
	sBalance "github.com/x-xyz/bidengine/service/balance"
	"github.com/x-xyz/bidengine/stores/auction/repository"
	"github.com/x-xyz/bidengine/stores/auction/usecase"
)

var (
	mockCtx   = ctx.Background()
	testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	clk      *clock.Manual
	auctions auction.Repo
	bids     bid.Repo
	uc       auction.UseCase
	s        *Scheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	f := &fixture{
		clk:      clock.NewManual(testStart),
		auctions: repository.NewAuctionMemory(),
		bids:     repository.NewBidMemory(),
	}
	if cfg.Clock == nil {
		cfg.Clock = f.clk.Now
	}
	f.s = New(cfg)
	f.uc = usecase.New(&usecase.AuctionUseCaseCfg{
		AuctionRepo: f.auctions,
		BidRepo:     f.bids,
		Balance:     sBalance.NewStatic(nil, decimal.NewFromInt(1000)),
		Timer:       f.s,
		Clock:       cfg.Clock,
	})
	t.Cleanup(f.s.Stop)
	return f
}

// attach hands the use case over without starting the sweep loop
func (f *fixture) attach(uc auction.UseCase) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.uc = uc
	f.s.base = mockCtx
}

func (f *fixture) seed(t *testing.T, opts ...func(a *auction.Auction)) *auction.Auction {
	a := &auction.Auction{
		Id:            uuid.New().String(),
		SellerId:      "seller",
		Title:         "lot",
		StartingPrice: decimal.NewFromInt(10),
		CurrentPrice:  decimal.NewFromInt(10),
		BidIncrement:  decimal.NewFromInt(1),
		StartTime:     testStart.Add(-time.Hour),
		EndTime:       testStart.Add(time.Hour),
		Status:        auction.StatusActive,
		WatcherIds:    []string{},
	}
	for _, opt := range opts {
		opt(a)
	}
	require.NoError(t, f.auctions.Insert(mockCtx, a))
	return a
}

func (f *fixture) get(t *testing.T, id string) *auction.Auction {
	a, err := f.auctions.FindOne(mockCtx, id)
	require.NoError(t, err)
	return a
}

func TestTick(t *testing.T) {
	f := newFixture(t, Config{})
	f.attach(f.uc)

	due := f.seed(t, func(a *auction.Auction) {
		a.Status = auction.StatusScheduled
		a.StartTime = testStart.Add(-time.Minute)
	})
	future := f.seed(t, func(a *auction.Auction) {
		a.Status = auction.StatusScheduled
		a.StartTime = testStart.Add(10 * time.Minute)
		a.EndTime = testStart.Add(2 * time.Hour)
	})
	elapsed := f.seed(t, func(a *auction.Auction) {
		a.Status = auction.StatusScheduled
		a.StartTime = testStart.Add(-2 * time.Hour)
		a.EndTime = testStart.Add(-time.Hour)
	})
	expired := f.seed(t, func(a *auction.Auction) {
		a.EndTime = testStart.Add(time.Minute)
	})
	open := f.seed(t)
	unannounced := f.seed(t, func(a *auction.Auction) {
		a.Status = auction.StatusEnded
		a.EndTime = testStart.Add(-time.Minute)
	})
	_, err := f.uc.PlaceBid(mockCtx, auction.PlaceBidRequest{AuctionId: expired.Id, BidderId: "b1", Amount: decimal.NewFromInt(11)})
	require.NoError(t, err)

	f.clk.Advance(2 * time.Minute)
	report := f.s.Tick(mockCtx)
	require.Equal(t, Report{Activated: 2, Closed: 2, Resumed: 1}, report)

	require.Equal(t, auction.StatusActive, f.get(t, due.Id).Status)
	require.Equal(t, auction.StatusScheduled, f.get(t, future.Id).Status)
	require.Equal(t, auction.StatusEnded, f.get(t, elapsed.Id).Status)
	require.Equal(t, auction.StatusActive, f.get(t, open.Id).Status)
	require.True(t, f.get(t, unannounced.Id).CloseNotified)

	closed := f.get(t, expired.Id)
	require.Equal(t, auction.StatusEnded, closed.Status)
	require.Equal(t, "b1", *closed.WinnerId)
	require.True(t, closed.CloseNotified)

	// everything due was handled
	require.Equal(t, Report{}, f.s.Tick(mockCtx))
}

func TestTickAfterBidClosedAuction(t *testing.T) {
	f := newFixture(t, Config{})
	f.attach(f.uc)
	a := f.seed(t)
	_, err := f.uc.PlaceBid(mockCtx, auction.PlaceBidRequest{AuctionId: a.Id, BidderId: "b1", Amount: decimal.NewFromInt(11)})
	require.NoError(t, err)

	f.clk.Advance(2 * time.Hour)
	_, err = f.uc.PlaceBid(mockCtx, auction.PlaceBidRequest{AuctionId: a.Id, BidderId: "b2", Amount: decimal.NewFromInt(12)})
	require.ErrorIs(t, err, auction.ErrAuctionEnded)
	closed := f.get(t, a.Id)

	require.Equal(t, Report{}, f.s.Tick(mockCtx))
	again := f.get(t, a.Id)
	require.Equal(t, closed.Version, again.Version)
	require.Equal(t, closed.EndedAt, again.EndedAt)
}

func TestTickReconciles(t *testing.T) {
	f := newFixture(t, Config{})
	f.attach(f.uc)

	b := &bid.Bid{
		Id:          bid.NewId("a1", "b1", "r1"),
		RequestId:   "r1",
		AuctionId:   "a1",
		BidderId:    "b1",
		Sequence:    1,
		Amount:      decimal.NewFromInt(11),
		PlacedAt:    testStart,
		Disposition: bid.DispositionWinning,
	}
	a := f.seed(t, func(a *auction.Auction) {
		a.Id = "a1"
		a.TotalBids = 1
		a.UniqueBidderCount = 1
		a.SetWinner(b)
		a.LastBid = b
		a.LedgerPending = true
	})

	require.Equal(t, Report{Reconciled: 1}, f.s.Tick(mockCtx))
	require.False(t, f.get(t, a.Id).LedgerPending)
	inserted, err := f.bids.FindOne(mockCtx, b.Id)
	require.NoError(t, err)
	require.Equal(t, bid.DispositionWinning, inserted.Disposition)
}

// flakyUseCase fails the steps of the auctions in fail
type flakyUseCase struct {
	auction.UseCase
	mu     sync.Mutex
	fail   map[string]bool
	closed []string
}

func (f *flakyUseCase) Close(c ctx.Ctx, id string) (*auction.Auction, error) {
	if f.fail[id] {
		return nil, auction.ErrStoreUnavailable.With(errors.New("timeout"))
	}
	a, err := f.UseCase.Close(c, id)
	if err == nil {
		f.mu.Lock()
		f.closed = append(f.closed, id)
		f.mu.Unlock()
	}
	return a, err
}

func TestTickIsolatesFailures(t *testing.T) {
	f := newFixture(t, Config{Workers: 2})
	bad := f.seed(t, func(a *auction.Auction) {
		a.EndTime = testStart.Add(time.Minute)
	})
	good := []string{}
	for i := 0; i < 4; i++ {
		a := f.seed(t, func(a *auction.Auction) {
			a.EndTime = testStart.Add(time.Minute)
		})
		good = append(good, a.Id)
	}
	flaky := &flakyUseCase{UseCase: f.uc, fail: map[string]bool{bad.Id: true}}
	f.attach(flaky)

	f.clk.Advance(2 * time.Minute)
	require.Equal(t, Report{Closed: 4, Failed: 1}, f.s.Tick(mockCtx))
	require.ElementsMatch(t, good, flaky.closed)
	require.Equal(t, auction.StatusActive, f.get(t, bad.Id).Status)

	// retried on the next tick
	delete(flaky.fail, bad.Id)
	require.Equal(t, Report{Closed: 1}, f.s.Tick(mockCtx))
	require.Equal(t, auction.StatusEnded, f.get(t, bad.Id).Status)
}

func TestTickBeforeStart(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, func(a *auction.Auction) {
		a.EndTime = testStart
	})
	require.Equal(t, Report{}, f.s.Tick(mockCtx))
}

func TestArm(t *testing.T) {
	f := newFixture(t, Config{Timers: true})
	a := f.seed(t, func(a *auction.Auction) {
		a.Status = auction.StatusScheduled
		a.StartTime = testStart.Add(time.Hour)
		a.EndTime = testStart.Add(2 * time.Hour)
	})

	f.s.Arm(mockCtx, a)
	at, ok := f.s.armed(a.Id)
	require.True(t, ok)
	require.Equal(t, a.StartTime, at)

	a.Status = auction.StatusActive
	f.s.Arm(mockCtx, a)
	at, ok = f.s.armed(a.Id)
	require.True(t, ok)
	require.Equal(t, a.EndTime, at)

	a.Status = auction.StatusEnded
	f.s.Arm(mockCtx, a)
	_, ok = f.s.armed(a.Id)
	require.False(t, ok)

	off := newFixture(t, Config{})
	off.s.Arm(mockCtx, a)
	_, ok = off.s.armed(a.Id)
	require.False(t, ok)
}

func TestTimerCloses(t *testing.T) {
	f := newFixture(t, Config{Timers: true, Interval: time.Hour, Clock: clock.System})
	now := time.Now()
	a := f.seed(t, func(a *auction.Auction) {
		a.StartTime = now.Add(-time.Minute)
		a.EndTime = now.Add(50 * time.Millisecond)
	})
	f.s.Start(mockCtx, f.uc)
	f.s.Arm(mockCtx, a)

	require.Eventually(t, func() bool {
		return f.get(t, a.Id).Status == auction.StatusEnded
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := f.s.armed(a.Id)
	require.False(t, ok)
}

func TestStop(t *testing.T) {
	f := newFixture(t, Config{Timers: true})
	a := f.seed(t)
	f.s.Arm(mockCtx, a)

	// stopping a scheduler that never started returns at once
	f.s.Stop()
	_, ok := f.s.armed(a.Id)
	require.False(t, ok)

	f.s.Arm(mockCtx, a)
	_, ok = f.s.armed(a.Id)
	require.False(t, ok)
	f.s.Stop()
}
