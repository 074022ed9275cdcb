package usecase

import (
	"testing"
	"time"

	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/x-xyz/bidengine/base/ptr"
	"github.com/x-xyz/bidengine/domain/auction"
	"github.com/x-xyz/bidengine/domain/bid"
)

func ledgerBid(seq int64, bidder string, amount, ceiling int64, d bid.Disposition) *bid.Bid {
	b := &bid.Bid{
		Id:          bidder + "-" + decimal.NewFromInt(seq).String(),
		BidderId:    bidder,
		Sequence:    seq,
		Amount:      decimal.NewFromInt(amount),
		Disposition: d,
	}
	if ceiling > 0 {
		b.IsProxy = true
		b.ProxyCeiling = ptr.Decimal(decimal.NewFromInt(ceiling))
	}
	return b
}

func TestProxyStandings(t *testing.T) {
	bids := []*bid.Bid{
		ledgerBid(1, "b1", 11, 50, bid.DispositionOutbid),
		ledgerBid(2, "b2", 12, 30, bid.DispositionOutbid),
		ledgerBid(3, "b1", 31, 50, bid.DispositionWinning),
		ledgerBid(4, "b3", 32, 40, bid.DispositionCancelled),
		ledgerBid(5, "b4", 20, 25, bid.DispositionOutbid),
		ledgerBid(6, "b4", 21, 0, bid.DispositionOutbid),
		ledgerBid(7, "b2", 13, 35, bid.DispositionOutbid),
	}
	got := proxyStandings(bids)

	check.Equal(t, 2, len(got))
	check.Equal(t, "50", got["b1"].ceiling.String())
	check.Equal(t, int64(1), got["b1"].since)
	check.Equal(t, "35", got["b2"].ceiling.String())
	check.Equal(t, int64(7), got["b2"].since)
	check.True(t, got["b3"] == nil)
	check.True(t, got["b4"] == nil)
}

func TestNextProxyBid(t *testing.T) {
	standing := func(bidder string, ceiling, since int64) *proxyStanding {
		return &proxyStanding{bidderId: bidder, ceiling: decimal.NewFromInt(ceiling), since: since}
	}

	cases := []struct {
		name       string
		price      int64
		winner     string
		standings  []*proxyStanding
		skip       []string
		wantOk     bool
		wantBidder string
		wantAmount string
	}{
		{
			name:       "challenger outranks leader",
			price:      12,
			winner:     "b2",
			standings:  []*proxyStanding{standing("b1", 50, 1), standing("b2", 30, 2)},
			wantOk:     true,
			wantBidder: "b1",
			wantAmount: "31",
		},
		{
			name:       "leader answers challenger",
			price:      12,
			winner:     "b1",
			standings:  []*proxyStanding{standing("b1", 50, 1), standing("b2", 30, 2)},
			wantOk:     true,
			wantBidder: "b1",
			wantAmount: "31",
		},
		{
			name:      "challenger cannot reach next bid",
			price:     31,
			winner:    "b1",
			standings: []*proxyStanding{standing("b1", 50, 1), standing("b2", 30, 2)},
		},
		{
			name:       "equal ceilings go to the earlier proxy",
			price:      12,
			winner:     "b2",
			standings:  []*proxyStanding{standing("b1", 50, 1), standing("b2", 50, 2)},
			wantOk:     true,
			wantBidder: "b1",
			wantAmount: "50",
		},
		{
			name:       "plain leader is outbid by one increment",
			price:      20,
			winner:     "b3",
			standings:  []*proxyStanding{standing("b1", 50, 1)},
			wantOk:     true,
			wantBidder: "b1",
			wantAmount: "21",
		},
		{
			name:      "skipped challenger",
			price:     20,
			winner:    "b3",
			standings: []*proxyStanding{standing("b1", 50, 1)},
			skip:      []string{"b1"},
		},
		{
			name:       "skipped leader no longer defends",
			price:      12,
			winner:     "b1",
			standings:  []*proxyStanding{standing("b1", 50, 1), standing("b2", 30, 2)},
			skip:       []string{"b1"},
			wantOk:     true,
			wantBidder: "b2",
			wantAmount: "13",
		},
		{
			name:       "challenger capped at its own ceiling",
			price:      12,
			winner:     "b1",
			standings:  []*proxyStanding{standing("b1", 20, 1), standing("b2", 15, 2), standing("b3", 18, 3)},
			wantOk:     true,
			wantBidder: "b1",
			wantAmount: "19",
		},
	}

	for _, c := range cases {
		a := &auction.Auction{
			SellerId:     "seller",
			CurrentPrice: decimal.NewFromInt(c.price),
			BidIncrement: decimal.NewFromInt(1),
			WinnerId:     ptr.String(c.winner),
		}
		standings := map[string]*proxyStanding{}
		for _, s := range c.standings {
			standings[s.bidderId] = s
		}
		skip := map[string]bool{}
		for _, s := range c.skip {
			skip[s] = true
		}

		in, ok := nextProxyBid(a, standings, skip)
		check.Equal(t, c.wantOk, ok)
		if !ok {
			continue
		}
		check.Equal(t, c.wantBidder, in.bidderId)
		check.Equal(t, c.wantAmount, in.amount.String())
		check.True(t, in.isAuto)
		check.True(t, in.isProxy)
	}
}

func TestExtendLocked(t *testing.T) {
	now := testStart
	a := &auction.Auction{
		EndTime:                now.Add(3 * time.Second),
		ExtensionWindowSeconds: 300,
		ExtensionAmountSeconds: 120,
	}
	check.True(t, extendLocked(a, now))
	check.Equal(t, now.Add(120*time.Second), a.EndTime)

	// a later bid outside the window leaves the end alone
	a.EndTime = now.Add(600 * time.Second)
	check.False(t, extendLocked(a, now))
	check.Equal(t, now.Add(600*time.Second), a.EndTime)

	// extending never shortens
	a.EndTime = now.Add(200 * time.Second)
	a.ExtensionAmountSeconds = 60
	check.False(t, extendLocked(a, now))
	check.Equal(t, now.Add(200*time.Second), a.EndTime)

	a.ExtensionWindowSeconds = 0
	a.EndTime = now.Add(time.Second)
	check.False(t, extendLocked(a, now))
}
