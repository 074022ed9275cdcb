package usecase

import (
	"github.com/shopspring/decimal"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/log"
	"github.com/x-xyz/bidengine/domain"
	"github.com/x-xyz/bidengine/domain/auction"
	"github.com/x-xyz/bidengine/domain/bid"
)

// proxyStanding is the standing instruction of a bidder to outbid others up
// to ceiling
type proxyStanding struct {
	bidderId string
	ceiling  decimal.Decimal
	// since is the sequence of the bid that set the ceiling, earlier wins ties
	since int64
}

func (p *proxyStanding) outranks(o *proxyStanding) bool {
	if p.ceiling.Equal(o.ceiling) {
		return p.since < o.since
	}
	return p.ceiling.GreaterThan(o.ceiling)
}

// proxyStandings derives the live proxy of every bidder from the ledger in
// sequence order. A bidder's latest bid decides: a proxy bid keeps or sets the
// ceiling, a plain bid or a cancellation withdraws it.
func proxyStandings(bids []*bid.Bid) map[string]*proxyStanding {
	res := map[string]*proxyStanding{}
	for _, b := range bids {
		if !b.Disposition.Counts() {
			delete(res, b.BidderId)
			continue
		}
		if !b.IsProxy {
			delete(res, b.BidderId)
			continue
		}
		ceiling := b.Ceiling()
		if s, ok := res[b.BidderId]; ok && s.ceiling.Equal(ceiling) {
			continue
		}
		res[b.BidderId] = &proxyStanding{bidderId: b.BidderId, ceiling: ceiling, since: b.Sequence}
	}
	return res
}

// nextProxyBid finds the automatic bid the current state calls for, if any.
//
// The strongest challenger is the best ranked proxy of anyone but the leader
// that can still reach the minimum next bid. A challenger outranking the
// leader's own proxy takes the lead just above the leader's ceiling. Otherwise
// the leader answers just above the challenger's ceiling. Either way the
// price jumps to where alternating single increments would have stopped.
func nextProxyBid(a *auction.Auction, standings map[string]*proxyStanding, skip map[string]bool) (bidInput, bool) {
	minNext := a.MinimumNextBid()

	var leader *proxyStanding
	leaderCeiling := a.CurrentPrice
	if a.WinnerId != nil && !skip[*a.WinnerId] {
		if s, ok := standings[*a.WinnerId]; ok && s.ceiling.GreaterThan(a.CurrentPrice) {
			leader = s
			leaderCeiling = s.ceiling
		}
	}

	var challenger *proxyStanding
	for _, s := range standings {
		if a.WinnerId != nil && s.bidderId == *a.WinnerId {
			continue
		}
		if skip[s.bidderId] || s.bidderId == a.SellerId || s.ceiling.LessThan(minNext) {
			continue
		}
		if challenger == nil || s.outranks(challenger) {
			challenger = s
		}
	}
	if challenger == nil {
		return bidInput{}, false
	}

	if leader == nil || challenger.outranks(leader) {
		amount := decimal.Max(minNext, decimal.Min(challenger.ceiling, leaderCeiling.Add(a.BidIncrement)))
		return autoBid(challenger, amount), true
	}
	amount := decimal.Min(leader.ceiling, challenger.ceiling.Add(a.BidIncrement))
	return autoBid(leader, amount), true
}

func autoBid(s *proxyStanding, amount decimal.Decimal) bidInput {
	ceiling := s.ceiling
	return bidInput{
		bidderId: s.bidderId,
		amount:   amount,
		isProxy:  true,
		ceiling:  &ceiling,
		isAuto:   true,
	}
}

// runCascadeLocked places automatic bids for competing proxies until none of
// them can improve on the current price. Each automatic bid goes through the
// full accept path. Proxies whose bidder cannot cover the next amount are
// skipped for the rest of the cascade. The cascade never fails the request
// that triggered it.
func (im *impl) runCascadeLocked(c ctx.Ctx, a *auction.Auction) {
	steps := 0
	defer func() {
		im.met.BumpHistogram("cascade.steps", float64(steps))
	}()

	skip := map[string]bool{}
	for i := 0; i < im.cfg.MaxCascadeSteps; i++ {
		if a.LedgerPending || a.Status != auction.StatusActive || !im.now().Before(a.EndTime) {
			return
		}

		bids, err := im.bidRepo.FindAll(c, bid.WithAuctionId(a.Id))
		if err != nil {
			c.WithField("err", err).Error("bidRepo.FindAll failed, cascade stopped")
			return
		}
		in, ok := nextProxyBid(a, proxyStandings(bids), skip)
		if !ok {
			return
		}

		_, err = im.acceptLocked(c, a, in)
		switch {
		case err == nil:
			steps++
		case isBalanceSkip(err):
			c.WithFields(log.Fields{"err": err, "proxyBidderId": in.bidderId}).Info("proxy skipped")
			skip[in.bidderId] = true
		case err == domain.ErrConflict:
			fresh, err := im.load(c, a.Id)
			if err != nil {
				c.WithField("err", err).Error("reload failed, cascade stopped")
				return
			}
			*a = *fresh
		default:
			c.WithFields(log.Fields{"err": err, "proxyBidderId": in.bidderId}).Error("automatic bid failed, cascade stopped")
			return
		}
	}
	c.Warn("cascade step limit reached")
}
