package usecase

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/x-xyz/bidengine/base/backoff"
	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/log"
	"github.com/x-xyz/bidengine/domain"
	"github.com/x-xyz/bidengine/domain/auction"
	"github.com/x-xyz/bidengine/domain/bid"
	"github.com/x-xyz/bidengine/domain/eventstream"
)

// bidInput is one bid to run through the accept path
type bidInput struct {
	requestId string
	bidderId  string
	amount    decimal.Decimal
	isProxy   bool
	ceiling   *decimal.Decimal
	// isAuto marks bids placed by the cascade on behalf of a proxy
	isAuto   bool
	isBuyNow bool
}

func (im *impl) PlaceBid(c ctx.Ctx, req auction.PlaceBidRequest) (*auction.BidResult, error) {
	defer im.met.BumpTime("bid.accept.time").End()
	c = ctx.WithValues(c, map[string]interface{}{"auctionId": req.AuctionId, "bidderId": req.BidderId})

	in, err := bidInputOf(req)
	if err != nil {
		return im.rejected(c, nil, err), err
	}
	return im.submit(c, req.AuctionId, in)
}

func bidInputOf(req auction.PlaceBidRequest) (bidInput, error) {
	if req.AuctionId == "" || req.BidderId == "" {
		return bidInput{}, auction.ErrInvalidRequest
	}
	if !req.Amount.IsPositive() {
		return bidInput{}, auction.ErrInvalidAmount
	}
	in := bidInput{
		requestId: req.RequestId,
		bidderId:  req.BidderId,
		amount:    req.Amount,
		isProxy:   req.IsProxy,
	}
	if req.IsProxy {
		if req.ProxyCeiling == nil || req.ProxyCeiling.LessThan(req.Amount) {
			return bidInput{}, auction.ErrProxyCeilingTooLow
		}
		ceiling := *req.ProxyCeiling
		in.ceiling = &ceiling
	}
	return in, nil
}

func (im *impl) BuyNow(c ctx.Ctx, req auction.BuyNowRequest) (*auction.BidResult, error) {
	defer im.met.BumpTime("bid.buynow.time").End()
	c = ctx.WithValues(c, map[string]interface{}{"auctionId": req.AuctionId, "bidderId": req.BidderId})

	if req.AuctionId == "" || req.BidderId == "" {
		return im.rejected(c, nil, auction.ErrInvalidRequest), auction.ErrInvalidRequest
	}
	// the amount is taken from the auction once it is held
	return im.submit(c, req.AuctionId, bidInput{
		requestId: req.RequestId,
		bidderId:  req.BidderId,
		isBuyNow:  true,
	})
}

// submit runs a bid request under the auction's gate. The request is
// accepted at most once; its cascade and notifications run afterwards under
// the same hold and never fail the request.
func (im *impl) submit(c ctx.Ctx, auctionId string, in bidInput) (*auction.BidResult, error) {
	var (
		a        *auction.Auction
		b        *bid.Bid
		replayed bool
	)
	err := im.withGate(c, auctionId, func() error {
		err := im.retry(c, func() error {
			var err error
			b, replayed = nil, false
			if a, err = im.load(c, auctionId); err != nil {
				return err
			}
			if err := im.reconcileLocked(c, a); err != nil {
				return err
			}
			if b, err = im.findReplay(c, a, in); err != nil || b != nil {
				replayed = b != nil
				return err
			}
			if in.isBuyNow {
				if a.BuyNowPrice == nil || !a.CurrentPrice.LessThan(*a.BuyNowPrice) {
					return auction.ErrBuyNowUnavailable
				}
				in.amount = *a.BuyNowPrice
			}
			b, err = im.acceptLocked(c, a, in)
			return err
		})
		if err != nil || replayed {
			return err
		}

		if in.isBuyNow {
			if err := im.retry(c, func() error { return im.closeLocked(c, a) }); err != nil {
				// the scheduler closes it once the end time passes
				c.WithField("err", err).Error("close after buy now failed")
			}
			return nil
		}
		im.runCascadeLocked(c, a)
		return nil
	})
	if err != nil {
		return im.rejected(c, a, err), err
	}

	if replayed {
		im.met.BumpSum("bid.replayed", 1)
	} else {
		im.met.BumpSum("bid.accepted", 1)
	}
	now := im.now()
	return &auction.BidResult{
		Accepted:        true,
		BidId:           b.Id,
		ResultingPrice:  a.CurrentPrice,
		TotalBids:       a.TotalBids,
		TimeRemainingMs: a.TimeRemaining(now).Milliseconds(),
		Winning:         a.WinnerId != nil && *a.WinnerId == b.BidderId,
		Replayed:        replayed,
	}, nil
}

func (im *impl) rejected(c ctx.Ctx, a *auction.Auction, err error) *auction.BidResult {
	res := &auction.BidResult{Reason: auction.ReasonServiceUnavailable, Retryable: true}
	if e, ok := auction.AsError(err); ok {
		res.Reason = e.Reason
		res.Retryable = e.Retryable()
	} else {
		c.WithField("err", err).Error("bid failed with an untyped error")
	}
	im.met.BumpSum("bid.rejected", 1, "reason", string(res.Reason))

	if a != nil {
		res.ResultingPrice = a.CurrentPrice
		res.TotalBids = a.TotalBids
		res.TimeRemainingMs = a.TimeRemaining(im.now()).Milliseconds()
	}
	return res
}

// findReplay returns the ledger entry of an already accepted request
func (im *impl) findReplay(c ctx.Ctx, a *auction.Auction, in bidInput) (*bid.Bid, error) {
	if in.requestId == "" {
		return nil, nil
	}
	id := bid.NewId(a.Id, in.bidderId, in.requestId)
	b, err := im.bidRepo.FindOne(c, id)
	if err == domain.ErrNotFound {
		return nil, nil
	} else if err != nil {
		c.WithFields(log.Fields{"err": err, "bidId": id}).Error("bidRepo.FindOne failed")
		return nil, err
	}
	return b, nil
}

// checkOpen verifies the auction takes bids at now. An auction found past its
// end is closed on the spot and the bid rejected. A scheduled auction whose
// start passed is activated by the caller's write.
func (im *impl) checkOpen(c ctx.Ctx, a *auction.Auction, now time.Time) error {
	switch a.Status {
	case auction.StatusActive:
	case auction.StatusScheduled:
		if now.Before(a.StartTime) {
			return auction.ErrAuctionNotStarted
		}
	case auction.StatusEnded, auction.StatusCancelled:
		return auction.ErrAuctionEnded
	default:
		return auction.ErrAuctionNotActive
	}

	if now.Before(a.StartTime) {
		return auction.ErrAuctionNotStarted
	}
	if !now.Before(a.EndTime) {
		if a.Status == auction.StatusActive {
			if err := im.closeLocked(c, a); err != nil {
				return err
			}
			im.met.BumpSum("close.opportunistic", 1)
		}
		return auction.ErrAuctionEnded
	}
	return nil
}

// checkBalance asks the balance service, retrying transient failures
func (im *impl) checkBalance(c ctx.Ctx, userId string, amount decimal.Decimal) error {
	var available decimal.Decimal
	b := backoff.NewExponential(im.cfg.BalanceBackoff, 16*im.cfg.BalanceBackoff)
	err := backoff.Retry(c, b, im.cfg.BalanceRetries+1, nil, func() error {
		var err error
		available, err = im.balance.GetBalance(c, userId)
		return err
	})
	if err != nil {
		c.WithFields(log.Fields{"err": err, "userId": userId}).Error("balance.GetBalance failed")
		return auction.ErrBalanceUnavailable.With(err)
	}
	if available.LessThan(amount) {
		return auction.ErrInsufficientBalance
	}
	return nil
}

// acceptLocked validates a bid against a and commits it. The aggregate is
// written first, carrying the new bid as LastBid, then the ledger follows.
// Errors before the aggregate write leave nothing behind; once it succeeded
// the bid is accepted even if the ledger has to be repaired later.
func (im *impl) acceptLocked(c ctx.Ctx, a *auction.Auction, in bidInput) (*bid.Bid, error) {
	now := im.now()
	if err := im.checkOpen(c, a, now); err != nil {
		return nil, err
	}
	if in.bidderId == a.SellerId {
		return nil, auction.ErrSelfBid
	}
	if !in.isBuyNow && in.amount.LessThan(a.MinimumNextBid()) {
		return nil, auction.ErrBidTooLow
	}
	if err := im.checkBalance(c, in.bidderId, in.amount); err != nil {
		return nil, err
	}
	if !in.isBuyNow && !in.isAuto && a.WinnerId != nil && *a.WinnerId == in.bidderId {
		return nil, auction.ErrAlreadyWinning
	}

	bidders, err := im.bidRepo.DistinctBidders(c, a.Id)
	if err != nil {
		c.WithField("err", err).Error("bidRepo.DistinctBidders failed")
		return nil, err
	}
	unique := len(bidders)
	if i := sort.SearchStrings(bidders, in.bidderId); i == len(bidders) || bidders[i] != in.bidderId {
		unique++
	}

	b := &bid.Bid{
		Id:           bid.NewId(a.Id, in.bidderId, in.requestId),
		RequestId:    in.requestId,
		AuctionId:    a.Id,
		BidderId:     in.bidderId,
		Sequence:     a.TotalBids + 1,
		Amount:       in.amount,
		PlacedAt:     now,
		IsProxy:      in.isProxy,
		ProxyCeiling: in.ceiling,
		IsAuto:       in.isAuto,
		IsBuyNow:     in.isBuyNow,
		Disposition:  bid.DispositionWinning,
		UpdatedAt:    now,
	}

	next := a.Clone()
	activated := next.Status == auction.StatusScheduled
	next.Status = auction.StatusActive
	next.TotalBids = b.Sequence
	next.UniqueBidderCount = unique
	next.SetWinner(b)
	if next.ReservePrice != nil && !b.Amount.LessThan(*next.ReservePrice) {
		next.ReservePrice = nil
	}
	extended := extendLocked(next, now)
	next.LastBid = b.Clone()
	next.LedgerPending = true
	if err := im.save(c, a, next); err != nil {
		return nil, err
	}
	if activated {
		im.produce(c, im.auctionEvent(eventstream.EventAuctionActivated, a))
	}

	demoted, err := im.writeLedgerLocked(c, a)
	if err != nil {
		// Reconcile finishes the ledger; observers learn about the bid now
		im.announceBid(c, a, b, nil, extended)
		return b, nil
	}
	im.announceBid(c, a, b, demoted, extended)
	return b, nil
}

// writeLedgerLocked records a.LastBid in the ledger and demotes every other
// live bid. Demotions go first so no two bids are ever winning at once. Every
// step is safe to repeat.
func (im *impl) writeLedgerLocked(c ctx.Ctx, a *auction.Auction) ([]*bid.Bid, error) {
	if !a.LedgerPending || a.LastBid == nil {
		return nil, nil
	}
	b := a.LastBid

	demoted, err := im.bidRepo.DemoteOthers(c, a.Id, b.Id)
	if err != nil {
		im.met.BumpSum("ledger.err", 1, "op", "demote")
		c.WithFields(log.Fields{"err": err, "bidId": b.Id}).Error("bidRepo.DemoteOthers failed")
		return nil, err
	}
	if err := im.bidRepo.Insert(c, b.Clone()); err != nil && err != domain.ErrConflict {
		im.met.BumpSum("ledger.err", 1, "op", "insert")
		c.WithFields(log.Fields{"err": err, "bidId": b.Id}).Error("bidRepo.Insert failed")
		return nil, err
	}

	next := a.Clone()
	next.LedgerPending = false
	if err := im.save(c, a, next); err != nil {
		// the flag stays and the next writer or the sweep clears it
		c.WithFields(log.Fields{"err": err, "bidId": b.Id}).Warn("clear ledger pending failed")
	}
	return demoted, nil
}

// reconcileLocked finishes a ledger left pending by an interrupted acceptance
func (im *impl) reconcileLocked(c ctx.Ctx, a *auction.Auction) error {
	if !a.LedgerPending {
		return nil
	}
	im.met.BumpSum("ledger.reconcile", 1)
	if _, err := im.writeLedgerLocked(c, a); err != nil {
		return err
	}
	if a.LedgerPending {
		// the auction moved under us, read it again
		return domain.ErrConflict
	}
	return nil
}

func (im *impl) CancelBid(c ctx.Ctx, auctionId, bidId, bidderId string) (*auction.Auction, error) {
	c = ctx.WithValues(c, map[string]interface{}{"auctionId": auctionId, "bidId": bidId})

	var (
		a         *auction.Auction
		cancelled *bid.Bid
	)
	err := im.withGate(c, auctionId, func() error {
		err := im.retry(c, func() error {
			var err error
			if a, err = im.load(c, auctionId); err != nil {
				return err
			}
			if err := im.reconcileLocked(c, a); err != nil {
				return err
			}
			cancelled, err = im.cancelBidLocked(c, a, bidId, bidderId)
			return err
		})
		if err != nil {
			return err
		}

		im.publisher.PublishBidCancelled(c, a, cancelled)
		im.produce(c, im.bidEvent(eventstream.EventBidCancelled, a, cancelled))
		im.runCascadeLocked(c, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (im *impl) cancelBidLocked(c ctx.Ctx, a *auction.Auction, bidId, bidderId string) (*bid.Bid, error) {
	if !a.AllowBidCancellation {
		return nil, auction.ErrBidCancellationDisabled
	}
	if a.Status != auction.StatusActive {
		return nil, auction.ErrAuctionNotActive
	}
	if !im.now().Before(a.EndTime) {
		return nil, auction.ErrAuctionEnded
	}

	b, err := im.bidRepo.FindOne(c, bidId)
	if err == domain.ErrNotFound {
		return nil, auction.ErrBidNotFound
	} else if err != nil {
		c.WithField("err", err).Error("bidRepo.FindOne failed")
		return nil, err
	}
	if b.AuctionId != a.Id {
		return nil, auction.ErrBidNotFound
	}
	if b.BidderId != bidderId {
		return nil, auction.ErrNotBidOwner
	}

	// a cancelled bid may still be the winner when the aggregate write of
	// its cancellation was lost
	cancelsWinner := a.WinningBidId != nil && *a.WinningBidId == b.Id
	if !b.Disposition.Counts() && !cancelsWinner {
		return nil, auction.ErrBidNotCancellable
	}

	if b.Disposition != bid.DispositionCancelled {
		if err := im.bidRepo.UpdateDisposition(c, b.Id, bid.DispositionCancelled); err != nil {
			c.WithField("err", err).Error("bidRepo.UpdateDisposition failed")
			return nil, err
		}
		b.Disposition = bid.DispositionCancelled
	}

	next := a.Clone()
	if cancelsWinner {
		best, err := im.highestBid(c, a.Id)
		if err != nil {
			return nil, err
		}
		if best == nil {
			next.ClearWinner()
		} else {
			if _, err := im.bidRepo.DemoteOthers(c, a.Id, best.Id); err != nil {
				c.WithField("err", err).Error("bidRepo.DemoteOthers failed")
				return nil, err
			}
			if err := im.bidRepo.UpdateDisposition(c, best.Id, bid.DispositionWinning); err != nil {
				c.WithField("err", err).Error("bidRepo.UpdateDisposition failed")
				return nil, err
			}
			next.SetWinner(best)
		}
	}
	bidders, err := im.bidRepo.DistinctBidders(c, a.Id)
	if err != nil {
		c.WithField("err", err).Error("bidRepo.DistinctBidders failed")
		return nil, err
	}
	next.UniqueBidderCount = len(bidders)
	if err := im.save(c, a, next); err != nil {
		return nil, err
	}
	return b, nil
}

// highestBid picks the bid that would win now: the highest amount among bids
// that still count, the earliest one on a tie
func (im *impl) highestBid(c ctx.Ctx, auctionId string) (*bid.Bid, error) {
	bids, err := im.bidRepo.FindAll(c,
		bid.WithAuctionId(auctionId),
		bid.WithDispositions(bid.DispositionActive, bid.DispositionWinning, bid.DispositionOutbid),
	)
	if err != nil {
		c.WithField("err", err).Error("bidRepo.FindAll failed")
		return nil, err
	}

	var best *bid.Bid
	for _, b := range bids {
		if best == nil || b.Amount.GreaterThan(best.Amount) ||
			(b.Amount.Equal(best.Amount) && b.Sequence < best.Sequence) {
			best = b
		}
	}
	return best, nil
}

func isBalanceSkip(err error) bool {
	return errors.Is(err, auction.ErrInsufficientBalance) || errors.Is(err, auction.ErrBalanceUnavailable)
}
