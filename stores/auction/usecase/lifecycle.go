package usecase

import (
	"time"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/log"
	"github.com/x-xyz/bidengine/domain/auction"
	"github.com/x-xyz/bidengine/domain/bid"
	"github.com/x-xyz/bidengine/domain/eventstream"
)

// extendLocked pushes the end of a out when a bid at now lands inside the
// extension window. The end time never moves earlier.
func extendLocked(a *auction.Auction, now time.Time) bool {
	if a.ExtensionWindowSeconds <= 0 || a.ExtensionAmountSeconds <= 0 {
		return false
	}
	if a.EndTime.Sub(now) >= a.ExtensionWindow() {
		return false
	}
	end := now.Add(a.ExtensionAmount())
	if !end.After(a.EndTime) {
		return false
	}
	a.EndTime = end
	return true
}

// closeLocked ends an active auction. The highest counting bid wins unless a
// reserve is still unmet, in which case nobody wins and every bid ends outbid.
// The ledger is settled before the aggregate so a retry repeats the same
// writes. The end is announced afterwards; a lost announcement is resent by
// ResumeCloseNotification.
func (im *impl) closeLocked(c ctx.Ctx, a *auction.Auction) error {
	if a.Status == auction.StatusEnded {
		return nil
	}
	if a.Status != auction.StatusActive {
		return auction.ErrInvalidTransition
	}

	best, err := im.highestBid(c, a.Id)
	if err != nil {
		return err
	}
	if best != nil && a.ReservePrice != nil && best.Amount.LessThan(*a.ReservePrice) {
		best = nil
	}

	exceptId := ""
	if best != nil {
		exceptId = best.Id
	}
	if _, err := im.bidRepo.DemoteOthers(c, a.Id, exceptId); err != nil {
		c.WithField("err", err).Error("bidRepo.DemoteOthers failed")
		return err
	}
	if best != nil && best.Disposition != bid.DispositionWinning {
		if err := im.bidRepo.UpdateDisposition(c, best.Id, bid.DispositionWinning); err != nil {
			c.WithField("err", err).Error("bidRepo.UpdateDisposition failed")
			return err
		}
	}

	now := im.now()
	next := a.Clone()
	if best == nil {
		next.ClearWinner()
	} else {
		next.SetWinner(best)
	}
	next.Status = auction.StatusEnded
	next.EndedAt = &now
	next.CloseNotified = false
	if err := im.save(c, a, next); err != nil {
		return err
	}
	im.met.BumpSum("closed", 1, "sold", boolTag(best != nil))
	c.WithFields(log.Fields{"winnerId": a.WinnerId, "finalPrice": a.CurrentPrice}).Info("auction closed")

	if err := im.announceEnd(c, a); err != nil {
		c.WithField("err", err).Warn("mark close notified failed, it is resent later")
	}
	return nil
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (im *impl) Close(c ctx.Ctx, id string) (*auction.Auction, error) {
	defer im.met.BumpTime("close.time").End()
	c = ctx.WithValue(c, "auctionId", id)

	var a *auction.Auction
	err := im.withGate(c, id, func() error {
		return im.retry(c, func() error {
			var err error
			if a, err = im.load(c, id); err != nil {
				return err
			}
			if err := im.reconcileLocked(c, a); err != nil {
				return err
			}
			switch a.Status {
			case auction.StatusEnded:
				// closed by a bid or an earlier tick
				if !a.CloseNotified {
					return im.announceEnd(c, a)
				}
				return nil
			case auction.StatusActive:
				if im.now().Before(a.EndTime) {
					return auction.ErrInvalidTransition
				}
				return im.closeLocked(c, a)
			}
			return auction.ErrInvalidTransition
		})
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (im *impl) Activate(c ctx.Ctx, id string) (*auction.Auction, error) {
	c = ctx.WithValue(c, "auctionId", id)

	var (
		a         *auction.Auction
		activated bool
	)
	err := im.withGate(c, id, func() error {
		return im.retry(c, func() error {
			var err error
			activated = false
			if a, err = im.load(c, id); err != nil {
				return err
			}
			switch a.Status {
			case auction.StatusActive:
				return nil
			case auction.StatusScheduled:
			default:
				return auction.ErrInvalidTransition
			}
			if im.now().Before(a.StartTime) {
				return auction.ErrAuctionNotStarted
			}

			next := a.Clone()
			next.Status = auction.StatusActive
			if err := im.save(c, a, next); err != nil {
				return err
			}
			activated = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if activated {
		im.met.BumpSum("activated", 1)
		im.timer.Arm(c, a)
		im.produce(c, im.auctionEvent(eventstream.EventAuctionActivated, a))
	}
	return a, nil
}

func (im *impl) ResumeCloseNotification(c ctx.Ctx, id string) error {
	c = ctx.WithValue(c, "auctionId", id)
	return im.withGate(c, id, func() error {
		return im.retry(c, func() error {
			a, err := im.load(c, id)
			if err != nil {
				return err
			}
			if !a.Status.IsTerminal() || a.CloseNotified {
				return nil
			}
			im.met.BumpSum("close.resumed", 1)
			return im.announceEnd(c, a)
		})
	})
}

func (im *impl) Reconcile(c ctx.Ctx, id string) error {
	c = ctx.WithValue(c, "auctionId", id)
	return im.withGate(c, id, func() error {
		return im.retry(c, func() error {
			a, err := im.load(c, id)
			if err != nil {
				return err
			}
			return im.reconcileLocked(c, a)
		})
	})
}
