package usecase

import (
	"github.com/google/uuid"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/log"
	"github.com/x-xyz/bidengine/domain"
	"github.com/x-xyz/bidengine/domain/auction"
	"github.com/x-xyz/bidengine/domain/eventstream"
)

// validateTerms checks the pricing and schedule of an auction that has no bids
func validateTerms(a *auction.Auction) error {
	if a.Title == "" {
		return auction.ErrInvalidRequest
	}
	if a.StartingPrice.IsNegative() || !a.BidIncrement.IsPositive() {
		return auction.ErrInvalidPricing
	}
	if a.ReservePrice != nil && a.ReservePrice.LessThan(a.StartingPrice) {
		return auction.ErrInvalidPricing
	}
	if a.BuyNowPrice != nil {
		if !a.BuyNowPrice.GreaterThan(a.StartingPrice) {
			return auction.ErrInvalidPricing
		}
		if a.ReservePrice != nil && a.BuyNowPrice.LessThan(*a.ReservePrice) {
			return auction.ErrInvalidPricing
		}
	}
	if a.StartTime.IsZero() || !a.EndTime.After(a.StartTime) {
		return auction.ErrInvalidSchedule
	}
	if a.ExtensionWindowSeconds < 0 || a.ExtensionAmountSeconds < 0 {
		return auction.ErrInvalidSchedule
	}
	return nil
}

func (im *impl) Create(c ctx.Ctx, req auction.CreateRequest) (*auction.Auction, error) {
	if req.SellerId == "" {
		return nil, auction.ErrInvalidRequest
	}

	now := im.now()
	a := &auction.Auction{
		Id:                     uuid.New().String(),
		SellerId:               req.SellerId,
		ItemRef:                req.ItemRef,
		Title:                  req.Title,
		Description:            req.Description,
		StartingPrice:          req.StartingPrice,
		CurrentPrice:           req.StartingPrice,
		ReservePrice:           req.ReservePrice,
		HasReserve:             req.ReservePrice != nil,
		BuyNowPrice:            req.BuyNowPrice,
		BidIncrement:           req.BidIncrement,
		StartTime:              req.StartTime,
		EndTime:                req.EndTime,
		ExtensionWindowSeconds: req.ExtensionWindowSeconds,
		ExtensionAmountSeconds: req.ExtensionAmountSeconds,
		AllowBidCancellation:   req.AllowBidCancellation,
		Status:                 auction.StatusDraft,
		WatcherIds:             []string{},
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := validateTerms(a); err != nil {
		return nil, err
	}
	if req.Schedule {
		if !a.EndTime.After(now) {
			return nil, auction.ErrInvalidSchedule
		}
		a.Status = auction.StatusScheduled
	}

	if err := im.auctionRepo.Insert(c, a); err != nil {
		c.WithFields(log.Fields{"err": err, "sellerId": req.SellerId}).Error("auctionRepo.Insert failed")
		if err == domain.ErrConflict {
			return nil, auction.ErrConcurrencyConflict.With(err)
		}
		return nil, auction.ErrStoreUnavailable.With(err)
	}

	im.produce(c, im.auctionEvent(eventstream.EventAuctionCreated, a))
	if a.Status == auction.StatusScheduled {
		im.timer.Arm(c, a)
	}
	return a, nil
}

// mutate loads the auction under its gate, applies fn to a clone and saves
// the result. fn returning false leaves the auction untouched.
func (im *impl) mutate(c ctx.Ctx, id string, fn func(a, next *auction.Auction) (bool, error)) (*auction.Auction, error) {
	c = ctx.WithValue(c, "auctionId", id)

	var a *auction.Auction
	err := im.withGate(c, id, func() error {
		return im.retry(c, func() error {
			var err error
			if a, err = im.load(c, id); err != nil {
				return err
			}
			next := a.Clone()
			changed, err := fn(a, next)
			if err != nil || !changed {
				return err
			}
			return im.save(c, a, next)
		})
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (im *impl) Update(c ctx.Ctx, id string, actor domain.Principal, req auction.UpdateRequest) (*auction.Auction, error) {
	a, err := im.mutate(c, id, func(a, next *auction.Auction) (bool, error) {
		if !isOwner(a, actor) {
			return false, auction.ErrNotSeller
		}
		if !a.Status.IsEditable() {
			return false, auction.ErrAuctionNotEditable
		}

		if req.ItemRef != nil {
			ref := *req.ItemRef
			next.ItemRef = &ref
		}
		if req.Title != nil {
			next.Title = *req.Title
		}
		if req.Description != nil {
			next.Description = *req.Description
		}
		if req.StartingPrice != nil {
			next.StartingPrice = *req.StartingPrice
			next.CurrentPrice = *req.StartingPrice
		}
		if req.ReservePrice != nil {
			reserve := *req.ReservePrice
			next.ReservePrice = &reserve
			next.HasReserve = true
		}
		if req.BuyNowPrice != nil {
			buyNow := *req.BuyNowPrice
			next.BuyNowPrice = &buyNow
		}
		if req.BidIncrement != nil {
			next.BidIncrement = *req.BidIncrement
		}
		if req.StartTime != nil {
			next.StartTime = *req.StartTime
		}
		if req.EndTime != nil {
			next.EndTime = *req.EndTime
		}
		if req.ExtensionWindowSeconds != nil {
			next.ExtensionWindowSeconds = *req.ExtensionWindowSeconds
		}
		if req.ExtensionAmountSeconds != nil {
			next.ExtensionAmountSeconds = *req.ExtensionAmountSeconds
		}
		if req.AllowBidCancellation != nil {
			next.AllowBidCancellation = *req.AllowBidCancellation
		}
		if err := validateTerms(next); err != nil {
			return false, err
		}
		if next.Status == auction.StatusScheduled && !next.EndTime.After(im.now()) {
			return false, auction.ErrInvalidSchedule
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if a.Status == auction.StatusScheduled {
		im.timer.Arm(c, a)
	}
	return a, nil
}

func (im *impl) Schedule(c ctx.Ctx, id string, actor domain.Principal) (*auction.Auction, error) {
	a, err := im.mutate(c, id, func(a, next *auction.Auction) (bool, error) {
		if !isOwner(a, actor) {
			return false, auction.ErrNotSeller
		}
		if a.Status == auction.StatusScheduled {
			return false, nil
		}
		if !a.Status.CanTransitionTo(auction.StatusScheduled) {
			return false, auction.ErrInvalidTransition
		}
		if !a.EndTime.After(im.now()) {
			return false, auction.ErrInvalidSchedule
		}
		next.Status = auction.StatusScheduled
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	im.timer.Arm(c, a)
	im.produce(c, im.auctionEvent(eventstream.EventAuctionScheduled, a))
	return a, nil
}

// Cancel withdraws an auction nobody bid on yet. Admins may cancel any auction.
func (im *impl) Cancel(c ctx.Ctx, id string, actor domain.Principal) (*auction.Auction, error) {
	var cancelled bool
	a, err := im.mutate(c, id, func(a, next *auction.Auction) (bool, error) {
		cancelled = false
		if !isOwner(a, actor) {
			return false, auction.ErrNotSeller
		}
		if a.Status == auction.StatusCancelled {
			return false, nil
		}
		if !a.Status.CanTransitionTo(auction.StatusCancelled) {
			return false, auction.ErrInvalidTransition
		}
		if a.TotalBids > 0 {
			return false, auction.ErrAuctionHasBids
		}
		now := im.now()
		next.Status = auction.StatusCancelled
		next.EndedAt = &now
		next.CloseNotified = false
		cancelled = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if cancelled {
		// the sweep resends the notice if this fails
		if err := im.ResumeCloseNotification(c, id); err != nil {
			c.WithFields(log.Fields{"err": err, "auctionId": id}).Warn("announce cancel failed")
		} else if fresh, err := im.load(c, id); err == nil {
			a = fresh
		}
	}
	return a, nil
}

// Delete soft deletes an auction so its ledger stays referable
func (im *impl) Delete(c ctx.Ctx, id string, actor domain.Principal) error {
	_, err := im.mutate(c, id, func(a, next *auction.Auction) (bool, error) {
		if !isOwner(a, actor) {
			return false, auction.ErrNotSeller
		}
		if !a.Status.IsDeletable() {
			return false, auction.ErrInvalidTransition
		}
		now := im.now()
		next.Deleted = true
		next.DeletedAt = &now
		return true, nil
	})
	return err
}

func (im *impl) Watch(c ctx.Ctx, id, userId string) (*auction.Auction, error) {
	if userId == "" {
		return nil, auction.ErrInvalidRequest
	}
	return im.mutate(c, id, func(a, next *auction.Auction) (bool, error) {
		if a.IsWatchedBy(userId) {
			return false, nil
		}
		next.WatcherIds = append(next.WatcherIds, userId)
		return true, nil
	})
}

func (im *impl) Unwatch(c ctx.Ctx, id, userId string) (*auction.Auction, error) {
	if userId == "" {
		return nil, auction.ErrInvalidRequest
	}
	return im.mutate(c, id, func(a, next *auction.Auction) (bool, error) {
		if !a.IsWatchedBy(userId) {
			return false, nil
		}
		watchers := make([]string, 0, len(next.WatcherIds))
		for _, w := range next.WatcherIds {
			if w != userId {
				watchers = append(watchers, w)
			}
		}
		next.WatcherIds = watchers
		return true, nil
	})
}
