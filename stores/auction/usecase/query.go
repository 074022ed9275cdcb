package usecase

import (
	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/log"
	"github.com/x-xyz/bidengine/domain"
	"github.com/x-xyz/bidengine/domain/auction"
	"github.com/x-xyz/bidengine/domain/bid"
)

func (im *impl) FindOne(c ctx.Ctx, id string) (*auction.Auction, error) {
	a, err := im.load(c, id)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (im *impl) FindAll(c ctx.Ctx, opts ...auction.FindAllOptionsFunc) ([]*auction.Auction, error) {
	res, err := im.auctionRepo.FindAll(c, opts...)
	if err == domain.ErrBadParamInput {
		return nil, auction.ErrInvalidRequest
	} else if err != nil {
		c.WithField("err", err).Error("auctionRepo.FindAll failed")
		return nil, auction.ErrStoreUnavailable.With(err)
	}
	return res, nil
}

func (im *impl) Count(c ctx.Ctx, opts ...auction.FindAllOptionsFunc) (int, error) {
	n, err := im.auctionRepo.Count(c, opts...)
	if err == domain.ErrBadParamInput {
		return 0, auction.ErrInvalidRequest
	} else if err != nil {
		c.WithField("err", err).Error("auctionRepo.Count failed")
		return 0, auction.ErrStoreUnavailable.With(err)
	}
	return n, nil
}

// BidHistory returns the latest bids of an auction, newest first
func (im *impl) BidHistory(c ctx.Ctx, id string, limit int) ([]*bid.Bid, error) {
	if _, err := im.load(c, id); err != nil {
		return nil, err
	}
	return im.history(c, id, limit)
}

func (im *impl) history(c ctx.Ctx, id string, limit int) ([]*bid.Bid, error) {
	if limit <= 0 || limit > im.cfg.HistoryLimit {
		limit = im.cfg.HistoryLimit
	}
	res, err := im.bidRepo.FindAll(c,
		bid.WithAuctionId(id),
		bid.WithSort("sequence", domain.SortDirDesc),
		bid.WithPagination(0, int32(limit)),
	)
	if err != nil {
		c.WithFields(log.Fields{"err": err, "auctionId": id}).Error("bidRepo.FindAll failed")
		return nil, auction.ErrStoreUnavailable.With(err)
	}
	return res, nil
}

// snapshotData is what the snapshot cache holds. Views are derived from it
// per read so the remaining time stays exact.
type snapshotData struct {
	Auction *auction.Auction `json:"auction"`
	Bids    []*bid.Bid       `json:"bids"`
}

func (im *impl) loadSnapshot(c ctx.Ctx, id string) (*snapshotData, error) {
	a, err := im.load(c, id)
	if err != nil {
		return nil, err
	}
	bids, err := im.history(c, id, im.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}
	return &snapshotData{Auction: a, Bids: bids}, nil
}

// Snapshot is the public state sent to a joining participant. The
// participant count is filled in by the gateway.
func (im *impl) Snapshot(c ctx.Ctx, id string) (*auction.Snapshot, error) {
	var (
		data *snapshotData
		err  error
	)
	if im.cache == nil {
		data, err = im.loadSnapshot(c, id)
	} else {
		data = &snapshotData{}
		err = im.cache.GetByFunc(c, id, data, func() (interface{}, error) {
			return im.loadSnapshot(c, id)
		})
	}
	if err != nil {
		return nil, err
	}

	redact := im.cfg.RedactBidder
	bids := make([]*bid.PublicBid, 0, len(data.Bids))
	for _, b := range data.Bids {
		bids = append(bids, b.Public(redact))
	}
	return &auction.Snapshot{
		Auction: data.Auction.Public(im.now(), redact),
		Bids:    bids,
	}, nil
}
