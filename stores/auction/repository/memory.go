package repository

import (
	"sort"
	"sync"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/domain"
	"github.com/x-xyz/bidengine/domain/auction"
	"github.com/x-xyz/bidengine/domain/bid"
)

type auctionMemory struct {
	mu       sync.RWMutex
	auctions map[string]*auction.Auction
}

// NewAuctionMemory keeps auctions in process memory. Every read and write
// copies, so callers never share state with the store.
func NewAuctionMemory() auction.Repo {
	return &auctionMemory{auctions: map[string]*auction.Auction{}}
}

func (im *auctionMemory) Insert(c ctx.Ctx, a *auction.Auction) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	if _, ok := im.auctions[a.Id]; ok {
		return domain.ErrConflict
	}
	im.auctions[a.Id] = a.Clone()
	return nil
}

func (im *auctionMemory) FindOne(c ctx.Ctx, id string) (*auction.Auction, error) {
	im.mu.RLock()
	defer im.mu.RUnlock()

	a, ok := im.auctions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a.Clone(), nil
}

func (im *auctionMemory) find(optFns ...auction.FindAllOptionsFunc) ([]*auction.Auction, error) {
	opts, err := auction.GetFindAllOptions(optFns...)
	if err != nil {
		return nil, err
	}

	im.mu.RLock()
	res := []*auction.Auction{}
	for _, a := range im.auctions {
		if opts.Match(a) {
			res = append(res, a.Clone())
		}
	}
	im.mu.RUnlock()

	sortAuctions(res, opts.SortBy, opts.SortDir)
	start, end := page(len(res), opts.Offset, opts.Limit)
	return res[start:end], nil
}

func (im *auctionMemory) FindAll(c ctx.Ctx, optFns ...auction.FindAllOptionsFunc) ([]*auction.Auction, error) {
	res, err := im.find(optFns...)
	if err != nil {
		c.WithField("err", err).Error("auction.GetFindAllOptions failed")
		return []*auction.Auction{}, err
	}
	return res, nil
}

func (im *auctionMemory) Count(c ctx.Ctx, optFns ...auction.FindAllOptionsFunc) (int, error) {
	opts, err := auction.GetFindAllOptions(optFns...)
	if err != nil {
		c.WithField("err", err).Error("auction.GetFindAllOptions failed")
		return 0, err
	}

	im.mu.RLock()
	defer im.mu.RUnlock()

	count := 0
	for _, a := range im.auctions {
		if opts.Match(a) {
			count++
		}
	}
	return count, nil
}

func (im *auctionMemory) Update(c ctx.Ctx, a *auction.Auction) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	cur, ok := im.auctions[a.Id]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != a.Version {
		return domain.ErrConflict
	}

	next := a.Clone()
	next.Version = a.Version + 1
	im.auctions[a.Id] = next
	a.Version = next.Version
	return nil
}

type bidMemory struct {
	mu   sync.RWMutex
	bids map[string]*bid.Bid
	// byAuction keeps the ids of each auction in insertion order
	byAuction map[string][]string
}

func NewBidMemory() bid.Repo {
	return &bidMemory{
		bids:      map[string]*bid.Bid{},
		byAuction: map[string][]string{},
	}
}

func (im *bidMemory) Insert(c ctx.Ctx, b *bid.Bid) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	if _, ok := im.bids[b.Id]; ok {
		return domain.ErrConflict
	}
	for _, id := range im.byAuction[b.AuctionId] {
		if im.bids[id].Sequence == b.Sequence {
			return domain.ErrConflict
		}
	}
	im.bids[b.Id] = b.Clone()
	im.byAuction[b.AuctionId] = append(im.byAuction[b.AuctionId], b.Id)
	return nil
}

func (im *bidMemory) FindOne(c ctx.Ctx, id string) (*bid.Bid, error) {
	im.mu.RLock()
	defer im.mu.RUnlock()

	b, ok := im.bids[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b.Clone(), nil
}

func (im *bidMemory) FindAll(c ctx.Ctx, optFns ...bid.FindAllOptionsFunc) ([]*bid.Bid, error) {
	opts, err := bid.GetFindAllOptions(optFns...)
	if err != nil {
		c.WithField("err", err).Error("bid.GetFindAllOptions failed")
		return []*bid.Bid{}, err
	}

	im.mu.RLock()
	res := []*bid.Bid{}
	if opts.AuctionId != nil {
		for _, id := range im.byAuction[*opts.AuctionId] {
			if b := im.bids[id]; opts.Match(b) {
				res = append(res, b.Clone())
			}
		}
	} else {
		for _, b := range im.bids {
			if opts.Match(b) {
				res = append(res, b.Clone())
			}
		}
	}
	im.mu.RUnlock()

	sortBids(res, opts.SortBy, opts.SortDir)
	start, end := page(len(res), opts.Offset, opts.Limit)
	return res[start:end], nil
}

func (im *bidMemory) UpdateDisposition(c ctx.Ctx, id string, disposition bid.Disposition) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	b, ok := im.bids[id]
	if !ok {
		return domain.ErrNotFound
	}
	b.Disposition = disposition
	b.UpdatedAt = timeNow()
	return nil
}

func (im *bidMemory) DemoteOthers(c ctx.Ctx, auctionId, exceptId string) ([]*bid.Bid, error) {
	im.mu.Lock()
	defer im.mu.Unlock()

	now := timeNow()
	res := []*bid.Bid{}
	for _, id := range im.byAuction[auctionId] {
		b := im.bids[id]
		if id == exceptId || !b.Disposition.IsLive() {
			continue
		}
		b.Disposition = bid.DispositionOutbid
		b.UpdatedAt = now
		res = append(res, b.Clone())
	}
	sortBids(res, nil, nil)
	return res, nil
}

func (im *bidMemory) DistinctBidders(c ctx.Ctx, auctionId string) ([]string, error) {
	im.mu.RLock()
	defer im.mu.RUnlock()

	seen := map[string]bool{}
	res := []string{}
	for _, id := range im.byAuction[auctionId] {
		b := im.bids[id]
		if !b.Disposition.Counts() || seen[b.BidderId] {
			continue
		}
		seen[b.BidderId] = true
		res = append(res, b.BidderId)
	}
	sort.Strings(res)
	return res, nil
}
