package repository

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/database/pebbledb"
	"github.com/x-xyz/bidengine/domain"
	"github.com/x-xyz/bidengine/domain/auction"
	"github.com/x-xyz/bidengine/domain/bid"
)

const (
	pfxAuction  = "auction/"
	pfxBid      = "bid/"
	pfxBidByAuc = "bidseq/"
)

func auctionKey(id string) []byte {
	return []byte(pfxAuction + id)
}

func bidKey(id string) []byte {
	return []byte(pfxBid + id)
}

func bidAuctionPrefix(auctionId string) []byte {
	return []byte(pfxBidByAuc + auctionId + "/")
}

// bidSeqKey orders the bids of an auction by sequence
func bidSeqKey(auctionId string, sequence int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", pfxBidByAuc, auctionId, sequence))
}

type auctionPebble struct {
	// mu serializes writes so the version check and the write are atomic
	mu sync.Mutex
	db *pebbledb.DB
}

// NewAuctionPebble stores auctions in an embedded pebble database
func NewAuctionPebble(db *pebbledb.DB) auction.Repo {
	return &auctionPebble{db: db}
}

func (im *auctionPebble) put(a *auction.Auction) error {
	val, err := pebbledb.Marshal(a)
	if err != nil {
		return err
	}
	return im.db.Set(auctionKey(a.Id), val, pebble.Sync)
}

func (im *auctionPebble) Insert(c ctx.Ctx, a *auction.Auction) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	if ok, err := im.db.Exists(auctionKey(a.Id)); err != nil {
		c.WithField("err", err).Error("db.Exists failed")
		return err
	} else if ok {
		return domain.ErrConflict
	}

	if err := im.put(a); err != nil {
		c.WithField("err", err).Error("put auction failed")
		return err
	}
	return nil
}

func (im *auctionPebble) FindOne(c ctx.Ctx, id string) (*auction.Auction, error) {
	res := &auction.Auction{}
	if err := im.db.GetRecord(auctionKey(id), res); err == pebbledb.ErrNotFound {
		return nil, domain.ErrNotFound
	} else if err != nil {
		c.WithField("err", err).Error("db.GetRecord failed")
		return nil, err
	}
	return res, nil
}

func (im *auctionPebble) scan(c ctx.Ctx, optFns ...auction.FindAllOptionsFunc) ([]*auction.Auction, error) {
	opts, err := auction.GetFindAllOptions(optFns...)
	if err != nil {
		c.WithField("err", err).Error("auction.GetFindAllOptions failed")
		return nil, err
	}

	res := []*auction.Auction{}
	err = im.db.Scan([]byte(pfxAuction), func(key, value []byte) (bool, error) {
		a := &auction.Auction{}
		if err := pebbledb.Unmarshal(value, a); err != nil {
			return false, err
		}
		if opts.Match(a) {
			res = append(res, a)
		}
		return true, nil
	})
	if err != nil {
		c.WithField("err", err).Error("db.Scan failed")
		return nil, err
	}

	sortAuctions(res, opts.SortBy, opts.SortDir)
	start, end := page(len(res), opts.Offset, opts.Limit)
	return res[start:end], nil
}

func (im *auctionPebble) FindAll(c ctx.Ctx, optFns ...auction.FindAllOptionsFunc) ([]*auction.Auction, error) {
	res, err := im.scan(c, optFns...)
	if err != nil {
		return []*auction.Auction{}, err
	}
	return res, nil
}

func (im *auctionPebble) Count(c ctx.Ctx, optFns ...auction.FindAllOptionsFunc) (int, error) {
	// pagination does not apply to counts
	optFns = append(optFns, auction.WithPagination(0, 0))
	res, err := im.scan(c, optFns...)
	if err != nil {
		return 0, err
	}
	return len(res), nil
}

func (im *auctionPebble) Update(c ctx.Ctx, a *auction.Auction) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	cur, err := im.FindOne(c, a.Id)
	if err != nil {
		return err
	}
	if cur.Version != a.Version {
		return domain.ErrConflict
	}

	next := a.Clone()
	next.Version = a.Version + 1
	if err := im.put(next); err != nil {
		c.WithField("err", err).Error("put auction failed")
		return err
	}
	a.Version = next.Version
	return nil
}

type bidPebble struct {
	mu sync.Mutex
	db *pebbledb.DB
}

// NewBidPebble stores the bid ledger in an embedded pebble database. Each bid
// also gets an index entry ordered by auction and sequence.
func NewBidPebble(db *pebbledb.DB) bid.Repo {
	return &bidPebble{db: db}
}

func (im *bidPebble) Insert(c ctx.Ctx, b *bid.Bid) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	for _, key := range [][]byte{bidKey(b.Id), bidSeqKey(b.AuctionId, b.Sequence)} {
		if ok, err := im.db.Exists(key); err != nil {
			c.WithField("err", err).Error("db.Exists failed")
			return err
		} else if ok {
			return domain.ErrConflict
		}
	}

	val, err := pebbledb.Marshal(b)
	if err != nil {
		c.WithField("err", err).Error("pebbledb.Marshal failed")
		return err
	}

	batch := im.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(bidKey(b.Id), val, nil); err != nil {
		return err
	}
	if err := batch.Set(bidSeqKey(b.AuctionId, b.Sequence), []byte(b.Id), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		c.WithField("err", err).Error("batch.Commit failed")
		return err
	}
	return nil
}

func (im *bidPebble) FindOne(c ctx.Ctx, id string) (*bid.Bid, error) {
	res := &bid.Bid{}
	if err := im.db.GetRecord(bidKey(id), res); err == pebbledb.ErrNotFound {
		return nil, domain.ErrNotFound
	} else if err != nil {
		c.WithField("err", err).Error("db.GetRecord failed")
		return nil, err
	}
	return res, nil
}

// ofAuction loads the bids of an auction in sequence order
func (im *bidPebble) ofAuction(c ctx.Ctx, auctionId string) ([]*bid.Bid, error) {
	ids := []string{}
	err := im.db.Scan(bidAuctionPrefix(auctionId), func(key, value []byte) (bool, error) {
		ids = append(ids, string(value))
		return true, nil
	})
	if err != nil {
		c.WithField("err", err).Error("db.Scan failed")
		return nil, err
	}

	res := make([]*bid.Bid, 0, len(ids))
	for _, id := range ids {
		b, err := im.FindOne(c, id)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, nil
}

func (im *bidPebble) FindAll(c ctx.Ctx, optFns ...bid.FindAllOptionsFunc) ([]*bid.Bid, error) {
	opts, err := bid.GetFindAllOptions(optFns...)
	if err != nil {
		c.WithField("err", err).Error("bid.GetFindAllOptions failed")
		return []*bid.Bid{}, err
	}

	var all []*bid.Bid
	if opts.AuctionId != nil {
		if all, err = im.ofAuction(c, *opts.AuctionId); err != nil {
			return []*bid.Bid{}, err
		}
	} else {
		err = im.db.Scan([]byte(pfxBid), func(key, value []byte) (bool, error) {
			b := &bid.Bid{}
			if err := pebbledb.Unmarshal(value, b); err != nil {
				return false, err
			}
			all = append(all, b)
			return true, nil
		})
		if err != nil {
			c.WithField("err", err).Error("db.Scan failed")
			return []*bid.Bid{}, err
		}
	}

	res := []*bid.Bid{}
	for _, b := range all {
		if opts.Match(b) {
			res = append(res, b)
		}
	}

	sortBids(res, opts.SortBy, opts.SortDir)
	start, end := page(len(res), opts.Offset, opts.Limit)
	return res[start:end], nil
}

func (im *bidPebble) put(b *bid.Bid) error {
	val, err := pebbledb.Marshal(b)
	if err != nil {
		return err
	}
	return im.db.Set(bidKey(b.Id), val, pebble.Sync)
}

func (im *bidPebble) UpdateDisposition(c ctx.Ctx, id string, disposition bid.Disposition) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	b, err := im.FindOne(c, id)
	if err != nil {
		return err
	}
	b.Disposition = disposition
	b.UpdatedAt = timeNow()
	if err := im.put(b); err != nil {
		c.WithField("err", err).Error("put bid failed")
		return err
	}
	return nil
}

func (im *bidPebble) DemoteOthers(c ctx.Ctx, auctionId, exceptId string) ([]*bid.Bid, error) {
	im.mu.Lock()
	defer im.mu.Unlock()

	all, err := im.ofAuction(c, auctionId)
	if err != nil {
		return nil, err
	}

	now := timeNow()
	batch := im.db.NewBatch()
	defer batch.Close()

	res := []*bid.Bid{}
	for _, b := range all {
		if b.Id == exceptId || !b.Disposition.IsLive() {
			continue
		}
		b.Disposition = bid.DispositionOutbid
		b.UpdatedAt = now
		val, err := pebbledb.Marshal(b)
		if err != nil {
			return nil, err
		}
		if err := batch.Set(bidKey(b.Id), val, nil); err != nil {
			return nil, err
		}
		res = append(res, b)
	}

	if len(res) > 0 {
		if err := batch.Commit(pebble.Sync); err != nil {
			c.WithField("err", err).Error("batch.Commit failed")
			return nil, err
		}
	}
	return res, nil
}

func (im *bidPebble) DistinctBidders(c ctx.Ctx, auctionId string) ([]string, error) {
	all, err := im.ofAuction(c, auctionId)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	res := []string{}
	for _, b := range all {
		if !b.Disposition.Counts() || seen[b.BidderId] {
			continue
		}
		seen[b.BidderId] = true
		res = append(res, b.BidderId)
	}
	sort.Strings(res)
	return res, nil
}
