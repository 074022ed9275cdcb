package repository

import (
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/database/mongoclient"
	"github.com/x-xyz/bidengine/domain"
	"github.com/x-xyz/bidengine/domain/bid"
	"github.com/x-xyz/bidengine/service/query"
)

var (
	timeNow = time.Now

	bidIndexes = []query.Index{
		{Keys: []string{"id"}, Unique: true},
		{Keys: []string{"auctionId", "sequence"}, Unique: true},
		{Keys: []string{"auctionId", "bidderId"}},
	}

	liveDispositions     = []bid.Disposition{bid.DispositionActive, bid.DispositionWinning}
	excludedDispositions = []bid.Disposition{bid.DispositionCancelled, bid.DispositionRefunded}
)

func makeBidQuery(optFns ...bid.FindAllOptionsFunc) (bson.M, error) {
	opts, err := bid.GetFindAllOptions(optFns...)
	if err != nil {
		return nil, err
	}

	query, err := mongoclient.Selector(opts)
	if err != nil {
		return nil, err
	}

	if len(opts.Dispositions) > 0 {
		query["disposition"] = bson.M{"$in": opts.Dispositions}
	}

	if opts.ExcludeId != nil {
		query["id"] = bson.M{"$ne": *opts.ExcludeId}
	}

	return query, nil
}

type bidImpl struct {
	q query.Mongo
}

func NewBid(q query.Mongo) bid.Repo {
	return &bidImpl{q}
}

// EnsureBidIndexes creates the indexes of the bid ledger. The unique
// auctionId and sequence pair rejects a second write of one position.
func EnsureBidIndexes(c ctx.Ctx, q query.Mongo) error {
	return q.EnsureIndexes(c, domain.TableBids, bidIndexes)
}

func (im *bidImpl) Insert(c ctx.Ctx, b *bid.Bid) error {
	if err := im.q.Insert(c, domain.TableBids, b); err == query.ErrDuplicateKey {
		return domain.ErrConflict
	} else if err != nil {
		c.WithField("err", err).Error("q.Insert failed")
		return err
	}
	return nil
}

func (im *bidImpl) FindOne(c ctx.Ctx, id string) (*bid.Bid, error) {
	res := &bid.Bid{}
	if err := im.q.FindOne(c, domain.TableBids, bson.M{"id": id}, res); err == query.ErrNotFound {
		return nil, domain.ErrNotFound
	} else if err != nil {
		c.WithField("err", err).Error("q.FindOne failed")
		return nil, err
	}
	return res, nil
}

func (im *bidImpl) FindAll(c ctx.Ctx, optFns ...bid.FindAllOptionsFunc) ([]*bid.Bid, error) {
	res := []*bid.Bid{}

	opts, err := bid.GetFindAllOptions(optFns...)
	if err != nil {
		c.WithField("err", err).Error("bid.GetFindAllOptions failed")
		return res, err
	}

	query, err := makeBidQuery(optFns...)
	if err != nil {
		c.WithField("err", err).Error("makeBidQuery failed")
		return res, err
	}

	offset, limit := 0, 0
	if opts.Offset != nil {
		offset = int(*opts.Offset)
	}
	if opts.Limit != nil {
		limit = int(*opts.Limit)
	}

	sorts := []string{"sequence"}
	if opts.SortBy != nil && opts.SortDir != nil {
		sortBy := *opts.SortBy
		if *opts.SortDir == domain.SortDirDesc {
			sortBy = "-" + sortBy
		}
		sorts = []string{sortBy, "sequence"}
	}

	if err := im.q.Search(c, domain.TableBids, offset, limit, sorts, query, &res); err != nil {
		c.WithField("err", err).Error("q.Search failed")
		return res, err
	}

	return res, nil
}

func (im *bidImpl) UpdateDisposition(c ctx.Ctx, id string, disposition bid.Disposition) error {
	update := bson.M{"disposition": disposition, "updatedAt": timeNow()}
	if err := im.q.Patch(c, domain.TableBids, bson.M{"id": id}, update); err == query.ErrNotFound {
		return domain.ErrNotFound
	} else if err != nil {
		c.WithField("err", err).Error("q.Patch failed")
		return err
	}
	return nil
}

func (im *bidImpl) DemoteOthers(c ctx.Ctx, auctionId, exceptId string) ([]*bid.Bid, error) {
	live, err := im.FindAll(c,
		bid.WithAuctionId(auctionId),
		bid.WithDispositions(liveDispositions...),
		bid.WithExcludeId(exceptId),
	)
	if err != nil {
		return nil, err
	}
	if len(live) == 0 {
		return live, nil
	}

	now := timeNow()
	selector := bson.M{
		"auctionId":   auctionId,
		"id":          bson.M{"$ne": exceptId},
		"disposition": bson.M{"$in": liveDispositions},
	}
	update := bson.M{"disposition": bid.DispositionOutbid, "updatedAt": now}
	if err := im.q.Patch(c, domain.TableBids, selector, update, query.WithPatchMany(true)); err != nil && err != query.ErrNotFound {
		c.WithField("err", err).Error("q.Patch failed")
		return nil, err
	}

	for _, b := range live {
		b.Disposition = bid.DispositionOutbid
		b.UpdatedAt = now
	}
	return live, nil
}

func (im *bidImpl) DistinctBidders(c ctx.Ctx, auctionId string) ([]string, error) {
	selector := bson.M{
		"auctionId":   auctionId,
		"disposition": bson.M{"$nin": excludedDispositions},
	}
	vals, err := im.q.Distinct(c, domain.TableBids, "bidderId", selector)
	if err != nil {
		c.WithField("err", err).Error("q.Distinct failed")
		return nil, err
	}

	res := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			res = append(res, s)
		}
	}
	sort.Strings(res)
	return res, nil
}
