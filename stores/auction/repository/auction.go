package repository

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/database/mongoclient"
	"github.com/x-xyz/bidengine/domain"
	"github.com/x-xyz/bidengine/domain/auction"
	"github.com/x-xyz/bidengine/service/query"
)

var auctionIndexes = []query.Index{
	{Keys: []string{"id"}, Unique: true},
	{Keys: []string{"status", "endTime"}},
	{Keys: []string{"status", "startTime"}},
	{Keys: []string{"sellerId", "createdAt"}},
}

func makeAuctionQuery(optFns ...auction.FindAllOptionsFunc) (bson.M, error) {
	opts, err := auction.GetFindAllOptions(optFns...)
	if err != nil {
		return nil, err
	}

	query, err := mongoclient.Selector(opts)
	if err != nil {
		return nil, err
	}

	if len(opts.Statuses) > 0 {
		query["status"] = bson.M{"$in": opts.Statuses}
	}

	if opts.StartTimeLTE != nil {
		query["startTime"] = bson.M{"$lte": *opts.StartTimeLTE}
	}

	if opts.EndTimeLTE != nil {
		query["endTime"] = bson.M{"$lte": *opts.EndTimeLTE}
	}

	if !opts.IncludeDeleted {
		query["deleted"] = false
	}

	return query, nil
}

type auctionImpl struct {
	q query.Mongo
}

func NewAuction(q query.Mongo) auction.Repo {
	return &auctionImpl{q}
}

// EnsureAuctionIndexes creates the indexes the auction queries rely on
func EnsureAuctionIndexes(c ctx.Ctx, q query.Mongo) error {
	return q.EnsureIndexes(c, domain.TableAuctions, auctionIndexes)
}

func (im *auctionImpl) Insert(c ctx.Ctx, a *auction.Auction) error {
	if err := im.q.Insert(c, domain.TableAuctions, a); err == query.ErrDuplicateKey {
		return domain.ErrConflict
	} else if err != nil {
		c.WithField("err", err).Error("q.Insert failed")
		return err
	}
	return nil
}

func (im *auctionImpl) FindOne(c ctx.Ctx, id string) (*auction.Auction, error) {
	res := &auction.Auction{}
	if err := im.q.FindOne(c, domain.TableAuctions, bson.M{"id": id}, res); err == query.ErrNotFound {
		return nil, domain.ErrNotFound
	} else if err != nil {
		c.WithField("err", err).Error("q.FindOne failed")
		return nil, err
	}
	return res, nil
}

func (im *auctionImpl) FindAll(c ctx.Ctx, optFns ...auction.FindAllOptionsFunc) ([]*auction.Auction, error) {
	res := []*auction.Auction{}

	opts, err := auction.GetFindAllOptions(optFns...)
	if err != nil {
		c.WithField("err", err).Error("auction.GetFindAllOptions failed")
		return res, err
	}

	query, err := makeAuctionQuery(optFns...)
	if err != nil {
		c.WithField("err", err).Error("makeAuctionQuery failed")
		return res, err
	}

	offset, limit := 0, 0
	if opts.Offset != nil {
		offset = int(*opts.Offset)
	}
	if opts.Limit != nil {
		limit = int(*opts.Limit)
	}

	sorts := []string{"createdAt", "id"}
	if opts.SortBy != nil && opts.SortDir != nil {
		sortBy := *opts.SortBy
		if *opts.SortDir == domain.SortDirDesc {
			sortBy = "-" + sortBy
		}
		sorts = []string{sortBy, "id"}
	}

	if err := im.q.Search(c, domain.TableAuctions, offset, limit, sorts, query, &res); err != nil {
		c.WithField("err", err).Error("q.Search failed")
		return res, err
	}

	return res, nil
}

func (im *auctionImpl) Count(c ctx.Ctx, optFns ...auction.FindAllOptionsFunc) (int, error) {
	query, err := makeAuctionQuery(optFns...)
	if err != nil {
		c.WithField("err", err).Error("makeAuctionQuery failed")
		return 0, err
	}

	count, err := im.q.Count(c, domain.TableAuctions, query)
	if err != nil {
		c.WithField("err", err).Error("q.Count failed")
		return 0, err
	}
	return count, nil
}

func (im *auctionImpl) Update(c ctx.Ctx, a *auction.Auction) error {
	next := a.Clone()
	next.Version = a.Version + 1

	selector := bson.M{"id": a.Id, "version": a.Version}
	err := im.q.Replace(c, domain.TableAuctions, selector, next)
	if err == nil {
		a.Version = next.Version
		return nil
	} else if err != query.ErrNotFound {
		c.WithField("err", err).Error("q.Replace failed")
		return err
	}

	// tell a stale version from a missing auction
	if _, err := im.FindOne(c, a.Id); err != nil {
		return err
	}
	return domain.ErrConflict
}
