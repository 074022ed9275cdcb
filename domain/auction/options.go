package auction

import (
	"time"

	"github.com/x-xyz/bidengine/domain"
)

type findAllOptions struct {
	SortBy         *string         `bson:"-"`
	SortDir        *domain.SortDir `bson:"-"`
	Offset         *int32          `bson:"-"`
	Limit          *int32          `bson:"-"`
	SellerId       *string         `bson:"sellerId"`
	CloseNotified  *bool           `bson:"closeNotified"`
	LedgerPending  *bool           `bson:"ledgerPending"`
	Statuses       []Status        `bson:"-"`
	StartTimeLTE   *time.Time      `bson:"-"`
	EndTimeLTE     *time.Time      `bson:"-"`
	IncludeDeleted bool            `bson:"-"`
}

// SortFields lists the fields results can be ordered by
var SortFields = map[string]bool{
	"createdAt":    true,
	"startTime":    true,
	"endTime":      true,
	"currentPrice": true,
	"totalBids":    true,
}

type FindAllOptionsFunc func(*findAllOptions) error

func GetFindAllOptions(opts ...FindAllOptionsFunc) (findAllOptions, error) {
	res := findAllOptions{}

	for _, opt := range opts {
		if err := opt(&res); err != nil {
			return res, err
		}
	}

	return res, nil
}

func WithSort(sortby string, sortdir domain.SortDir) FindAllOptionsFunc {
	return func(options *findAllOptions) error {
		if !SortFields[sortby] {
			return domain.ErrBadParamInput
		}
		options.SortBy = &sortby
		options.SortDir = &sortdir
		return nil
	}
}

func WithPagination(offset int32, limit int32) FindAllOptionsFunc {
	return func(options *findAllOptions) error {
		if offset < 0 || limit < 0 {
			return domain.ErrBadParamInput
		}
		options.Offset = &offset
		options.Limit = &limit
		return nil
	}
}

func WithSellerId(sellerId string) FindAllOptionsFunc {
	return func(options *findAllOptions) error {
		options.SellerId = &sellerId
		return nil
	}
}

func WithStatus(statuses ...Status) FindAllOptionsFunc {
	return func(options *findAllOptions) error {
		for _, s := range statuses {
			if !s.IsValid() {
				return domain.ErrBadParamInput
			}
		}
		options.Statuses = statuses
		return nil
	}
}

// WithStartTimeLTE selects auctions that should have started by t
func WithStartTimeLTE(t time.Time) FindAllOptionsFunc {
	return func(options *findAllOptions) error {
		options.StartTimeLTE = &t
		return nil
	}
}

// WithEndTimeLTE selects auctions that should have ended by t
func WithEndTimeLTE(t time.Time) FindAllOptionsFunc {
	return func(options *findAllOptions) error {
		options.EndTimeLTE = &t
		return nil
	}
}

func WithCloseNotified(notified bool) FindAllOptionsFunc {
	return func(options *findAllOptions) error {
		options.CloseNotified = &notified
		return nil
	}
}

func WithLedgerPending(pending bool) FindAllOptionsFunc {
	return func(options *findAllOptions) error {
		options.LedgerPending = &pending
		return nil
	}
}

func WithIncludeDeleted() FindAllOptionsFunc {
	return func(options *findAllOptions) error {
		options.IncludeDeleted = true
		return nil
	}
}

// Match evaluates the options against an auction, for stores without a query engine
func (o findAllOptions) Match(a *Auction) bool {
	if a.Deleted && !o.IncludeDeleted {
		return false
	}
	if o.SellerId != nil && a.SellerId != *o.SellerId {
		return false
	}
	if o.CloseNotified != nil && a.CloseNotified != *o.CloseNotified {
		return false
	}
	if o.LedgerPending != nil && a.LedgerPending != *o.LedgerPending {
		return false
	}
	if o.StartTimeLTE != nil && a.StartTime.After(*o.StartTimeLTE) {
		return false
	}
	if o.EndTimeLTE != nil && a.EndTime.After(*o.EndTimeLTE) {
		return false
	}
	if len(o.Statuses) > 0 {
		found := false
		for _, s := range o.Statuses {
			if a.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
