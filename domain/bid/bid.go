package bid

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/domain"
	"github.com/x-xyz/bidengine/domain/keys"
)

type Disposition string

const (
	DispositionActive    Disposition = "active"
	DispositionWinning   Disposition = "winning"
	DispositionOutbid    Disposition = "outbid"
	DispositionCancelled Disposition = "cancelled"
	DispositionRefunded  Disposition = "refunded"
)

// IsLive reports whether the bid still competes for the item
func (d Disposition) IsLive() bool {
	return d == DispositionActive || d == DispositionWinning
}

// Counts reports whether the bid is considered when resolving the highest bid
func (d Disposition) Counts() bool {
	return d != DispositionCancelled && d != DispositionRefunded
}

// Bid is an entry of the bid ledger. Entries are append only, only
// Disposition changes after insertion.
type Bid struct {
	Id           string           `json:"id" bson:"id"`
	RequestId    string           `json:"requestId,omitempty" bson:"requestId,omitempty"`
	AuctionId    string           `json:"auctionId" bson:"auctionId"`
	BidderId     string           `json:"bidderId" bson:"bidderId"`
	Sequence     int64            `json:"sequence" bson:"sequence"`
	Amount       decimal.Decimal  `json:"amount" bson:"amount"`
	PlacedAt     time.Time        `json:"placedAt" bson:"placedAt"`
	IsProxy      bool             `json:"isProxy" bson:"isProxy"`
	ProxyCeiling *decimal.Decimal `json:"proxyCeiling,omitempty" bson:"proxyCeiling,omitempty"`
	IsAuto       bool             `json:"isAuto" bson:"isAuto"`
	IsBuyNow     bool             `json:"isBuyNow,omitempty" bson:"isBuyNow,omitempty"`
	Disposition  Disposition      `json:"disposition" bson:"disposition"`
	UpdatedAt    time.Time        `json:"updatedAt" bson:"updatedAt"`
}

func (b *Bid) Clone() *Bid {
	if b == nil {
		return nil
	}
	res := *b
	if b.ProxyCeiling != nil {
		ceiling := *b.ProxyCeiling
		res.ProxyCeiling = &ceiling
	}
	return &res
}

// Ceiling returns the maximum the bidder authorized for this bid
func (b *Bid) Ceiling() decimal.Decimal {
	if b.IsProxy && b.ProxyCeiling != nil && b.ProxyCeiling.GreaterThan(b.Amount) {
		return *b.ProxyCeiling
	}
	return b.Amount
}

// PublicBid is the bid as shown to room participants. Proxy ceilings are never exposed.
type PublicBid struct {
	Id          string          `json:"id"`
	BidderId    string          `json:"bidderId"`
	Amount      decimal.Decimal `json:"amount"`
	Sequence    int64           `json:"sequence"`
	PlacedAt    time.Time       `json:"placedAt"`
	IsAuto      bool            `json:"isAuto"`
	Disposition Disposition     `json:"disposition"`
}

func (b *Bid) Public(redact bool) *PublicBid {
	bidder := b.BidderId
	if redact {
		bidder = RedactBidder(b.AuctionId, b.BidderId)
	}
	return &PublicBid{
		Id:          b.Id,
		BidderId:    bidder,
		Amount:      b.Amount,
		Sequence:    b.Sequence,
		PlacedAt:    b.PlacedAt,
		IsAuto:      b.IsAuto,
		Disposition: b.Disposition,
	}
}

// RedactBidder maps a bidder to a pseudonym that is stable within one auction
func RedactBidder(auctionId, bidderId string) string {
	return "bidder-" + keys.MD5(auctionId+":"+bidderId)[:8]
}

var idNamespace = uuid.MustParse("6f1a3c1e-9c55-4a43-9d5b-3f0c2d1e8a70")

// NewId derives the ledger id of a bid. Retried requests carrying the same
// requestId map to the same id so they are never recorded twice.
func NewId(auctionId, bidderId, requestId string) string {
	if requestId == "" {
		return uuid.New().String()
	}
	return uuid.NewSHA1(idNamespace, []byte(auctionId+":"+bidderId+":"+requestId)).String()
}

type findAllOptions struct {
	SortBy       *string         `bson:"-"`
	SortDir      *domain.SortDir `bson:"-"`
	Offset       *int32          `bson:"-"`
	Limit        *int32          `bson:"-"`
	AuctionId    *string         `bson:"auctionId"`
	BidderId     *string         `bson:"bidderId"`
	IsProxy      *bool           `bson:"isProxy"`
	Dispositions []Disposition   `bson:"-"`
	ExcludeId    *string         `bson:"-"`
}

// SortFields lists the fields results can be ordered by
var SortFields = map[string]bool{
	"sequence": true,
	"amount":   true,
	"placedAt": true,
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

func WithAuctionId(auctionId string) FindAllOptionsFunc {
	return func(options *findAllOptions) error {
		options.AuctionId = &auctionId
		return nil
	}
}

func WithBidderId(bidderId string) FindAllOptionsFunc {
	return func(options *findAllOptions) error {
		options.BidderId = &bidderId
		return nil
	}
}

func WithIsProxy(isProxy bool) FindAllOptionsFunc {
	return func(options *findAllOptions) error {
		options.IsProxy = &isProxy
		return nil
	}
}

func WithDispositions(dispositions ...Disposition) FindAllOptionsFunc {
	return func(options *findAllOptions) error {
		options.Dispositions = dispositions
		return nil
	}
}

func WithExcludeId(id string) FindAllOptionsFunc {
	return func(options *findAllOptions) error {
		options.ExcludeId = &id
		return nil
	}
}

// Match evaluates the options against a bid, for stores without a query engine
func (o findAllOptions) Match(b *Bid) bool {
	if o.AuctionId != nil && b.AuctionId != *o.AuctionId {
		return false
	}
	if o.BidderId != nil && b.BidderId != *o.BidderId {
		return false
	}
	if o.IsProxy != nil && b.IsProxy != *o.IsProxy {
		return false
	}
	if o.ExcludeId != nil && b.Id == *o.ExcludeId {
		return false
	}
	if len(o.Dispositions) > 0 {
		found := false
		for _, d := range o.Dispositions {
			if b.Disposition == d {
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

type Repo interface {
	// Insert returns domain.ErrConflict if the id is already recorded
	Insert(c ctx.Ctx, b *Bid) error
	FindOne(c ctx.Ctx, id string) (*Bid, error)
	// FindAll defaults to ascending sequence order
	FindAll(c ctx.Ctx, opts ...FindAllOptionsFunc) ([]*Bid, error)
	UpdateDisposition(c ctx.Ctx, id string, disposition Disposition) error
	// DemoteOthers marks every live bid of the auction except exceptId as outbid
	// and returns the bids it changed
	DemoteOthers(c ctx.Ctx, auctionId, exceptId string) ([]*Bid, error)
	// DistinctBidders lists bidders with at least one bid that still counts
	DistinctBidders(c ctx.Ctx, auctionId string) ([]string, error)
}
