package auction

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/domain"
	"github.com/x-xyz/bidengine/domain/bid"
)

type Repo interface {
	// Insert returns domain.ErrConflict if the id exists
	Insert(c ctx.Ctx, a *Auction) error
	FindOne(c ctx.Ctx, id string) (*Auction, error)
	FindAll(c ctx.Ctx, opts ...FindAllOptionsFunc) ([]*Auction, error)
	Count(c ctx.Ctx, opts ...FindAllOptionsFunc) (int, error)
	// Update replaces the stored auction if its version still equals a.Version
	// and bumps a.Version on success. A stale version returns domain.ErrConflict.
	Update(c ctx.Ctx, a *Auction) error
}

type PlaceBidRequest struct {
	RequestId    string           `json:"requestId" validate:"max=128"`
	AuctionId    string           `json:"-"`
	BidderId     string           `json:"-"`
	Amount       decimal.Decimal  `json:"amount" validate:"gt=0"`
	IsProxy      bool             `json:"isProxy"`
	ProxyCeiling *decimal.Decimal `json:"proxyCeiling,omitempty" validate:"omitempty,gt=0"`
}

type BuyNowRequest struct {
	RequestId string `json:"requestId" validate:"max=128"`
	AuctionId string `json:"-"`
	BidderId  string `json:"-"`
}

type BidResult struct {
	Accepted        bool            `json:"accepted"`
	Reason          Reason          `json:"reason,omitempty"`
	Retryable       bool            `json:"retryable,omitempty"`
	BidId           string          `json:"bidId,omitempty"`
	ResultingPrice  decimal.Decimal `json:"resultingPrice"`
	TotalBids       int64           `json:"totalBids"`
	TimeRemainingMs int64           `json:"timeRemainingMs"`
	Winning         bool            `json:"winning"`
	Replayed        bool            `json:"replayed,omitempty"`
}

type CreateRequest struct {
	SellerId               string           `json:"-"`
	ItemRef                *ItemRef         `json:"itemRef,omitempty"`
	Title                  string           `json:"title" validate:"required,max=200"`
	Description            string           `json:"description" validate:"max=5000"`
	StartingPrice          decimal.Decimal  `json:"startingPrice" validate:"gte=0"`
	ReservePrice           *decimal.Decimal `json:"reservePrice,omitempty" validate:"omitempty,gt=0"`
	BuyNowPrice            *decimal.Decimal `json:"buyNowPrice,omitempty" validate:"omitempty,gt=0"`
	BidIncrement           decimal.Decimal  `json:"bidIncrement" validate:"gt=0"`
	StartTime              time.Time        `json:"startTime"`
	EndTime                time.Time        `json:"endTime"`
	ExtensionWindowSeconds int64            `json:"extensionWindowSeconds" validate:"gte=0"`
	ExtensionAmountSeconds int64            `json:"extensionAmountSeconds" validate:"gte=0"`
	AllowBidCancellation   bool             `json:"allowBidCancellation"`
	// Schedule publishes the auction immediately instead of keeping a draft
	Schedule bool `json:"schedule"`
}

// UpdateRequest carries only the terms to change
type UpdateRequest struct {
	ItemRef                *ItemRef         `json:"itemRef,omitempty"`
	Title                  *string          `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
	Description            *string          `json:"description,omitempty" validate:"omitempty,max=5000"`
	StartingPrice          *decimal.Decimal `json:"startingPrice,omitempty" validate:"omitempty,gte=0"`
	ReservePrice           *decimal.Decimal `json:"reservePrice,omitempty" validate:"omitempty,gt=0"`
	BuyNowPrice            *decimal.Decimal `json:"buyNowPrice,omitempty" validate:"omitempty,gt=0"`
	BidIncrement           *decimal.Decimal `json:"bidIncrement,omitempty" validate:"omitempty,gt=0"`
	StartTime              *time.Time       `json:"startTime,omitempty"`
	EndTime                *time.Time       `json:"endTime,omitempty"`
	ExtensionWindowSeconds *int64           `json:"extensionWindowSeconds,omitempty" validate:"omitempty,gte=0"`
	ExtensionAmountSeconds *int64           `json:"extensionAmountSeconds,omitempty" validate:"omitempty,gte=0"`
	AllowBidCancellation   *bool            `json:"allowBidCancellation,omitempty"`
}

// Timer is told whenever an auction's next lifecycle deadline may have moved
type Timer interface {
	Arm(c ctx.Ctx, a *Auction)
}

type UseCase interface {
	PlaceBid(c ctx.Ctx, req PlaceBidRequest) (*BidResult, error)
	BuyNow(c ctx.Ctx, req BuyNowRequest) (*BidResult, error)
	CancelBid(c ctx.Ctx, auctionId, bidId, bidderId string) (*Auction, error)

	Create(c ctx.Ctx, req CreateRequest) (*Auction, error)
	Update(c ctx.Ctx, id string, actor domain.Principal, req UpdateRequest) (*Auction, error)
	Schedule(c ctx.Ctx, id string, actor domain.Principal) (*Auction, error)
	Cancel(c ctx.Ctx, id string, actor domain.Principal) (*Auction, error)
	Delete(c ctx.Ctx, id string, actor domain.Principal) error
	Watch(c ctx.Ctx, id, userId string) (*Auction, error)
	Unwatch(c ctx.Ctx, id, userId string) (*Auction, error)

	FindOne(c ctx.Ctx, id string) (*Auction, error)
	FindAll(c ctx.Ctx, opts ...FindAllOptionsFunc) ([]*Auction, error)
	Count(c ctx.Ctx, opts ...FindAllOptionsFunc) (int, error)
	BidHistory(c ctx.Ctx, id string, limit int) ([]*bid.Bid, error)
	Snapshot(c ctx.Ctx, id string) (*Snapshot, error)

	// Activate moves a scheduled auction whose start time passed to active
	Activate(c ctx.Ctx, id string) (*Auction, error)
	// Close ends an active auction whose end time passed. Closing an auction
	// that is already ended is a no-op.
	Close(c ctx.Ctx, id string) (*Auction, error)
	// ResumeCloseNotification re-sends the end of auction notifications that
	// were interrupted after the close was persisted
	ResumeCloseNotification(c ctx.Ctx, id string) error
	// Reconcile repairs a bid ledger left behind by an interrupted acceptance
	Reconcile(c ctx.Ctx, id string) error
}
