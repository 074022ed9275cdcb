package auction

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/x-xyz/bidengine/domain/bid"
)

// ItemRef points at the thing being sold, opaque to the engine
type ItemRef struct {
	Type string `json:"type" bson:"type"`
	Id   string `json:"id" bson:"id"`
}

type Auction struct {
	Id          string   `json:"id" bson:"id"`
	SellerId    string   `json:"sellerId" bson:"sellerId"`
	ItemRef     *ItemRef `json:"itemRef,omitempty" bson:"itemRef,omitempty"`
	Title       string   `json:"title" bson:"title"`
	Description string   `json:"description,omitempty" bson:"description,omitempty"`

	StartingPrice decimal.Decimal `json:"startingPrice" bson:"startingPrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice" bson:"currentPrice"`
	// ReservePrice is cleared once a bid meets it
	ReservePrice *decimal.Decimal `json:"reservePrice,omitempty" bson:"reservePrice,omitempty"`
	HasReserve   bool             `json:"hasReserve" bson:"hasReserve"`
	BuyNowPrice  *decimal.Decimal `json:"buyNowPrice,omitempty" bson:"buyNowPrice,omitempty"`
	BidIncrement decimal.Decimal  `json:"bidIncrement" bson:"bidIncrement"`

	StartTime              time.Time `json:"startTime" bson:"startTime"`
	EndTime                time.Time `json:"endTime" bson:"endTime"`
	ExtensionWindowSeconds int64     `json:"extensionWindowSeconds" bson:"extensionWindowSeconds"`
	ExtensionAmountSeconds int64     `json:"extensionAmountSeconds" bson:"extensionAmountSeconds"`
	AllowBidCancellation   bool      `json:"allowBidCancellation" bson:"allowBidCancellation"`

	Status         Status           `json:"status" bson:"status"`
	WinnerId       *string          `json:"winnerId,omitempty" bson:"winnerId,omitempty"`
	WinningBid     *decimal.Decimal `json:"winningBid,omitempty" bson:"winningBid,omitempty"`
	WinningBidTime *time.Time       `json:"winningBidTime,omitempty" bson:"winningBidTime,omitempty"`
	WinningBidId   *string          `json:"winningBidId,omitempty" bson:"winningBidId,omitempty"`

	TotalBids         int64    `json:"totalBids" bson:"totalBids"`
	UniqueBidderCount int      `json:"uniqueBidderCount" bson:"uniqueBidderCount"`
	WatcherIds        []string `json:"watcherIds" bson:"watcherIds"`

	// LastBid is the latest accepted bid, kept on the aggregate until the
	// ledger confirms it
	LastBid       *bid.Bid `json:"-" bson:"lastBid,omitempty" cbor:"lastBid,omitempty"`
	LedgerPending bool     `json:"-" bson:"ledgerPending" cbor:"ledgerPending"`
	CloseNotified bool     `json:"-" bson:"closeNotified" cbor:"closeNotified"`

	Version   int64      `json:"version" bson:"version"`
	Deleted   bool       `json:"-" bson:"deleted" cbor:"deleted"`
	DeletedAt *time.Time `json:"-" bson:"deletedAt,omitempty" cbor:"deletedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty" bson:"endedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt" bson:"updatedAt"`
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Clone returns a deep copy, so stores never share state with callers
func (a *Auction) Clone() *Auction {
	if a == nil {
		return nil
	}
	res := *a
	if a.ItemRef != nil {
		ref := *a.ItemRef
		res.ItemRef = &ref
	}
	res.ReservePrice = cloneDecimal(a.ReservePrice)
	res.BuyNowPrice = cloneDecimal(a.BuyNowPrice)
	res.WinnerId = cloneString(a.WinnerId)
	res.WinningBid = cloneDecimal(a.WinningBid)
	res.WinningBidTime = cloneTime(a.WinningBidTime)
	res.WinningBidId = cloneString(a.WinningBidId)
	res.LastBid = a.LastBid.Clone()
	res.DeletedAt = cloneTime(a.DeletedAt)
	res.EndedAt = cloneTime(a.EndedAt)
	if a.WatcherIds != nil {
		res.WatcherIds = append([]string{}, a.WatcherIds...)
	}
	return &res
}

// MinimumNextBid is the lowest amount a new bid may have
func (a *Auction) MinimumNextBid() decimal.Decimal {
	return a.CurrentPrice.Add(a.BidIncrement)
}

// ReserveMet reports whether the auction may be won at the current price
func (a *Auction) ReserveMet() bool {
	return a.ReservePrice == nil
}

// TimeRemaining is zero once the auction is over
func (a *Auction) TimeRemaining(now time.Time) time.Duration {
	if a.Status != StatusActive && a.Status != StatusScheduled {
		return 0
	}
	if d := a.EndTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (a *Auction) IsWatchedBy(userId string) bool {
	for _, w := range a.WatcherIds {
		if w == userId {
			return true
		}
	}
	return false
}

func (a *Auction) ExtensionWindow() time.Duration {
	return time.Duration(a.ExtensionWindowSeconds) * time.Second
}

func (a *Auction) ExtensionAmount() time.Duration {
	return time.Duration(a.ExtensionAmountSeconds) * time.Second
}

// ClearWinner resets the winner fields and the price to the opening state
func (a *Auction) ClearWinner() {
	a.WinnerId = nil
	a.WinningBid = nil
	a.WinningBidTime = nil
	a.WinningBidId = nil
	a.CurrentPrice = a.StartingPrice
}

// SetWinner makes b the winning bid of the auction
func (a *Auction) SetWinner(b *bid.Bid) {
	winner := b.BidderId
	amount := b.Amount
	placedAt := b.PlacedAt
	id := b.Id
	a.WinnerId = &winner
	a.WinningBid = &amount
	a.WinningBidTime = &placedAt
	a.WinningBidId = &id
	a.CurrentPrice = amount
}

// PublicAuction is the auction as shown to anyone but the seller
type PublicAuction struct {
	Id                     string           `json:"id"`
	SellerId               string           `json:"sellerId"`
	ItemRef                *ItemRef         `json:"itemRef,omitempty"`
	Title                  string           `json:"title"`
	Description            string           `json:"description,omitempty"`
	StartingPrice          decimal.Decimal  `json:"startingPrice"`
	CurrentPrice           decimal.Decimal  `json:"currentPrice"`
	MinimumNextBid         decimal.Decimal  `json:"minimumNextBid"`
	BidIncrement           decimal.Decimal  `json:"bidIncrement"`
	BuyNowPrice            *decimal.Decimal `json:"buyNowPrice,omitempty"`
	HasReserve             bool             `json:"hasReserve"`
	ReserveMet             bool             `json:"reserveMet"`
	StartTime              time.Time        `json:"startTime"`
	EndTime                time.Time        `json:"endTime"`
	ExtensionWindowSeconds int64            `json:"extensionWindowSeconds"`
	ExtensionAmountSeconds int64            `json:"extensionAmountSeconds"`
	AllowBidCancellation   bool             `json:"allowBidCancellation"`
	Status                 Status           `json:"status"`
	WinnerId               *string          `json:"winnerId,omitempty"`
	WinningBid             *decimal.Decimal `json:"winningBid,omitempty"`
	WinningBidTime         *time.Time       `json:"winningBidTime,omitempty"`
	TotalBids              int64            `json:"totalBids"`
	UniqueBidderCount      int              `json:"uniqueBidderCount"`
	WatcherCount           int              `json:"watcherCount"`
	TimeRemainingMs        int64            `json:"timeRemainingMs"`
	EndedAt                *time.Time       `json:"endedAt,omitempty"`
	Version                int64            `json:"version"`
}

// Public hides the reserve amount and watcher identities. With redact set the
// winner is shown under a per auction pseudonym.
func (a *Auction) Public(now time.Time, redact bool) *PublicAuction {
	winner := cloneString(a.WinnerId)
	if redact && winner != nil {
		w := bid.RedactBidder(a.Id, *winner)
		winner = &w
	}
	return &PublicAuction{
		Id:                     a.Id,
		SellerId:               a.SellerId,
		ItemRef:                a.ItemRef,
		Title:                  a.Title,
		Description:            a.Description,
		StartingPrice:          a.StartingPrice,
		CurrentPrice:           a.CurrentPrice,
		MinimumNextBid:         a.MinimumNextBid(),
		BidIncrement:           a.BidIncrement,
		BuyNowPrice:            cloneDecimal(a.BuyNowPrice),
		HasReserve:             a.HasReserve,
		ReserveMet:             a.HasReserve && a.ReserveMet(),
		StartTime:              a.StartTime,
		EndTime:                a.EndTime,
		ExtensionWindowSeconds: a.ExtensionWindowSeconds,
		ExtensionAmountSeconds: a.ExtensionAmountSeconds,
		AllowBidCancellation:   a.AllowBidCancellation,
		Status:                 a.Status,
		WinnerId:               winner,
		WinningBid:             cloneDecimal(a.WinningBid),
		WinningBidTime:         cloneTime(a.WinningBidTime),
		TotalBids:              a.TotalBids,
		UniqueBidderCount:      a.UniqueBidderCount,
		WatcherCount:           len(a.WatcherIds),
		TimeRemainingMs:        a.TimeRemaining(now).Milliseconds(),
		EndedAt:                cloneTime(a.EndedAt),
		Version:                a.Version,
	}
}

// Snapshot is the full state a participant receives when joining a room
type Snapshot struct {
	Auction          *PublicAuction   `json:"auction"`
	Bids             []*bid.PublicBid `json:"bids"`
	ParticipantCount int              `json:"participantCount"`
}
