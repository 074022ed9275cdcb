package broadcast

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/domain/auction"
	"github.com/x-xyz/bidengine/domain/bid"
)

type EventType string

const (
	EventAuctionSnapshot  EventType = "auction-snapshot"
	EventBidAccepted      EventType = "bid-accepted"
	EventBidCancelled     EventType = "bid-cancelled"
	EventOutbidNotice     EventType = "outbid-notice"
	EventAuctionExtended  EventType = "auction-extended"
	EventAuctionEnded     EventType = "auction-ended"
	EventParticipantCount EventType = "participant-count"
)

// Event is a message pushed to room participants. Target is set for events
// meant for a single user.
type Event struct {
	Type      EventType   `json:"type"`
	AuctionId string      `json:"auctionId"`
	Target    string      `json:"target,omitempty"`
	At        time.Time   `json:"at"`
	Payload   interface{} `json:"payload"`
}

type BidAcceptedPayload struct {
	Bid               *bid.PublicBid  `json:"bid"`
	CurrentPrice      decimal.Decimal `json:"currentPrice"`
	MinimumNextBid    decimal.Decimal `json:"minimumNextBid"`
	TotalBids         int64           `json:"totalBids"`
	UniqueBidderCount int             `json:"uniqueBidderCount"`
	ReserveMet        bool            `json:"reserveMet"`
	EndTime           time.Time       `json:"endTime"`
}

type BidCancelledPayload struct {
	BidId        string          `json:"bidId"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	WinnerId     *string         `json:"winnerId,omitempty"`
}

type OutbidNoticePayload struct {
	AuctionTitle   string          `json:"auctionTitle"`
	NewHighBid     decimal.Decimal `json:"newHighBid"`
	MinimumNextBid decimal.Decimal `json:"minimumNextBid"`
}

type AuctionExtendedPayload struct {
	NewEndTime time.Time `json:"newEndTime"`
}

type AuctionEndedPayload struct {
	Status     auction.Status   `json:"status"`
	WinnerId   *string          `json:"winnerId,omitempty"`
	FinalPrice *decimal.Decimal `json:"finalPrice,omitempty"`
	ReserveMet bool             `json:"reserveMet"`
}

type ParticipantCountPayload struct {
	Count int `json:"count"`
}

// Publisher is what the bidding engine tells the outside world. Every method
// returns without waiting for delivery.
type Publisher interface {
	PublishBidAccepted(c ctx.Ctx, a *auction.Auction, b *bid.Bid)
	PublishBidCancelled(c ctx.Ctx, a *auction.Auction, b *bid.Bid)
	NotifyOutbid(c ctx.Ctx, a *auction.Auction, userId string)
	PublishExtended(c ctx.Ctx, a *auction.Auction)
	// PublishEnded announces the final state and closes the room
	PublishEnded(c ctx.Ctx, a *auction.Auction)
}

// SnapshotReader loads the state sent to a joining participant
type SnapshotReader interface {
	Snapshot(c ctx.Ctx, id string) (*auction.Snapshot, error)
}

// Subscription is one connection of a participant in a room. Events is
// closed when the subscription ends.
type Subscription struct {
	Id        string
	AuctionId string
	UserId    string
	Events    <-chan *Event
}

type Gateway interface {
	Publisher

	// Join registers the connection and queues the room snapshot as its first event
	Join(c ctx.Ctx, auctionId, userId string) (*Subscription, error)
	Leave(c ctx.Ctx, sub *Subscription)
	ParticipantCount(auctionId string) int
	// CloseRoom drops every participant of the room
	CloseRoom(c ctx.Ctx, auctionId string)
}
