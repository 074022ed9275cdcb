package eventstream

import (
	"time"

	"github.com/x-xyz/bidengine/base/ctx"
)

type EventType string

const (
	EventAuctionCreated   EventType = "auction.created"
	EventAuctionScheduled EventType = "auction.scheduled"
	EventAuctionActivated EventType = "auction.activated"
	EventAuctionExtended  EventType = "auction.extended"
	EventAuctionEnded     EventType = "auction.ended"
	EventAuctionCancelled EventType = "auction.cancelled"
	EventBidAccepted      EventType = "bid.accepted"
	EventBidCancelled     EventType = "bid.cancelled"
)

// Event is a domain event for downstream consumers. Events of one auction
// share the partition key so their order is kept.
type Event struct {
	Type      EventType   `json:"type"`
	AuctionId string      `json:"auctionId"`
	Version   int64       `json:"version"`
	At        time.Time   `json:"at"`
	Data      interface{} `json:"data"`
}

type Producer interface {
	Produce(c ctx.Ctx, events ...*Event) error
	Close() error
}
