package usecase

import (
	"time"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/log"
	"github.com/x-xyz/bidengine/domain/auction"
	"github.com/x-xyz/bidengine/domain/bid"
	"github.com/x-xyz/bidengine/domain/eventstream"
)

const produceQueueTimeout = 10 * time.Millisecond

type bidEventData struct {
	Bid     *bid.PublicBid         `json:"bid"`
	Auction *auction.PublicAuction `json:"auction"`
	IsProxy bool                   `json:"isProxy"`
}

func (im *impl) auctionEvent(typ eventstream.EventType, a *auction.Auction) *eventstream.Event {
	now := im.now()
	return &eventstream.Event{
		Type:      typ,
		AuctionId: a.Id,
		Version:   a.Version,
		At:        now,
		Data:      a.Public(now, false),
	}
}

func (im *impl) bidEvent(typ eventstream.EventType, a *auction.Auction, b *bid.Bid) *eventstream.Event {
	now := im.now()
	return &eventstream.Event{
		Type:      typ,
		AuctionId: a.Id,
		Version:   a.Version,
		At:        now,
		Data: bidEventData{
			Bid:     b.Public(false),
			Auction: a.Public(now, false),
			IsProxy: b.IsProxy,
		},
	}
}

// produce hands events to the stream without waiting for the broker. Events
// are dropped when the queue stays full.
func (im *impl) produce(c ctx.Ctx, events ...*eventstream.Event) {
	if im.producer == nil || len(events) == 0 {
		return
	}
	pc := ctx.Detach(c)
	err := im.eventPool.ScheduleWithTimeout(produceQueueTimeout, func() {
		if err := im.producer.Produce(pc, events...); err != nil {
			pc.WithFields(log.Fields{"err": err, "auctionId": events[0].AuctionId}).Warn("producer.Produce failed")
		}
	})
	if err != nil {
		im.met.BumpSum("event.dropped", float64(len(events)))
		c.WithFields(log.Fields{"err": err, "auctionId": events[0].AuctionId}).Warn("event queue full, events dropped")
	}
}

// announceBid tells observers about an accepted bid and the bidders it outbid
func (im *impl) announceBid(c ctx.Ctx, a *auction.Auction, b *bid.Bid, demoted []*bid.Bid, extended bool) {
	im.publisher.PublishBidAccepted(c, a, b)

	// one notice per bidder even when several of their bids were demoted
	notified := map[string]bool{b.BidderId: true}
	for _, d := range demoted {
		if notified[d.BidderId] {
			continue
		}
		notified[d.BidderId] = true
		im.publisher.NotifyOutbid(c, a, d.BidderId)
	}

	events := []*eventstream.Event{im.bidEvent(eventstream.EventBidAccepted, a, b)}
	if extended {
		im.publisher.PublishExtended(c, a)
		im.timer.Arm(c, a)
		events = append(events, im.auctionEvent(eventstream.EventAuctionExtended, a))
	}
	im.produce(c, events...)
}

// announceEnd publishes the terminal state and records that it was sent
func (im *impl) announceEnd(c ctx.Ctx, a *auction.Auction) error {
	im.publisher.PublishEnded(c, a)
	typ := eventstream.EventAuctionEnded
	if a.Status == auction.StatusCancelled {
		typ = eventstream.EventAuctionCancelled
	}
	im.produce(c, im.auctionEvent(typ, a))

	next := a.Clone()
	next.CloseNotified = true
	return im.save(c, a, next)
}
