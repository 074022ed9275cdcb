package usecase

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/viney-shih/goroutines"

	"github.com/x-xyz/bidengine/base/backoff"
	"github.com/x-xyz/bidengine/base/clock"
	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/goroutine"
	"github.com/x-xyz/bidengine/base/log"
	"github.com/x-xyz/bidengine/base/metrics"
	"github.com/x-xyz/bidengine/domain/auction"
	"github.com/x-xyz/bidengine/domain/bid"
	"github.com/x-xyz/bidengine/domain/broadcast"
	"github.com/x-xyz/bidengine/domain/keys"
	"github.com/x-xyz/bidengine/service/redis"
)

const relayQueueTimeout = 10 * time.Millisecond

type HubCfg struct {
	Reader broadcast.SnapshotReader
	// Redis relays room events to the other instances, optional
	Redis      redis.Service
	InstanceId string
	// BufferSize is how many events a connection may lag behind before it is dropped
	BufferSize   int
	RedactBidder bool
	Clock        clock.Clock
}

type subscriber struct {
	id     string
	userId string
	ch     chan *broadcast.Event
	// pending holds events published while the join snapshot loads
	pending  []*broadcast.Event
	ready    bool
	detached bool
}

type room struct {
	subs map[string]*subscriber
	// users counts connections per user, the participants are its keys
	users map[string]int
}

// Hub keeps one room per auction and fans events out to its connections. A
// connection that cannot keep up is dropped; it reconnects and starts again
// from a fresh snapshot.
type Hub struct {
	reader     broadcast.SnapshotReader
	redis      redis.Service
	instanceId string
	bufferSize int
	redact     bool
	now        clock.Clock
	met        metrics.Service
	relayPool  *goroutines.Pool

	mu    sync.Mutex
	rooms map[string]*room
}

func New(cfg *HubCfg) *Hub {
	h := &Hub{
		reader:     cfg.Reader,
		redis:      cfg.Redis,
		instanceId: cfg.InstanceId,
		bufferSize: cfg.BufferSize,
		redact:     cfg.RedactBidder,
		now:        cfg.Clock,
		met:        metrics.New("broadcast"),
		rooms:      map[string]*room{},
	}
	if h.bufferSize <= 0 {
		h.bufferSize = 64
	}
	if h.now == nil {
		h.now = clock.System
	}
	if h.instanceId == "" {
		h.instanceId = uuid.New().String()
	}
	if h.redis != nil {
		h.relayPool = goroutines.NewPool(1, goroutines.WithTaskQueueLength(4096), goroutines.WithPreAllocWorkers(1))
	}
	return h
}

// SetReader sets where join snapshots come from when it was not known at construction
func (h *Hub) SetReader(reader broadcast.SnapshotReader) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reader = reader
}

func (h *Hub) snapshotReader() broadcast.SnapshotReader {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reader
}

// Start listens for events relayed by other instances until c is done
func (h *Hub) Start(c ctx.Ctx) {
	if h.redis == nil {
		return
	}
	goroutine.RecoverableGo(func() {
		wait := backoff.NewExponential(100*time.Millisecond, 10*time.Second)
		for {
			err := h.redis.Subscribe(c, keys.ChannelAuctionEvents, func(payload []byte) {
				wait.Reset()
				h.onRelay(c, payload)
			})
			if c.Err() != nil {
				return
			}
			c.WithField("err", err).Warn("relay subscription lost")
			if err := wait.Backoff(c); err != nil {
				return
			}
		}
	}, goroutine.WithName("broadcast.relay"))
}

// Stop releases the relay workers
func (h *Hub) Stop() {
	if h.relayPool != nil {
		h.relayPool.Release()
	}
}

func (h *Hub) Join(c ctx.Ctx, auctionId, userId string) (*broadcast.Subscription, error) {
	if auctionId == "" || userId == "" {
		return nil, auction.ErrInvalidRequest
	}
	c = ctx.WithValues(c, map[string]interface{}{"auctionId": auctionId, "userId": userId})

	sub := &subscriber{
		id:     uuid.New().String(),
		userId: userId,
		ch:     make(chan *broadcast.Event, h.bufferSize+1),
	}
	h.mu.Lock()
	r, ok := h.rooms[auctionId]
	if !ok {
		r = &room{subs: map[string]*subscriber{}, users: map[string]int{}}
		h.rooms[auctionId] = r
	}
	r.subs[sub.id] = sub
	r.users[userId]++
	first := r.users[userId] == 1
	h.mu.Unlock()

	snap, err := h.snapshotReader().Snapshot(c, auctionId)
	if err != nil {
		h.mu.Lock()
		h.dropLocked(auctionId, sub)
		h.mu.Unlock()
		c.WithField("err", err).Warn("snapshot failed, join refused")
		return nil, err
	}

	h.mu.Lock()
	count := 0
	if r, ok := h.rooms[auctionId]; ok && !sub.detached {
		count = len(r.users)
	}
	snap.ParticipantCount = count
	sub.ch <- &broadcast.Event{
		Type:      broadcast.EventAuctionSnapshot,
		AuctionId: auctionId,
		At:        h.now(),
		Payload:   snap,
	}
	for _, ev := range sub.pending {
		sub.ch <- ev
	}
	sub.pending = nil
	sub.ready = true

	// late joiners of a finished auction get its final state and nothing more
	terminal := snap.Auction != nil && snap.Auction.Status.IsTerminal()
	if sub.detached {
		close(sub.ch)
		first = false
	} else if terminal {
		h.dropLocked(auctionId, sub)
		first = false
	}
	h.mu.Unlock()

	if first {
		h.announceCount(c, auctionId, count)
	}
	h.met.BumpSum("join", 1)
	return &broadcast.Subscription{
		Id:        sub.id,
		AuctionId: auctionId,
		UserId:    userId,
		Events:    sub.ch,
	}, nil
}

func (h *Hub) Leave(c ctx.Ctx, s *broadcast.Subscription) {
	h.mu.Lock()
	r, ok := h.rooms[s.AuctionId]
	if !ok {
		h.mu.Unlock()
		return
	}
	sub, ok := r.subs[s.Id]
	if !ok {
		h.mu.Unlock()
		return
	}
	left := h.dropLocked(s.AuctionId, sub)
	count := len(r.users)
	h.mu.Unlock()

	if left {
		h.announceCount(c, s.AuctionId, count)
	}
}

// dropLocked detaches sub from its room and reports whether its user left
// the room with it
func (h *Hub) dropLocked(auctionId string, sub *subscriber) bool {
	if sub.detached {
		return false
	}
	sub.detached = true
	if sub.ready {
		close(sub.ch)
	}

	r, ok := h.rooms[auctionId]
	if !ok {
		return false
	}
	if _, ok := r.subs[sub.id]; !ok {
		return false
	}
	delete(r.subs, sub.id)
	left := false
	if r.users[sub.userId]--; r.users[sub.userId] <= 0 {
		delete(r.users, sub.userId)
		left = true
	}
	if len(r.subs) == 0 {
		delete(h.rooms, auctionId)
	}
	return left
}

func (h *Hub) ParticipantCount(auctionId string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[auctionId]; ok {
		return len(r.users)
	}
	return 0
}

func (h *Hub) CloseRoom(c ctx.Ctx, auctionId string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeRoomLocked(auctionId)
}

func (h *Hub) closeRoomLocked(auctionId string) {
	r, ok := h.rooms[auctionId]
	if !ok {
		return
	}
	for _, sub := range r.subs {
		sub.detached = true
		if sub.ready {
			close(sub.ch)
		}
	}
	delete(h.rooms, auctionId)
}

// deliver hands ev to the local connections of its room. Connections with a
// full queue are dropped.
func (h *Hub) deliver(c ctx.Ctx, ev *broadcast.Event) {
	h.mu.Lock()
	r, ok := h.rooms[ev.AuctionId]
	if !ok {
		h.mu.Unlock()
		return
	}

	slow := []*subscriber{}
	for _, sub := range r.subs {
		if ev.Target != "" && sub.userId != ev.Target {
			continue
		}
		if !sub.ready {
			if len(sub.pending) >= h.bufferSize {
				slow = append(slow, sub)
				continue
			}
			sub.pending = append(sub.pending, ev)
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			slow = append(slow, sub)
		}
	}

	left := false
	for _, sub := range slow {
		h.met.BumpSum("dropped", 1, "type", string(ev.Type))
		c.WithFields(log.Fields{"auctionId": ev.AuctionId, "userId": sub.userId}).Warn("slow connection dropped")
		if !sub.ready {
			// Join notices the detach and closes it after the snapshot
			sub.pending = nil
		}
		if h.dropLocked(ev.AuctionId, sub) {
			left = true
		}
	}
	count := len(r.users)
	h.mu.Unlock()

	if left {
		h.announceCount(c, ev.AuctionId, count)
	}
}

// announceCount tells a room its participant count. Counts are per instance
// and never relayed.
func (h *Hub) announceCount(c ctx.Ctx, auctionId string, count int) {
	h.deliver(c, &broadcast.Event{
		Type:      broadcast.EventParticipantCount,
		AuctionId: auctionId,
		At:        h.now(),
		Payload:   &broadcast.ParticipantCountPayload{Count: count},
	})
}

// publish delivers ev locally and relays it to the other instances
func (h *Hub) publish(c ctx.Ctx, ev *broadcast.Event) {
	h.deliver(c, ev)
	h.relay(c, ev)
}

func (h *Hub) bidder(auctionId, bidderId string) string {
	if h.redact {
		return bid.RedactBidder(auctionId, bidderId)
	}
	return bidderId
}

func (h *Hub) winner(a *auction.Auction) *string {
	if a.WinnerId == nil {
		return nil
	}
	w := h.bidder(a.Id, *a.WinnerId)
	return &w
}

func (h *Hub) PublishBidAccepted(c ctx.Ctx, a *auction.Auction, b *bid.Bid) {
	h.publish(c, &broadcast.Event{
		Type:      broadcast.EventBidAccepted,
		AuctionId: a.Id,
		At:        h.now(),
		Payload: &broadcast.BidAcceptedPayload{
			Bid:               b.Public(h.redact),
			CurrentPrice:      a.CurrentPrice,
			MinimumNextBid:    a.MinimumNextBid(),
			TotalBids:         a.TotalBids,
			UniqueBidderCount: a.UniqueBidderCount,
			ReserveMet:        a.HasReserve && a.ReserveMet(),
			EndTime:           a.EndTime,
		},
	})
}

func (h *Hub) PublishBidCancelled(c ctx.Ctx, a *auction.Auction, b *bid.Bid) {
	h.publish(c, &broadcast.Event{
		Type:      broadcast.EventBidCancelled,
		AuctionId: a.Id,
		At:        h.now(),
		Payload: &broadcast.BidCancelledPayload{
			BidId:        b.Id,
			CurrentPrice: a.CurrentPrice,
			WinnerId:     h.winner(a),
		},
	})
}

func (h *Hub) NotifyOutbid(c ctx.Ctx, a *auction.Auction, userId string) {
	h.publish(c, &broadcast.Event{
		Type:      broadcast.EventOutbidNotice,
		AuctionId: a.Id,
		Target:    userId,
		At:        h.now(),
		Payload: &broadcast.OutbidNoticePayload{
			AuctionTitle:   a.Title,
			NewHighBid:     a.CurrentPrice,
			MinimumNextBid: a.MinimumNextBid(),
		},
	})
}

func (h *Hub) PublishExtended(c ctx.Ctx, a *auction.Auction) {
	h.publish(c, &broadcast.Event{
		Type:      broadcast.EventAuctionExtended,
		AuctionId: a.Id,
		At:        h.now(),
		Payload:   &broadcast.AuctionExtendedPayload{NewEndTime: a.EndTime},
	})
}

func (h *Hub) PublishEnded(c ctx.Ctx, a *auction.Auction) {
	payload := &broadcast.AuctionEndedPayload{
		Status:     a.Status,
		WinnerId:   h.winner(a),
		ReserveMet: a.HasReserve && a.ReserveMet(),
	}
	if a.WinnerId != nil {
		price := a.CurrentPrice
		payload.FinalPrice = &price
	}
	h.publish(c, &broadcast.Event{
		Type:      broadcast.EventAuctionEnded,
		AuctionId: a.Id,
		At:        h.now(),
		Payload:   payload,
	})
	h.CloseRoom(c, a.Id)
}

type relayed struct {
	Origin string           `json:"origin"`
	Event  *broadcast.Event `json:"event"`
}

func (h *Hub) relay(c ctx.Ctx, ev *broadcast.Event) {
	if h.redis == nil {
		return
	}
	payload, err := json.Marshal(&relayed{Origin: h.instanceId, Event: ev})
	if err != nil {
		c.WithField("err", err).Error("json.Marshal failed")
		return
	}

	rc := ctx.Detach(c)
	err = h.relayPool.ScheduleWithTimeout(relayQueueTimeout, func() {
		if _, err := h.redis.Publish(rc, keys.ChannelAuctionEvents, payload); err != nil {
			h.met.BumpSum("relay.err", 1)
			rc.WithFields(log.Fields{"err": err, "auctionId": ev.AuctionId}).Warn("redis.Publish failed")
		}
	})
	if err != nil {
		h.met.BumpSum("relay.dropped", 1)
		c.WithFields(log.Fields{"err": err, "auctionId": ev.AuctionId}).Warn("relay queue full, event dropped")
	}
}

// onRelay delivers an event published by another instance
func (h *Hub) onRelay(c ctx.Ctx, payload []byte) {
	msg := relayed{}
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.WithField("err", err).Warn("json.Unmarshal relayed event failed")
		return
	}
	if msg.Origin == h.instanceId || msg.Event == nil {
		return
	}
	h.met.BumpSum("relay.received", 1, "type", string(msg.Event.Type))
	h.deliver(c, msg.Event)
	if msg.Event.Type == broadcast.EventAuctionEnded {
		h.CloseRoom(c, msg.Event.AuctionId)
	}
}
