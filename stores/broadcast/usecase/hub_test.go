package usecase

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/x-xyz/bidengine/base/clock"
	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/domain/auction"
	"github.com/x-xyz/bidengine/domain/bid"
	"github.com/x-xyz/bidengine/domain/broadcast"
	"github.com/x-xyz/bidengine/domain/keys"
	"github.com/x-xyz/bidengine/service/redis/mocks"
)

var (
	mockCtx   = ctx.Background()
	testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fakeReader struct {
	mu       sync.Mutex
	auctions map[string]*auction.Auction
	err      error
	// gate blocks Snapshot until closed when set
	gate chan struct{}
}

func (r *fakeReader) Snapshot(c ctx.Ctx, id string) (*auction.Snapshot, error) {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	a, ok := r.auctions[id]
	if !ok {
		return nil, auction.ErrAuctionNotFound
	}
	return &auction.Snapshot{Auction: a.Public(testStart, false), Bids: []*bid.PublicBid{}}, nil
}

type hubSuite struct {
	suite.Suite

	reader *fakeReader
	hub    *Hub
}

func TestHub(t *testing.T) {
	suite.Run(t, new(hubSuite))
}

func (s *hubSuite) SetupTest() {
	s.reader = &fakeReader{auctions: map[string]*auction.Auction{
		"a1": s.auction("a1", auction.StatusActive),
	}}
	s.hub = New(&HubCfg{
		Reader:     s.reader,
		InstanceId: "i1",
		BufferSize: 4,
		Clock:      clock.NewManual(testStart).Now,
	})
}

func (s *hubSuite) TearDownTest() {
	s.hub.Stop()
}

func (s *hubSuite) auction(id string, status auction.Status) *auction.Auction {
	return &auction.Auction{
		Id:            id,
		SellerId:      "seller",
		Title:         "lot " + id,
		StartingPrice: decimal.NewFromInt(10),
		CurrentPrice:  decimal.NewFromInt(10),
		BidIncrement:  decimal.NewFromInt(1),
		StartTime:     testStart.Add(-time.Hour),
		EndTime:       testStart.Add(time.Hour),
		Status:        status,
		WatcherIds:    []string{},
	}
}

func (s *hubSuite) join(auctionId, userId string) *broadcast.Subscription {
	sub, err := s.hub.Join(mockCtx, auctionId, userId)
	s.Require().NoError(err)
	return sub
}

// next returns the next queued event of sub, nil when nothing is queued
func (s *hubSuite) next(sub *broadcast.Subscription) *broadcast.Event {
	select {
	case ev, ok := <-sub.Events:
		if !ok {
			return nil
		}
		return ev
	default:
		return nil
	}
}

func (s *hubSuite) drain(sub *broadcast.Subscription) []broadcast.EventType {
	types := []broadcast.EventType{}
	for ev := s.next(sub); ev != nil; ev = s.next(sub) {
		types = append(types, ev.Type)
	}
	return types
}

func (s *hubSuite) closed(sub *broadcast.Subscription) bool {
	select {
	case _, ok := <-sub.Events:
		return !ok
	default:
		return false
	}
}

func (s *hubSuite) accepted(bidderId string, amount int64) (*auction.Auction, *bid.Bid) {
	a := s.auction("a1", auction.StatusActive)
	b := &bid.Bid{
		Id:          bid.NewId("a1", bidderId, ""),
		AuctionId:   "a1",
		BidderId:    bidderId,
		Amount:      decimal.NewFromInt(amount),
		PlacedAt:    testStart,
		Disposition: bid.DispositionWinning,
	}
	a.SetWinner(b)
	a.TotalBids = 1
	a.UniqueBidderCount = 1
	return a, b
}

func (s *hubSuite) TestJoinSendsSnapshotFirst() {
	sub := s.join("a1", "u1")

	ev := s.next(sub)
	s.Require().NotNil(ev)
	s.Equal(broadcast.EventAuctionSnapshot, ev.Type)
	snap := ev.Payload.(*auction.Snapshot)
	s.Equal("a1", snap.Auction.Id)
	s.Equal(1, snap.ParticipantCount)

	ev = s.next(sub)
	s.Require().NotNil(ev)
	s.Equal(broadcast.EventParticipantCount, ev.Type)
	s.Equal(1, ev.Payload.(*broadcast.ParticipantCountPayload).Count)
	s.Nil(s.next(sub))
}

func (s *hubSuite) TestJoinBuffersEventsWhileLoading() {
	s.reader.gate = make(chan struct{})
	done := make(chan *broadcast.Subscription)
	go func() {
		sub, _ := s.hub.Join(mockCtx, "a1", "u1")
		done <- sub
	}()

	s.Eventually(func() bool {
		return s.hub.ParticipantCount("a1") == 1
	}, time.Second, time.Millisecond)
	a, b := s.accepted("b1", 11)
	s.hub.PublishBidAccepted(mockCtx, a, b)
	close(s.reader.gate)

	sub := <-done
	s.Require().NotNil(sub)
	s.Equal([]broadcast.EventType{
		broadcast.EventAuctionSnapshot,
		broadcast.EventBidAccepted,
		broadcast.EventParticipantCount,
	}, s.drain(sub))
}

func (s *hubSuite) TestJoinFails() {
	_, err := s.hub.Join(mockCtx, "missing", "u1")
	s.ErrorIs(err, auction.ErrAuctionNotFound)
	s.Equal(0, s.hub.ParticipantCount("missing"))

	_, err = s.hub.Join(mockCtx, "a1", "")
	s.ErrorIs(err, auction.ErrInvalidRequest)

	s.reader.err = errors.New("down")
	_, err = s.hub.Join(mockCtx, "a1", "u1")
	s.Error(err)
	s.Equal(0, s.hub.ParticipantCount("a1"))
}

func (s *hubSuite) TestParticipantsAreDistinctUsers() {
	first := s.join("a1", "u1")
	s.drain(first)

	// a second tab of the same user
	second := s.join("a1", "u1")
	s.Equal(1, s.hub.ParticipantCount("a1"))
	s.Equal([]broadcast.EventType{broadcast.EventAuctionSnapshot}, s.drain(second))
	s.Empty(s.drain(first))

	other := s.join("a1", "u2")
	s.Equal(2, s.hub.ParticipantCount("a1"))
	s.Equal([]broadcast.EventType{broadcast.EventAuctionSnapshot, broadcast.EventParticipantCount}, s.drain(other))
	s.Equal([]broadcast.EventType{broadcast.EventParticipantCount}, s.drain(first))
	s.Equal([]broadcast.EventType{broadcast.EventParticipantCount}, s.drain(second))

	s.hub.Leave(mockCtx, second)
	s.True(s.closed(second))
	s.Equal(2, s.hub.ParticipantCount("a1"))
	s.Empty(s.drain(other))

	s.hub.Leave(mockCtx, first)
	s.Equal(1, s.hub.ParticipantCount("a1"))
	ev := s.next(other)
	s.Require().NotNil(ev)
	s.Equal(1, ev.Payload.(*broadcast.ParticipantCountPayload).Count)

	// leaving twice is harmless
	s.hub.Leave(mockCtx, first)
	s.hub.Leave(mockCtx, other)
	s.Equal(0, s.hub.ParticipantCount("a1"))
}

func (s *hubSuite) TestOutbidNoticeIsTargeted() {
	u1 := s.join("a1", "u1")
	u2 := s.join("a1", "u2")
	s.drain(u1)
	s.drain(u2)

	a, _ := s.accepted("u2", 11)
	s.hub.NotifyOutbid(mockCtx, a, "u1")

	ev := s.next(u1)
	s.Require().NotNil(ev)
	s.Equal(broadcast.EventOutbidNotice, ev.Type)
	s.Equal("u1", ev.Target)
	p := ev.Payload.(*broadcast.OutbidNoticePayload)
	s.Equal("lot a1", p.AuctionTitle)
	s.True(decimal.NewFromInt(11).Equal(p.NewHighBid))
	s.True(decimal.NewFromInt(12).Equal(p.MinimumNextBid))
	s.Nil(s.next(u2))
}

func (s *hubSuite) TestSlowConnectionDropped() {
	slow := s.join("a1", "u1")
	fast := s.join("a1", "u2")
	s.drain(fast)

	a, b := s.accepted("b1", 11)
	for i := 0; i < 8; i++ {
		s.hub.PublishBidAccepted(mockCtx, a, b)
		s.drain(fast)
	}
	s.Equal(1, s.hub.ParticipantCount("a1"))

	// the queued events are still readable before the close
	n := 0
	for range slow.Events {
		n++
	}
	s.Greater(n, 0)
}

func (s *hubSuite) TestPublishEndedClosesRoom() {
	sub := s.join("a1", "u1")
	s.drain(sub)

	a, _ := s.accepted("u1", 11)
	a.Status = auction.StatusEnded
	s.hub.PublishEnded(mockCtx, a)

	ev := s.next(sub)
	s.Require().NotNil(ev)
	s.Equal(broadcast.EventAuctionEnded, ev.Type)
	p := ev.Payload.(*broadcast.AuctionEndedPayload)
	s.Equal(auction.StatusEnded, p.Status)
	s.Equal("u1", *p.WinnerId)
	s.True(decimal.NewFromInt(11).Equal(*p.FinalPrice))
	s.True(s.closed(sub))
	s.Equal(0, s.hub.ParticipantCount("a1"))
}

func (s *hubSuite) TestLateJoinerOfEndedAuction() {
	s.reader.auctions["a2"] = s.auction("a2", auction.StatusEnded)
	sub := s.join("a2", "u1")

	ev := s.next(sub)
	s.Require().NotNil(ev)
	s.Equal(broadcast.EventAuctionSnapshot, ev.Type)
	s.True(s.closed(sub))
	s.Equal(0, s.hub.ParticipantCount("a2"))
}

func (s *hubSuite) TestRedactsBidders() {
	s.hub.redact = true
	sub := s.join("a1", "u1")
	s.drain(sub)

	a, b := s.accepted("b1", 11)
	s.hub.PublishBidAccepted(mockCtx, a, b)
	s.hub.PublishBidCancelled(mockCtx, a, b)

	pseudonym := bid.RedactBidder("a1", "b1")
	ev := s.next(sub)
	s.Require().NotNil(ev)
	s.Equal(pseudonym, ev.Payload.(*broadcast.BidAcceptedPayload).Bid.BidderId)
	ev = s.next(sub)
	s.Require().NotNil(ev)
	s.Equal(pseudonym, *ev.Payload.(*broadcast.BidCancelledPayload).WinnerId)
}

func (s *hubSuite) TestExtended() {
	sub := s.join("a1", "u1")
	s.drain(sub)

	a := s.auction("a1", auction.StatusActive)
	a.EndTime = testStart.Add(2 * time.Hour)
	s.hub.PublishExtended(mockCtx, a)

	ev := s.next(sub)
	s.Require().NotNil(ev)
	s.Equal(a.EndTime, ev.Payload.(*broadcast.AuctionExtendedPayload).NewEndTime)
}

func (s *hubSuite) TestCloseRoomDuringJoin() {
	s.reader.gate = make(chan struct{})
	done := make(chan *broadcast.Subscription)
	go func() {
		sub, _ := s.hub.Join(mockCtx, "a1", "u1")
		done <- sub
	}()

	s.Eventually(func() bool {
		return s.hub.ParticipantCount("a1") == 1
	}, time.Second, time.Millisecond)
	s.hub.CloseRoom(mockCtx, "a1")
	close(s.reader.gate)

	sub := <-done
	s.Require().NotNil(sub)
	s.Equal([]broadcast.EventType{broadcast.EventAuctionSnapshot}, s.drain(sub))
	s.True(s.closed(sub))
}

func (s *hubSuite) TestRelay() {
	rds := &mocks.Service{}
	published := make(chan []byte, 4)
	rds.On("Publish", mock.Anything, keys.ChannelAuctionEvents, mock.Anything).Run(func(args mock.Arguments) {
		published <- args.Get(2).([]byte)
	}).Return(1, nil)

	hub := New(&HubCfg{Reader: s.reader, Redis: rds, InstanceId: "i1", BufferSize: 4})
	defer hub.Stop()
	sub, err := hub.Join(mockCtx, "a1", "u1")
	s.Require().NoError(err)
	s.drain(sub)

	a := s.auction("a1", auction.StatusActive)
	hub.PublishExtended(mockCtx, a)
	s.Equal([]broadcast.EventType{broadcast.EventAuctionExtended}, s.drain(sub))

	var payload []byte
	select {
	case payload = <-published:
	case <-time.After(time.Second):
		s.FailNow("nothing relayed")
	}
	msg := relayed{}
	s.Require().NoError(json.Unmarshal(payload, &msg))
	s.Equal("i1", msg.Origin)
	s.Equal(broadcast.EventAuctionExtended, msg.Event.Type)

	// an echo of our own event is ignored
	hub.onRelay(mockCtx, payload)
	s.Empty(s.drain(sub))

	// the same event from another instance is delivered
	foreign, err := json.Marshal(&relayed{Origin: "i2", Event: msg.Event})
	s.Require().NoError(err)
	hub.onRelay(mockCtx, foreign)
	s.Equal([]broadcast.EventType{broadcast.EventAuctionExtended}, s.drain(sub))

	ended, err := json.Marshal(&relayed{Origin: "i2", Event: &broadcast.Event{Type: broadcast.EventAuctionEnded, AuctionId: "a1"}})
	s.Require().NoError(err)
	hub.onRelay(mockCtx, ended)
	s.Equal([]broadcast.EventType{broadcast.EventAuctionEnded}, s.drain(sub))
	s.True(s.closed(sub))

	hub.onRelay(mockCtx, []byte("{"))
}

func (s *hubSuite) TestStartSubscribes() {
	rds := &mocks.Service{}
	foreign, err := json.Marshal(&relayed{Origin: "i2", Event: &broadcast.Event{Type: broadcast.EventAuctionExtended, AuctionId: "a1"}})
	s.Require().NoError(err)
	rds.On("Subscribe", mock.Anything, keys.ChannelAuctionEvents, mock.Anything).Run(func(args mock.Arguments) {
		args.Get(2).(func([]byte))(foreign)
		<-args.Get(0).(ctx.Ctx).Done()
	}).Return(nil)

	hub := New(&HubCfg{Reader: s.reader, Redis: rds, InstanceId: "i1"})
	defer hub.Stop()
	sub, err := hub.Join(mockCtx, "a1", "u1")
	s.Require().NoError(err)
	s.drain(sub)

	c, cancel := ctx.WithCancel(mockCtx)
	defer cancel()
	hub.Start(c)

	select {
	case ev := <-sub.Events:
		s.Require().NotNil(ev)
		s.Equal(broadcast.EventAuctionExtended, ev.Type)
	case <-time.After(time.Second):
		s.FailNow("relayed event not delivered")
	}
}
