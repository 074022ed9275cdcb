package eventstream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/domain/eventstream"
)

type fakeWriter struct {
	msgs     []kafka.Message
	err      error
	deadline bool
	closed   bool
}

func (w *fakeWriter) WriteMessages(c context.Context, msgs ...kafka.Message) error {
	_, w.deadline = c.Deadline()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestProduce(t *testing.T) {
	req := require.New(t)
	w := &fakeWriter{}
	p := newKafka(w, time.Second)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	req.NoError(p.Produce(ctx.Background(),
		&eventstream.Event{Type: eventstream.EventBidAccepted, AuctionId: "a1", Version: 3, At: at, Data: map[string]string{"bidId": "b1"}},
		&eventstream.Event{Type: eventstream.EventAuctionExtended, AuctionId: "a1", Version: 3, At: at},
	))

	req.Len(w.msgs, 2)
	req.True(w.deadline)
	req.Equal([]byte("a1"), w.msgs[0].Key)
	req.Equal("type", w.msgs[0].Headers[0].Key)
	req.Equal([]byte("bid.accepted"), w.msgs[0].Headers[0].Value)

	got := eventstream.Event{}
	req.NoError(json.Unmarshal(w.msgs[0].Value, &got))
	req.Equal(eventstream.EventBidAccepted, got.Type)
	req.Equal(int64(3), got.Version)

	req.NoError(p.Produce(ctx.Background()))
	req.Len(w.msgs, 2)

	req.NoError(p.Close())
	req.True(w.closed)
}

func TestProduceError(t *testing.T) {
	boom := errors.New("leader not available")
	p := newKafka(&fakeWriter{err: boom}, 0)
	err := p.Produce(ctx.Background(), &eventstream.Event{Type: eventstream.EventAuctionEnded, AuctionId: "a1"})
	require.Equal(t, boom, err)
}

func TestNoop(t *testing.T) {
	p := NewNoop()
	require.NoError(t, p.Produce(ctx.Background(), &eventstream.Event{AuctionId: "a1"}))
	require.NoError(t, p.Close())
}
