package eventstream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/metrics"
	"github.com/x-xyz/bidengine/domain/eventstream"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaCfg struct {
	Brokers []string
	Topic   string
	// WriteTimeout bounds one Produce call
	WriteTimeout time.Duration
}

type kafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
	met     metrics.Service
}

// NewKafka writes events to one topic, keyed by auction id so the events of an
// auction stay ordered within their partition
func NewKafka(cfg KafkaCfg) eventstream.Producer {
	return newKafka(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}, cfg.WriteTimeout)
}

func newKafka(w messageWriter, timeout time.Duration) *kafkaProducer {
	return &kafkaProducer{
		writer:  w,
		timeout: timeout,
		met:     metrics.New("eventstream"),
	}
}

func (p *kafkaProducer) Produce(c ctx.Ctx, events ...*eventstream.Event) error {
	if len(events) == 0 {
		return nil
	}
	defer p.met.BumpTime("produce.time").End()

	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			c.WithField("err", err).WithField("type", e.Type).Error("json.Marshal failed")
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.AuctionId),
			Value: value,
			Time:  e.At,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(e.Type)},
			},
		})
	}

	wCtx := c
	if p.timeout > 0 {
		var cancel context.CancelFunc
		wCtx, cancel = ctx.WithTimeout(c, p.timeout)
		defer cancel()
	}

	if err := p.writer.WriteMessages(wCtx, msgs...); err != nil {
		p.met.BumpSum("produce.err", float64(len(msgs)))
		c.WithField("err", err).WithField("count", len(msgs)).Error("writer.WriteMessages failed")
		return err
	}
	p.met.BumpSum("produce.count", float64(len(msgs)))
	return nil
}

func (p *kafkaProducer) Close() error {
	return p.writer.Close()
}

type noop struct{}

// NewNoop drops every event, for deployments without a stream
func NewNoop() eventstream.Producer {
	return noop{}
}

func (noop) Produce(c ctx.Ctx, events ...*eventstream.Event) error {
	return nil
}

func (noop) Close() error {
	return nil
}
