package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-stock-orders/internal/metrics"
)

var ErrClosed = errors.New("kafka: producer closed")

// Publisher is what services publish domain events through.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error
}

// Nop drops every event; used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, []byte, []byte, ...kafka.Header) error { return nil }

type Producer struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	stop    chan struct{}
	once    sync.Once
	closeCh chan struct{}
	log     *slog.Logger
}

// NewProducer writes to whatever topic each message names.
func NewProducer(brokers []string, buf int, log *slog.Logger) *Producer {
	if log == nil {
		log = slog.Default()
	}
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		inbox:   make(chan kafka.Message, buf),
		stop:    make(chan struct{}),
		closeCh: make(chan struct{}),
		log:     log,
	}
}

// Start runs the write loop until ctx is done or Close is called, then flushes what is
// still queued.
func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.closeCh)
		for {
			select {
			case <-ctx.Done():
				p.drain()
				return
			case <-p.stop:
				p.drain()
				return
			case m := <-p.inbox:
				p.write(p.batch(m))
			}
		}
	}()
}

// batch ambil pesan yang sudah antre tanpa menunggu
func (p *Producer) batch(first kafka.Message) []kafka.Message {
	msgs := []kafka.Message{first}
	for len(msgs) < 100 {
		select {
		case m := <-p.inbox:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
	return msgs
}

func (p *Producer) drain() {
	for {
		select {
		case m := <-p.inbox:
			p.write(p.batch(m))
		default:
			if err := p.w.Close(); err != nil {
				p.log.Warn("kafka writer close", "err", err)
			}
			return
		}
	}
}

func (p *Producer) write(msgs []kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.w.WriteMessages(ctx, msgs...)
	for _, m := range msgs {
		if err != nil {
			metrics.EventsPublished.WithLabelValues(m.Topic, "error").Inc()
		} else {
			metrics.EventsPublished.WithLabelValues(m.Topic, "ok").Inc()
		}
	}
	if err != nil {
		p.log.Error("kafka write failed", "err", err, "messages", len(msgs))
	}
}

// Publish queues one message. It blocks only while the inbox is full.
func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error {
	m := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Time:    time.Now(),
		Headers: headers,
	}
	select {
	case <-p.stop:
		return ErrClosed
	default:
	}
	select {
	case p.inbox <- m:
		return nil
	case <-p.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting messages; the loop flushes the rest and exits.
func (p *Producer) Close() {
	p.once.Do(func() { close(p.stop) })
}

// Tunggu sampai goroutine selesai.
func (p *Producer) WaitClosed() { <-p.closeCh }
