package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/observability"
)

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink mirrors the global event stream onto a kafka topic for
// downstream consumers. Scoped topics carry copies of global events and are
// not forwarded. Publish never blocks; a full queue or a closed sink drops
// the event.
type KafkaSink struct {
	w       MessageWriter
	queue   chan dispatch.Event
	timeout time.Duration
	log     *slog.Logger
	wg      sync.WaitGroup
	once    sync.Once

	mu     sync.RWMutex
	closed bool
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
}

func NewKafkaSink(w MessageWriter, buffer int, logger *slog.Logger) *KafkaSink {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &KafkaSink{
		w:       w,
		queue:   make(chan dispatch.Event, buffer),
		timeout: 2 * time.Second,
		log:     logger.With("component", "kafka_sink"),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *KafkaSink) Publish(topic dispatch.Topic, ev dispatch.Event) {
	if topic != dispatch.TopicGlobal {
		return
	}
	ev.Topic = topic
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		observability.EventsDropped.WithLabelValues("kafka").Inc()
		return
	}
	select {
	case s.queue <- ev:
	default:
		observability.EventsDropped.WithLabelValues("kafka").Inc()
	}
}

func (s *KafkaSink) run() {
	defer s.wg.Done()
	for ev := range s.queue {
		b, err := json.Marshal(ev)
		if err != nil {
			s.log.Error("encode_event_failed", "kind", ev.Kind, "error", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err = s.w.WriteMessages(ctx, kafka.Message{Key: []byte(eventKey(ev)), Value: b, Time: ev.At})
		cancel()
		if err != nil {
			observability.EventsDropped.WithLabelValues("kafka").Inc()
			s.log.Warn("kafka_write_failed", "kind", ev.Kind, "error", err)
			continue
		}
		observability.EventsPublished.WithLabelValues("kafka").Inc()
	}
}

// eventKey keeps every event of one booking, ride or driver on one partition.
func eventKey(ev dispatch.Event) string {
	switch {
	case ev.Booking != nil:
		return ev.Booking.ID
	case ev.Ride != nil:
		return ev.Ride.ID
	case ev.Location != nil && ev.Location.BookingID != "":
		return ev.Location.BookingID
	case ev.Location != nil:
		return ev.Location.HolderID
	}
	return string(ev.Kind)
}

// Close drains queued events and closes the writer. Events published
// afterwards are dropped.
func (s *KafkaSink) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.w.Close()
	})
	return err
}
