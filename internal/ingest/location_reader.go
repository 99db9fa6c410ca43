package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// MessageReader is the part of *kafka.Reader the location reader uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Reporter applies a driver position; tracking.Service implements it.
type Reporter interface {
	ReportDriverLocation(ctx context.Context, driverID string, p models.Point) (models.LocationSample, error)
}

// LocationMessage is the wire format on the driver-locations topic.
type LocationMessage struct {
	DriverID string  `json:"driver_id"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
}

// LocationReader feeds driver GPS samples from kafka into the tracking
// service. Read errors back off exponentially up to MaxBackoff.
type LocationReader struct {
	r          MessageReader
	reporter   Reporter
	log        *slog.Logger
	Attempts   int
	RetryDelay time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func NewLocationReader(r MessageReader, reporter Reporter, logger *slog.Logger) *LocationReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocationReader{
		r:          r,
		reporter:   reporter,
		log:        logger.With("component", "location_reader"),
		Attempts:   3,
		RetryDelay: 200 * time.Millisecond,
		MinBackoff: time.Second,
		MaxBackoff: 30 * time.Second,
	}
}

// Run consumes until ctx is cancelled, then closes the reader.
func (l *LocationReader) Run(ctx context.Context) error {
	defer l.r.Close()
	backoff := l.MinBackoff
	for {
		m, err := l.r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.log.Info("location_reader_stopped")
				return nil
			}
			l.log.Warn("kafka_read_failed", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff *= 2
			if backoff > l.MaxBackoff {
				backoff = l.MaxBackoff
			}
			continue
		}
		backoff = l.MinBackoff
		l.handle(ctx, m)
	}
}

func (l *LocationReader) handle(ctx context.Context, m kafka.Message) {
	observability.IngestMessages.WithLabelValues("consumed").Inc()
	var msg LocationMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil || msg.DriverID == "" {
		observability.IngestMessages.WithLabelValues("invalid").Inc()
		l.log.Warn("invalid_location_message", "offset", m.Offset, "error", err)
		return
	}
	p := models.Point{Lat: msg.Lat, Lng: msg.Lng}
	if err := reportWithRetry(ctx, l.reporter, msg.DriverID, p, l.Attempts, l.RetryDelay); err != nil {
		observability.IngestMessages.WithLabelValues("failed").Inc()
		l.log.Warn("location_report_failed", "driver_id", msg.DriverID, "error", err)
		return
	}
	observability.IngestMessages.WithLabelValues("applied").Inc()
}

// reportWithRetry retries transient failures with a doubling delay. Domain
// errors such as an unknown driver are final.
func reportWithRetry(ctx context.Context, r Reporter, driverID string, p models.Point, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = r.ReportDriverLocation(ctx, driverID, p); err == nil {
			return nil
		}
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.Code != apperr.CodeStorageUnavailable && ae.Code != apperr.CodeInternal {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
