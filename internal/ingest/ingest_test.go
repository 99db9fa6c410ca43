package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
)

// fakeReporter fails the first failN calls with a transient error.
type fakeReporter struct {
	mu    sync.Mutex
	failN int
	err   error
	calls int
	got   []models.Point
}

func (f *fakeReporter) ReportDriverLocation(ctx context.Context, id string, p models.Point) (models.LocationSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return models.LocationSample{}, f.err
	}
	if f.calls <= f.failN {
		return models.LocationSample{}, errors.New("store timeout")
	}
	f.got = append(f.got, p)
	return models.LocationSample{HolderID: id, Point: p}, nil
}

func TestReportWithRetrySucceedsAfterRetries(t *testing.T) {
	f := &fakeReporter{failN: 2}
	start := time.Now()
	if err := reportWithRetry(context.Background(), f, "d1", models.Point{Lat: 1, Lng: 2}, 3, 5*time.Millisecond); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatalf("expected backoff between attempts")
	}
}

func TestReportWithRetryFailsWhenExhausted(t *testing.T) {
	f := &fakeReporter{failN: 5}
	if err := reportWithRetry(context.Background(), f, "d1", models.Point{Lat: 1, Lng: 2}, 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

func TestReportWithRetryStopsOnDomainError(t *testing.T) {
	f := &fakeReporter{err: apperr.NotFound("driver", "d1")}
	if err := reportWithRetry(context.Background(), f, "d1", models.Point{Lat: 1, Lng: 2}, 3, time.Millisecond); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("domain errors must not be retried, got %d calls", f.calls)
	}
}

// scriptedReader hands out queued results, then blocks until ctx ends.
type scriptedReader struct {
	mu     sync.Mutex
	script []func() (kafka.Message, error)
	closed bool
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	if len(s.script) > 0 {
		next := s.script[0]
		s.script = s.script[1:]
		s.mu.Unlock()
		return next()
	}
	s.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (s *scriptedReader) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func message(t *testing.T, m LocationMessage) func() (kafka.Message, error) {
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return func() (kafka.Message, error) { return kafka.Message{Value: b}, nil }
}

func TestLocationReaderRun(t *testing.T) {
	r := &scriptedReader{script: []func() (kafka.Message, error){
		message(t, LocationMessage{DriverID: "d1", Lat: 41, Lng: 29}),
		func() (kafka.Message, error) { return kafka.Message{}, errors.New("broker gone") },
		func() (kafka.Message, error) { return kafka.Message{Value: []byte("{not json")}, nil },
		message(t, LocationMessage{Lat: 1, Lng: 1}),
		message(t, LocationMessage{DriverID: "d1", Lat: 41.01, Lng: 29.01}),
	}}
	rep := &fakeReporter{}
	lr := NewLocationReader(r, rep, nil)
	lr.MinBackoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lr.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		rep.mu.Lock()
		n := len(rep.got)
		rep.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected two applied samples, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run should stop cleanly, got %v", err)
	}
	if !r.closed {
		t.Fatalf("reader should be closed on exit")
	}
	if rep.got[1].Lat != 41.01 {
		t.Fatalf("samples applied out of order: %+v", rep.got)
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSinkForwardsGlobalEvents(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSink(w, 8, nil)
	b := &models.Booking{ID: "b1", Status: models.StatusAccepted}
	ev := dispatch.Event{Kind: dispatch.KindBookingStatus, At: time.Now(), Booking: b}
	dispatch.PublishAll(sink, ev, dispatch.TopicGlobal, dispatch.BookingTopic("b1"), dispatch.DriverTopic("d1"))
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	if len(w.msgs) != 1 {
		t.Fatalf("only the global copy should be forwarded, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "b1" {
		t.Fatalf("events should be keyed by booking, got %q", w.msgs[0].Key)
	}
	var decoded dispatch.Event
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Kind != dispatch.KindBookingStatus || decoded.Topic != dispatch.TopicGlobal || decoded.Booking.ID != "b1" {
		t.Fatalf("unexpected payload %+v", decoded)
	}
	if !w.closed {
		t.Fatalf("writer should be closed")
	}
}

func TestKafkaSinkPublishRacingClose(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSink(w, 4, nil)
	ev := dispatch.Event{Kind: dispatch.KindDriverLocation, At: time.Now()}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 200; j++ {
				sink.Publish(dispatch.TopicGlobal, ev)
			}
		}()
	}
	close(start)
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	sink.Publish(dispatch.TopicGlobal, ev)
	if !w.closed {
		t.Fatalf("writer should be closed")
	}
}
