package dispatch

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHubRoutesByTopic(t *testing.T) {
	h := NewHub(4)
	a := h.Subscribe(BookingTopic("b1"))
	b := h.Subscribe(BookingTopic("b2"))
	g := h.Subscribe(TopicGlobal)

	ev := Event{Kind: KindBookingStatus, Booking: &models.Booking{ID: "b1"}}
	PublishAll(h, ev, TopicGlobal, BookingTopic("b1"))

	select {
	case got := <-a.C:
		if got.Topic != BookingTopic("b1") || got.Booking.ID != "b1" {
			t.Fatalf("unexpected event %+v", got)
		}
	default:
		t.Fatalf("booking subscriber got nothing")
	}
	if len(g.C) != 1 {
		t.Fatalf("global subscriber should have one event")
	}
	if len(b.C) != 0 {
		t.Fatalf("unrelated booking must not receive events")
	}
}

func TestHubDropsWhenFullAndUnsubscribeCloses(t *testing.T) {
	h := NewHub(1)
	s := h.Subscribe(TopicGlobal)
	h.Publish(TopicGlobal, Event{Kind: KindDriverLocation})
	h.Publish(TopicGlobal, Event{Kind: KindDriverLocation}) // dropped, must not block
	if len(s.C) != 1 {
		t.Fatalf("expected exactly one buffered event, got %d", len(s.C))
	}
	h.Unsubscribe(s)
	h.Unsubscribe(s)
	<-s.C
	if _, ok := <-s.C; ok {
		t.Fatalf("channel should be closed")
	}
	if h.Subscribers(TopicGlobal) != 0 {
		t.Fatalf("expected no subscribers")
	}
	h.Publish(TopicGlobal, Event{Kind: KindDriverLocation})
}

func TestTopicDriverID(t *testing.T) {
	if id, ok := DriverTopic("d7").DriverID(); !ok || id != "d7" {
		t.Fatalf("unexpected %q %v", id, ok)
	}
	if _, ok := BookingTopic("b1").DriverID(); ok {
		t.Fatalf("booking topic is not driver scoped")
	}
}

func TestPushSinkPostsDriverEvents(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing auth header")
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewPushSink(srv.URL, "k", slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.Publish(TopicGlobal, Event{Kind: KindDriverLocation}) // ignored
	p.Publish(DriverTopic("d1"), Event{Kind: KindRideRequested, Ride: &models.RideRequest{ID: "r1"}})

	select {
	case body := <-got:
		msg := body["message"].(map[string]any)
		if msg["driver_id"] != "d1" {
			t.Fatalf("unexpected body %v", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("push not delivered")
	}
}

func TestWSSessionStreamsSubscription(t *testing.T) {
	hub := NewHub(8)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		NewWSSession(conn, hub, BookingTopic("b1"), slog.New(slog.NewTextHandler(io.Discard, nil))).Run()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(BookingTopic("b1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	hub.Publish(BookingTopic("b1"), Event{Kind: KindBookingStatus, Transition: &Transition{From: models.StatusAccepted, To: models.StatusDriverEnRoute}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Kind != KindBookingStatus || ev.Transition.To != models.StatusDriverEnRoute {
		t.Fatalf("unexpected event %+v", ev)
	}
}
