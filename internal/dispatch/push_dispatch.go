package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

// PushSink forwards driver-scoped events to a push provider endpoint so
// drivers without an open socket still hear about offers.
type PushSink struct {
	Endpoint string
	Key      string
	Client   *http.Client
	Logger   *slog.Logger
}

func NewPushSink(endpoint, key string, logger *slog.Logger) *PushSink {
	return &PushSink{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}, Logger: logger}
}

func (p *PushSink) Publish(topic Topic, ev Event) {
	driverID, ok := topic.DriverID()
	if !ok || p.Endpoint == "" {
		return
	}
	ev.Topic = topic
	body := map[string]any{"message": map[string]any{"driver_id": driverID, "data": ev}}
	b, err := json.Marshal(body)
	if err != nil {
		observability.EventsDropped.WithLabelValues("push").Inc()
		return
	}
	go p.post(driverID, b)
}

func (p *PushSink) post(driverID string, b []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), p.Client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		observability.EventsDropped.WithLabelValues("push").Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		observability.EventsDropped.WithLabelValues("push").Inc()
		if p.Logger != nil {
			p.Logger.Warn("push delivery failed", "driver_id", driverID, "error", err)
		}
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		observability.EventsDropped.WithLabelValues("push").Inc()
		return
	}
	observability.EventsPublished.WithLabelValues("push").Inc()
}
