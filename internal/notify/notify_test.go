package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/barcalendar/eventcore/internal/models"
)

func TestNewNotification(t *testing.T) {
	event := &models.Event{
		ID:        "evt-1",
		Name:      "Bar Mixer",
		Status:    models.EventStatusApproved,
		StartDate: time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC),
	}

	n := NewNotification(TypeEventCreated, event.ID, "scraper:barassoc", EventPayload(event))
	if n.ID == "" {
		t.Fatal("expected notification id")
	}
	if n.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp should be UTC, got %v", n.Timestamp.Location())
	}

	data, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "event_created" {
		t.Errorf("type = %v, want event_created", decoded["type"])
	}
	payload, ok := decoded["payload"].(map[string]interface{})
	if !ok {
		t.Fatalf("payload missing: %s", data)
	}
	if payload["status"] != "APPROVED" {
		t.Errorf("payload status = %v, want APPROVED", payload["status"])
	}
}

func TestEventPayload_Nil(t *testing.T) {
	if p := EventPayload(nil); p != nil {
		t.Errorf("expected nil payload, got %v", p)
	}
}

func TestMemoryPublisher(t *testing.T) {
	p := NewMemoryPublisher()
	ctx := context.Background()

	_ = p.Publish(ctx, NewNotification(TypeEventCreated, "a", "", nil))
	_ = p.Publish(ctx, NewNotification(TypeStatusChanged, "a", "mod", nil))
	_ = p.Publish(ctx, NewNotification(TypeEventCreated, "b", "", nil))

	if got := len(p.Sent()); got != 3 {
		t.Errorf("sent = %d, want 3", got)
	}
	if got := len(p.OfType(TypeEventCreated)); got != 2 {
		t.Errorf("created = %d, want 2", got)
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	if err := p.Publish(context.Background(), Notification{}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewRedisPublisher_InvalidURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewRedisPublisher(context.Background(), "not-a-redis-url", "", logger)
	if err == nil {
		t.Fatal("expected error for invalid url")
	}
}
