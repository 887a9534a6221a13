// Package notify publishes event lifecycle notifications to collaborators
// such as the newsletter builder and feed generators.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/barcalendar/eventcore/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Type names a lifecycle notification.
type Type string

const (
	TypeEventCreated  Type = "event_created"
	TypeEventUpdated  Type = "event_updated"
	TypeStatusChanged Type = "status_changed"
	TypeEventDeleted  Type = "event_deleted"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "eventcore:events"

// Notification is the envelope published for every lifecycle change.
type Notification struct {
	ID        string      `json:"id"`
	Type      Type        `json:"type"`
	EventID   string      `json:"event_id"`
	Actor     string      `json:"actor,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// NewNotification builds a notification with a fresh id and the current time.
func NewNotification(typ Type, eventID, actor string, payload interface{}) Notification {
	return Notification{
		ID:        uuid.New().String(),
		Type:      typ,
		EventID:   eventID,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// EventPayload is the subset of an event collaborators need.
func EventPayload(e *models.Event) map[string]interface{} {
	if e == nil {
		return nil
	}
	return map[string]interface{}{
		"name":       e.Name,
		"status":     e.Status,
		"start_date": e.StartDate,
		"end_date":   e.EndDate,
		"url":        e.URL,
	}
}

// Publisher delivers notifications. Delivery is best effort; callers log
// failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// NopPublisher discards every notification.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(context.Context, Notification) error { return nil }

// RedisPublisher publishes JSON notifications on a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisPublisher connects to the Redis server at redisURL and verifies it with PING.
func NewRedisPublisher(ctx context.Context, redisURL, channel string, logger *slog.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if channel == "" {
		channel = DefaultChannel
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info("redis publisher connected", "addr", opts.Addr, "channel", channel)
	return &RedisPublisher{client: client, channel: channel, logger: logger}, nil
}

// Publish encodes n as JSON and publishes it.
func (p *RedisPublisher) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", n.Type, err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// MemoryPublisher keeps notifications in memory for tests.
type MemoryPublisher struct {
	mu   sync.Mutex
	sent []Notification
}

// NewMemoryPublisher creates an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish records n.
func (p *MemoryPublisher) Publish(ctx context.Context, n Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
	return nil
}

// Sent returns a copy of the recorded notifications.
func (p *MemoryPublisher) Sent() []Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Notification(nil), p.sent...)
}

// OfType returns the recorded notifications of the given type.
func (p *MemoryPublisher) OfType(typ Type) []Notification {
	var out []Notification
	for _, n := range p.Sent() {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}
