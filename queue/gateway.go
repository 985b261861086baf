package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const publishTimeout = 3 * time.Second

// Publisher hands work messages to the external ingestion workers over a
// Redis stream. Delivery is best-effort and at-most-once: publish failures
// propagate to the caller, no retry happens at this layer.
type Publisher struct {
	client *redis.Client
	stream string
}

// NewPublisher wraps the given Redis client. The stream name comes from
// QUEUE_STREAM and defaults to docsbot:work.
func NewPublisher(client *redis.Client) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("queue: redis client is required")
	}
	stream := strings.TrimSpace(os.Getenv("QUEUE_STREAM"))
	if stream == "" {
		stream = "docsbot:work"
	}
	return &Publisher{client: client, stream: stream}, nil
}

// Stream reports the stream name messages are appended to.
func (p *Publisher) Stream() string {
	if p == nil {
		return ""
	}
	return p.stream
}

// Publish validates the message, serializes it and appends it to the work
// stream. It returns the broker-assigned message id.
func (p *Publisher) Publish(ctx context.Context, msg Message) (string, error) {
	if p == nil || p.client == nil {
		return "", errors.New("queue: publisher is not configured")
	}
	if msg == nil {
		return "", errors.New("queue: message is required")
	}
	if err := msg.Validate(); err != nil {
		return "", err
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("queue: encode %s message: %w", msg.Action(), err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"action":  msg.Action(),
			"payload": string(payload),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("queue: publish %s message: %w", msg.Action(), err)
	}
	return id, nil
}
