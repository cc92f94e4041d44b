package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// messageField is the single stream field carrying the fan-out payload.
const messageField = "message"

// Redis implements Bus on a Redis instance: PUBLISH/SUBSCRIBE for the live
// path and XADD/XRANGE streams for the durable catch-up path.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr string) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := r.client.Subscribe(ctx, channel)
	// force the SUBSCRIBE round trip so a broken connection fails here,
	// not silently inside the forwarding goroutine
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan []byte)
	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *Redis) Append(ctx context.Context, log string, payload []byte) (string, error) {
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: log,
		Values: map[string]any{messageField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", log, err)
	}
	return id, nil
}

func (r *Redis) ReadAfter(ctx context.Context, log string, afterID string) ([]Entry, error) {
	if afterID == "" {
		afterID = Origin
	}
	// "(" makes the range start exclusive, "strictly after afterID"
	msgs, err := r.client.XRange(ctx, log, "("+afterID, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", log, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		v, ok := m.Values[messageField].(string)
		if !ok {
			continue
		}
		entries = append(entries, Entry{ID: m.ID, Payload: []byte(v)})
	}
	return entries, nil
}

func (r *Redis) Close() error { return r.client.Close() }
