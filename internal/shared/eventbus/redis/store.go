// Package redis 基于 Redis Streams 的事件总线
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"uci-fleet/internal/shared/eventbus"
)

// Store Redis Streams 事件总线
type Store struct {
	client *redis.Client
}

var _ eventbus.EventBus = (*Store)(nil)

// NewStoreFromURL 从 URL 创建事件总线，如 redis://localhost:6379/0
func NewStoreFromURL(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("redis event bus connected", "component", "eventbus", "addr", opts.Addr)
	return NewStoreFromClient(client), nil
}

// NewStoreFromClient 复用已有连接
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close 关闭连接
func (s *Store) Close() error {
	return s.client.Close()
}

func streamKey(stream string) string {
	return eventbus.KeyFleetEvents + stream
}

// Publish 发布事件到对应 stream
func (s *Store) Publish(ctx context.Context, ev *eventbus.FleetEvent) error {
	dataJSON, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: streamKey(eventbus.StreamFor(ev)),
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"type":          ev.Type,
			"deployment_id": ev.DeploymentID,
			"device_id":     ev.DeviceID,
			"timestamp":     ev.Timestamp.Format(time.RFC3339Nano),
			"data":          string(dataJSON),
		},
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	slog.Debug("event published", "component", "eventbus", "stream", args.Stream, "id", id, "type", ev.Type)
	return nil
}

// Events 读取 stream 中 fromID 之后的事件
func (s *Store) Events(ctx context.Context, stream, fromID string, count int64) ([]*eventbus.FleetEvent, error) {
	start := "-"
	if fromID != "" {
		start = "(" + fromID
	}
	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, streamKey(stream), start, "+", count).Result()
	} else {
		msgs, err = s.client.XRange(ctx, streamKey(stream), start, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	events := make([]*eventbus.FleetEvent, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, decodeMessage(msg))
	}
	return events, nil
}

func decodeMessage(msg redis.XMessage) *eventbus.FleetEvent {
	ev := &eventbus.FleetEvent{ID: msg.ID}
	ev.Type, _ = msg.Values["type"].(string)
	ev.DeploymentID, _ = msg.Values["deployment_id"].(string)
	ev.DeviceID, _ = msg.Values["device_id"].(string)
	if ts, ok := msg.Values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.Timestamp = t
		}
	}
	if dataStr, ok := msg.Values["data"].(string); ok {
		var data map[string]any
		if err := json.Unmarshal([]byte(dataStr), &data); err == nil {
			ev.Data = data
		}
	}
	return ev
}
