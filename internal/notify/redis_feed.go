// Package notify fans out parameter changes over Redis pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"labmapa/internal/mapa"
)

const channelPrefix = "mapa:"

// RedisFeed publishes changes and implements mapa.ChangeFeed.
type RedisFeed struct {
	client *redis.Client
	logger *zap.Logger
}

var _ mapa.ChangeFeed = (*RedisFeed)(nil)

// NewRedisFeed connects to redisURL and verifies the connection.
func NewRedisFeed(redisURL string, logger *zap.Logger) (*RedisFeed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisFeedWithClient(client, logger), nil
}

func NewRedisFeedWithClient(client *redis.Client, logger *zap.Logger) *RedisFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisFeed{client: client, logger: logger}
}

func channel(parameterID int64) string {
	return channelPrefix + strconv.FormatInt(parameterID, 10)
}

// Publish announces a change on the parameter's channel.
func (f *RedisFeed) Publish(ctx context.Context, change mapa.Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := f.client.Publish(ctx, channel(change.ParameterID), payload).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Subscribe returns changes for parameterID until ctx is done. Messages that
// do not decode are logged and skipped.
func (f *RedisFeed) Subscribe(ctx context.Context, parameterID int64) (<-chan mapa.Change, error) {
	pubsub := f.client.Subscribe(ctx, channel(parameterID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel(parameterID), err)
	}

	out := make(chan mapa.Change)
	go func() {
		defer close(out)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var change mapa.Change
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					f.logger.Warn("dropping undecodable change", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *RedisFeed) Close() error {
	return f.client.Close()
}

func (f *RedisFeed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}
