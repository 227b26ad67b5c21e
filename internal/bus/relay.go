package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "salesrunner:worker:"

// RedisRelay mirrors delivered messages to Redis Streams, one stream per
// addressee. It is the durable-queueing collaborator layered on top of the
// in-process bus: best-effort, no delivery guarantees.
type RedisRelay struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisRelay connects to Redis and verifies the connection.
func NewRedisRelay(redisURL string, logger *zap.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisRelay{rdb: rdb, logger: logger}, nil
}

// Mirror appends the message to the addressee's stream. Errors are logged
// and absorbed; the in-process delivery already happened.
func (r *RedisRelay) Mirror(ctx context.Context, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warn("relay marshal failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	stream := streamPrefix + msg.To
	if err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err(); err != nil {
		r.logger.Warn("relay append failed",
			zap.String("stream", stream),
			zap.Error(err))
		return
	}
	r.logger.Debug("message mirrored",
		zap.String("from", msg.From),
		zap.String("to", msg.To),
		zap.String("type", string(msg.Type)))
}

// Stream returns the stream key messages for a worker land on.
func Stream(worker string) string { return streamPrefix + worker }

// Close shuts down the Redis connection.
func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}
