package output

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/veilgate/veilgate/internal/pipeline"
)

// RedisOutput appends archived content to a Redis stream, so downstream
// consumers can tail sanitized output without polling an object store.
type RedisOutput struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisOutput(redisURL, stream string, maxLen int64) (*RedisOutput, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("output: parsing redis URL: %w", err)
	}
	if stream == "" {
		return nil, fmt.Errorf("output: redis output needs a stream name")
	}
	return &RedisOutput{
		client: redis.NewClient(opts),
		stream: stream,
		maxLen: maxLen,
	}, nil
}

func (r *RedisOutput) Write(ctx context.Context, key string, content *pipeline.ProcessedContent) error {
	body, err := content.Bytes()
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(content.Metadata)
	if err != nil {
		return fmt.Errorf("output: encoding metadata: %w", err)
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"key":          key,
			"content_type": content.ContentType,
			"metadata":     string(metadata),
			"body":         string(body),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("output: appending to stream %s: %w", r.stream, err)
	}
	return nil
}

func (r *RedisOutput) Close() error { return r.client.Close() }
