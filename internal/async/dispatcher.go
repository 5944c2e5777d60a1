// Package async moves requests that asked for asynchronous handling onto a
// Redis queue. The dispatcher enqueues the original, unaltered request
// description; a worker replays it through the same processing pipeline and
// the result lands in the configured side outputs.
package async

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/veilgate/veilgate/internal/logger"
	"github.com/veilgate/veilgate/internal/pipeline"
)

// envelope is the queued wire form of one dispatched request.
type envelope struct {
	Request pipeline.RequestDescription `json:"request"`
	Context pipeline.ProcessingContext  `json:"context"`
}

// RedisDispatcher enqueues dispatched requests on a Redis list.
type RedisDispatcher struct {
	client *redis.Client
	queue  string
	log    *logger.Logger
}

func NewRedisDispatcher(redisURL, queue string, log *logger.Logger) (*RedisDispatcher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("async: parsing redis URL: %w", err)
	}
	if queue == "" {
		return nil, fmt.Errorf("async: dispatcher needs a queue name")
	}
	return &RedisDispatcher{
		client: redis.NewClient(opts),
		queue:  queue,
		log:    log.WithComponent("async"),
	}, nil
}

// Handle enqueues the request for asynchronous processing. The request
// description is the pre-authorization original; the worker re-runs the
// full pipeline, including admission.
func (d *RedisDispatcher) Handle(ctx context.Context, req pipeline.RequestDescription, pctx pipeline.ProcessingContext) error {
	payload, err := json.Marshal(envelope{Request: req, Context: pctx})
	if err != nil {
		return fmt.Errorf("async: encoding dispatch envelope: %w", err)
	}
	if err := d.client.LPush(ctx, d.queue, payload).Err(); err != nil {
		return fmt.Errorf("async: enqueueing request: %w", err)
	}

	d.log.Info("request dispatched",
		zap.String("request_id", pctx.RequestID),
		zap.String("queue", d.queue),
	)
	return nil
}

func (d *RedisDispatcher) Close() error { return d.client.Close() }
