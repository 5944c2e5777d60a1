package async

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/veilgate/veilgate/internal/logger"
	"github.com/veilgate/veilgate/internal/pipeline"
)

// Handler replays one dequeued request through the processing pipeline.
type Handler func(ctx context.Context, req pipeline.RequestDescription, pctx pipeline.ProcessingContext) error

// Worker consumes the dispatch queue. It blocks on the queue with a short
// timeout so shutdown is observed promptly; a failed request is logged and
// dropped rather than retried forever, since the client can always
// re-dispatch.
type Worker struct {
	client  *redis.Client
	queue   string
	handler Handler
	log     *logger.Logger
}

func NewWorker(redisURL, queue string, handler Handler, log *logger.Logger) (*Worker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("async: parsing redis URL: %w", err)
	}
	if queue == "" {
		return nil, fmt.Errorf("async: worker needs a queue name")
	}
	return &Worker{
		client:  redis.NewClient(opts),
		queue:   queue,
		handler: handler,
		log:     log.WithComponent("async-worker"),
	}, nil
}

// Run processes the queue until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("async worker started", zap.String("queue", w.queue))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		results, err := w.client.BRPop(ctx, 5*time.Second, w.queue).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		case err != nil:
			w.log.Error("queue read failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		// BRPop returns [queue, payload]
		if len(results) != 2 {
			continue
		}
		w.process(ctx, []byte(results[1]))
	}
}

func (w *Worker) process(ctx context.Context, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		w.log.Error("discarding undecodable envelope", zap.Error(err))
		return
	}

	log := w.log.WithRequestID(env.Context.RequestID)
	if err := w.handler(ctx, env.Request, env.Context); err != nil {
		log.Error("async request failed", zap.Error(err))
		return
	}
	log.Info("async request processed",
		zap.String("sanitized_key", env.Context.SanitizedOutputKey),
	)
}

func (w *Worker) Close() error { return w.client.Close() }
