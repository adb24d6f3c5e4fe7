package queue

import (
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Queue wraps the asynq client used for enqueueing and the mux that
// workers register handlers on.
type Queue struct {
	Client *asynq.Client
	Mux    *asynq.ServeMux

	redisOpt asynq.RedisConnOpt
	log      *zap.Logger
}

// New creates a queue client and handler mux over one Redis connection
func New(redisURL string, log *zap.Logger) (*Queue, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		Client:   asynq.NewClient(redisOpt),
		Mux:      asynq.NewServeMux(),
		redisOpt: redisOpt,
		log:      log.Named("queue"),
	}
	q.log.Info("queue client initialized")
	return q, nil
}

// RedisOpt exposes the parsed connection options for server construction.
func (q *Queue) RedisOpt() asynq.RedisConnOpt {
	return q.redisOpt
}

// ServerConfig returns the worker server configuration.
func (q *Queue) ServerConfig(concurrency int) asynq.Config {
	return asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
	}
}

// Close gracefully closes the queue client
func (q *Queue) Close() error {
	if q.Client != nil {
		q.log.Info("closing queue client")
		return q.Client.Close()
	}
	return nil
}
