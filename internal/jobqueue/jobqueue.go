/*
Package jobqueue provides a River-based durable queue for push notifications.

Each offline recipient of a message becomes one job. Jobs survive restarts
and are retried by River with its default backoff when the provider fails
transiently. Requires PostgreSQL with the River schema migrated.
*/
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"hashview/internal/domain"
	"hashview/internal/push"
)

const (
	QueuePush         = "push"
	defaultMaxWorkers = 10
	maxAttempts       = 8
)

// PushJobArgs is the persisted form of a push notification.
type PushJobArgs struct {
	Notification push.Notification `json:"notification"`
}

// Kind returns the job kind for River.
func (PushJobArgs) Kind() string {
	return "push_notification"
}

// InsertOpts routes push jobs to their own queue.
func (PushJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueuePush, MaxAttempts: maxAttempts}
}

// PushWorker delivers queued notifications through a direct deliverer.
type PushWorker struct {
	river.WorkerDefaults[PushJobArgs]
	deliverer push.Deliverer
	logger    *slog.Logger
}

func NewPushWorker(deliverer push.Deliverer, logger *slog.Logger) *PushWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PushWorker{deliverer: deliverer, logger: logger}
}

func (w *PushWorker) Work(ctx context.Context, job *river.Job[PushJobArgs]) error {
	n := job.Args.Notification
	err := w.deliverer.Deliver(ctx, n)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNoPushEndpoints):
		w.logger.Debug("no push endpoints, dropping job", "user_id", n.RecipientID, "job_id", job.ID)
		return nil
	case errors.Is(err, domain.ErrTransient):
		w.logger.Warn("push delivery failed, will retry",
			"user_id", n.RecipientID, "attempt", job.Attempt, "err", err)
		return err
	default:
		w.logger.Error("push delivery failed permanently", "user_id", n.RecipientID, "err", err)
		return river.JobCancel(err)
	}
}

// Queue manages the River client and satisfies push.Deliverer by enqueuing.
type Queue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Config tunes the queue.
type Config struct {
	MaxWorkers int
}

// New creates a queue backed by its own pgx pool.
func New(ctx context.Context, databaseURL string, deliverer push.Deliverer, cfg Config, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, NewPushWorker(deliverer, logger))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			QueuePush: {MaxWorkers: cfg.MaxWorkers},
		},
		Workers: workers,
		Logger:  logger,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &Queue{client: client, pool: pool, logger: logger}, nil
}

// Start starts the job queue workers.
func (q *Queue) Start(ctx context.Context) error {
	return q.client.Start(ctx)
}

// Stop waits for running jobs and closes the pool.
func (q *Queue) Stop(ctx context.Context) error {
	err := q.client.Stop(ctx)
	q.pool.Close()
	return err
}

// Deliver enqueues n for asynchronous delivery.
func (q *Queue) Deliver(ctx context.Context, n push.Notification) error {
	if _, err := q.client.Insert(ctx, PushJobArgs{Notification: n}, nil); err != nil {
		return fmt.Errorf("%w: queue push job: %v", domain.ErrTransient, err)
	}
	return nil
}

var _ push.Deliverer = (*Queue)(nil)

// Migrate applies River's own schema migrations.
func Migrate(ctx context.Context, databaseURL string, logger *slog.Logger) error {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), &rivermigrate.Config{Logger: logger})
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("migrate river schema: %w", err)
	}
	for _, v := range res.Versions {
		logger.Info("applied river migration", "version", v.Version)
	}
	return nil
}
