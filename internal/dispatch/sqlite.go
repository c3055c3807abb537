package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"careerline/internal/config"
	"careerline/internal/domain"
	"careerline/internal/logging"
	"careerline/internal/metrics"
	"careerline/internal/repo"
)

// ErrNotDead is returned by Retry for a task that is not dead-lettered.
var ErrNotDead = errors.New("task is not dead")

const defaultBatch = 50

// Queue is the SQLite outbox backend. Tasks live in the tasks table and a
// poll loop delivers the due ones.
type Queue struct {
	Repo         repo.Repo
	Deliverer    Deliverer
	MaxAttempts  int
	PollInterval time.Duration
	BatchSize    int
	Logger       *logging.Logger
	Now          func() time.Time
}

func NewQueue(r repo.Repo, cfg config.QueueConfig, logger *logging.Logger) *Queue {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Queue{
		Repo:         r,
		Deliverer:    NewDeliverer(cfg.DeliveryTimeout.Duration(), cfg.TaskToken),
		MaxAttempts:  cfg.MaxAttempts,
		PollInterval: cfg.PollInterval.Duration(),
		BatchSize:    defaultBatch,
		Logger:       logger.Named("dispatch"),
		Now:          time.Now,
	}
}

func (q *Queue) now() time.Time {
	if q.Now == nil {
		return time.Now().UTC()
	}
	return q.Now().UTC()
}

func (q *Queue) Enqueue(ctx context.Context, t Task) (string, error) {
	if err := t.validate(); err != nil {
		return "", err
	}
	payload, err := t.payloadJSON()
	if err != nil {
		return "", fmt.Errorf("encode task payload: %w", err)
	}
	now := q.now()
	due := now
	if !t.ScheduleTime.IsZero() {
		due = t.ScheduleTime
	}
	ts := domain.FormatTime(now)
	created, err := q.Repo.InsertTaskIfAbsent(ctx, domain.Task{
		ID:            t.IdempotencyKey,
		Queue:         t.Queue,
		TargetURL:     t.TargetURL,
		PayloadJSON:   string(payload),
		Status:        domain.TaskQueued,
		NextAttemptAt: domain.FormatTime(due),
		CreatedAt:     ts,
		UpdatedAt:     ts,
	})
	if err != nil {
		metrics.TasksEnqueued.WithLabelValues(t.Queue, "error").Inc()
		return "", err
	}
	metrics.TasksEnqueued.WithLabelValues(t.Queue, "ok").Inc()
	if !created {
		q.Logger.Debug(ctx, "task already enqueued", zap.String("task_id", t.IdempotencyKey))
	}
	return t.IdempotencyKey, nil
}

// Run polls for due tasks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	interval := q.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := q.RunOnce(ctx); err != nil && ctx.Err() == nil {
			q.Logger.Error(ctx, "dispatch poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce delivers every task due now and reports how many were attempted.
func (q *Queue) RunOnce(ctx context.Context) (int, error) {
	batch := q.BatchSize
	if batch <= 0 {
		batch = defaultBatch
	}
	tasks, err := q.Repo.ListDueTasks(ctx, domain.FormatTime(q.now()), batch)
	if err != nil {
		return 0, err
	}
	for i, t := range tasks {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		if err := q.deliver(ctx, t); err != nil {
			return i + 1, err
		}
	}
	return len(tasks), nil
}

func (q *Queue) deliver(ctx context.Context, t domain.Task) error {
	outcome, derr := q.Deliverer.Deliver(ctx, Delivery{
		Name:      t.ID,
		Queue:     t.Queue,
		TargetURL: t.TargetURL,
		Attempt:   t.Attempts,
		Payload:   []byte(t.PayloadJSON),
	})
	attempts := t.Attempts + 1
	now := q.now()
	status := domain.TaskQueued
	next := now
	lastErr := ""
	if derr != nil {
		lastErr = derr.Error()
	}
	switch outcome {
	case Delivered:
		status = domain.TaskDelivered
	case Dead:
		status = domain.TaskDead
	case Retry:
		if q.MaxAttempts > 0 && attempts >= q.MaxAttempts {
			status = domain.TaskDead
			outcome = Dead
		} else {
			next = now.Add(Backoff(attempts))
		}
	}
	metrics.TaskDeliveries.WithLabelValues(t.Queue, outcome.String()).Inc()
	fields := []zap.Field{zap.String("task_id", t.ID), zap.String("queue", t.Queue), zap.Int("attempts", attempts)}
	switch outcome {
	case Dead:
		q.Logger.Warn(ctx, "task dead-lettered", append(fields, zap.String("error", lastErr))...)
	case Retry:
		q.Logger.Info(ctx, "task delivery failed, rescheduled", append(fields, zap.String("error", lastErr), zap.Time("next_attempt_at", next))...)
	}
	return q.Repo.UpdateTaskAttempt(ctx, t.ID, status, attempts, domain.FormatTime(next), lastErr, domain.FormatTime(now))
}

// Retry requeues a dead task with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	ok, err := q.Repo.RequeueDeadTask(ctx, id, domain.FormatTime(q.now()))
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := q.Repo.GetTask(ctx, id); err != nil {
		return err
	}
	return ErrNotDead
}

func (q *Queue) List(ctx context.Context, status string, limit int) ([]domain.Task, error) {
	return q.Repo.ListTasks(ctx, status, limit)
}
