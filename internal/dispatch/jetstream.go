package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"careerline/internal/config"
	"careerline/internal/logging"
	"careerline/internal/metrics"
)

const (
	defaultDuplicateWindow = 24 * time.Hour
	fetchBatch             = 10
)

// envelope is the message body published to the stream. Attempt counts
// failed deliveries; a retry is republished with Attempt+1, so the server's
// own delivery counter only reflects deferrals and redeliveries.
type envelope struct {
	Name      string          `json:"name"`
	TargetURL string          `json:"targetUrl"`
	Attempt   int             `json:"attempt,omitempty"`
	NotBefore *time.Time      `json:"notBefore,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// JetStream is the broker backend. Each queue is a subject of one stream
// and is consumed by a durable pull consumer.
type JetStream struct {
	JS              nats.JetStreamContext
	Stream          string
	Queues          []string
	DuplicateWindow time.Duration
	Deliverer       Deliverer
	MaxAttempts     int
	PollInterval    time.Duration
	Logger          *logging.Logger
	Now             func() time.Time
}

// NewJetStream binds to the connection and makes sure the stream exists.
func NewJetStream(nc *nats.Conn, cfg config.QueueConfig, queues []string, logger *logging.Logger) (*JetStream, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	q := &JetStream{
		JS:              js,
		Stream:          cfg.Stream,
		Queues:          queues,
		DuplicateWindow: defaultDuplicateWindow,
		Deliverer:       NewDeliverer(cfg.DeliveryTimeout.Duration(), cfg.TaskToken),
		MaxAttempts:     cfg.MaxAttempts,
		PollInterval:    cfg.PollInterval.Duration(),
		Logger:          logger.Named("dispatch"),
		Now:             time.Now,
	}
	if err := q.EnsureStream(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *JetStream) subject(queue string) string {
	return q.Stream + "." + queue
}

func (q *JetStream) durable(queue string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(q.Stream + "-" + queue)
}

// EnsureStream creates the stream or updates its subjects and dedup window.
func (q *JetStream) EnsureStream() error {
	window := q.DuplicateWindow
	if window <= 0 {
		window = defaultDuplicateWindow
	}
	cfg := &nats.StreamConfig{
		Name:       q.Stream,
		Subjects:   []string{q.Stream + ".*"},
		Storage:    nats.FileStorage,
		Retention:  nats.WorkQueuePolicy,
		Duplicates: window,
	}
	if _, err := q.JS.StreamInfo(q.Stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("stream info %s: %w", q.Stream, err)
		}
		if _, err := q.JS.AddStream(cfg); err != nil {
			return fmt.Errorf("add stream %s: %w", q.Stream, err)
		}
		return nil
	}
	if _, err := q.JS.UpdateStream(cfg); err != nil {
		return fmt.Errorf("update stream %s: %w", q.Stream, err)
	}
	return nil
}

// Enqueue publishes with the idempotency key as message id so the server
// drops duplicates inside the window.
func (q *JetStream) Enqueue(ctx context.Context, t Task) (string, error) {
	if err := t.validate(); err != nil {
		return "", err
	}
	payload, err := t.payloadJSON()
	if err != nil {
		return "", fmt.Errorf("encode task payload: %w", err)
	}
	env := envelope{Name: t.IdempotencyKey, TargetURL: t.TargetURL, Payload: payload}
	if !t.ScheduleTime.IsZero() {
		at := t.ScheduleTime.UTC()
		env.NotBefore = &at
	}
	ack, err := q.publish(ctx, t.Queue, env, t.IdempotencyKey)
	if err != nil {
		metrics.TasksEnqueued.WithLabelValues(t.Queue, "error").Inc()
		return "", fmt.Errorf("publish %s: %w", t.IdempotencyKey, err)
	}
	metrics.TasksEnqueued.WithLabelValues(t.Queue, "ok").Inc()
	if ack.Duplicate {
		q.Logger.Debug(ctx, "task already enqueued", zap.String("task_id", t.IdempotencyKey))
	}
	return t.IdempotencyKey, nil
}

func (q *JetStream) publish(ctx context.Context, queue string, env envelope, msgID string) (*nats.PubAck, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(q.subject(queue))
	msg.Data = data
	return q.JS.PublishMsg(msg, nats.MsgId(msgID), nats.Context(ctx))
}

func (q *JetStream) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Run consumes every queue until ctx is cancelled.
func (q *JetStream) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, queue := range q.Queues {
		queue := queue
		sub, err := q.JS.PullSubscribe(q.subject(queue), q.durable(queue),
			nats.BindStream(q.Stream),
			nats.AckExplicit(),
			nats.MaxDeliver(-1),
		)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", queue, err)
		}
		g.Go(func() error {
			defer func() { _ = sub.Unsubscribe() }()
			return q.consume(gctx, queue, sub)
		})
	}
	return g.Wait()
}

func (q *JetStream) consume(ctx context.Context, queue string, sub *nats.Subscription) error {
	wait := q.PollInterval
	if wait <= 0 {
		wait = time.Second
	}
	for ctx.Err() == nil {
		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(wait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			q.Logger.Error(ctx, "jetstream fetch failed", zap.String("queue", queue), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		for _, m := range msgs {
			q.handle(ctx, queue, m)
		}
	}
	return nil
}

// handle delivers one message. The attempt budget is enforced from the
// envelope, so a NotBefore deferral never counts as an attempt.
func (q *JetStream) handle(ctx context.Context, queue string, m *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(m.Data, &env); err != nil {
		q.Logger.Error(ctx, "undecodable task message", zap.String("queue", queue), zap.Error(err))
		_ = m.Term()
		return
	}
	if env.NotBefore != nil {
		if wait := env.NotBefore.Sub(q.now()); wait > 0 {
			_ = m.NakWithDelay(wait)
			return
		}
	}
	outcome, derr := q.Deliverer.Deliver(ctx, Delivery{
		Name:      env.Name,
		Queue:     queue,
		TargetURL: env.TargetURL,
		Attempt:   env.Attempt,
		Payload:   env.Payload,
	})
	attempts := env.Attempt + 1
	if outcome == Retry && q.MaxAttempts > 0 && attempts >= q.MaxAttempts {
		outcome = Dead
	}
	metrics.TaskDeliveries.WithLabelValues(queue, outcome.String()).Inc()
	fields := []zap.Field{zap.String("task_id", env.Name), zap.String("queue", queue), zap.Int("attempts", attempts)}
	switch outcome {
	case Delivered:
		_ = m.Ack()
	case Dead:
		q.Logger.Warn(ctx, "task dead-lettered", append(fields, zap.Error(derr))...)
		_ = m.Term()
	case Retry:
		q.Logger.Info(ctx, "task delivery failed, rescheduled", append(fields, zap.Error(derr))...)
		next := env
		next.Attempt = attempts
		at := q.now().Add(Backoff(attempts)).UTC()
		next.NotBefore = &at
		if _, err := q.publish(ctx, queue, next, env.Name+"#"+strconv.Itoa(attempts)); err != nil {
			q.Logger.Error(ctx, "reschedule failed", append(fields, zap.Error(err))...)
			_ = m.NakWithDelay(Backoff(attempts))
			return
		}
		_ = m.Ack()
	}
}
