// Package dispatch delivers background work to the worker endpoints over
// HTTP with at-least-once semantics.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"careerline/internal/config"
)

const (
	HeaderTaskName   = "X-Careerline-Task-Name"
	HeaderQueue      = "X-Careerline-Queue"
	HeaderRetryCount = "X-Careerline-Retry-Count"
	HeaderTaskToken  = "X-Careerline-Task-Token"
)

// Queues used by the PR pipeline.
const (
	QueueProcessing = "pr-event-processing"
	QueueGeneration = "asset-generation"
)

const (
	minBackoff = time.Second
	maxBackoff = 5 * time.Minute
)

// Task is one unit of work addressed to a worker endpoint.
type Task struct {
	Queue          string
	TargetURL      string
	IdempotencyKey string
	Payload        any
	ScheduleTime   time.Time
}

// Dispatcher enqueues tasks. Enqueueing an existing idempotency key is a
// no-op that returns the same task id.
type Dispatcher interface {
	Enqueue(ctx context.Context, t Task) (string, error)
}

func ProcessorKey(deliveryID string) string {
	return "pr-event-processor-" + deliveryID
}

func GeneratorKey(eventID string) string {
	return "asset-generator-" + eventID
}

// ProvisioningKey scopes provisioning to one task per intent and
// structure type.
func ProvisioningKey(intentID, structureType string) string {
	if structureType == "" {
		structureType = "default"
	}
	return "provisioning-" + intentID + "-" + structureType
}

// RetryKey derives a fresh idempotency key for the n-th manual or swept
// retry of a task.
func RetryKey(key string, n int) string {
	return fmt.Sprintf("%s-r%d", key, n)
}

func (t Task) validate() error {
	if strings.TrimSpace(t.Queue) == "" {
		return errors.New("task queue is required")
	}
	if strings.TrimSpace(t.TargetURL) == "" {
		return errors.New("task target url is required")
	}
	if strings.TrimSpace(t.IdempotencyKey) == "" {
		return errors.New("task idempotency key is required")
	}
	return nil
}

func (t Task) payloadJSON() ([]byte, error) {
	if t.Payload == nil {
		return []byte("{}"), nil
	}
	if raw, ok := t.Payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(t.Payload)
}

// Outcome classifies one delivery attempt.
type Outcome int

const (
	Delivered Outcome = iota
	Retry
	Dead
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Retry:
		return "retry"
	default:
		return "dead"
	}
}

// Deliverer POSTs task payloads to worker endpoints.
type Deliverer struct {
	Client *http.Client
	Token  config.Secret
}

func NewDeliverer(timeout time.Duration, token config.Secret) Deliverer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return Deliverer{Client: &http.Client{Timeout: timeout}, Token: token}
}

// Delivery is what a backend hands to the deliverer.
type Delivery struct {
	Name      string
	Queue     string
	TargetURL string
	Attempt   int
	Payload   []byte
}

// Deliver performs one attempt. The returned error describes a non-2xx
// response or a transport failure.
func (d Deliverer) Deliver(ctx context.Context, dl Delivery) (Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dl.TargetURL, bytes.NewReader(dl.Payload))
	if err != nil {
		return Dead, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTaskName, dl.Name)
	req.Header.Set(HeaderQueue, dl.Queue)
	req.Header.Set(HeaderRetryCount, strconv.Itoa(dl.Attempt))
	if d.Token.IsSet() {
		req.Header.Set(HeaderTaskToken, d.Token.Value())
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return Retry, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, res.Body)
		return Delivered, nil
	}
	bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	err = fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	return Classify(res.StatusCode), err
}

// Classify maps a worker response status to an outcome. Client errors are
// permanent except 408 and 429.
func Classify(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Delivered
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return Retry
	case status >= 400 && status < 500:
		return Dead
	default:
		return Retry
	}
}

// Backoff returns the delay before attempt n+1 after n failed attempts.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return minBackoff
	}
	d := minBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
