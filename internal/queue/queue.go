// Package queue carries job descriptors from the API server to delegated
// execution workers over RabbitMQ.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/promptflow/pkg/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// ErrBadMessage is returned for deliveries that cannot be decoded into a
// usable job descriptor. Such messages are dead-lettered.
var ErrBadMessage = errors.New("bad job message")

// Queue is a durable job queue with a dead-letter companion named
// "<name>.dlq". Rejected deliveries land in the dead-letter queue.
type Queue struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	name string

	// guards publishing on ch
	mu sync.Mutex
}

// Dial connects to the broker and declares the queue topology.
func Dial(url, name string) (*Queue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening rabbitmq channel: %w", err)
	}
	if err := declare(ch, name); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Queue{conn: conn, ch: ch, name: name}, nil
}

// DeadLetterName returns the dead-letter queue paired with name.
func DeadLetterName(name string) string {
	return name + ".dlq"
}

func declare(ch *amqp.Channel, name string) error {
	dlq := DeadLetterName(name)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", dlq, err)
	}
	// nack(requeue=false) on the main queue dead-letters to dlq
	if _, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}); err != nil {
		return fmt.Errorf("declaring queue %s: %w", name, err)
	}
	return nil
}

func (q *Queue) Close() error {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// Ping reports whether the broker connection is still open.
func (q *Queue) Ping(context.Context) error {
	if q.conn == nil || q.conn.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	return nil
}

// Publish enqueues a job descriptor as a persistent message.
func (q *Queue) Publish(ctx context.Context, d models.JobDescriptor) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding job descriptor: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.ch.PublishWithContext(cctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    d.JobID.String(),
		Body:         body,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("publishing job %s: %w", d.JobID, err)
	}
	return nil
}

// Handler processes one job descriptor. A returned error dead-letters the
// message, except during shutdown when the message is requeued.
type Handler func(ctx context.Context, d models.JobDescriptor) error

// Consume delivers messages to h on concurrency goroutines until ctx is done.
// The broker never hands this consumer more than concurrency unacknowledged
// messages.
func (q *Queue) Consume(ctx context.Context, concurrency int, h Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	if err := q.ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("setting qos: %w", err)
	}
	msgs, err := q.ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming %s: %w", q.name, err)
	}

	deliveries := make(chan amqp.Delivery)
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range deliveries {
				handleDelivery(ctx, workerID, d.Body, d, h)
			}
		}(i)
	}
	defer func() {
		close(deliveries)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("queue consumer stopping", "queue", q.name)
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", q.name)
			}
			select {
			case deliveries <- d:
			case <-ctx.Done():
				// unacked; the broker redelivers it after the channel closes
				return nil
			}
		}
	}
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func handleDelivery(ctx context.Context, workerID int, body []byte, ack acknowledger, h Handler) {
	d, err := Decode(body)
	if err != nil {
		slog.Warn("dropping job message", "worker", workerID, "error", err)
		_ = ack.Nack(false, false)
		return
	}

	start := time.Now()
	if err := runHandler(ctx, d, h); err != nil {
		// interrupted by shutdown: hand the job back for another consumer
		requeue := ctx.Err() != nil
		slog.Error("job message failed", "worker", workerID, "job_id", d.JobID,
			"requeue", requeue, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		_ = ack.Nack(false, requeue)
		return
	}
	if err := ack.Ack(false); err != nil {
		slog.Warn("ack failed", "worker", workerID, "job_id", d.JobID, "error", err)
	}
}

func runHandler(ctx context.Context, d models.JobDescriptor, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, d)
}

// Decode parses and checks a job descriptor message.
func Decode(body []byte) (models.JobDescriptor, error) {
	var d models.JobDescriptor
	if err := json.Unmarshal(body, &d); err != nil {
		return d, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	switch {
	case d.JobID == uuid.Nil:
		return d, fmt.Errorf("%w: missing jobId", ErrBadMessage)
	case d.CallbackURL == "":
		return d, fmt.Errorf("%w: missing callbackUrl", ErrBadMessage)
	case len(d.UserPrompts) == 0:
		return d, fmt.Errorf("%w: no user prompts", ErrBadMessage)
	case len(d.DataItems) == 0:
		return d, fmt.Errorf("%w: no data items", ErrBadMessage)
	}
	if d.BatchSize < 1 {
		d.BatchSize = 1
	}
	return d, nil
}
