package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chronoslabs/chronos-compressor/internal/config"
	"github.com/chronoslabs/chronos-compressor/internal/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	CompressionQueueName   = "compression_jobs"
	ExchangeName           = "chronos"
	DeadLetterQueueName    = "compression_jobs_dlq"
	DeadLetterExchangeName = "chronos_dlq"
)

// JobMessage is the body published for every compression job. Workers
// load the rest of the job from the database.
type JobMessage struct {
	JobID      string    `json:"job_id"`
	Preset     string    `json:"preset"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Handler processes one job. A returned error requeues the message once;
// a second failure moves it to the dead letter queue.
type Handler func(ctx context.Context, msg JobMessage) error

// Queue provides message queue operations
type Queue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// New creates a new queue client
func New(cfg config.QueueConfig) (*Queue, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Vhost)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareTopology(channel); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	return &Queue{
		conn:    conn,
		channel: channel,
	}, nil
}

func declareTopology(channel *amqp.Channel) error {
	for _, exchange := range []string{ExchangeName, DeadLetterExchangeName} {
		err := channel.ExchangeDeclare(
			exchange,
			"direct",
			true,  // durable
			false, // auto-deleted
			false, // internal
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}

	// Dead letter queue
	if _, err := channel.QueueDeclare(DeadLetterQueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}
	if err := channel.QueueBind(DeadLetterQueueName, CompressionQueueName, DeadLetterExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind DLQ: %w", err)
	}

	// Rejected messages are routed to the dead letter exchange
	_, err := channel.QueueDeclare(
		CompressionQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-dead-letter-exchange": DeadLetterExchangeName},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := channel.QueueBind(CompressionQueueName, CompressionQueueName, ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	return nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// PublishJob publishes a compression job to the queue
func (q *Queue) PublishJob(ctx context.Context, jobID, preset string) error {
	body, err := encodeMessage(JobMessage{
		JobID:      jobID,
		Preset:     preset,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	err = q.channel.PublishWithContext(ctx,
		ExchangeName,
		CompressionQueueName,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    jobID,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}

	return nil
}

// ConsumeJobs starts consuming jobs from the queue. Deliveries are handled
// one at a time until ctx is cancelled. A job already running when ctx is
// cancelled is finished and settled first; the returned channel is closed
// once that has happened.
func (q *Queue) ConsumeJobs(ctx context.Context, handler Handler) (<-chan struct{}, error) {
	err := q.channel.Qos(
		1,     // prefetch count
		0,     // prefetch size
		false, // global
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := q.channel.Consume(
		CompressionQueueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		consume(ctx, msgs, handler, q.updateDepth)
	}()

	return done, nil
}

// consume settles deliveries until ctx is cancelled or msgs is closed.
// Handlers run with a context that outlives ctx.
func consume(ctx context.Context, msgs <-chan amqp.Delivery, handler Handler, onDelivery func()) {
	jobCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if onDelivery != nil {
				onDelivery()
			}

			job, err := decodeMessage(msg.Body)
			if err != nil {
				msg.Nack(false, false)
				continue
			}

			err = handler(jobCtx, job)
			switch settle(err, msg.Redelivered) {
			case ack:
				msg.Ack(false)
			case requeue:
				msg.Nack(false, true)
			default:
				msg.Nack(false, false)
			}
		}
	}
}

// GetQueueDepth returns the number of messages in the queue
func (q *Queue) GetQueueDepth() (int, error) {
	return q.depth(CompressionQueueName)
}

// GetDLQDepth returns the number of messages in the dead letter queue
func (q *Queue) GetDLQDepth() (int, error) {
	return q.depth(DeadLetterQueueName)
}

func (q *Queue) depth(name string) (int, error) {
	info, err := q.channel.QueueInspect(name)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}

	return info.Messages, nil
}

func (q *Queue) updateDepth() {
	if depth, err := q.GetQueueDepth(); err == nil {
		metrics.UpdateQueueDepth(depth)
	}
	if depth, err := q.GetDLQDepth(); err == nil {
		metrics.UpdateDeadLetterDepth(depth)
	}
}

type outcome int

const (
	ack outcome = iota
	requeue
	deadLetter
)

func settle(err error, redelivered bool) outcome {
	switch {
	case err == nil:
		return ack
	case !redelivered:
		return requeue
	default:
		return deadLetter
	}
}

func encodeMessage(msg JobMessage) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return body, nil
}

func decodeMessage(body []byte) (JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return JobMessage{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if msg.JobID == "" {
		return JobMessage{}, fmt.Errorf("job message has no job_id")
	}
	return msg, nil
}
