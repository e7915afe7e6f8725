// Package events carries "job queued" notifications over Kafka.
// Messages are hints: workers also sweep the job table for QUEUED rows
// whose announcement was lost.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"asyncart/internal/models"
)

const (
	WorkerGroupID = "asyncart-workers"

	// Announcements are sent one at a time from request handlers.
	announceBatchTimeout = 10 * time.Millisecond
)

type QueuedEvent struct {
	JobID            string `json:"jobId"`
	OriginalImageKey string `json:"originalImageKey"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	w messageWriter
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{w: kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: announceBatchTimeout,
	})}
}

// Announce publishes the job keyed by its id.
func (p *Publisher) Announce(ctx context.Context, job *models.Job) error {
	const op = "events.Announce"

	payload, err := json.Marshal(QueuedEvent{JobID: job.ID.String(), OriginalImageKey: job.OriginalImageKey})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := p.w.WriteMessages(ctx, kafka.Message{Key: []byte(job.ID.String()), Value: payload}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.w.Close()
}

type Handler func(ctx context.Context, ev QueuedEvent) error

type Consumer struct {
	r   messageReader
	log *logrus.Logger
}

func NewConsumer(brokers []string, topic string, log *logrus.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: WorkerGroupID,
		}),
		log: log,
	}
}

// Run reads until ctx is cancelled. Handler errors and undecodable messages
// are logged and skipped. An offset is committed only after its handler
// returns, so a crash mid-job redelivers the message.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			c.log.WithError(err).Error("error reading message")
			continue
		}

		var ev QueuedEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			c.log.WithError(err).WithField("offset", msg.Offset).Warn("invalid job event")
		} else if err := handle(ctx, ev); err != nil {
			c.log.WithError(err).WithField("job_id", ev.JobID).Error("error processing job")
		}

		if err := c.r.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			c.log.WithError(err).WithField("offset", msg.Offset).Error("error committing offset")
		}
	}
}

func (c *Consumer) Close() error {
	return c.r.Close()
}
