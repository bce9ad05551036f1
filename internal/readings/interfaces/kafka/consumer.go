package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"sitewatch/internal/observability/metrics"
	readings "sitewatch/internal/readings/domain"
)

// Handler processes a decoded sensor reading.
type Handler interface {
	ProcessReading(ctx context.Context, r readings.Reading) error
}

// Config holds connection settings for the reading stream.
type Config struct {
	Brokers []string
	Topic   string
	Group   string
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("reading consumer: no brokers")
	}
	if c.Topic == "" {
		return errors.New("reading consumer: empty topic")
	}
	if c.Group == "" {
		return errors.New("reading consumer: empty consumer group")
	}
	return nil
}

type wireReading struct {
	SensorID  string    `json:"sensor_id"`
	Value     float64   `json:"value"`
	Quality   string    `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
}

// Consumer pulls sensor readings from a Kafka topic and feeds them to the
// handler. Offsets are committed only after the poll batch has been handed
// over, so a crash replays rather than drops readings; the handler's
// ordering guard makes replays harmless.
type Consumer struct {
	client  *kgo.Client
	topic   string
	handler Handler
	log     *logrus.Logger
}

// NewConsumer connects to the brokers and joins the consumer group.
func NewConsumer(cfg Config, handler Handler, log *logrus.Logger) (*Consumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("reading consumer: nil handler")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.DisableAutoCommit(),
		kgo.SessionTimeout(30*time.Second),
		kgo.RetryBackoffFn(func(attempts int) time.Duration {
			return time.Duration(attempts) * time.Second
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("reading consumer: connect: %w", err)
	}
	return &Consumer{client: client, topic: cfg.Topic, handler: handler, log: log}, nil
}

// Run consumes until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.WithField("topic", c.topic).Info("reading consumer started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return errors.New("reading consumer: client closed")
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fetchErr := range errs {
				if errors.Is(fetchErr.Err, context.Canceled) {
					return ctx.Err()
				}
				c.log.WithError(fetchErr.Err).WithField("topic", fetchErr.Topic).Warn("fetch error")
			}
		}

		var processed int
		fetches.EachRecord(func(record *kgo.Record) {
			processed++
			c.handleRecord(ctx, record)
		})
		if processed > 0 {
			if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
				c.log.WithError(err).Warn("commit offsets failed")
			}
		}
	}
}

// Close shuts down the Kafka client.
func (c *Consumer) Close() {
	if c != nil && c.client != nil {
		c.client.Close()
	}
}

func (c *Consumer) handleRecord(ctx context.Context, record *kgo.Record) {
	var wire wireReading
	if err := json.Unmarshal(record.Value, &wire); err != nil {
		metrics.IncDiscarded("malformed")
		c.log.WithError(err).WithField("offset", record.Offset).Warn("malformed reading discarded")
		return
	}
	quality, ok := readings.ParseQuality(wire.Quality)
	if !ok {
		metrics.IncDiscarded("malformed")
		c.log.WithFields(logrus.Fields{"sensor_id": wire.SensorID, "quality": wire.Quality}).
			Warn("reading with unknown quality discarded")
		return
	}
	reading := readings.Reading{
		SensorID:  wire.SensorID,
		Value:     wire.Value,
		Quality:   quality,
		Timestamp: wire.Timestamp.UTC(),
	}
	if !record.Timestamp.IsZero() {
		metrics.ObserveConsumerLag(time.Since(record.Timestamp))
	}
	if err := c.handler.ProcessReading(ctx, reading); err != nil {
		c.log.WithError(err).WithField("sensor_id", reading.SensorID).Warn("reading rejected")
	}
}
