package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	defaultPublishTimeout = 2 * time.Second
	writerBatchTimeout    = 5 * time.Millisecond
)

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes driver locations and ride lifecycle events to their
// topics. Messages are keyed by driver and ride id so each entity stays on
// one partition.
type KafkaPublisher struct {
	locations     messageWriter
	rides         messageWriter
	locationTopic string
	rideTopic     string
	timeout       time.Duration
}

func NewKafkaPublisher(brokers []string, locationTopic, rideTopic string) *KafkaPublisher {
	newWriter := func(topic string) *kafka.Writer {
		// each publish is one synchronous message on a frame handler's path;
		// flush it immediately instead of waiting out the default 1s batch
		return &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchSize:              1,
			BatchTimeout:           writerBatchTimeout,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		}
	}
	return &KafkaPublisher{
		locations:     newWriter(locationTopic),
		rides:         newWriter(rideTopic),
		locationTopic: locationTopic,
		rideTopic:     rideTopic,
		timeout:       defaultPublishTimeout,
	}
}

func (k *KafkaPublisher) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	return k.write(ctx, k.locations, k.locationTopic, loc.DriverID, loc)
}

func (k *KafkaPublisher) PublishRideEvent(ctx context.Context, ev models.RideEvent) error {
	return k.write(ctx, k.rides, k.rideTopic, ev.RideID, ev)
}

func (k *KafkaPublisher) write(ctx context.Context, w messageWriter, topic string, key int64, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		observability.EventsPublishedTotal.WithLabelValues(topic, "error").Inc()
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	err = w.WriteMessages(ctx, kafka.Message{Key: []byte(strconv.FormatInt(key, 10)), Value: b})
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.EventsPublishedTotal.WithLabelValues(topic, result).Inc()
	return err
}

func (k *KafkaPublisher) Close() error {
	var errs []error
	for _, w := range []messageWriter{k.locations, k.rides} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	return errors.Join(errs...)
}

// Noop drops every event. It is used when no brokers are configured.
type Noop struct{}

func (Noop) PublishLocation(context.Context, models.DriverLocation) error { return nil }
func (Noop) PublishRideEvent(context.Context, models.RideEvent) error     { return nil }
