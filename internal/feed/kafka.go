package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
)

// kafkaClient is an interface for the subset of kgo.Client methods we use.
// This allows for mocking in tests.
type kafkaClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitUncommittedOffsets(ctx context.Context) error
	Close()
}

// KafkaConsumer tails the portal's CDC topic and republishes decoded
// changes into a MemorySource for session fan-out. The topic is partitioned
// by account id, which preserves per-account ordering.
type KafkaConsumer struct {
	brokers []string
	topic   string
	group   string
	client  kafkaClient
	sink    *MemorySource
	logger  *slog.Logger
}

type KafkaOption func(*KafkaConsumer)

func WithKafkaBrokers(brokers []string) KafkaOption {
	return func(kc *KafkaConsumer) {
		kc.brokers = brokers
	}
}

func WithKafkaTopic(topic string) KafkaOption {
	return func(kc *KafkaConsumer) {
		kc.topic = topic
	}
}

func WithKafkaGroup(group string) KafkaOption {
	return func(kc *KafkaConsumer) {
		kc.group = group
	}
}

func WithKafkaLogger(logger *slog.Logger) KafkaOption {
	return func(kc *KafkaConsumer) {
		kc.logger = logger
	}
}

// withKafkaClient is used for testing to inject a mock client.
func withKafkaClient(client kafkaClient) KafkaOption {
	return func(kc *KafkaConsumer) {
		kc.client = client
	}
}

func NewKafkaConsumer(sink *MemorySource, opts ...KafkaOption) (*KafkaConsumer, error) {
	kc := &KafkaConsumer{sink: sink}
	for _, opt := range opts {
		opt(kc)
	}
	if kc.sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if kc.logger == nil {
		kc.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	// If a client was injected (for testing), skip creating a real one.
	if kc.client != nil {
		return kc, nil
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(kc.brokers...),
		kgo.ConsumeTopics(kc.topic),
		kgo.ConsumerGroup(kc.group),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating kafka client: %v", err)
	}
	kc.client = client
	return kc, nil
}

// Run polls until ctx is cancelled. Poll errors back off exponentially;
// malformed records are counted and skipped, never fatal.
func (kc *KafkaConsumer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetches := kc.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		var fetchErr bool
		fetches.EachError(func(topic string, partition int32, err error) {
			kc.logger.Error("error during fetching", "topic", topic, "partition", partition, "error", err)
			fetchErr = true
		})
		if fetchErr {
			wait := bo.NextBackOff()
			kc.logger.Debug("backing off after fetch error", "wait", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		fetches.EachRecord(func(rec *kgo.Record) {
			var change Change
			if err := json.Unmarshal(rec.Value, &change); err != nil {
				kc.logger.Error("error unmarshaling change record", "error", err)
				decodeErrors.Inc()
				return
			}
			if change.AccountID == "" {
				change.AccountID = string(rec.Key)
			}
			kc.sink.Publish(change)
			consumedChanges.Inc()
		})
		if err := kc.client.CommitUncommittedOffsets(ctx); err != nil {
			kc.logger.Error("error committing offsets", "error", err)
		}
	}
}

func (kc *KafkaConsumer) Close() error {
	kc.client.Close()
	return nil
}
