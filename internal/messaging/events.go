package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashlane/gosp/pkg/log"
)

// publishTimeout bounds a single event publish so a slow broker cannot
// hold up the caller's goroutine indefinitely.
const publishTimeout = 5 * time.Second

// EventPublisher receives proxy lifecycle events. Implementations must be
// safe for concurrent use and must never block the caller on broker health.
type EventPublisher interface {
	PublishShareEvent(event *ShareEventMessage)
	PublishJobEvent(event *JobEventMessage)
	PublishUpstreamEvent(event *UpstreamEventMessage)
	Close() error
}

// NopPublisher discards all events. Used when Kafka is disabled.
type NopPublisher struct{}

// PublishShareEvent implements EventPublisher.
func (NopPublisher) PublishShareEvent(*ShareEventMessage) {}

// PublishJobEvent implements EventPublisher.
func (NopPublisher) PublishJobEvent(*JobEventMessage) {}

// PublishUpstreamEvent implements EventPublisher.
func (NopPublisher) PublishUpstreamEvent(*UpstreamEventMessage) {}

// Close implements EventPublisher.
func (NopPublisher) Close() error { return nil }

// KafkaPublisher publishes proxy events as JSON to the proxy.* topics.
// Publishing is asynchronous: each event goes out on its own goroutine and
// failures are logged, never returned.
type KafkaPublisher struct {
	client *KafkaClient
	logger *log.Logger
}

// NewKafkaPublisher creates a publisher on top of an existing Kafka client.
func NewKafkaPublisher(client *KafkaClient, logger *log.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		client: client,
		logger: logger.WithComponent("events"),
	}
}

// PublishShareEvent implements EventPublisher. Events are keyed by username
// so one worker's shares stay ordered within a partition.
func (p *KafkaPublisher) PublishShareEvent(event *ShareEventMessage) {
	p.publishAsync(TopicShares, event.Username, event)
}

// PublishJobEvent implements EventPublisher.
func (p *KafkaPublisher) PublishJobEvent(event *JobEventMessage) {
	p.publishAsync(TopicJobs, event.JobID, event)
}

// PublishUpstreamEvent implements EventPublisher.
func (p *KafkaPublisher) PublishUpstreamEvent(event *UpstreamEventMessage) {
	p.publishAsync(TopicUpstream, event.Host, event)
}

func (p *KafkaPublisher) publishAsync(topic, key string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(err).Error("failed to marshal event", "topic", topic)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if err := p.client.PublishJSON(ctx, topic, key, data); err != nil {
			p.logger.WithError(err).Warn("failed to publish event", "topic", topic, "key", key)
		}
	}()
}

// Close closes the underlying Kafka client.
func (p *KafkaPublisher) Close() error {
	return p.client.Close()
}
