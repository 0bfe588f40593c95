// Package redpanda mirrors committed outbox events to a Redpanda topic for
// downstream consumers. The relay listener feeds it under a cursor lock, so
// delivery is at-least-once in log order; the idempotent producer keeps
// broker-side duplicates out on retry.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

// Producer publishes events to one topic. It implements domain.EventRelay.
type Producer struct {
	client *kgo.Client
	topic  string
}

// relayRecord is the wire shape downstream consumers depend on.
type relayRecord struct {
	ID        int64           `json:"id"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewProducer connects to the brokers and ensures the topic exists.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	slog.Info("creating event relay producer",
		slog.Any("brokers", brokers), slog.String("topic", topic))

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(
			kotel.TracerProvider(otel.GetTracerProvider()),
		)),
	)
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.DialTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("relay client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ensureTopic(ctx, client, topic, 1, 1); err != nil {
		slog.Warn("relay topic ensure failed, continuing",
			slog.String("topic", topic), slog.Any("error", err))
	}
	return &Producer{client: client, topic: topic}, nil
}

// Publish mirrors events in order. The cursor only advances past an event
// after its batch returns nil here, so a failed publish is retried from the
// log rather than lost.
func (p *Producer) Publish(ctx domain.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, len(events))
	for _, ev := range events {
		b, err := json.Marshal(relayRecord{
			ID:        ev.ID,
			EventType: ev.EventType,
			Payload:   ev.Payload,
			CreatedAt: ev.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("relay marshal event %d: %w", ev.ID, err)
		}
		records = append(records, &kgo.Record{
			Topic: p.topic,
			Key:   []byte(strconv.FormatInt(ev.ID, 10)),
			Value: b,
			Headers: []kgo.RecordHeader{
				{Key: "event_id", Value: []byte(strconv.FormatInt(ev.ID, 10))},
				{Key: "event_type", Value: []byte(ev.EventType)},
			},
		})
	}

	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("relay produce: %w", err)
	}
	observability.RelayPublishedTotal.Add(float64(len(events)))
	return nil
}

// Close flushes and closes the underlying client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

// ensureTopic creates the topic when missing. Error code 36 is
// TOPIC_ALREADY_EXISTS and is not an error here.
func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30_000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replication
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	topicsResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, tr := range topicsResp.Topics {
		if tr.ErrorCode != 0 && tr.ErrorCode != 36 {
			msg := ""
			if tr.ErrorMessage != nil {
				msg = *tr.ErrorMessage
			}
			return fmt.Errorf("create topic %s: %s (code %d)", tr.Topic, msg, tr.ErrorCode)
		}
	}
	return nil
}
