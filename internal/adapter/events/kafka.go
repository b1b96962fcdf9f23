// Package events publishes job lifecycle transitions to a Kafka-compatible
// broker. The stream is observational: consumers (dashboards, audit) are
// external, and a broker outage must never delay job settlement.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/forgestack/agentd/internal/domain"
)

const errTopicAlreadyExists = 36

// Producer implements domain.EventSink on a Kafka topic. Records are keyed
// by job id so one job's transitions stay ordered within a partition.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer dials the brokers and ensures the topic exists. Topic
// creation racing another instance is tolerated.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events.NewProducer: no seed brokers")
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(
			kotel.TracerProvider(otel.GetTracerProvider()),
		)),
	)
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.RequestRetries(5),
		kgo.DialTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.NewProducer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ensureTopic(ctx, client, topic); err != nil {
		slog.Warn("event topic ensure failed", slog.String("topic", topic), slog.Any("error", err))
	}

	slog.Info("event producer ready", slog.Any("brokers", brokers), slog.String("topic", topic))
	return &Producer{client: client, topic: topic}, nil
}

// Publish implements domain.EventSink. Fire-and-forget: delivery failures
// are logged, never returned.
func (p *Producer) Publish(ctx domain.Context, ev domain.JobEvent) {
	value, err := json.Marshal(ev)
	if err != nil {
		slog.Error("event marshal failed", slog.String("job_id", ev.JobID), slog.Any("error", err))
		return
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.JobID),
		Value: value,
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Error("event publish failed",
				slog.String("job_id", ev.JobID),
				slog.String("to", string(ev.To)),
				slog.Any("error", err))
		}
	})
}

// Close flushes pending records and releases the client.
func (p *Producer) Close(ctx domain.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		p.client.Close()
		return fmt.Errorf("op=events.Close: %w", err)
	}
	p.client.Close()
	return nil
}

func ensureTopic(ctx domain.Context, client *kgo.Client, topic string) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = 1
	topicReq.ReplicationFactor = 1
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	created, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type %T", resp)
	}
	for _, t := range created.Topics {
		if t.ErrorCode == 0 || t.ErrorCode == errTopicAlreadyExists {
			continue
		}
		msg := ""
		if t.ErrorMessage != nil {
			msg = *t.ErrorMessage
		}
		return fmt.Errorf("create topic %s: %s (code %d)", t.Topic, msg, t.ErrorCode)
	}
	return nil
}
