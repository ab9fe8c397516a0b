package notification

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// ---------------------------------------------------------------------------
// Kafka
// ---------------------------------------------------------------------------

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by event key, so all
// events for one alert land on the same partition.
type KafkaPublisher struct {
	w messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	})}
}

func (p *KafkaPublisher) Publish(ctx context.Context, key string, payload []byte) error {
	if err := p.w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: payload}); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// ---------------------------------------------------------------------------
// SQS
// ---------------------------------------------------------------------------

type sqsAPI interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, opts ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends events to an SQS queue. The event key travels as the
// dedup_key message attribute.
type SQSPublisher struct {
	client   sqsAPI
	queueURL string
}

// NewSQSPublisher resolves the queue URL once at startup.
func NewSQSPublisher(ctx context.Context, client *sqs.Client, queueName string) (*SQSPublisher, error) {
	return newSQSPublisher(ctx, client, queueName)
}

func newSQSPublisher(ctx context.Context, client sqsAPI, queueName string) (*SQSPublisher, error) {
	resp, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: &queueName})
	if err != nil {
		return nil, fmt.Errorf("get queue url for %s: %w", queueName, err)
	}
	return &SQSPublisher{client: client, queueURL: aws.ToString(resp.QueueUrl)}, nil
}

func (p *SQSPublisher) Publish(ctx context.Context, key string, payload []byte) error {
	body := string(payload)
	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.queueURL,
		MessageBody: &body,
		MessageAttributes: map[string]types.MessageAttributeValue{
			"dedup_key": {DataType: aws.String("String"), StringValue: aws.String(key)},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs publish: %w", err)
	}
	return nil
}

func (p *SQSPublisher) Close() error { return nil }

// ---------------------------------------------------------------------------
// Log
// ---------------------------------------------------------------------------

// LogPublisher only logs events. It is used when no transport is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "notification").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, key string, payload []byte) error {
	p.logger.Info().Str("key", key).RawJSON("event", payload).Msg("notification event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }
