package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/redis/go-redis/v9"
)

// Envelope is the wire shape handed to downstream transports.
type Envelope struct {
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	ClinicID   string          `json:"clinic_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

func envelopeFor(entry OutboxEntry) ([]byte, error) {
	data, err := json.Marshal(Envelope{
		EventID:    entry.ID.String(),
		Type:       entry.Type,
		ClinicID:   entry.ClinicID,
		OccurredAt: entry.CreatedAt.UTC(),
		Data:       entry.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("events: marshal envelope: %w", err)
	}
	return data, nil
}

// ChannelFor returns the pub/sub channel live displays subscribe to.
func ChannelFor(clinicID string) string {
	return "queue:events:" + clinicID
}

// RedisPublisher fans events out over Redis pub/sub for waiting-room screens.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	if client == nil {
		panic("events: redis client required")
	}
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Handle(ctx context.Context, entry OutboxEntry) error {
	body, err := envelopeFor(entry)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, ChannelFor(entry.ClinicID), body).Err(); err != nil {
		return fmt.Errorf("events: redis publish: %w", err)
	}
	return nil
}

type sqsSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher forwards events to a queue consumed by notification workers.
type SQSPublisher struct {
	client   sqsSender
	queueURL string
}

func NewSQSPublisher(client *sqs.Client, queueURL string) *SQSPublisher {
	if client == nil {
		panic("events: SQS client cannot be nil")
	}
	return newSQSPublisher(client, queueURL)
}

func newSQSPublisher(client sqsSender, queueURL string) *SQSPublisher {
	if queueURL == "" {
		panic("events: SQS queueURL cannot be empty")
	}
	return &SQSPublisher{client: client, queueURL: queueURL}
}

func (p *SQSPublisher) Handle(ctx context.Context, entry OutboxEntry) error {
	body, err := envelopeFor(entry)
	if err != nil {
		return err
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(entry.Type)},
			"clinic_id":  {DataType: aws.String("String"), StringValue: aws.String(entry.ClinicID)},
		},
	})
	if err != nil {
		return fmt.Errorf("events: failed to send SQS message: %w", err)
	}
	return nil
}

// Fanout delivers to every handler. The entry counts as delivered only when
// all handlers succeed.
type Fanout []DeliveryHandler

func (f Fanout) Handle(ctx context.Context, entry OutboxEntry) error {
	var errs []error
	for _, h := range f {
		if h == nil {
			continue
		}
		if err := h.Handle(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
