package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wolfman30/clinic-platform/pkg/logging"
)

// LogPublisher writes events to the log. It is the default when no broker
// is configured.
type LogPublisher struct {
	logger *logging.Logger
}

func NewLogPublisher(logger *logging.Logger) *LogPublisher {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, entry OutboxEntry) error {
	p.logger.Info("event published", "event_id", entry.ID, "type", entry.Type, "clinic_id", entry.ClinicID)
	return nil
}

type sqsSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends each envelope as one SQS message.
type SQSPublisher struct {
	client   sqsSender
	queueURL string
}

func NewSQSPublisher(client sqsSender, queueURL string) *SQSPublisher {
	if client == nil {
		panic("events: SQS client cannot be nil")
	}
	if queueURL == "" {
		panic("events: SQS queueURL cannot be empty")
	}
	return &SQSPublisher{client: client, queueURL: queueURL}
}

func (p *SQSPublisher) Publish(ctx context.Context, entry OutboxEntry) error {
	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(entry.Payload)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(entry.Type)},
			"clinic_id":  {DataType: aws.String("String"), StringValue: aws.String(entry.ClinicID.String())},
		},
	})
	if err != nil {
		return fmt.Errorf("events: failed to send SQS message: %w", err)
	}
	return nil
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes to a durable topic exchange with the event type
// as routing key, so consumers bind on patterns like "appointment.#".
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	if strings.TrimSpace(exchange) == "" {
		return nil, fmt.Errorf("events: AMQP exchange required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("events: declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{conn: conn, channel: ch, exchange: exchange}, nil
}

func newAMQPPublisherWithChannel(ch amqpChannel, exchange string) *AMQPPublisher {
	return &AMQPPublisher{channel: ch, exchange: exchange}
}

func (p *AMQPPublisher) Publish(ctx context.Context, entry OutboxEntry) error {
	err := p.channel.PublishWithContext(ctx, p.exchange, routingKey(entry.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    entry.ID.String(),
		Type:         entry.Type,
		Timestamp:    entry.CreatedAt.UTC().Truncate(time.Second),
		Headers:      amqp.Table{"clinic_id": entry.ClinicID.String()},
		Body:         entry.Payload,
	})
	if err != nil {
		return fmt.Errorf("events: amqp publish %s: %w", entry.Type, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// routingKey drops the version suffix: "payment.recorded.v1" routes as
// "payment.recorded".
func routingKey(eventType string) string {
	if idx := strings.LastIndex(eventType, ".v"); idx > 0 {
		return eventType[:idx]
	}
	return eventType
}
