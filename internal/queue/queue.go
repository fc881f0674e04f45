// Package queue wires the pipeline stages over RabbitMQ. Each stage owns one
// FIFO queue with a retry and a dead-letter companion; notifications fan out
// over a topic exchange. Delivery is at least once, so every consumer is
// idempotent at the application layer.
package queue

import (
	"fmt"
	"time"

	"github.com/cartahq/carta/backend/internal/util"
	"github.com/cartahq/carta/backend/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

const (
	IngestQueue  = "ingest_queue"
	MergeQueue   = "merge_queue"
	InsightQueue = "insight_queue"
	RetractQueue = "retract_queue"
)

// PipelineQueues lists every stage queue a worker consumes.
var PipelineQueues = []string{IngestQueue, MergeQueue, InsightQueue, RetractQueue}

func Init() *amqp091.Connection {
	user := util.GetEnv("RABBITMQ_USER")
	pass := util.GetEnv("RABBITMQ_PASSWORD")
	host := util.GetEnv("RABBITMQ_HOST")
	port := util.GetEnv("RABBITMQ_PORT")

	connURL := fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		user,
		pass,
		host,
		port,
	)

	conn, err := amqp091.Dial(connURL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}

	return conn
}

func SetupQueues(ch *amqp091.Channel) error {
	err := ch.ExchangeDeclare(
		"pubsub_exchange",
		"topic",
		false,
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		logger.Fatal("ExchangeDeclare failed", "err", err)
	}

	for _, name := range PipelineQueues {
		_, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,   // args
		)
		if err != nil {
			logger.Fatal("QueueDeclare failed", "queue", name, "err", err)
		}

		dlqName := name + "_dlq"
		_, err = ch.QueueDeclare(
			dlqName,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			logger.Fatal("QueueDeclare failed", "queue", dlqName, "err", err)
		}

		retryName := name + "_retry"
		_, err = ch.QueueDeclare(
			retryName,
			true,
			false,
			false,
			false,
			amqp091.Table{
				"x-message-ttl":             int32(10000),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		)
		if err != nil {
			logger.Fatal("QueueDeclare failed", "queue", retryName, "err", err)
		}
	}

	return nil
}

// Publisher abstracts the two ways the pipeline emits events: FIFO queue
// messages driving the next stage and topic notifications for observers.
type Publisher interface {
	PublishFIFO(queueName string, data []byte) error
	PublishTopic(topic string, data []byte) error
}

// AMQPPublisher publishes over one channel.
type AMQPPublisher struct {
	ch *amqp091.Channel
}

func NewAMQPPublisher(ch *amqp091.Channel) *AMQPPublisher {
	return &AMQPPublisher{ch: ch}
}

func (p *AMQPPublisher) PublishFIFO(queueName string, data []byte) error {
	return PublishFIFO(p.ch, queueName, data)
}

func (p *AMQPPublisher) PublishTopic(topic string, data []byte) error {
	return PublishTopic(p.ch, topic, data)
}

func PublishFIFO(ch *amqp091.Channel, queueName string, data []byte) error {
	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}

	return ch.Publish(
		"",
		q.Name,
		false,
		false,
		publishing,
	)
}

func PublishTopic(ch *amqp091.Channel, topic string, data []byte) error {
	err := ch.ExchangeDeclare(
		"pubsub_exchange",
		"topic",
		false,
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}

	return ch.Publish(
		"pubsub_exchange",
		topic,
		false,
		true,
		publishing,
	)
}

// HandleProcessingError routes a failed delivery to the queue's retry
// companion, or to the dead-letter queue once the retry ceiling is reached.
// The original delivery is acked either way; the broker never redelivers it.
func HandleProcessingError(ch *amqp091.Channel, msg amqp091.Delivery, queueName string, maxRetries int32) {
	retries := int32(0)
	if v, ok := msg.Headers["x-retries"]; ok {
		if n, ok := v.(int32); ok {
			retries = n
		}
	}

	if retries >= maxRetries {
		logger.Error("[Queue] Retry ceiling reached, dead-lettering",
			"queue", queueName, "retries", retries)
		err := ch.Publish("", queueName+"_dlq", false, false, amqp091.Publishing{
			ContentType:  msg.ContentType,
			Body:         msg.Body,
			DeliveryMode: amqp091.Persistent,
			Headers:      msg.Headers,
			Timestamp:    time.Now(),
		})
		if err != nil {
			logger.Error("[Queue] Failed to publish to DLQ", "queue", queueName, "err", err)
		}
		_ = msg.Ack(false)
		return
	}

	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-retries"] = retries + 1

	err := ch.Publish("", queueName+"_retry", false, false, amqp091.Publishing{
		ContentType:  msg.ContentType,
		Body:         msg.Body,
		DeliveryMode: amqp091.Persistent,
		Headers:      headers,
		Timestamp:    time.Now(),
	})
	if err != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "queue", queueName, "err", err)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}
