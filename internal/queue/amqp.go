package queue

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// AMQPQueue publishes JSON payloads to durable RabbitMQ queues named after
// the topic. Consumers ack manually; a failed job is dropped, not requeued.
type AMQPQueue struct {
	conn *amqp.Connection
	log  *zap.Logger

	mu       sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool
	wg       sync.WaitGroup
}

func NewAMQPQueue(url string, log *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	return &AMQPQueue{conn: conn, log: log, pub: ch, declared: map[string]bool{}}, nil
}

func declare(ch *amqp.Channel, topic string) error {
	_, err := ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	return err
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.declared[topic] {
		if err := declare(q.pub, topic); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", topic, err)
		}
		q.declared[topic] = true
	}

	return q.pub.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Subscribe consumes topic on its own channel, one unacked job at a time.
// handler receives the raw JSON body.
func (q *AMQPQueue) Subscribe(topic string, handler func(payload any) error) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := declare(ch, topic); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to declare queue %s: %w", topic, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	msgs, err := ch.Consume(
		topic,
		"",
		false, // autoAck = false, ack after the job ran
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for d := range msgs {
			if err := handler(d.Body); err != nil {
				q.log.Error("Job failed", zap.String("topic", topic), zap.Error(err))
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
		q.log.Info("Consumer stopped", zap.String("topic", topic))
	}()
	return nil
}

// Close closes the connection and waits for consumers to return.
func (q *AMQPQueue) Close() error {
	err := q.conn.Close()
	q.wg.Wait()
	return err
}

var (
	_ Queue = (*AMQPQueue)(nil)
	_ Queue = (*InMemoryQueue)(nil)
)
