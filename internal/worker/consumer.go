package worker

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is one message handed to the worker. Exactly one of Ack or Nack must be called.
type Delivery interface {
	Body() []byte
	Ack() error
	Nack(requeue bool) error
}

// Source yields deliveries until ctx is cancelled
type Source interface {
	SetPrefetch(count int) error
	Consume(ctx context.Context, consumerTag string) (<-chan Delivery, error)
}

// startMessageDispatcher feeds deliveries into the pool until intake stops
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan Delivery) {
	defer close(w.dispatcherDone)
	defer close(w.jobsChan)

	w.logger.Info("Message dispatcher started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - intake closed")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					w.logger.Warn("Delivery channel closed unexpectedly")
					w.markClosed()
				}
				return
			}

			select {
			case w.jobsChan <- delivery:
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				if err := delivery.Nack(true); err != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.Any("error", err),
					)
				}
				return
			}
		}
	}
}

// AMQPConsumer is the part of the RabbitMQ client the worker consumes through
type AMQPConsumer interface {
	SetPrefetch(count int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	Cancel(consumerTag string) error
}

// AMQPSource adapts a RabbitMQ consumer to Source
type AMQPSource struct {
	client AMQPConsumer
	logger *slog.Logger
}

// NewAMQPSource creates a Source reading from the client's work queue
func NewAMQPSource(client AMQPConsumer, logger *slog.Logger) *AMQPSource {
	return &AMQPSource{client: client, logger: logger}
}

// SetPrefetch sets the broker-side QoS
func (s *AMQPSource) SetPrefetch(count int) error {
	return s.client.SetPrefetch(count)
}

// Consume starts the consumer. When ctx ends the consumer is cancelled and any
// prefetched deliveries are returned to the queue.
func (s *AMQPSource) Consume(ctx context.Context, consumerTag string) (<-chan Delivery, error) {
	msgs, err := s.client.Consume(consumerTag)
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				s.release(consumerTag, msgs)
				return

			case msg, ok := <-msgs:
				if !ok {
					return
				}

				select {
				case out <- amqpDelivery{msg}:
				case <-ctx.Done():
					if err := msg.Nack(false, true); err != nil {
						s.logger.Error("Failed to NACK prefetched message",
							slog.Any("error", err),
						)
					}
				}
			}
		}
	}()

	return out, nil
}

func (s *AMQPSource) release(consumerTag string, msgs <-chan amqp.Delivery) {
	if err := s.client.Cancel(consumerTag); err != nil {
		s.logger.Warn("Failed to cancel consumer",
			slog.String("consumer_tag", consumerTag),
			slog.Any("error", err),
		)
		return
	}

	for msg := range msgs {
		_ = msg.Nack(false, true)
	}
}

type amqpDelivery struct {
	msg amqp.Delivery
}

func (d amqpDelivery) Body() []byte {
	return d.msg.Body
}

func (d amqpDelivery) Ack() error {
	return d.msg.Ack(false)
}

func (d amqpDelivery) Nack(requeue bool) error {
	return d.msg.Nack(false, requeue)
}
