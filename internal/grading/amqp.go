package grading

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/examprep/backend/internal/logger"
	"github.com/streadway/amqp"
)

const (
	EventSessionSubmitted = "session.submitted"
	EventSessionGraded    = "session.graded"
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Publisher sends submissions to a topic exchange, routed by event type.
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	log      *logger.Logger
}

func NewPublisher(amqpURL, exchange string, log *logger.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Publisher{conn: conn, channel: ch, exchange: exchange, log: log.With("component", "grading")}, nil
}

func (p *Publisher) Submit(ctx context.Context, sub Submission) error {
	body, err := encode(EventSessionSubmitted, sub)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.Publish(
		p.exchange,
		EventSessionSubmitted,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    sub.SessionID,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish submission: %w", err)
	}
	p.log.Info("session handed off", "session_id", sub.SessionID, "questions", len(sub.Questions))
	return nil
}

func (p *Publisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

func encode(eventType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", eventType, err)
	}
	return json.Marshal(envelope{Type: eventType, Payload: raw})
}

// Consumer reads grading results from a durable queue bound to the
// exchange under EventSessionGraded.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	log     *logger.Logger
}

func NewConsumer(amqpURL, exchange, queue string, log *logger.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(queue, EventSessionGraded, exchange, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	if err := ch.Qos(16, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &Consumer{conn: conn, channel: ch, queue: queue, log: log.With("component", "grading")}, nil
}

// Run delivers results to handle until ctx is done or the channel closes.
func (c *Consumer) Run(ctx context.Context, handle ResultHandler) error {
	deliveries, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	c.log.Info("consuming grading results", "queue", c.queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("grading results channel closed")
			}
			ack, requeue := dispatch(ctx, d.Body, handle, c.log)
			if ack {
				_ = d.Ack(false)
			} else {
				_ = d.Nack(false, requeue)
			}
		}
	}
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// dispatch decodes one delivery and reports whether to ack it, or when not,
// whether to requeue it.
func dispatch(ctx context.Context, body []byte, handle ResultHandler, log *logger.Logger) (ack, requeue bool) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		log.Error("undecodable grading message", "error", err)
		return false, false
	}
	if env.Type != EventSessionGraded {
		log.Warn("ignoring grading message", "type", env.Type)
		return true, false
	}
	var res Result
	if err := json.Unmarshal(env.Payload, &res); err != nil {
		log.Error("undecodable grading result", "error", err)
		return false, false
	}

	if err := handle(ctx, res); err != nil {
		if IsPermanent(err) {
			log.Error("dropping grading result", "session_id", res.SessionID, "error", err)
			return false, false
		}
		log.Warn("grading result failed, requeueing", "session_id", res.SessionID, "error", err)
		return false, true
	}
	return true, false
}
