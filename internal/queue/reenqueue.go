package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// ReenqueueExchange and queues implement delayed task reenqueue (§4.6) via
// RabbitMQ's dead-letter pattern: a message published to a delay queue with
// a per-message TTL expires into the ready queue the orchestrator workers
// consume from. A delay of zero publishes straight to the ready queue.
const (
	ReenqueueExchange = "tasker.reenqueue"
	ReadyQueueName    = "tasker.tasks.ready"
	DelayQueueName    = "tasker.tasks.delay"
	ReadyRoutingKey   = "ready"
	DelayRoutingKey   = "delay"
)

// ReenqueueMessage is the payload carried on the background queue.
type ReenqueueMessage struct {
	TaskID int64  `json:"task_id"`
	Reason string `json:"reason"`
}

// DeclareReenqueueTopology sets up the ready queue, the delay queue (dead
// lettering back into the ready queue), and the exchange bindings. Safe to
// call repeatedly; AMQP declarations are idempotent.
func (q *RabbitMQQueue) DeclareReenqueueTopology() error {
	if err := q.channel.ExchangeDeclare(ReenqueueExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare reenqueue exchange: %w", err)
	}

	if _, err := q.channel.QueueDeclare(ReadyQueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare ready queue: %w", err)
	}
	if err := q.channel.QueueBind(ReadyQueueName, ReadyRoutingKey, ReenqueueExchange, false, nil); err != nil {
		return fmt.Errorf("bind ready queue: %w", err)
	}

	delayArgs := amqp.Table{
		"x-dead-letter-exchange":    ReenqueueExchange,
		"x-dead-letter-routing-key": ReadyRoutingKey,
	}
	if _, err := q.channel.QueueDeclare(DelayQueueName, true, false, false, false, delayArgs); err != nil {
		return fmt.Errorf("declare delay queue: %w", err)
	}
	if err := q.channel.QueueBind(DelayQueueName, DelayRoutingKey, ReenqueueExchange, false, nil); err != nil {
		return fmt.Errorf("bind delay queue: %w", err)
	}
	return nil
}

// PublishReenqueue publishes a task for pickup, either immediately (delay
// <= 0) or after delayMs milliseconds via the delay queue's dead-letter TTL.
func (q *RabbitMQQueue) PublishReenqueue(ctx context.Context, msg ReenqueueMessage, delayMs int) error {
	if delayMs <= 0 {
		return q.Publish(ctx, ReenqueueExchange, ReadyRoutingKey, msg)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal reenqueue message: %w", err)
	}
	err = q.channel.Publish(ReenqueueExchange, DelayRoutingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Expiration:  fmt.Sprintf("%d", delayMs),
	})
	if err != nil {
		return fmt.Errorf("publish delayed reenqueue: %w", err)
	}
	q.logger.Debug("task reenqueued with delay", zap.Int64("task_id", msg.TaskID), zap.Int("delay_ms", delayMs))
	return nil
}
