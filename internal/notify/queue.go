package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// DeliverTask is enqueued once per notification.
const DeliverTask = "notify:deliver"

// QueueNotifier hands notifications to the asynq worker.
type QueueNotifier struct {
	client *asynq.Client
}

func NewQueueNotifier(opt asynq.RedisClientOpt) *QueueNotifier {
	return &QueueNotifier{client: asynq.NewClient(opt)}
}

// NewDeliverTask serializes a notification into a task payload.
func NewDeliverTask(n Notification) (*asynq.Task, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	return asynq.NewTask(DeliverTask, data), nil
}

func (q *QueueNotifier) Notify(ctx context.Context, n Notification) error {
	task, err := NewDeliverTask(n)
	if err != nil {
		return err
	}
	if _, err := q.client.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

func (q *QueueNotifier) Close() error {
	return q.client.Close()
}
