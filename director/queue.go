package director

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/vmihailenco/taskq/v3"
	"github.com/vmihailenco/taskq/v3/redisq"
)

const notificationQueueName = "mdmrelay-notifications"

// NotificationQueue defers notifications to a redis-backed worker so that
// writers never wait on the push transport.
type NotificationQueue struct {
	queue taskq.Queue
	task  *taskq.Task
}

// NewNotificationQueue registers the notification task. Tasks are global in
// taskq, so it must be called once per process.
func NewNotificationQueue(rdb *redis.Client, delivery Scheduler) *NotificationQueue {
	factory := redisq.NewFactory()
	queue := factory.RegisterQueue(&taskq.QueueOptions{
		Name:  notificationQueueName,
		Redis: rdb,
	})
	task := taskq.RegisterTask(&taskq.TaskOptions{
		Name: "notify-target",
		Handler: func(ctx context.Context, key string) error {
			return handleNotificationTask(ctx, delivery, key)
		},
		RetryLimit: 3,
	})
	return &NotificationQueue{queue: queue, task: task}
}

func (q *NotificationQueue) Schedule(ctx context.Context, target NotificationTarget) error {
	msg := q.task.WithArgs(ctx, target.Key())
	return errors.Wrap(q.queue.Add(msg), "enqueue notification")
}

func (q *NotificationQueue) Start(ctx context.Context) error {
	return q.queue.Consumer().Start(ctx)
}

func (q *NotificationQueue) Close() error {
	return q.queue.Close()
}

// handleNotificationTask delivers one queued target. Unparseable targets are
// dropped; resolution failures are returned so the task is retried. Per
// device failures were already retried by the dispatcher.
func handleNotificationTask(ctx context.Context, delivery Scheduler, key string) error {
	target, err := ParseNotificationTarget(key)
	if err != nil {
		ErrorLogger(LogHolder{Target: key, Message: err.Error()})
		return nil
	}
	if err := delivery.Schedule(ctx, target); err != nil {
		if IsValidation(err) {
			WarnLogger(LogHolder{Target: key, Message: err.Error()})
			return nil
		}
		return err
	}
	return nil
}
