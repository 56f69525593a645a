package producer

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/taskhub/internal/notification"
	"github.com/nao1215/taskhub/pkg/broker"
)

// loopbackChannel は発行されたメッセージをそのまま配送チャネルに流すbroker.Channel。
type loopbackChannel struct {
	deliveries chan amqp.Delivery
}

func (l *loopbackChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (l *loopbackChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (l *loopbackChannel) QueueBind(string, string, string, bool, amqp.Table) error { return nil }

func (l *loopbackChannel) Qos(int, int, bool) error { return nil }

func (l *loopbackChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	l.deliveries <- amqp.Delivery{
		Acknowledger: noopAcknowledger{},
		RoutingKey:   key,
		ContentType:  msg.ContentType,
		Body:         msg.Body,
	}
	return nil
}

func (l *loopbackChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return l.deliveries, nil
}

func (l *loopbackChannel) Close() error { return nil }

type noopAcknowledger struct{}

func (noopAcknowledger) Ack(uint64, bool) error        { return nil }
func (noopAcknowledger) Nack(uint64, bool, bool) error { return nil }
func (noopAcknowledger) Reject(uint64, bool) error     { return nil }

// TestNotifierThroughConsumer は発行から保存までの流れを検証する。
func TestNotifierThroughConsumer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := notification.OpenDB(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := notification.NewStore(db)
	registry := notification.NewRegistry()
	service := notification.NewService(store, notification.NewDispatcher(notification.NewGateway(registry, "secret")))

	ch := &loopbackChannel{deliveries: make(chan amqp.Delivery, 16)}
	topology := broker.Topology{Exchange: "notifications", Queue: "notifications_queue", RoutingKey: "notification.created"}
	require.NoError(t, broker.Declare(ch, topology))
	deliveries, err := broker.Consume(ch, topology.Queue, "test", 2)
	require.NoError(t, err)

	go func() { _ = notification.NewConsumer(deliveries, service, 2).Run(ctx) }()

	notifier := NewNotifier(broker.NewPublisher(ch, topology.Exchange))
	require.NoError(t, notifier.TaskAssigned(ctx, testTask, "creator", []string{"a1", "a2"}))

	for _, recipient := range []string{"a1", "a2"} {
		assert.Eventually(t, func() bool {
			n, err := store.CountUnread(ctx, recipient)
			return err == nil && n == 1
		}, 2*time.Second, 10*time.Millisecond, "recipient=%s", recipient)
	}

	got, err := store.GetRecipientNotifications(ctx, "a1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "TASK_ASSIGNED", string(got[0].Type))
	assert.Equal(t, "Nova tarefa atribuída", got[0].Title)
}
