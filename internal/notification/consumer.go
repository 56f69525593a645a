package notification

import (
	"context"
	"errors"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nao1215/taskhub/pkg/event"
	"github.com/nao1215/taskhub/pkg/middleware"
)

// ErrDeliveriesClosed はブローカーとの接続が切れて配送チャネルが閉じられた場合に返る。
var ErrDeliveriesClosed = errors.New("配送チャネルが閉じられました")

// Ingester は通知イベントを保存して配信する。Serviceが実装する。
type Ingester interface {
	Ingest(ctx context.Context, ev *event.NotificationEvent) (*Notification, error)
}

// Outcome は1メッセージの処理結果。
type Outcome int

const (
	// OutcomeAcked は処理に成功しackしたことを表す。
	OutcomeAcked Outcome = iota
	// OutcomeRejected は不正なメッセージとして再送なしでnackしたことを表す。
	OutcomeRejected
	// OutcomeRequeued は保存に失敗し再送ありでnackしたことを表す。
	OutcomeRequeued
)

// String は処理結果の名前を返す。
func (o Outcome) String() string {
	switch o {
	case OutcomeAcked:
		return "acked"
	case OutcomeRejected:
		return "rejected"
	case OutcomeRequeued:
		return "requeued"
	default:
		return "unknown"
	}
}

// Consumer は通知キューのメッセージを複数のワーカーで処理する。
// イベント間の処理順序は保証しない。
type Consumer struct {
	deliveries <-chan amqp.Delivery
	ingester   Ingester
	workers    int
}

// NewConsumer は新しいConsumerを生成する。workersが1未満の場合は1になる。
func NewConsumer(deliveries <-chan amqp.Delivery, ingester Ingester, workers int) *Consumer {
	if workers < 1 {
		workers = 1
	}
	return &Consumer{deliveries: deliveries, ingester: ingester, workers: workers}
}

// Run はワーカーを起動し、ctxが終了するか配送チャネルが閉じられるまで処理を続ける。
// ctxの終了で止まった場合はnil、配送チャネルが閉じられた場合はErrDeliveriesClosedを返す。
func (c *Consumer) Run(ctx context.Context) error {
	var (
		wg     sync.WaitGroup
		closed = make(chan struct{}, c.workers)
	)
	for range c.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-c.deliveries:
					if !ok {
						closed <- struct{}{}
						return
					}
					c.Handle(ctx, d)
				}
			}
		}()
	}
	log.Printf("[Consumer] 購読を開始しました: workers=%d", c.workers)
	wg.Wait()

	if ctx.Err() == nil && len(closed) > 0 {
		return ErrDeliveriesClosed
	}
	return nil
}

// Handle は1メッセージを処理してack/nackする。
// 不正なペイロードは再送せず破棄し、保存の失敗は再送に回す。配信の失敗はackに影響しない。
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) Outcome {
	ev, err := event.Decode(d.Body)
	if err != nil {
		log.Printf("[Consumer] 不正なメッセージを破棄: tag=%d, error=%v", d.DeliveryTag, err)
		c.nack(d, false)
		return OutcomeRejected
	}
	if !ev.Type.Known() {
		log.Printf("[Consumer] 未知の通知種類を受信（notificationとして配信）: event=%s, type=%s", ev.ID, ev.Type)
	}

	var ingestErr error
	ok := middleware.Safely("Consumer", func() {
		_, ingestErr = c.ingester.Ingest(ctx, ev)
	})
	if !ok {
		ingestErr = errors.New("通知処理中にパニックが発生")
	}
	if ingestErr != nil {
		log.Printf("[Consumer] 通知の保存に失敗したため再送します: event=%s, error=%v", ev.ID, ingestErr)
		c.nack(d, true)
		return OutcomeRequeued
	}

	if err := d.Ack(false); err != nil {
		log.Printf("[Consumer] ackに失敗: tag=%d, error=%v", d.DeliveryTag, err)
	}
	return OutcomeAcked
}

func (c *Consumer) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		log.Printf("[Consumer] nackに失敗: tag=%d, requeue=%v, error=%v", d.DeliveryTag, requeue, err)
	}
}
