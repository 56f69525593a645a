package broker

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel はこのパッケージが使用するAMQPチャネルの操作。
// *amqp.Channel が満たす。テストではフェイクに差し替える。
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Topology はExchange・キュー・ルーティングキーの組。
type Topology struct {
	// Exchange はトピックExchangeの名前。
	Exchange string
	// Queue は購読する永続キューの名前。
	Queue string
	// RoutingKey はキューをExchangeにバインドするルーティングキー。
	RoutingKey string
}

// Validate は必須項目が設定されているかを検証する。
func (t Topology) Validate() error {
	if t.Exchange == "" || t.Queue == "" || t.RoutingKey == "" {
		return fmt.Errorf("トポロジーが不完全です: exchange=%q, queue=%q, routingKey=%q", t.Exchange, t.Queue, t.RoutingKey)
	}
	return nil
}

// Declare はExchangeとキューを永続として宣言し、バインドする。
// 既に同じ設定で存在する場合は何もしない（AMQPの宣言は冪等）。
func Declare(ch Channel, t Topology) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("Exchangeの宣言に失敗: %w", err)
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("キューの宣言に失敗: %w", err)
	}
	if err := ch.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("キューのバインドに失敗: %w", err)
	}
	return nil
}

// Conn はAMQP接続とチャネルの組。
type Conn struct {
	conn *amqp.Connection
	// Channel は接続上に開いたチャネル。
	Channel *amqp.Channel
}

// Dial はブローカーに接続してチャネルを開く。
func Dial(url string) (*Conn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("ブローカーへの接続に失敗: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("チャネルのオープンに失敗: %w", err)
	}
	return &Conn{conn: conn, Channel: ch}, nil
}

// NotifyClose は接続が閉じられたときに通知されるチャネルを返す。
func (c *Conn) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// NotifyChannelClose はチャネルが閉じられたときに通知されるチャネルを返す。
// チャネル例外では接続が生きたままチャネルだけが閉じられる。
func (c *Conn) NotifyChannelClose() <-chan *amqp.Error {
	return c.Channel.NotifyClose(make(chan *amqp.Error, 1))
}

// Close はチャネルと接続を閉じる。
func (c *Conn) Close() error {
	return errors.Join(c.Channel.Close(), c.conn.Close())
}

// Publisher はExchangeへメッセージを発行する。
type Publisher struct {
	ch       Channel
	exchange string
}

// NewPublisher は指定Exchangeに発行するPublisherを生成する。
func NewPublisher(ch Channel, exchange string) *Publisher {
	return &Publisher{ch: ch, exchange: exchange}
}

// Publish はJSONボディを永続メッセージとして発行する。
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("メッセージの発行に失敗: exchange=%s, key=%s: %w", p.exchange, routingKey, err)
	}
	return nil
}

// Consume はキューの購読を開始する。ackは呼び出し側で手動で行う。
// prefetchが正の場合は未ackのメッセージ数をその値に制限する。
func Consume(ch Channel, queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("QoSの設定に失敗: %w", err)
		}
	}
	deliveries, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("キューの購読に失敗: queue=%s: %w", queue, err)
	}
	return deliveries, nil
}
