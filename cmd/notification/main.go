// 通知サービスのエントリポイント。
// キューから通知イベントを購読して保存し、接続中のクライアントへWebSocketで配信する。
// プルAPIで通知一覧の取得と既読処理も提供する。
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nao1215/taskhub/internal/config"
	"github.com/nao1215/taskhub/internal/notification"
	"github.com/nao1215/taskhub/pkg/broker"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println(".envファイルが無いため環境変数から設定を読み込みます")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"), "8086")
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := notification.NewServer(ctx, cfg)
	if err != nil {
		log.Fatalf("通知サーバーの初期化に失敗: %v", err)
	}

	var conn *broker.Conn
	if cfg.BrokerEnabled() {
		conn, err = startConsumer(ctx, cfg, server.Service())
		if err != nil {
			log.Fatalf("キュー購読の開始に失敗: %v", err)
		}
	} else {
		log.Println("AMQP_URLが未設定のためキューを購読しません（内部APIでのみ取り込みます）")
	}

	go func() {
		log.Printf("通知サービスを起動します: :%s", cfg.Port)
		if err := server.Run(); err != nil {
			log.Fatalf("通知サービスの起動に失敗: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("通知サービスを停止します")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Printf("ブローカー接続のクローズに失敗: %v", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("通知サービスの停止に失敗: %v", err)
	}
	log.Println("通知サービスを停止しました")
}

// startConsumer はブローカーに接続してトポロジーを宣言し、キューの購読を開始する。
// 接続が切れた場合はプロセスを終了し、再起動はオーケストレーターに任せる。
func startConsumer(ctx context.Context, cfg *config.Config, ingester notification.Ingester) (*broker.Conn, error) {
	conn, err := broker.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, err
	}

	topology := broker.Topology{
		Exchange:   cfg.AMQPExchange,
		Queue:      cfg.AMQPQueue,
		RoutingKey: cfg.AMQPRoutingKey,
	}
	if err := broker.Declare(conn.Channel, topology); err != nil {
		return nil, errors.Join(err, conn.Close())
	}
	deliveries, err := broker.Consume(conn.Channel, topology.Queue, "notification-service", cfg.ConsumerWorkers)
	if err != nil {
		return nil, errors.Join(err, conn.Close())
	}

	connClosed := conn.NotifyClose()
	chanClosed := conn.NotifyChannelClose()
	go func() {
		select {
		case <-ctx.Done():
		case amqpErr, ok := <-connClosed:
			if ok && amqpErr != nil {
				log.Fatalf("[Consumer] ブローカーとの接続が切断されました: %v", amqpErr)
			}
		case amqpErr, ok := <-chanClosed:
			if ok && amqpErr != nil {
				log.Fatalf("[Consumer] チャネルが閉じられました: %v", amqpErr)
			}
		}
	}()

	log.Printf("[Consumer] キューの購読を開始します: queue=%s, workers=%d", topology.Queue, cfg.ConsumerWorkers)
	consumer := notification.NewConsumer(deliveries, ingester, cfg.ConsumerWorkers)
	go superviseConsumer(ctx, consumer, func(err error) {
		log.Fatalf("[Consumer] 購読が停止したため終了します: %v", err)
	})

	return conn, nil
}

// consumerRunner はキューの購読処理。notification.Consumerが実装する。
type consumerRunner interface {
	Run(ctx context.Context) error
}

// superviseConsumer はrunnerを実行し、ctxの終了以外の理由で止まった場合にonStopを呼ぶ。
// 購読が止まったままHTTPだけが動き続けることを防ぐ。
func superviseConsumer(ctx context.Context, runner consumerRunner, onStop func(error)) {
	err := runner.Run(ctx)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = notification.ErrDeliveriesClosed
	}
	onStop(err)
}
