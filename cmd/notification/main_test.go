package main

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nao1215/taskhub/internal/notification"
)

// runnerFunc は関数をconsumerRunnerとして扱う。
type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

// TestSuperviseConsumer は購読停止時の扱いを検証する。
func TestSuperviseConsumer(t *testing.T) {
	t.Parallel()

	t.Run("配送チャネルが閉じられた場合はonStopが呼ばれること", func(t *testing.T) {
		t.Parallel()

		deliveries := make(chan amqp.Delivery)
		close(deliveries)
		consumer := notification.NewConsumer(deliveries, nil, 2)

		var got error
		called := false
		superviseConsumer(context.Background(), consumer, func(err error) {
			called = true
			got = err
		})

		if !called {
			t.Fatal("onStopが呼ばれていない")
		}
		if !errors.Is(got, notification.ErrDeliveriesClosed) {
			t.Errorf("err = %v, want ErrDeliveriesClosed", got)
		}
	})

	t.Run("エラーなしで止まった場合もonStopが呼ばれること", func(t *testing.T) {
		t.Parallel()

		var got error
		superviseConsumer(context.Background(), runnerFunc(func(context.Context) error { return nil }), func(err error) {
			got = err
		})
		if !errors.Is(got, notification.ErrDeliveriesClosed) {
			t.Errorf("err = %v, want ErrDeliveriesClosed", got)
		}
	})

	t.Run("ctxの終了で止まった場合はonStopが呼ばれないこと", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		called := false
		superviseConsumer(ctx, runnerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}), func(error) { called = true })

		if called {
			t.Error("ctx終了時にonStopが呼ばれた")
		}
	})
}
