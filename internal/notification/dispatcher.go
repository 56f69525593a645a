package notification

import (
	"context"
	"log"

	"github.com/nao1215/taskhub/pkg/middleware"
)

// Broadcaster は通知をソケットへ配信する。Gatewayが実装する。
type Broadcaster interface {
	BroadcastToRecipient(recipientID string, n *Notification) int
	BroadcastToAll(n *Notification) int
}

// Dispatcher は保存済みの通知を受信者の接続へ送る。
// 配信の成否はキューの処理結果に影響させない。
type Dispatcher struct {
	broadcaster Broadcaster
}

// NewDispatcher は新しいDispatcherを生成する。
func NewDispatcher(b Broadcaster) *Dispatcher {
	return &Dispatcher{broadcaster: b}
}

// Dispatch は通知を配信し、配信できたソケット数を返す。
// 受信者が "global" の場合は全接続へ配信する。
// 配信中のパニックはログに記録して握りつぶす。
func (d *Dispatcher) Dispatch(ctx context.Context, n *Notification) int {
	if n == nil || d.broadcaster == nil {
		return 0
	}
	if err := ctx.Err(); err != nil {
		log.Printf("[Dispatcher] コンテキスト終了のため配信をスキップ: id=%s, error=%v", n.ID, err)
		return 0
	}

	sent := 0
	ok := middleware.Safely("Dispatcher", func() {
		if n.IsGlobal() {
			sent = d.broadcaster.BroadcastToAll(n)
			return
		}
		sent = d.broadcaster.BroadcastToRecipient(n.RecipientID, n)
	})
	if !ok {
		log.Printf("[Dispatcher] 配信に失敗: id=%s, recipient=%s", n.ID, n.RecipientID)
		return 0
	}
	return sent
}
