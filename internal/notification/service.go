package notification

import (
	"context"
	"fmt"

	"github.com/nao1215/taskhub/pkg/event"
)

// Service は通知イベントの保存と配信をまとめる。
// キューの購読と内部APIの両方から同じ経路で呼ばれる。
type Service struct {
	store      *Store
	dispatcher *Dispatcher
}

// NewService は新しいServiceを生成する。
func NewService(store *Store, dispatcher *Dispatcher) *Service {
	return &Service{store: store, dispatcher: dispatcher}
}

// Ingest は通知イベントを保存してから配信する。
// 保存に失敗した場合はエラーを返し、配信は行わない。配信の失敗はエラーにしない。
func (s *Service) Ingest(ctx context.Context, ev *event.NotificationEvent) (*Notification, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: イベントがnilです", event.ErrInvalidEvent)
	}
	n, err := s.store.CreateNotification(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("通知イベントの保存に失敗: event=%s: %w", ev.ID, err)
	}
	s.dispatcher.Dispatch(ctx, n)
	return n, nil
}
