package event

import (
	"time"
)

// Type は通知イベントの種類を表す。
// キューから受信した未知の値もそのまま保持し、エラーにはしない。
type Type string

const (
	// TypeTaskCreated はタスクが作成されたことを表す。
	TypeTaskCreated Type = "TASK_CREATED"
	// TypeTaskUpdated はタスクが更新されたことを表す。
	TypeTaskUpdated Type = "TASK_UPDATED"
	// TypeTaskAssigned はタスクにユーザーが割り当てられたことを表す。
	TypeTaskAssigned Type = "TASK_ASSIGNED"
	// TypeTaskStatusChanged はタスクのステータスが変更されたことを表す。
	TypeTaskStatusChanged Type = "TASK_STATUS_CHANGED"
	// TypeCommentCreated はタスクにコメントが投稿されたことを表す。
	TypeCommentCreated Type = "COMMENT_CREATED"
)

// RecipientAll は接続中の全クライアントへのブロードキャストを表す受信者ID。
const RecipientAll = "all"

// RoutingKeyNotificationCreated は通知イベントを発行する際のルーティングキー。
const RoutingKeyNotificationCreated = "notification.created"

// QueueNotifications は通知サービスが購読する永続キューの名前。
const QueueNotifications = "notifications_queue"

// NotificationEvent はキューを流れる通知イベントのペイロード。
// 生成後は変更しない。IDは発行ごとに一意だが、再送時の重複排除には使われない。
type NotificationEvent struct {
	// ID は発行ごとの識別子（ULID）。
	ID string `json:"id" validate:"required"`
	// Type は通知の種類。
	Type Type `json:"type" validate:"required"`
	// RecipientID は通知先のユーザーID。全体通知の場合は "all"。
	RecipientID string `json:"recipientId" validate:"required"`
	// TaskID は通知の対象となるタスクのID。
	TaskID string `json:"taskId"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// Data はイベント固有の任意データ。
	Data map[string]any `json:"data,omitempty"`
	// CreatedAt はイベントが生成された日時。
	CreatedAt time.Time `json:"createdAt"`
}

// IsBroadcast は全体通知のイベントかどうかを返す。
func (e *NotificationEvent) IsBroadcast() bool {
	return e.RecipientID == RecipientAll
}

// WebSocketで配信する際のイベント名。クライアントとの互換性のため値を変更しないこと。
const (
	WireTaskCreated  = "task:created"
	WireTaskUpdated  = "task:updated"
	WireCommentNew   = "comment:new"
	WireTaskStatus   = "task:status"
	WireTaskAssigned = "task:assigned"
	WireNotification = "notification"
)

// WireEventName は通知の種類に対応するWebSocketイベント名を返す。
// 未知の種類は "notification" にフォールバックする。
func WireEventName(t Type) string {
	switch t {
	case TypeTaskCreated:
		return WireTaskCreated
	case TypeTaskUpdated:
		return WireTaskUpdated
	case TypeCommentCreated:
		return WireCommentNew
	case TypeTaskStatusChanged:
		return WireTaskStatus
	case TypeTaskAssigned:
		return WireTaskAssigned
	default:
		return WireNotification
	}
}

// Known は定義済みの通知種類かどうかを返す。
func (t Type) Known() bool {
	switch t {
	case TypeTaskCreated, TypeTaskUpdated, TypeTaskAssigned, TypeTaskStatusChanged, TypeCommentCreated:
		return true
	}
	return false
}
