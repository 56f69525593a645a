package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/nao1215/taskhub/pkg/httpclient"
)

// Notification は通知サービスから受け取る通知。
type Notification struct {
	ID          string          `json:"id"`
	EventID     string          `json:"eventId"`
	RecipientID string          `json:"recipientId"`
	TaskID      string          `json:"taskId"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	Data        json.RawMessage `json:"data"`
	IsRead      bool            `json:"isRead"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// NotificationClient は通知サービスのプルAPIを呼び出すクライアント。
// 呼び出し元のユーザーIDをX-User-IDヘッダーとして伝播する。
// Authorizationヘッダーはhttpclient.WithAuthorizationでctxに設定しておく。
type NotificationClient struct {
	client *httpclient.Client
}

// NewNotificationClient は新しいNotificationClientを生成する。
func NewNotificationClient(baseURL string, opts ...httpclient.Option) *NotificationClient {
	return &NotificationClient{client: httpclient.New(baseURL, opts...)}
}

// notificationsPath は通知APIのパス。
const notificationsPath = "/api/v1/notifications"

// GetUserNotifications はユーザーの通知を新しい順に最大limit件取得する。
// limitが0以下の場合は通知サービスのデフォルト件数になる。
func (c *NotificationClient) GetUserNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	var result []Notification
	if err := c.client.GetJSON(httpclient.WithUserID(ctx, userID), withLimit(notificationsPath, limit), &result); err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	return result, nil
}

// GetUnreadNotifications はユーザーの未読通知を新しい順に最大limit件取得する。
func (c *NotificationClient) GetUnreadNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	var result []Notification
	if err := c.client.GetJSON(httpclient.WithUserID(ctx, userID), withLimit(notificationsPath+"/unread", limit), &result); err != nil {
		return nil, fmt.Errorf("未読通知一覧の取得に失敗: %w", err)
	}
	return result, nil
}

// CountUnread はユーザーの未読件数を取得する。
func (c *NotificationClient) CountUnread(ctx context.Context, userID string) (int64, error) {
	var result struct {
		Count int64 `json:"count"`
	}
	if err := c.client.GetJSON(httpclient.WithUserID(ctx, userID), notificationsPath+"/unread/count", &result); err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return result.Count, nil
}

// MarkAsRead は通知を既読にする。存在しない通知や他人の通知でもエラーにならない。
func (c *NotificationClient) MarkAsRead(ctx context.Context, id, userID string) error {
	path := notificationsPath + "/" + url.PathEscape(id) + "/read"
	if err := c.client.PutJSON(httpclient.WithUserID(ctx, userID), path, nil, nil); err != nil {
		return fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	return nil
}

// MarkAllAsRead はユーザーの未読通知をすべて既読にし、更新件数を返す。
func (c *NotificationClient) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	var result struct {
		Updated int64 `json:"updated"`
	}
	if err := c.client.PutJSON(httpclient.WithUserID(ctx, userID), notificationsPath+"/read-all", nil, &result); err != nil {
		return 0, fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	return result.Updated, nil
}

func withLimit(path string, limit int) string {
	if limit <= 0 {
		return path
	}
	return path + "?limit=" + strconv.Itoa(limit)
}
