package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/taskhub/pkg/httpclient"
)

// recordedRequest はバックエンドが受け取ったリクエスト。
type recordedRequest struct {
	Method        string
	Path          string
	RawQuery      string
	UserID        string
	Authorization string
}

// newBackend は受け取ったリクエストを記録し、固定の応答を返すバックエンドを起動する。
func newBackend(t *testing.T, status int, body string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var got []recordedRequest
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, recordedRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			RawQuery:      r.URL.RawQuery,
			UserID:        r.Header.Get("X-User-ID"),
			Authorization: r.Header.Get("Authorization"),
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(backend.Close)
	return backend, &got
}

func TestNotificationClient(t *testing.T) {
	t.Parallel()

	t.Run("GetUserNotificationsがユーザーIDとlimitを伝播すること", func(t *testing.T) {
		t.Parallel()
		backend, got := newBackend(t, http.StatusOK,
			`[{"id":"n1","recipientId":"u1","type":"TASK_ASSIGNED","title":"Nova tarefa atribuída","data":{"taskId":"t1"},"isRead":false,"createdAt":"2026-01-02T03:04:05Z"}]`)
		client := NewNotificationClient(backend.URL)

		ctx := httpclient.WithAuthorization(context.Background(), "Bearer abc")
		notifications, err := client.GetUserNotifications(ctx, "u1", 10)
		require.NoError(t, err)

		require.Len(t, notifications, 1)
		assert.Equal(t, "n1", notifications[0].ID)
		assert.Equal(t, "TASK_ASSIGNED", notifications[0].Type)
		assert.JSONEq(t, `{"taskId":"t1"}`, string(notifications[0].Data))

		require.Len(t, *got, 1)
		req := (*got)[0]
		assert.Equal(t, http.MethodGet, req.Method)
		assert.Equal(t, "/api/v1/notifications", req.Path)
		assert.Equal(t, "limit=10", req.RawQuery)
		assert.Equal(t, "u1", req.UserID)
		assert.Equal(t, "Bearer abc", req.Authorization)
	})

	t.Run("limitが0の場合はクエリを付けないこと", func(t *testing.T) {
		t.Parallel()
		backend, got := newBackend(t, http.StatusOK, `[]`)

		notifications, err := NewNotificationClient(backend.URL).GetUnreadNotifications(context.Background(), "u1", 0)
		require.NoError(t, err)
		assert.Empty(t, notifications)
		assert.Equal(t, "/api/v1/notifications/unread", (*got)[0].Path)
		assert.Empty(t, (*got)[0].RawQuery)
	})

	t.Run("MarkAsReadがPUTで通知IDをエスケープして送ること", func(t *testing.T) {
		t.Parallel()
		backend, got := newBackend(t, http.StatusOK, `{"message":"ok"}`)

		require.NoError(t, NewNotificationClient(backend.URL).MarkAsRead(context.Background(), "n 1", "u1"))
		assert.Equal(t, http.MethodPut, (*got)[0].Method)
		assert.Equal(t, "/api/v1/notifications/n 1/read", (*got)[0].Path)
		assert.Equal(t, "u1", (*got)[0].UserID)
	})

	t.Run("MarkAllAsReadが更新件数を返すこと", func(t *testing.T) {
		t.Parallel()
		backend, _ := newBackend(t, http.StatusOK, `{"message":"ok","updated":3}`)

		updated, err := NewNotificationClient(backend.URL).MarkAllAsRead(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), updated)
	})

	t.Run("CountUnreadが件数を返すこと", func(t *testing.T) {
		t.Parallel()
		backend, got := newBackend(t, http.StatusOK, `{"count":7}`)

		count, err := NewNotificationClient(backend.URL).CountUnread(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(7), count)
		assert.Equal(t, "/api/v1/notifications/unread/count", (*got)[0].Path)
	})

	t.Run("2xx以外はStatusErrorとして返ること", func(t *testing.T) {
		t.Parallel()
		backend, _ := newBackend(t, http.StatusUnauthorized, `{"error":"トークンが無効です"}`)

		_, err := NewNotificationClient(backend.URL).GetUserNotifications(context.Background(), "u1", 0)
		require.Error(t, err)
		assert.Equal(t, http.StatusUnauthorized, httpclient.StatusCode(err))
	})
}

func TestNotificationJSON(t *testing.T) {
	t.Parallel()

	var n Notification
	require.NoError(t, json.Unmarshal([]byte(`{"id":"n1","eventId":"e1","isRead":true}`), &n))
	assert.Equal(t, "e1", n.EventID)
	assert.True(t, n.IsRead)
}
