package producer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/taskhub/internal/config"
	"github.com/nao1215/taskhub/internal/notification"
	"github.com/nao1215/taskhub/pkg/event"
	"github.com/nao1215/taskhub/pkg/httpclient"
	"github.com/nao1215/taskhub/pkg/middleware"
)

const testJWTSecret = "producer-test-secret"

func TestHTTPPublisher(t *testing.T) {
	t.Parallel()

	t.Run("サービス用トークン付きで取り込みAPIにPOSTすること", func(t *testing.T) {
		t.Parallel()

		var (
			gotMethod, gotPath, gotAuth string
			gotBody                     []byte
		)
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			gotBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusCreated)
		}))
		t.Cleanup(backend.Close)

		ev := event.New(event.TypeCommentCreated, "u1", "t1", "Novo comentário", "...", nil)
		body, err := event.Encode(ev)
		require.NoError(t, err)

		require.NoError(t, NewHTTPPublisher(backend.URL, testJWTSecret).Publish(context.Background(), "ignored", body))

		assert.Equal(t, http.MethodPost, gotMethod)
		assert.Equal(t, "/api/v1/internal/notifications", gotPath)
		token, ok := middleware.BearerToken(gotAuth)
		require.True(t, ok, "Authorization = %q", gotAuth)
		claims, err := middleware.ParseJWT(testJWTSecret, token)
		require.NoError(t, err)
		assert.Equal(t, "task-service", claims.UserID)

		decoded, err := event.Decode(gotBody)
		require.NoError(t, err)
		assert.Equal(t, ev.ID, decoded.ID)
		assert.Equal(t, "u1", decoded.RecipientID)
	})

	t.Run("取り込みAPIのエラーをそのまま返すこと", func(t *testing.T) {
		t.Parallel()

		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))
		t.Cleanup(backend.Close)

		err := NewHTTPPublisher(backend.URL, testJWTSecret).Publish(context.Background(), "", []byte(`{}`))
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, httpclient.StatusCode(err))
	})
}

// TestNotifierOverHTTP はブローカーを使わない構成で発行から取得までの流れを検証する。
func TestNotifierOverHTTP(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ns, err := notification.NewServer(ctx, &config.Config{
		DatabasePath:   ":memory:",
		JWTSecret:      testJWTSecret,
		FrontendURL:    "http://localhost:3000",
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ns.Shutdown(context.Background()) })

	backend := httptest.NewServer(ns.Handler())
	t.Cleanup(backend.Close)

	notifier := NewNotifier(NewHTTPPublisher(backend.URL, testJWTSecret))
	require.NoError(t, notifier.CommentCreated(ctx, testTask, Comment{ID: "c1", AuthorID: "a1"}))

	token, err := middleware.GenerateJWT(testJWTSecret, "a2", "a2@example.com")
	require.NoError(t, err)
	var got []json.RawMessage
	client := httpclient.New(backend.URL)
	require.NoError(t, client.GetJSON(httpclient.WithAuthorization(ctx, "Bearer "+token), "/api/v1/notifications", &got))
	assert.Len(t, got, 1, "a2宛ての通知が1件保存されている")
}
