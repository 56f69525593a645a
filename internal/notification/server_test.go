package notification

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/taskhub/internal/config"
	"github.com/nao1215/taskhub/pkg/event"
)

// setupTestServer はテスト用の通知サーバーをインメモリSQLiteで構築する。
func setupTestServer(t *testing.T) *Server {
	t.Helper()
	return setupTestServerWithConfig(t, &config.Config{
		JWTSecret:      testJWTSecret,
		FrontendURL:    "http://localhost:3000",
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	})
}

func setupTestServerWithConfig(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s := newServer(gin.New(), cfg, newTestStore(t))
	t.Cleanup(s.limiter.Stop)
	return s
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
// userIDが空でなければそのユーザーのJWTを付与する。
func doRequest(t *testing.T, s *Server, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody *bytes.Reader
	if body != nil {
		jsonBytes, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("リクエストボディのシリアライズに失敗: %v", err)
		}
		reqBody = bytes.NewReader(jsonBytes)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+testToken(t, userID))
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// parseJSON はレスポンスボディをmapにデコードするヘルパー関数。
func parseJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("JSONのデコードに失敗: %v, body=%s", err, w.Body.String())
	}
	return result
}

// parseNotifications はレスポンスボディを通知のスライスにデコードするヘルパー関数。
func parseNotifications(t *testing.T, w *httptest.ResponseRecorder) []Notification {
	t.Helper()
	var result []Notification
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("JSON配列のデコードに失敗: %v, body=%s", err, w.Body.String())
	}
	return result
}

// seed はテスト用に通知をStoreへ直接保存するヘルパー関数。
func seed(t *testing.T, s *Server, recipientID, title string) *Notification {
	t.Helper()
	return mustCreate(t, s.store, event.New(event.TypeTaskUpdated, recipientID, "t1", title, "m", nil))
}

// TestHealthCheck はヘルスチェックエンドポイントの正常動作を検証する。
func TestHealthCheck(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/health", "", nil)

	if w.Code != http.StatusOK {
		t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	result := parseJSON(t, w)
	if result["status"] != "ok" {
		t.Errorf("status: got %v, want ok", result["status"])
	}
	if result["service"] != "notification" {
		t.Errorf("service: got %v, want notification", result["service"])
	}
	if result["connections"] != float64(0) {
		t.Errorf("connections: got %v, want 0", result["connections"])
	}
}

// TestAuthRequired はプルAPIが認証必須であることを検証する。
func TestAuthRequired(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)
	for _, path := range []string{"/api/v1/notifications", "/api/v1/notifications/unread", "/api/v1/notifications/unread/count"} {
		w := doRequest(t, s, http.MethodGet, path, "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: ステータスコード: got %d, want %d", path, w.Code, http.StatusUnauthorized)
		}
	}
}

// TestHandleList は通知一覧取得ハンドラのテスト。
func TestHandleList(t *testing.T) {
	t.Parallel()

	t.Run("通知が存在しない場合は空配列を返す", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)

		w := doRequest(t, s, http.MethodGet, "/api/v1/notifications", "user-1", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if w.Body.String() != "[]" {
			t.Errorf("body: got %s, want []", w.Body.String())
		}
	})

	t.Run("自分の通知だけを返す", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)
		seed(t, s, "user-1", "タイトル1")
		seed(t, s, "user-1", "タイトル2")
		seed(t, s, "user-2", "他ユーザー")

		w := doRequest(t, s, http.MethodGet, "/api/v1/notifications", "user-1", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		result := parseNotifications(t, w)
		if len(result) != 2 {
			t.Fatalf("配列の長さ: got %d, want 2", len(result))
		}
		for _, n := range result {
			if n.RecipientID != "user-1" {
				t.Errorf("recipientId: got %q, want user-1", n.RecipientID)
			}
		}
	})

	t.Run("limitで件数を制限できる", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)
		for range 5 {
			seed(t, s, "user-1", "x")
		}

		w := doRequest(t, s, http.MethodGet, "/api/v1/notifications?limit=2", "user-1", nil)
		if got := len(parseNotifications(t, w)); got != 2 {
			t.Errorf("配列の長さ: got %d, want 2", got)
		}
	})

	t.Run("不正なlimitは400を返す", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)

		w := doRequest(t, s, http.MethodGet, "/api/v1/notifications?limit=abc", "user-1", nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHandleMarkAsRead は既読化ハンドラのテスト。
func TestHandleMarkAsRead(t *testing.T) {
	t.Parallel()

	t.Run("自分の通知を既読にできる", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)
		n := seed(t, s, "user-1", "x")

		w := doRequest(t, s, http.MethodPut, "/api/v1/notifications/"+n.ID+"/read", "user-1", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		w = doRequest(t, s, http.MethodGet, "/api/v1/notifications/unread/count", "user-1", nil)
		if got := parseJSON(t, w)["count"]; got != float64(0) {
			t.Errorf("count: got %v, want 0", got)
		}
	})

	t.Run("他人の通知は200を返すが既読にならない", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)
		n := seed(t, s, "user-1", "x")

		w := doRequest(t, s, http.MethodPut, "/api/v1/notifications/"+n.ID+"/read", "user-2", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		w = doRequest(t, s, http.MethodGet, "/api/v1/notifications/unread", "user-1", nil)
		if got := len(parseNotifications(t, w)); got != 1 {
			t.Errorf("未読件数: got %d, want 1", got)
		}
	})

	t.Run("存在しない通知でも200を返す", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)

		w := doRequest(t, s, http.MethodPut, "/api/v1/notifications/missing/read", "user-1", nil)
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
	})
}

// TestHandleMarkAllAsRead は全件既読化ハンドラのテスト。
func TestHandleMarkAllAsRead(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)
	seed(t, s, "user-1", "a")
	seed(t, s, "user-1", "b")

	w := doRequest(t, s, http.MethodPut, "/api/v1/notifications/read-all", "user-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	if got := parseJSON(t, w)["updated"]; got != float64(2) {
		t.Errorf("updated: got %v, want 2", got)
	}

	w = doRequest(t, s, http.MethodGet, "/api/v1/notifications", "user-1", nil)
	for _, n := range parseNotifications(t, w) {
		if !n.IsRead {
			t.Errorf("通知 %s が未読のまま", n.ID)
		}
	}
}

// TestHandleIngest は内部の取り込みAPIのテスト。
func TestHandleIngest(t *testing.T) {
	t.Parallel()

	t.Run("保存して接続中のソケットへ配信する", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)
		sock := newFakeSocket("s1")
		s.registry.Join("user-1", sock)

		body := map[string]any{
			"type":        "COMMENT_CREATED",
			"recipientId": "user-1",
			"taskId":      "t1",
			"title":       "Novo comentário",
			"message":     "Alguém comentou",
		}
		w := doRequest(t, s, http.MethodPost, "/api/v1/internal/notifications", "producer", body)
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
		}
		result := parseJSON(t, w)
		if id, _ := result["eventId"].(string); id == "" {
			t.Errorf("eventIdが補われていない: %v", result)
		}
		if id, _ := result["id"].(string); id == "" {
			t.Errorf("idが採番されていない: %v", result)
		}

		got := sock.received()
		if len(got) != 1 || got[0].event != "comment:new" {
			t.Errorf("受信内容: got %+v", got)
		}
	})

	t.Run("受信者allはglobalとして保存し全接続へ配信する", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)
		anon := newFakeSocket("anon")
		s.registry.Register(anon)

		body := map[string]any{"type": "TASK_CREATED", "recipientId": "all", "title": "Nova tarefa"}
		w := doRequest(t, s, http.MethodPost, "/api/v1/internal/notifications", "producer", body)
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusCreated)
		}
		if got := parseJSON(t, w)["recipientId"]; got != RecipientGlobal {
			t.Errorf("recipientId: got %v, want global", got)
		}
		if len(anon.received()) != 1 {
			t.Error("全体通知が届いていない")
		}
	})

	t.Run("recipientIdが無い場合は400を返す", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)

		w := doRequest(t, s, http.MethodPost, "/api/v1/internal/notifications", "producer", map[string]any{"type": "TASK_CREATED"})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("不正なJSONは400を返す", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/notifications", bytes.NewBufferString("{broken"))
		req.Header.Set("Authorization", "Bearer "+testToken(t, "producer"))
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestRateLimit はレートリミットのテスト。
func TestRateLimit(t *testing.T) {
	t.Parallel()

	s := setupTestServerWithConfig(t, &config.Config{
		JWTSecret:      testJWTSecret,
		RateLimitRPS:   0.001,
		RateLimitBurst: 1,
	})

	if w := doRequest(t, s, http.MethodGet, "/api/v1/notifications", "user-1", nil); w.Code != http.StatusOK {
		t.Fatalf("1回目のステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	if w := doRequest(t, s, http.MethodGet, "/api/v1/notifications", "user-1", nil); w.Code != http.StatusTooManyRequests {
		t.Errorf("2回目のステータスコード: got %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	// 別ユーザーは影響を受けない
	if w := doRequest(t, s, http.MethodGet, "/api/v1/notifications", "user-2", nil); w.Code != http.StatusOK {
		t.Errorf("別ユーザーのステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
}
