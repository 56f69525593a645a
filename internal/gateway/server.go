package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nao1215/taskhub/internal/config"
	"github.com/nao1215/taskhub/pkg/httpclient"
	"github.com/nao1215/taskhub/pkg/middleware"
)

// Server はAPI GatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はRunで起動するHTTPサーバー。
	httpServer *http.Server
	// notifications は通知サービスのクライアント。
	notifications *NotificationClient
	// limiter はユーザーごとのレートリミッタ。
	limiter *middleware.RateLimiter
	// jwtSecret はJWT署名用の秘密鍵。
	jwtSecret string
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(cfg *config.Config) *Server {
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS([]string{cfg.FrontendURL}))

	s := newServer(router, cfg, NewNotificationClient(cfg.NotificationURL))
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// newServer はルーターと通知クライアントからサーバーを組み立てる。
func newServer(router *gin.Engine, cfg *config.Config, notifications *NotificationClient) *Server {
	s := &Server{
		router:        router,
		notifications: notifications,
		limiter:       middleware.NewRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		jwtSecret:     cfg.JWTSecret,
	}
	s.setupRoutes()
	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動する。Shutdownで停止した場合はnilを返す。
func (s *Server) Run() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown はサーバーを停止する。
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	auth := s.router.Group("/auth")
	{
		// 開発用トークン発行
		auth.POST("/dev-token", s.handleDevToken())
	}

	// 認証必須のAPIエンドポイント
	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.jwtSecret))
	api.Use(s.limiter.Limit())
	{
		// ユーザー情報
		api.GET("/me", s.handleGetCurrentUser())

		// 通知
		api.GET("/notifications", s.handleListNotifications())
		api.GET("/notifications/unread", s.handleListUnread())
		api.GET("/notifications/unread/count", s.handleUnreadCount())
		api.PUT("/notifications/:id/read", s.handleMarkAsRead())
		api.PUT("/notifications/read-all", s.handleMarkAllAsRead())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})
}

// devTokenRequest は開発用トークン発行リクエスト。
type devTokenRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// handleDevToken は開発用JWTトークンを発行するハンドラを返す。
// user_idが省略された場合は新しいIDを採番する。本番環境では無効化すべき。
func (s *Server) handleDevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req devTokenRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です"})
				return
			}
		}
		if req.UserID == "" {
			req.UserID = uuid.New().String()
		}
		if req.Email == "" {
			req.Email = "dev@localhost"
		}

		token, err := middleware.GenerateJWT(s.jwtSecret, req.UserID, req.Email)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			log.Printf("JWT生成エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":   token,
			"user_id": req.UserID,
		})
	}
}

// handleGetCurrentUser は認証済みユーザーの情報を返すハンドラを返す。
func (s *Server) handleGetCurrentUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":    userID,
			"email": c.GetString("email"),
		})
	}
}

// handleListNotifications は通知一覧の取得を通知サービスに転送するハンドラを返す。
func (s *Server) handleListNotifications() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := parseLimit(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limitが不正です"})
			return
		}
		notifications, err := s.notifications.GetUserNotifications(forwardContext(c), middleware.GetUserID(c), limit)
		if err != nil {
			respondUpstreamError(c, err)
			return
		}
		c.JSON(http.StatusOK, notifications)
	}
}

// handleListUnread は未読通知一覧の取得を通知サービスに転送するハンドラを返す。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := parseLimit(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limitが不正です"})
			return
		}
		notifications, err := s.notifications.GetUnreadNotifications(forwardContext(c), middleware.GetUserID(c), limit)
		if err != nil {
			respondUpstreamError(c, err)
			return
		}
		c.JSON(http.StatusOK, notifications)
	}
}

// handleUnreadCount は未読件数の取得を通知サービスに転送するハンドラを返す。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := s.notifications.CountUnread(forwardContext(c), middleware.GetUserID(c))
		if err != nil {
			respondUpstreamError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

// handleMarkAsRead は既読処理を通知サービスに転送するハンドラを返す。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.notifications.MarkAsRead(forwardContext(c), c.Param("id"), middleware.GetUserID(c)); err != nil {
			respondUpstreamError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました"})
	}
}

// handleMarkAllAsRead は全件既読処理を通知サービスに転送するハンドラを返す。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		updated, err := s.notifications.MarkAllAsRead(forwardContext(c), middleware.GetUserID(c))
		if err != nil {
			respondUpstreamError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました", "updated": updated})
	}
}

// forwardContext は受け取ったAuthorizationヘッダーを転送用にコンテキストへ載せる。
// 通知サービスも同じ秘密鍵でJWTを検証する。
func forwardContext(c *gin.Context) context.Context {
	return httpclient.WithAuthorization(c.Request.Context(), c.GetHeader("Authorization"))
}

// respondUpstreamError は通知サービス呼び出しのエラーをレスポンスに変換する。
// 通知サービスが返したステータスコードはそのまま返し、通信自体の失敗は502にする。
func respondUpstreamError(c *gin.Context, err error) {
	log.Printf("[Gateway] 通知サービスの呼び出しに失敗: path=%s, error=%v", c.Request.URL.Path, err)
	if code := httpclient.StatusCode(err); code != 0 {
		c.JSON(code, gin.H{"error": "通知サービスがエラーを返しました"})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": "内部サービスとの通信に失敗しました"})
}

// parseLimit はクエリパラメータ limit を解釈する。未指定は0（デフォルト件数）。
func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, false
	}
	return limit, true
}
