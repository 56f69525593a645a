package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// wildcardOrigin は全オリジンを許可する設定値。
const wildcardOrigin = "*"

// OriginAllowed は許可オリジンの一覧から判定関数を生成する。
// "*" が含まれる場合は全オリジンを許可する。Originが空のリクエスト（同一オリジンや
// ブラウザ以外のクライアント）は常に許可する。WebSocketのアップグレード判定にも使用する。
func OriginAllowed(allowedOrigins []string) func(origin string) bool {
	originsSet := make(map[string]struct{}, len(allowedOrigins))
	wildcard := false
	for _, o := range allowedOrigins {
		if o == wildcardOrigin {
			wildcard = true
		}
		originsSet[o] = struct{}{}
	}

	return func(origin string) bool {
		if origin == "" || wildcard {
			return true
		}
		_, ok := originsSet[origin]
		return ok
	}
}

// CORS は指定されたオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
// フロントエンドからのAPIアクセスを許可するために使用する。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowed := OriginAllowed(allowedOrigins)

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && allowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-User-ID, X-Auth-Token")
			c.Header("Access-Control-Max-Age", "86400")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
