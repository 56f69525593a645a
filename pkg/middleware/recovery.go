package middleware

import (
	"log"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
)

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニック発生時にスタックトレースをログに出力し、500エラーを返す。
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[PANIC] %s %s: %v\n%s", c.Request.Method, c.Request.URL.Path, r, debug.Stack())
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "内部サーバーエラーが発生しました",
				})
			}
		}()
		c.Next()
	}
}

// Safely はfnを実行し、パニックが発生した場合はログに記録してfalseを返す。
// キュー消費やWebSocket配信など、HTTPハンドラ外でパニックを握りつぶす必要がある箇所で使用する。
func Safely(tag string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[PANIC] %s: %v\n%s", tag, r, debug.Stack())
			ok = false
		}
	}()
	fn()
	return true
}
