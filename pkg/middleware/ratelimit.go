package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterEntry はキーごとのリミッタと最終利用時刻。
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter はキー（ユーザーIDまたはクライアントIP）ごとのトークンバケット型レートリミッタ。
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	r        rate.Limit
	burst    int
	// idleTTL を超えて使われていないエントリはSweepで削除される。
	idleTTL time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

const (
	// defaultIdleTTL はエントリを保持する最長の未使用時間。
	defaultIdleTTL = 10 * time.Minute
	// defaultSweepInterval は未使用エントリを掃除する間隔。
	defaultSweepInterval = 5 * time.Minute
)

// NewRateLimiter は毎秒rリクエスト、最大burstリクエストのレートリミッタを生成する。
// 未使用エントリを定期的に削除するゴルーチンを起動する。不要になったらStopを呼ぶこと。
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	return newRateLimiter(r, burst, defaultIdleTTL, defaultSweepInterval)
}

func newRateLimiter(r rate.Limit, burst int, idleTTL, sweepInterval time.Duration) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		r:        r,
		burst:    burst,
		idleTTL:  idleTTL,
		stop:     make(chan struct{}),
	}
	go rl.sweepLoop(sweepInterval)
	return rl
}

// sweepLoop はStopが呼ばれるまで一定間隔でSweepを実行する。
func (rl *RateLimiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.Sweep()
		}
	}
}

// Stop は掃除用のゴルーチンを停止する。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Allow はkeyのリクエストを許可するかどうかを返す。
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.r, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// Sweep は一定時間使われていないエントリを削除する。
func (rl *RateLimiter) Sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, e := range rl.limiters {
		if time.Since(e.lastSeen) > rl.idleTTL {
			delete(rl.limiters, key)
		}
	}
}

// Len は保持しているエントリ数を返す。
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Limit はレート制限を行うGinミドルウェアを返す。
// JWTAuthの後に適用した場合はユーザーID単位、それ以外はクライアントIP単位で制限する。
func (rl *RateLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := GetUserID(c)
		if key == "" {
			key = c.ClientIP()
		}
		if !rl.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "リクエストが多すぎます",
			})
			return
		}
		c.Next()
	}
}
