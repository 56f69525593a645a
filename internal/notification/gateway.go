package notification

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nao1215/taskhub/pkg/event"
	"github.com/nao1215/taskhub/pkg/middleware"
)

// クライアントとの間でやり取りする制御イベント名。
const (
	EventAuthenticate         = "authenticate"
	EventDisconnect           = "disconnect"
	EventAuthenticated        = "authenticated"
	EventAuthenticationFailed = "authentication_failed"
)

// ハンドシェイクで受信者IDやトークンを渡すためのヘッダー。
const (
	HeaderUserID    = "X-User-ID"
	HeaderAuthToken = "X-Auth-Token"
)

var (
	errUserIDRequired = errors.New("userIdが必要です")
	errTokenRequired  = errors.New("トークンが必要です")
	errUserIDMismatch = errors.New("userIdがトークンと一致しません")
)

// Payload はクライアントへ配信する通知の形式。
type Payload struct {
	ID        string          `json:"id"`
	Type      event.Type      `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	IsRead    bool            `json:"isRead"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewPayload は通知から配信用ペイロードを作る。
func NewPayload(n *Notification) Payload {
	data := n.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return Payload{
		ID:        n.ID,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Data:      data,
		IsRead:    n.IsRead,
		CreatedAt: n.CreatedAt,
	}
}

// authenticatePayload は authenticate メッセージのペイロード。
type authenticatePayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// authenticatedPayload は authenticated 応答のペイロード。
type authenticatedPayload struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId"`
}

// Gateway はWebSocket接続を受け付け、受信者ごとのルームに振り分ける。
type Gateway struct {
	registry  *Registry
	jwtSecret string
	// strict が真の場合、ルーム参加には検証済みトークンが必要になる。
	strict   bool
	upgrader websocket.Upgrader
	msgRate  rate.Limit
	msgBurst int
}

// GatewayOption はGatewayの設定を変更する関数。
type GatewayOption func(*Gateway)

// WithStrictAuth は受信者IDの自己申告を禁止し、トークンの検証を必須にする。
func WithStrictAuth(strict bool) GatewayOption {
	return func(g *Gateway) { g.strict = strict }
}

// WithAllowedOrigins はWebSocketのハンドシェイクで許可するOriginを設定する。
func WithAllowedOrigins(origins []string) GatewayOption {
	allowed := middleware.OriginAllowed(origins)
	return func(g *Gateway) {
		g.upgrader.CheckOrigin = func(r *http.Request) bool {
			return allowed(r.Header.Get("Origin"))
		}
	}
}

// WithMessageRate はソケットごとに受け付けるクライアントメッセージの頻度を設定する。
func WithMessageRate(r rate.Limit, burst int) GatewayOption {
	return func(g *Gateway) {
		g.msgRate = r
		g.msgBurst = burst
	}
}

// NewGateway は新しいGatewayを生成する。
func NewGateway(registry *Registry, jwtSecret string, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		registry:  registry,
		jwtSecret: jwtSecret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		msgRate:  rate.Limit(5),
		msgBurst: 10,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HandleWebSocket はWebSocketへのアップグレードを行うハンドラ。
// 接続が閉じられるまでこのハンドラのgoroutineで受信を続ける。
func (g *Gateway) HandleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgraderがエラーレスポンスを書き込み済み
			log.Printf("[Gateway] WebSocketのアップグレードに失敗: %v", err)
			return
		}

		sock := newWSSocket(conn, rate.NewLimiter(g.msgRate, g.msgBurst))
		g.registry.Register(sock)
		go sock.writePump()
		log.Printf("[Gateway] 接続: socket=%s", sock.ID())

		if userID, source := g.handshakeIdentity(c.Request); userID != "" {
			g.join(sock, userID)
			log.Printf("[Gateway] ハンドシェイクで認証: socket=%s, user=%s, via=%s", sock.ID(), userID, source)
		} else {
			log.Printf("[Gateway] 未認証のまま接続を維持: socket=%s", sock.ID())
		}

		sock.readLoop(func(msg Envelope) { g.handleMessage(sock, msg) })

		g.registry.Unregister(sock)
		sock.close()
		log.Printf("[Gateway] 切断: socket=%s, user=%s", sock.ID(), sock.currentUserID())
	}
}

// handshakeIdentity はハンドシェイクから受信者IDを取り出す。
// 優先順位は X-User-ID ヘッダー、userId クエリ、X-Auth-Token ヘッダー、token クエリ、
// Authorization: Bearer の順。最初に見つかったトークンだけを検証し、失敗しても接続は拒否しない。
func (g *Gateway) handshakeIdentity(r *http.Request) (userID, source string) {
	query := r.URL.Query()

	if !g.strict {
		if id := strings.TrimSpace(r.Header.Get(HeaderUserID)); id != "" {
			return id, "auth.userId"
		}
		if id := strings.TrimSpace(query.Get("userId")); id != "" {
			return id, "query.userId"
		}
	}

	bearer, _ := middleware.BearerToken(r.Header.Get("Authorization"))
	candidates := []struct{ source, token string }{
		{"auth.token", strings.TrimSpace(r.Header.Get(HeaderAuthToken))},
		{"query.token", strings.TrimSpace(query.Get("token"))},
		{"header.authorization", bearer},
	}
	for _, cand := range candidates {
		if cand.token == "" {
			continue
		}
		claims, err := middleware.ParseJWT(g.jwtSecret, cand.token)
		if err != nil {
			log.Printf("[Gateway] ハンドシェイクのトークン検証に失敗: via=%s, error=%v", cand.source, err)
			return "", ""
		}
		return claims.UserID, cand.source
	}
	return "", ""
}

// handleMessage はクライアントからの制御メッセージを処理する。
func (g *Gateway) handleMessage(sock *wsSocket, msg Envelope) {
	if !sock.limiter.Allow() {
		log.Printf("[Gateway] メッセージ頻度の上限を超えたため破棄: socket=%s, event=%s", sock.ID(), msg.Event)
		return
	}

	switch msg.Event {
	case EventAuthenticate:
		var p authenticatePayload
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				g.emit(sock, EventAuthenticationFailed, gin.H{"error": "ペイロードが不正です"})
				return
			}
		}
		userID, err := g.verifyClaim(p.UserID, p.Token)
		if err != nil {
			log.Printf("[Gateway] 認証に失敗: socket=%s, error=%v", sock.ID(), err)
			g.emit(sock, EventAuthenticationFailed, gin.H{"error": err.Error()})
			return
		}
		g.join(sock, userID)

	case EventDisconnect:
		var p authenticatePayload
		if len(msg.Data) > 0 {
			_ = json.Unmarshal(msg.Data, &p)
		}
		g.leave(sock, p.UserID)

	default:
		log.Printf("[Gateway] 未知のイベントを無視: socket=%s, event=%s", sock.ID(), msg.Event)
	}
}

// verifyClaim は authenticate メッセージの受信者IDを確定する。
// トークンがあれば検証し、受信者IDと一致することを確認する。
// strictモードではトークンが無い申告を拒否する。
func (g *Gateway) verifyClaim(userID, token string) (string, error) {
	userID = strings.TrimSpace(userID)
	token = strings.TrimSpace(token)

	if token != "" {
		claims, err := middleware.ParseJWT(g.jwtSecret, token)
		if err != nil {
			return "", middleware.ErrInvalidToken
		}
		if userID != "" && userID != claims.UserID {
			return "", errUserIDMismatch
		}
		return claims.UserID, nil
	}
	if g.strict {
		return "", errTokenRequired
	}
	if userID == "" {
		return "", errUserIDRequired
	}
	return userID, nil
}

// join はソケットを受信者のルームに参加させる。別の受信者として参加済みならそのルームを抜ける。
func (g *Gateway) join(sock *wsSocket, userID string) {
	if prev := sock.currentUserID(); prev != "" && prev != userID {
		g.registry.Leave(prev, sock)
	}
	sock.setUserID(userID)
	g.Authenticate(sock, userID)
}

// leave はソケットを受信者のルームから外す。接続は維持する。
func (g *Gateway) leave(sock *wsSocket, userID string) {
	current := sock.currentUserID()
	if userID == "" {
		userID = current
	}
	if userID == "" {
		return
	}
	g.registry.Leave(userID, sock)
	if userID == current {
		sock.setUserID("")
	}
	log.Printf("[Gateway] ルームから退出: socket=%s, user=%s", sock.ID(), userID)
}

// Authenticate はソケットを受信者のルームに参加させ、authenticated を返す。
// 何度呼んでもよい。
func (g *Gateway) Authenticate(s Socket, recipientID string) {
	g.registry.Join(recipientID, s)
	g.emit(s, EventAuthenticated, authenticatedPayload{Success: true, UserID: recipientID})
}

func (g *Gateway) emit(s Socket, name string, payload any) {
	if err := s.Emit(name, payload); err != nil {
		log.Printf("[Gateway] 送信に失敗: socket=%s, event=%s, error=%v", s.ID(), name, err)
	}
}

// BroadcastToRecipient は受信者のルームの全ソケットへ通知を配信し、配信数を返す。
// ルームが空でもエラーにはしない。通知はStoreから後で取得できる。
func (g *Gateway) BroadcastToRecipient(recipientID string, n *Notification) int {
	if g == nil || g.registry == nil {
		log.Printf("[Gateway] 未初期化のため配信をスキップ: recipient=%s", recipientID)
		return 0
	}
	name := event.WireEventName(n.Type)
	sent := g.registry.Broadcast(recipientID, name, NewPayload(n))
	if sent == 0 {
		log.Printf("[Gateway] 接続中のソケットが無いため配信をスキップ: recipient=%s, event=%s", recipientID, name)
	}
	return sent
}

// BroadcastToAll はルームに関係なく接続中の全ソケットへ通知を配信し、配信数を返す。
func (g *Gateway) BroadcastToAll(n *Notification) int {
	if g == nil || g.registry == nil {
		log.Printf("[Gateway] 未初期化のため全体配信をスキップ")
		return 0
	}
	name := event.WireEventName(n.Type)
	sent := g.registry.BroadcastAll(name, NewPayload(n))
	log.Printf("[Gateway] 全体配信: event=%s, sockets=%d", name, sent)
	return sent
}
