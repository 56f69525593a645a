package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// writeWait は1メッセージの書き込みに許す時間。
	writeWait = 10 * time.Second
	// pongWait はPongを待つ時間。これを過ぎると接続を切る。
	pongWait = 60 * time.Second
	// pingPeriod はPingの送信間隔。pongWaitより短くすること。
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize はクライアントから受け付ける1メッセージの最大バイト数。
	maxMessageSize = 4096
	// sendBufferSize はソケットごとの送信バッファ。
	sendBufferSize = 64
)

var (
	// ErrSocketClosed は切断済みのソケットに送信しようとした場合に返る。
	ErrSocketClosed = errors.New("ソケットは切断済みです")
	// ErrSendBufferFull は送信バッファが溢れてメッセージを破棄した場合に返る。
	ErrSendBufferFull = errors.New("送信バッファが一杯です")
)

// Envelope はWebSocketで送受信するメッセージの形式。
type Envelope struct {
	// Event はイベント名。
	Event string `json:"event"`
	// Data はイベントのペイロード。
	Data json.RawMessage `json:"data,omitempty"`
}

// wsSocket はgorilla/websocketの接続をSocketとして扱うラッパー。
// 書き込みはwritePumpのgoroutineだけが行う。
type wsSocket struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter

	mu sync.Mutex
	// userID はこのソケットが参加している受信者ID。未認証なら空。
	userID string
}

func newWSSocket(conn *websocket.Conn, limiter *rate.Limiter) *wsSocket {
	return &wsSocket{
		id:      uuid.New().String(),
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		limiter: limiter,
	}
}

// ID はソケットIDを返す。
func (s *wsSocket) ID() string { return s.id }

// Emit はエンベロープにしたメッセージを送信キューに積む。
// バッファが一杯の場合はメッセージを破棄してErrSendBufferFullを返す。
func (s *wsSocket) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ペイロードのシリアライズに失敗: %w", err)
	}
	msg, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("メッセージのシリアライズに失敗: %w", err)
	}

	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}
	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return ErrSocketClosed
	default:
		return ErrSendBufferFull
	}
}

// close は書き込みループに終了を伝える。接続はwritePumpが閉じる。複数回呼んでもよい。
func (s *wsSocket) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *wsSocket) setUserID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = id
}

func (s *wsSocket) currentUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// writePump は送信キューの内容とPingを接続に書き込む。
func (s *wsSocket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// readLoop はクライアントからのメッセージを読み、handleに渡す。
// 接続が閉じられるかエラーになると戻る。
func (s *wsSocket) readLoop(handle func(Envelope)) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Envelope
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Event == "" {
			continue
		}
		handle(msg)
	}
}
