package notification

import (
	"log"
	"sync"
)

// Socket はクライアントへの配信チャネル。WebSocket接続が実装する。
type Socket interface {
	// ID は接続ごとの一意識別子を返す。
	ID() string
	// Emit はイベント名とペイロードをクライアントへ送る。
	Emit(event string, payload any) error
}

// RoomName は受信者IDに対応するルーム名を返す。
func RoomName(recipientID string) string {
	return "user-" + recipientID
}

// Registry は受信者IDから接続中ソケットへの対応表。
// ソケットのライフサイクル（接続・切断・認証）とDispatcherの配信から並行に呼ばれる。
// ルームの読み出しはスナップショットで行い、送信はロックの外で行う。
type Registry struct {
	mu sync.RWMutex
	// sockets は接続中の全ソケット。キーはソケットID。
	sockets map[string]Socket
	// rooms はルーム名からメンバーソケットへの対応。空のルームは保持しない。
	rooms map[string]map[string]Socket
	// memberships はソケットIDから参加中のルーム名への対応。
	memberships map[string]map[string]struct{}
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{
		sockets:     make(map[string]Socket),
		rooms:       make(map[string]map[string]Socket),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Register は接続中のソケットとして登録する。ルームには参加しない。
func (r *Registry) Register(s Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sockets[s.ID()] = s
}

// Unregister はソケットを全ルームから外し、登録を解除する。
// 最後のメンバーが抜けたルームは削除される。
func (r *Registry) Unregister(s Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := s.ID()
	for room := range r.memberships[id] {
		r.removeFromRoomLocked(room, id)
	}
	delete(r.memberships, id)
	delete(r.sockets, id)
}

// Join はソケットを受信者のルームに参加させる。未登録のソケットは登録も行う。
// 既に参加している場合は何もしない。
func (r *Registry) Join(recipientID string, s Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := s.ID()
	room := RoomName(recipientID)
	r.sockets[id] = s

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Socket)
		r.rooms[room] = members
	}
	members[id] = s

	joined, ok := r.memberships[id]
	if !ok {
		joined = make(map[string]struct{})
		r.memberships[id] = joined
	}
	joined[room] = struct{}{}
}

// Leave はソケットを受信者のルームから外す。接続の登録は維持する。
func (r *Registry) Leave(recipientID string, s Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := s.ID()
	room := RoomName(recipientID)
	r.removeFromRoomLocked(room, id)
	if joined, ok := r.memberships[id]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.memberships, id)
		}
	}
}

// removeFromRoomLocked はルームからソケットを外す。r.muを保持して呼ぶこと。
func (r *Registry) removeFromRoomLocked(room, socketID string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, socketID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Get は受信者のルームに参加中のソケットのスナップショットを返す。
func (r *Registry) Get(recipientID string) []Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[RoomName(recipientID)]
	out := make([]Socket, 0, len(members))
	for _, s := range members {
		out = append(out, s)
	}
	return out
}

// all は接続中の全ソケットのスナップショットを返す。
func (r *Registry) all() []Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Socket, 0, len(r.sockets))
	for _, s := range r.sockets {
		out = append(out, s)
	}
	return out
}

// Broadcast は受信者のルームの全ソケットへ送信し、送信に成功した数を返す。
// 個々の送信失敗はログに記録して続行する。
func (r *Registry) Broadcast(recipientID, event string, payload any) int {
	return emitAll(r.Get(recipientID), event, payload)
}

// BroadcastAll はルームに関係なく接続中の全ソケットへ送信し、送信に成功した数を返す。
func (r *Registry) BroadcastAll(event string, payload any) int {
	return emitAll(r.all(), event, payload)
}

func emitAll(sockets []Socket, event string, payload any) int {
	sent := 0
	for _, s := range sockets {
		if err := s.Emit(event, payload); err != nil {
			log.Printf("[Registry] 送信に失敗: socket=%s, event=%s, error=%v", s.ID(), event, err)
			continue
		}
		sent++
	}
	return sent
}

// Connections は接続中のソケット数を返す。
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets)
}

// Rooms はメンバーが1つ以上いるルームの数を返す。
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
