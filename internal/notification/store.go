package notification

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nao1215/taskhub/pkg/event"
	"github.com/nao1215/taskhub/pkg/migration"
)

//go:embed migrations/*.up.sql
var migrationsFS embed.FS

// RecipientGlobal は全体通知を保存する際の受信者ID。
const RecipientGlobal = "global"

const (
	// DefaultLimit は取得件数を指定しなかった場合の件数。
	DefaultLimit = 50
	// MaxLimit は一度に取得できる最大件数。
	MaxLimit = 100
)

// Notification は保存された通知。
type Notification struct {
	// ID は保存時に採番されるUUID。イベントIDとは異なる。
	ID string `json:"id"`
	// EventID は元になった通知イベントのID。
	EventID string `json:"eventId"`
	// RecipientID は通知先のユーザーID。全体通知は "global"。
	RecipientID string `json:"recipientId"`
	// TaskID は対象タスクのID。
	TaskID string `json:"taskId"`
	// Type は通知の種類。
	Type event.Type `json:"type"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// Data はイベント固有データ。
	Data json.RawMessage `json:"data"`
	// IsRead は既読状態。
	IsRead bool `json:"isRead"`
	// CreatedAt は保存日時。
	CreatedAt time.Time `json:"createdAt"`
}

// IsGlobal は全体通知かどうかを返す。
func (n *Notification) IsGlobal() bool {
	return n.RecipientID == RecipientGlobal
}

// notificationRow はnotificationsテーブルの1行。
type notificationRow struct {
	ID          string    `db:"id"`
	EventID     string    `db:"event_id"`
	RecipientID string    `db:"recipient_id"`
	TaskID      string    `db:"task_id"`
	Type        string    `db:"type"`
	Title       string    `db:"title"`
	Message     string    `db:"message"`
	Data        string    `db:"data"`
	IsRead      bool      `db:"is_read"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r notificationRow) toNotification() Notification {
	return Notification{
		ID:          r.ID,
		EventID:     r.EventID,
		RecipientID: r.RecipientID,
		TaskID:      r.TaskID,
		Type:        event.Type(r.Type),
		Title:       r.Title,
		Message:     r.Message,
		Data:        json.RawMessage(r.Data),
		IsRead:      r.IsRead,
		CreatedAt:   r.CreatedAt,
	}
}

const selectColumns = `id, event_id, recipient_id, task_id, type, title, message, data, is_read, created_at`

// OpenDB はSQLiteデータベースを開き、マイグレーションを適用する。
func OpenDB(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// インメモリDBは接続ごとに別のDBになるため接続を1本に固定する
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}
	if err := migration.Run(ctx, db.DB, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("マイグレーションに失敗: %w", err)
	}
	return db, nil
}

// Store は通知の永続化を担う。受信者ごとの通知履歴と既読状態の唯一の情報源。
type Store struct {
	db *sqlx.DB
	// dedup が真の場合、同じイベントIDと受信者の組を二重に保存しない。
	dedup bool
	now   func() time.Time
}

// StoreOption はStoreの設定を変更する関数。
type StoreOption func(*Store)

// WithDedupByEventID はイベントIDによる重複排除を有効にする。
func WithDedupByEventID(enabled bool) StoreOption {
	return func(s *Store) { s.dedup = enabled }
}

// WithClock は保存日時に使う時計を差し替える。
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore は新しいStoreを生成する。dbはOpenDBでマイグレーション済みであること。
func NewStore(db *sqlx.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateNotification は通知イベントを通知として保存する。
// 受信者 "all" は "global" として保存し、既読状態は常に未読で作成する。
// デフォルトでは重複排除を行わないため、同じイベントの再送は別の行になる。
func (s *Store) CreateNotification(ctx context.Context, ev *event.NotificationEvent) (*Notification, error) {
	if ev == nil {
		return nil, errors.New("通知イベントがnilです")
	}

	recipientID := ev.RecipientID
	if ev.IsBroadcast() {
		recipientID = RecipientGlobal
	}

	data := []byte("{}")
	if ev.Data != nil {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return nil, fmt.Errorf("通知データのシリアライズに失敗: %w", err)
		}
		data = b
	}

	row := notificationRow{
		ID:          uuid.New().String(),
		EventID:     ev.ID,
		RecipientID: recipientID,
		TaskID:      ev.TaskID,
		Type:        string(ev.Type),
		Title:       ev.Title,
		Message:     ev.Message,
		Data:        string(data),
		IsRead:      false,
		CreatedAt:   s.now().UTC(),
	}

	if s.dedup && ev.ID != "" {
		return s.createUnlessExists(ctx, row)
	}

	const q = `
		INSERT INTO notifications (` + selectColumns + `)
		VALUES (:id, :event_id, :recipient_id, :task_id, :type, :title, :message, :data, :is_read, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return nil, fmt.Errorf("通知の保存に失敗: %w", err)
	}
	n := row.toNotification()
	return &n, nil
}

// createUnlessExists は同じイベントIDと受信者の行が無い場合のみ保存する。
// 既に存在する場合は既存の行を返す。判定と挿入は1文で行う。
func (s *Store) createUnlessExists(ctx context.Context, row notificationRow) (*Notification, error) {
	const q = `
		INSERT INTO notifications (` + selectColumns + `)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM notifications WHERE event_id = ? AND recipient_id = ?
		)`
	res, err := s.db.ExecContext(ctx, q,
		row.ID, row.EventID, row.RecipientID, row.TaskID, row.Type,
		row.Title, row.Message, row.Data, row.IsRead, row.CreatedAt,
		row.EventID, row.RecipientID,
	)
	if err != nil {
		return nil, fmt.Errorf("通知の保存に失敗: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("保存件数の取得に失敗: %w", err)
	}
	if affected == 1 {
		n := row.toNotification()
		return &n, nil
	}

	var existing notificationRow
	err = s.db.GetContext(ctx, &existing,
		`SELECT `+selectColumns+` FROM notifications
		 WHERE event_id = ? AND recipient_id = ?
		 ORDER BY rowid LIMIT 1`, row.EventID, row.RecipientID)
	if err != nil {
		return nil, fmt.Errorf("既存通知の取得に失敗: %w", err)
	}
	n := existing.toNotification()
	return &n, nil
}

// NormalizeLimit は取得件数を 1〜MaxLimit の範囲に丸める。0以下はDefaultLimit。
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// GetRecipientNotifications は受信者の通知を新しい順に最大limit件返す。
// 全体通知（"global"）は含まない。
func (s *Store) GetRecipientNotifications(ctx context.Context, recipientID string, limit int) ([]Notification, error) {
	return s.list(ctx, `
		SELECT `+selectColumns+` FROM notifications
		WHERE recipient_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, recipientID, NormalizeLimit(limit))
}

// GetUnreadNotifications は受信者の未読通知を新しい順に最大limit件返す。
func (s *Store) GetUnreadNotifications(ctx context.Context, recipientID string, limit int) ([]Notification, error) {
	return s.list(ctx, `
		SELECT `+selectColumns+` FROM notifications
		WHERE recipient_id = ? AND is_read = 0
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, recipientID, NormalizeLimit(limit))
}

func (s *Store) list(ctx context.Context, q string, args ...any) ([]Notification, error) {
	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	notifications := make([]Notification, 0, len(rows))
	for _, r := range rows {
		notifications = append(notifications, r.toNotification())
	}
	return notifications, nil
}

// CountUnread は受信者の未読通知数を返す。
func (s *Store) CountUnread(ctx context.Context, recipientID string) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND is_read = 0`, recipientID); err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return count, nil
}

// MarkAsRead は通知IDと受信者IDの両方が一致する通知を既読にする。
// 一致する行が無い場合も成功扱いとし、未存在・既読済み・他人の通知を区別しない。
func (s *Store) MarkAsRead(ctx context.Context, notificationID, recipientID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE id = ? AND recipient_id = ?`,
		notificationID, recipientID); err != nil {
		return fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	return nil
}

// MarkAllAsRead は受信者の未読通知をすべて既読にし、更新件数を返す。
func (s *Store) MarkAllAsRead(ctx context.Context, recipientID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE recipient_id = ? AND is_read = 0`, recipientID)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return affected, nil
}
