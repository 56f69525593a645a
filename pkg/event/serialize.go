package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
)

// ErrInvalidEvent はキューから受信したペイロードが通知イベントとして不正な場合に返る。
var ErrInvalidEvent = errors.New("不正な通知イベント")

// validate はパッケージ共通のバリデータ。
var validate = validator.New()

// New は新しい通知イベントを生成する。
// IDにはULIDを、CreatedAtには現在時刻（UTC）を設定する。
func New(eventType Type, recipientID, taskID, title, message string, data map[string]any) *NotificationEvent {
	return &NotificationEvent{
		ID:          ulid.Make().String(),
		Type:        eventType,
		RecipientID: recipientID,
		TaskID:      taskID,
		Title:       title,
		Message:     message,
		Data:        data,
		CreatedAt:   time.Now().UTC(),
	}
}

// Encode は通知イベントをキューに流すJSONにシリアライズする。
func Encode(e *NotificationEvent) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("通知イベントのシリアライズに失敗: %w", err)
	}
	return body, nil
}

// Decode はキューから受信したJSONを通知イベントにデシリアライズし、必須項目を検証する。
// 失敗した場合は ErrInvalidEvent をラップしたエラーを返す。
func Decode(body []byte) (*NotificationEvent, error) {
	var e NotificationEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: デシリアライズに失敗: %v", ErrInvalidEvent, err)
	}
	if err := Validate(&e); err != nil {
		return nil, err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return &e, nil
}

// Validate は通知イベントの必須項目を検証する。
func Validate(e *NotificationEvent) error {
	if err := validate.Struct(e); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		msgs := make([]string, 0, len(ve))
		for _, fe := range ve {
			msgs = append(msgs, fmt.Sprintf("%s は %s を満たしません", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidEvent, strings.Join(msgs, "; "))
	}
	return nil
}
