// Package producer はタスク管理のドメイン操作から通知イベントを発行する。
//
// 受信者ごとに1つの NotificationEvent を作り、ルーティングキー
// "notification.created" でブローカーに発行する。発行の失敗はドメイン操作を
// ロールバックしない。呼び出し側は返されたエラーをログに残すだけでよい。
package producer

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/nao1215/taskhub/pkg/event"
)

// Publisher はメッセージをブローカーへ発行する。broker.Publisherが実装する。
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Task は通知の対象となるタスク。
type Task struct {
	ID          string
	Title       string
	Status      string
	CreatorID   string
	AssigneeIDs []string
}

// Participants はタスクの関係者（作成者と担当者）を重複なく返す。
func (t Task) Participants() []string {
	return unique(append([]string{t.CreatorID}, t.AssigneeIDs...))
}

// Comment はタスクに投稿されたコメント。
type Comment struct {
	ID       string
	AuthorID string
	Content  string
}

// Notifier はドメイン操作ごとに通知イベントを組み立てて発行する。
type Notifier struct {
	publisher  Publisher
	routingKey string
}

// NewNotifier は新しいNotifierを生成する。
func NewNotifier(publisher Publisher) *Notifier {
	return &Notifier{publisher: publisher, routingKey: event.RoutingKeyNotificationCreated}
}

// TaskCreated はタスク作成を担当者へ通知する。作成者本人には送らない。
// 送る相手がいない場合は全体通知を1件発行する。
func (n *Notifier) TaskCreated(ctx context.Context, task Task, actorID string) error {
	recipients := without(unique(task.AssigneeIDs), actorID)
	if len(recipients) == 0 {
		recipients = []string{event.RecipientAll}
	}
	return n.publishAll(ctx, recipients, func(recipientID string) *event.NotificationEvent {
		return event.New(event.TypeTaskCreated, recipientID, task.ID,
			"Nova tarefa criada",
			fmt.Sprintf("A tarefa \"%s\" foi criada", task.Title),
			map[string]any{"taskId": task.ID, "createdBy": actorID},
		)
	})
}

// TaskUpdated はタスクの更新を更新者以外の関係者へ通知する。
func (n *Notifier) TaskUpdated(ctx context.Context, task Task, actorID string) error {
	recipients := without(task.Participants(), actorID)
	return n.publishAll(ctx, recipients, func(recipientID string) *event.NotificationEvent {
		return event.New(event.TypeTaskUpdated, recipientID, task.ID,
			"Tarefa atualizada",
			fmt.Sprintf("A tarefa \"%s\" foi atualizada", task.Title),
			map[string]any{"taskId": task.ID, "updatedBy": actorID},
		)
	})
}

// TaskAssigned は新しく割り当てられた担当者へ通知する。自分自身への割り当ては通知しない。
func (n *Notifier) TaskAssigned(ctx context.Context, task Task, actorID string, assigneeIDs []string) error {
	recipients := without(unique(assigneeIDs), actorID)
	return n.publishAll(ctx, recipients, func(recipientID string) *event.NotificationEvent {
		return event.New(event.TypeTaskAssigned, recipientID, task.ID,
			"Nova tarefa atribuída",
			fmt.Sprintf("Você foi atribuído à tarefa \"%s\"", task.Title),
			map[string]any{"taskId": task.ID, "assignedBy": actorID},
		)
	})
}

// StatusChanged はステータス変更を操作者を含む全関係者へ通知する。
func (n *Notifier) StatusChanged(ctx context.Context, task Task, actorID, from, to string) error {
	return n.publishAll(ctx, task.Participants(), func(recipientID string) *event.NotificationEvent {
		return event.New(event.TypeTaskStatusChanged, recipientID, task.ID,
			"Status da tarefa alterado",
			fmt.Sprintf("A tarefa \"%s\" mudou de %s para %s", task.Title, from, to),
			map[string]any{"taskId": task.ID, "changedBy": actorID, "from": from, "to": to},
		)
	})
}

// CommentCreated はコメント投稿を投稿者を含む全関係者へ通知する。
func (n *Notifier) CommentCreated(ctx context.Context, task Task, comment Comment) error {
	return n.publishAll(ctx, task.Participants(), func(recipientID string) *event.NotificationEvent {
		return event.New(event.TypeCommentCreated, recipientID, task.ID,
			"Novo comentário",
			fmt.Sprintf("Novo comentário na tarefa \"%s\"", task.Title),
			map[string]any{"taskId": task.ID, "commentId": comment.ID, "authorId": comment.AuthorID},
		)
	})
}

// publishAll は受信者ごとにイベントを発行する。
// 途中で失敗しても残りの受信者への発行を続け、失敗をまとめて返す。
func (n *Notifier) publishAll(ctx context.Context, recipients []string, build func(recipientID string) *event.NotificationEvent) error {
	var errs []error
	for _, recipientID := range recipients {
		ev := build(recipientID)
		if err := n.publish(ctx, ev); err != nil {
			log.Printf("[Producer] 通知イベントの発行に失敗: type=%s, recipient=%s, error=%v", ev.Type, recipientID, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) publish(ctx context.Context, ev *event.NotificationEvent) error {
	body, err := event.Encode(ev)
	if err != nil {
		return err
	}
	if err := n.publisher.Publish(ctx, n.routingKey, body); err != nil {
		return fmt.Errorf("通知イベントの発行に失敗: event=%s: %w", ev.ID, err)
	}
	return nil
}

// unique は空文字列を除き、出現順を保って重複を取り除く。
func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// without はidsからexcludeを取り除く。
func without(ids []string, exclude string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}
