package producer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nao1215/taskhub/pkg/httpclient"
	"github.com/nao1215/taskhub/pkg/middleware"
)

// ingestPath は通知サービスの取り込みAPIのパス。
const ingestPath = "/api/v1/internal/notifications"

// serviceUserID はサービス間呼び出しに使うトークンのユーザーID。
const serviceUserID = "task-service"

// HTTPPublisher は通知サービスの取り込みAPIへイベントを直接送るPublisher。
// ブローカーを使わない構成で使う。ルーティングキーは使わない。
type HTTPPublisher struct {
	client    *httpclient.Client
	jwtSecret string
}

// NewHTTPPublisher は新しいHTTPPublisherを生成する。
// jwtSecretは通知サービスと共有する署名鍵で、呼び出しごとにサービス用トークンを発行する。
func NewHTTPPublisher(baseURL, jwtSecret string, opts ...httpclient.Option) *HTTPPublisher {
	return &HTTPPublisher{client: httpclient.New(baseURL, opts...), jwtSecret: jwtSecret}
}

// Publish はエンコード済みのイベントを取り込みAPIにPOSTする。
func (p *HTTPPublisher) Publish(ctx context.Context, _ string, body []byte) error {
	token, err := middleware.GenerateJWT(p.jwtSecret, serviceUserID, "")
	if err != nil {
		return err
	}
	ctx = httpclient.WithAuthorization(ctx, "Bearer "+token)
	if err := p.client.PostJSON(ctx, ingestPath, json.RawMessage(body), nil); err != nil {
		return fmt.Errorf("取り込みAPIへの送信に失敗: %w", err)
	}
	return nil
}
