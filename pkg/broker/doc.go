// Package broker はRabbitMQ（AMQP 0-9-1）によるメッセージングの共通処理を提供する。
//
// 通知イベントは永続化されたトピックExchangeに発行され、
// ルーティングキー "notification.created" で永続キューにバインドされる。
// 発行側（producer）と購読側（通知サービス）の双方が同じトポロジーを宣言する。
package broker
