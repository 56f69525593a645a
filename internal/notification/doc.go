// Package notification は通知サービスの内部実装を提供する。
//
// タスクの作成・更新・割り当て・コメントなどで発行された通知イベントを
// キュー（notifications_queue）から受信し、SQLiteに保存したうえで、
// 受信者のWebSocketルーム（user-{id}）に接続中のクライアントへ配信する。
// 受信者がオフラインの場合は配信をスキップし、プルAPIからの取得に任せる。
//
// 配信は一度きりのベストエフォートで、配信の失敗がメッセージの再処理を
// 引き起こすことはない。保存の失敗のみがブローカーの再送に回される。
package notification
