// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 開発用JWTの発行、JWT検証、通知サービスへのリクエスト転送を担当する。
// 外部からアクセス可能な入口であり、セキュリティの境界線として機能する。
// 受け取ったトークンとユーザーIDを NotificationClient 経由で通知サービスに伝播する。
package gateway
