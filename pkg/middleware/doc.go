// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWT認証トークンの発行と検証、パニックリカバリ、CORS設定、レート制限など、
// 全サービスで共通して使用する処理を含む。JWTの検証処理はWebSocketの
// ハンドシェイク認証からも利用される。
package middleware
