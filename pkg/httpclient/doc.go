// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// API Gatewayが通知サービスのプルAPIを呼び出す際に使用する。
// 呼び出し元のユーザーIDとAuthorizationヘッダーはコンテキスト経由で伝播する。
package httpclient
