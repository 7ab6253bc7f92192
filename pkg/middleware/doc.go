// Package middleware は通知サービスのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWTによる呼び出し元の識別（IDプロバイダー）、権限による経路の制限、
// パニックリカバリ、CORS設定を含む。
package middleware
