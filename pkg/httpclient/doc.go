// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// 通知サービスが外部のイベントログへ監査イベントを送信する際に使用する。
// 5xxや接続エラーは一定回数リトライし、失敗が続く接続先は
// サーキットブレーカーで一時的に遮断して呼び出し元を待たせない。
package httpclient
