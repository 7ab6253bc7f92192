// Package notification は通知サービスの内部実装を提供する。
//
// 通知を作成して受信者ごとの配信レコードを1つのトランザクションで作成し、
// 配信レコードの作成と既読化をユーザーごとの購読フィードへ流す。
// 既読管理は呼び出し元本人の配信レコードに限定され、未読件数は常に
// 配信レコードから数え直す。売上指標の更新に応じた実績通知もここで配信する。
package notification
