package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeNotification は通知本体を表す。
	AggregateTypeNotification AggregateType = "Notification"
	// AggregateTypeDelivery は受信者ごとの配信レコードを表す。
	AggregateTypeDelivery AggregateType = "Delivery"
	// AggregateTypeUser はユーザーエンティティを表す。
	AggregateTypeUser AggregateType = "User"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeNotificationDispatched は通知が全受信者に配信されたことを表す。
	TypeNotificationDispatched Type = "NotificationDispatched"
	// TypeDeliveryRead は配信レコードが既読になったことを表す。
	TypeDeliveryRead Type = "DeliveryRead"
	// TypeAchievementReached はユーザーが新しい実績レベルに到達したことを表す。
	TypeAchievementReached Type = "AchievementReached"
)

// Event は外部イベントログへ送信する監査イベントを表す。
// 一度生成したら変更しない。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// Version はAggregate内でのイベントの順序番号。
	Version int64 `json:"version"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// NotificationDispatchedData はNotificationDispatchedイベントのデータ。
type NotificationDispatchedData struct {
	// SenderID は送信者のユーザーID。システム通知の場合は空。
	SenderID string `json:"sender_id,omitempty"`
	// Type は通知種別（manual / achievement / system）。
	Type string `json:"type"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// RecipientIDs は配信先のユーザーID一覧。
	RecipientIDs []string `json:"recipient_ids"`
}

// DeliveryReadData はDeliveryReadイベントのデータ。
type DeliveryReadData struct {
	// NotificationID は既読になった通知のID。
	NotificationID string `json:"notification_id"`
	// RecipientID は既読にしたユーザーのID。
	RecipientID string `json:"recipient_id"`
	// ReadAt は既読日時。
	ReadAt time.Time `json:"read_at"`
}

// AchievementReachedData はAchievementReachedイベントのデータ。
type AchievementReachedData struct {
	// UserID は到達したユーザーのID。
	UserID string `json:"user_id"`
	// Level は到達したレベル。
	Level int `json:"level"`
	// Threshold はレベルの閾値。
	Threshold float64 `json:"threshold"`
	// Metric は評価時点の指標値（利益など）。
	Metric float64 `json:"metric"`
}

// ChangeOp は配信レコードに対する変更操作の種類を表す。
type ChangeOp string

const (
	// ChangeInsert は配信レコードが作成されたことを表す。
	ChangeInsert ChangeOp = "INSERT"
	// ChangeUpdate は配信レコードが更新（既読化）されたことを表す。
	ChangeUpdate ChangeOp = "UPDATE"
)

// TableDeliveries は変更通知の対象テーブル名。
const TableDeliveries = "notification_recipients"

// Change は購読フィードで配信される変更通知。
// 受信側はこの内容だけに依存せず、対象レコードを再取得すること。
// 順序保証も重複排除もない。
type Change struct {
	// ID は変更通知の一意識別子（UUID）。
	ID string `json:"id"`
	// Op は変更操作の種類。
	Op ChangeOp `json:"op"`
	// Table は変更が発生したテーブル名。
	Table string `json:"table"`
	// DeliveryID は変更された配信レコードのID。
	DeliveryID string `json:"delivery_id"`
	// NotificationID は配信レコードが属する通知のID。
	NotificationID string `json:"notification_id"`
	// RecipientID は配信先のユーザーID。フィードの振り分けキーでもある。
	RecipientID string `json:"recipient_id"`
	// ReadAt は既読日時。未読の場合はnil。
	ReadAt *time.Time `json:"read_at,omitempty"`
	// OccurredAt は変更が発生した日時。
	OccurredAt time.Time `json:"occurred_at"`
}
