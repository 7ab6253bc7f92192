package db

import (
	"context"
	"database/sql"
	"time"
)

const createNotification = `
INSERT INTO notifications (id, title, message, type, sender_id, metadata, expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

// CreateNotificationParams はCreateNotificationの引数。
type CreateNotificationParams struct {
	ID        string
	Title     string
	Message   string
	Type      string
	SenderID  sql.NullString
	Metadata  string
	ExpiresAt sql.NullTime
	CreatedAt time.Time
}

// CreateNotification は通知本体を1件作成する。
func (q *Queries) CreateNotification(ctx context.Context, arg CreateNotificationParams) error {
	_, err := q.db.ExecContext(ctx, createNotification,
		arg.ID,
		arg.Title,
		arg.Message,
		arg.Type,
		arg.SenderID,
		arg.Metadata,
		arg.ExpiresAt,
		arg.CreatedAt,
	)
	return err
}

const createRecipient = `
INSERT INTO notification_recipients (id, notification_id, recipient_id, created_at)
VALUES (?, ?, ?, ?)
`

// CreateRecipientParams はCreateRecipientの引数。
type CreateRecipientParams struct {
	ID             string
	NotificationID string
	RecipientID    string
	CreatedAt      time.Time
}

// CreateRecipient は未読の配信レコードを1件作成する。
func (q *Queries) CreateRecipient(ctx context.Context, arg CreateRecipientParams) error {
	_, err := q.db.ExecContext(ctx, createRecipient,
		arg.ID,
		arg.NotificationID,
		arg.RecipientID,
		arg.CreatedAt,
	)
	return err
}

const getNotificationByID = `
SELECT id, title, message, type, sender_id, metadata, expires_at, created_at
FROM notifications
WHERE id = ?
`

// GetNotificationByID は通知本体をIDで取得する。
func (q *Queries) GetNotificationByID(ctx context.Context, id string) (Notification, error) {
	var n Notification
	err := q.db.GetContext(ctx, &n, getNotificationByID, id)
	return n, err
}

const listRecipientsByNotificationID = `
SELECT id, notification_id, recipient_id, read_at, created_at
FROM notification_recipients
WHERE notification_id = ?
ORDER BY recipient_id
`

// ListRecipientsByNotificationID は通知に属する全配信レコードを受信者ID順に返す。
func (q *Queries) ListRecipientsByNotificationID(ctx context.Context, notificationID string) ([]NotificationRecipient, error) {
	var rows []NotificationRecipient
	if err := q.db.SelectContext(ctx, &rows, listRecipientsByNotificationID, notificationID); err != nil {
		return nil, err
	}
	return rows, nil
}

// deliveryColumns は配信レコードと通知本体の結合で取得する列。
const deliveryColumns = `
    r.id AS delivery_id,
    r.notification_id AS notification_id,
    r.recipient_id AS recipient_id,
    r.read_at AS read_at,
    r.created_at AS created_at,
    n.title AS title,
    n.message AS message,
    n.type AS type,
    n.sender_id AS sender_id,
    n.metadata AS metadata,
    n.expires_at AS expires_at
`

const listDeliveriesByRecipient = `
SELECT` + deliveryColumns + `
FROM notification_recipients r
JOIN notifications n ON n.id = r.notification_id
WHERE r.recipient_id = ?
  AND (? = 0 OR r.read_at IS NULL)
ORDER BY r.created_at DESC, r.id DESC
LIMIT ? OFFSET ?
`

// ListDeliveriesByRecipientParams はListDeliveriesByRecipientの引数。
type ListDeliveriesByRecipientParams struct {
	RecipientID string
	UnreadOnly  bool
	Limit       int64
	Offset      int64
}

// ListDeliveriesByRecipient は受信者の配信レコードを新しい順に返す。
func (q *Queries) ListDeliveriesByRecipient(ctx context.Context, arg ListDeliveriesByRecipientParams) ([]Delivery, error) {
	unreadOnly := 0
	if arg.UnreadOnly {
		unreadOnly = 1
	}
	var rows []Delivery
	if err := q.db.SelectContext(ctx, &rows, listDeliveriesByRecipient,
		arg.RecipientID,
		unreadOnly,
		arg.Limit,
		arg.Offset,
	); err != nil {
		return nil, err
	}
	return rows, nil
}

const getDeliveryForRecipient = `
SELECT` + deliveryColumns + `
FROM notification_recipients r
JOIN notifications n ON n.id = r.notification_id
WHERE r.notification_id = ? AND r.recipient_id = ?
`

// GetDeliveryForRecipientParams はGetDeliveryForRecipientの引数。
type GetDeliveryForRecipientParams struct {
	NotificationID string
	RecipientID    string
}

// GetDeliveryForRecipient は受信者本人の配信レコードを通知IDで取得する。
func (q *Queries) GetDeliveryForRecipient(ctx context.Context, arg GetDeliveryForRecipientParams) (Delivery, error) {
	var d Delivery
	err := q.db.GetContext(ctx, &d, getDeliveryForRecipient, arg.NotificationID, arg.RecipientID)
	return d, err
}

const countUnread = `
SELECT COUNT(*) FROM notification_recipients
WHERE recipient_id = ? AND read_at IS NULL
`

// CountUnread は受信者の未読配信レコード数を返す。
func (q *Queries) CountUnread(ctx context.Context, recipientID string) (int64, error) {
	var count int64
	err := q.db.GetContext(ctx, &count, countUnread, recipientID)
	return count, err
}

const markDeliveryRead = `
UPDATE notification_recipients
SET read_at = ?
WHERE id = ? AND recipient_id = ? AND read_at IS NULL
`

// MarkDeliveryReadParams はMarkDeliveryReadの引数。
type MarkDeliveryReadParams struct {
	ReadAt      time.Time
	ID          string
	RecipientID string
}

// MarkDeliveryRead は未読の配信レコードを既読にし、更新件数（0または1）を返す。
func (q *Queries) MarkDeliveryRead(ctx context.Context, arg MarkDeliveryReadParams) (int64, error) {
	return rowsAffected(q.db.ExecContext(ctx, markDeliveryRead, arg.ReadAt, arg.ID, arg.RecipientID))
}

const markAllDeliveriesRead = `
UPDATE notification_recipients
SET read_at = ?
WHERE recipient_id = ? AND read_at IS NULL
RETURNING id, notification_id
`

// MarkAllDeliveriesReadParams はMarkAllDeliveriesReadの引数。
type MarkAllDeliveriesReadParams struct {
	ReadAt      time.Time
	RecipientID string
}

// MarkedDelivery はMarkAllDeliveriesReadで既読にした配信レコード。
type MarkedDelivery struct {
	ID             string `db:"id"`
	NotificationID string `db:"notification_id"`
}

// MarkAllDeliveriesRead は受信者の未読配信レコードを1文で全て既読にし、更新した行を返す。
// 件数に関わらずバインド変数は2つだけなので、未読が大量にあっても失敗しない。
func (q *Queries) MarkAllDeliveriesRead(ctx context.Context, arg MarkAllDeliveriesReadParams) ([]MarkedDelivery, error) {
	var rows []MarkedDelivery
	if err := q.db.SelectContext(ctx, &rows, markAllDeliveriesRead, arg.ReadAt, arg.RecipientID); err != nil {
		return nil, err
	}
	return rows, nil
}

const getAchievementLevel = `
SELECT user_id, level, updated_at FROM achievement_levels WHERE user_id = ?
`

// GetAchievementLevel はユーザーの到達済みレベルを返す。記録が無い場合はsql.ErrNoRows。
func (q *Queries) GetAchievementLevel(ctx context.Context, userID string) (AchievementLevel, error) {
	var l AchievementLevel
	err := q.db.GetContext(ctx, &l, getAchievementLevel, userID)
	return l, err
}

const upsertAchievementLevel = `
INSERT INTO achievement_levels (user_id, level, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (user_id) DO UPDATE
SET level = excluded.level, updated_at = excluded.updated_at
WHERE excluded.level > achievement_levels.level
`

// UpsertAchievementLevelParams はUpsertAchievementLevelの引数。
type UpsertAchievementLevelParams struct {
	UserID    string
	Level     int64
	UpdatedAt time.Time
}

// UpsertAchievementLevel はユーザーの到達済みレベルを記録する。既存より低いレベルでは更新しない。
func (q *Queries) UpsertAchievementLevel(ctx context.Context, arg UpsertAchievementLevelParams) error {
	_, err := q.db.ExecContext(ctx, upsertAchievementLevel, arg.UserID, arg.Level, arg.UpdatedAt)
	return err
}
