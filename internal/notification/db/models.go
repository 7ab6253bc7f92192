package db

import (
	"database/sql"
	"time"
)

// Notification は通知本体。作成後は変更されない。
type Notification struct {
	ID        string         `db:"id"`
	Title     string         `db:"title"`
	Message   string         `db:"message"`
	Type      string         `db:"type"`
	SenderID  sql.NullString `db:"sender_id"`
	Metadata  string         `db:"metadata"`
	ExpiresAt sql.NullTime   `db:"expires_at"`
	CreatedAt time.Time      `db:"created_at"`
}

// NotificationRecipient は受信者ごとの配信レコード。
type NotificationRecipient struct {
	ID             string       `db:"id"`
	NotificationID string       `db:"notification_id"`
	RecipientID    string       `db:"recipient_id"`
	ReadAt         sql.NullTime `db:"read_at"`
	CreatedAt      time.Time    `db:"created_at"`
}

// Delivery は配信レコードと通知本体を結合した行。
type Delivery struct {
	DeliveryID     string         `db:"delivery_id"`
	NotificationID string         `db:"notification_id"`
	RecipientID    string         `db:"recipient_id"`
	ReadAt         sql.NullTime   `db:"read_at"`
	CreatedAt      time.Time      `db:"created_at"`
	Title          string         `db:"title"`
	Message        string         `db:"message"`
	Type           string         `db:"type"`
	SenderID       sql.NullString `db:"sender_id"`
	Metadata       string         `db:"metadata"`
	ExpiresAt      sql.NullTime   `db:"expires_at"`
}

// AchievementLevel はユーザーが到達した最高の実績レベル。
type AchievementLevel struct {
	UserID    string    `db:"user_id"`
	Level     int64     `db:"level"`
	UpdatedAt time.Time `db:"updated_at"`
}
