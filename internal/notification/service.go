package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nao1215/shopnotify/internal/achievement"
	notificationdb "github.com/nao1215/shopnotify/internal/notification/db"
	"github.com/nao1215/shopnotify/pkg/event"
	"github.com/nao1215/shopnotify/pkg/httpclient"
)

// Type は通知種別を表す。
type Type string

const (
	// TypeManual はユーザーが手動で送信した通知。
	TypeManual Type = "manual"
	// TypeAchievement は実績レベル到達の通知。
	TypeAchievement Type = "achievement"
	// TypeSystem はシステムが送信した通知。送信者を持たない。
	TypeSystem Type = "system"
)

// Valid は通知種別が定義済みの値かどうかを返す。
func (t Type) Valid() bool {
	switch t {
	case TypeManual, TypeAchievement, TypeSystem:
		return true
	default:
		return false
	}
}

const (
	// DefaultListLimit は一覧取得の既定件数。
	DefaultListLimit = 50
	// MaxListLimit は一覧取得の最大件数。
	MaxListLimit = 200
)

// Delivery は受信者から見た1件の通知。
type Delivery struct {
	// ID は配信レコードのID。
	ID string
	// NotificationID は通知本体のID。
	NotificationID string
	// RecipientID は受信者のユーザーID。
	RecipientID string
	// Title は通知のタイトル。
	Title string
	// Message は通知メッセージ。
	Message string
	// Type は通知種別。
	Type Type
	// SenderID は送信者のユーザーID。システム通知では空。
	SenderID string
	// Metadata は通知に付随する任意のキー・値。
	Metadata map[string]any
	// ExpiresAt は有効期限。未設定ならnil。
	ExpiresAt *time.Time
	// ReadAt は既読日時。未読ならnil。
	ReadAt *time.Time
	// CreatedAt は配信日時（通知本体の作成日時と同じ）。
	CreatedAt time.Time
}

// DispatchParams は通知配信の入力。
type DispatchParams struct {
	SenderID     string
	Title        string
	Message      string
	Type         Type
	RecipientIDs []string
	Metadata     map[string]any
	ExpiresAt    *time.Time
}

// Dispatched は配信結果。
type Dispatched struct {
	// NotificationID は作成した通知のID。
	NotificationID string
	// RecipientIDs は重複を除いた配信先。配信レコードはこの件数だけ作成される。
	RecipientIDs []string
	// CreatedAt は作成日時。
	CreatedAt time.Time
}

// ListOptions は一覧取得の条件。
type ListOptions struct {
	// UnreadOnly がtrueの場合は未読のみ返す。
	UnreadOnly bool
	// Limit は最大件数。0の場合はDefaultListLimit。
	Limit int
	// Offset は読み飛ばす件数。
	Offset int
}

// ServiceOption はServiceの任意設定。
type ServiceOption func(*Service)

// WithEventLog は監査イベントの送信先を設定する。
func WithEventLog(client *httpclient.Client) ServiceOption {
	return func(s *Service) { s.eventLog = client }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithAchievements は実績判定の閾値とテンプレートを設定する。
func WithAchievements(cfg AchievementConfig) ServiceOption {
	return func(s *Service) { s.achievements = cfg }
}

// Service は通知の配信、既読管理、一覧取得を行う。
// データストアへの書き込みは全てこの型を経由する。
type Service struct {
	// db はSQLiteデータベース接続。
	db *sqlx.DB
	// queries はdbに束縛されたクエリ。トランザクション内では使わない。
	queries *notificationdb.Queries
	// broker は変更通知の配信先。
	broker *Broker
	// eventLog は監査イベントの送信先。nilなら送信しない。
	eventLog *httpclient.Client
	// achievements は実績判定の設定。
	achievements AchievementConfig
	// tracker はユーザーごとの到達済みレベルのキャッシュ。
	tracker *achievement.Tracker
	// now は現在時刻を返す。
	now func() time.Time
	// pending は送信中の監査イベント。
	pending sync.WaitGroup
}

// NewService は新しいServiceを生成する。
func NewService(db *sqlx.DB, broker *Broker, opts ...ServiceOption) *Service {
	s := &Service{
		db:           db,
		queries:      notificationdb.New(db),
		broker:       broker,
		achievements: DefaultAchievementConfig(),
		tracker:      achievement.NewTracker(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wait は送信中の監査イベントが全て完了するまで待つ。
func (s *Service) Wait() {
	s.pending.Wait()
}

// clock は秒未満を含むUTCの現在時刻を返す。
func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// preparedDispatch は検証と正規化を終えた配信内容。
type preparedDispatch struct {
	senderID     sql.NullString
	title        string
	message      string
	typ          Type
	recipientIDs []string
	metadata     string
	expiresAt    sql.NullTime
}

// prepare は書き込み前に入力を検証し、配信先の重複を除く。
func (p DispatchParams) prepare() (preparedDispatch, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return preparedDispatch{}, invalidArgument("タイトルは必須です")
	}
	message := strings.TrimSpace(p.Message)
	if message == "" {
		return preparedDispatch{}, invalidArgument("メッセージは必須です")
	}
	if !p.Type.Valid() {
		return preparedDispatch{}, invalidArgument("通知種別 %q は不正です", p.Type)
	}

	senderID := strings.TrimSpace(p.SenderID)
	if p.Type == TypeSystem && senderID != "" {
		return preparedDispatch{}, invalidArgument("システム通知に送信者は指定できません")
	}

	recipients := make([]string, 0, len(p.RecipientIDs))
	for _, id := range p.RecipientIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return preparedDispatch{}, invalidArgument("空の受信者IDが含まれています")
		}
		if !slices.Contains(recipients, id) {
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		return preparedDispatch{}, invalidArgument("受信者が指定されていません")
	}

	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return preparedDispatch{}, invalidArgument("メタデータをJSONに変換できません: %v", err)
	}

	prepared := preparedDispatch{
		senderID:     sql.NullString{String: senderID, Valid: senderID != ""},
		title:        title,
		message:      message,
		typ:          p.Type,
		recipientIDs: recipients,
		metadata:     string(metadataJSON),
	}
	if p.ExpiresAt != nil {
		prepared.expiresAt = sql.NullTime{Time: p.ExpiresAt.UTC(), Valid: true}
	}
	return prepared, nil
}

// insertedDelivery は配信後に変更通知を発行するための情報。
type insertedDelivery struct {
	id          string
	recipientID string
}

// insert は通知本体と全受信者分の配信レコードを作成する。qはトランザクションに束縛されていること。
func insert(ctx context.Context, q *notificationdb.Queries, p preparedDispatch, now time.Time) (string, []insertedDelivery, error) {
	notificationID := uuid.New().String()
	if err := q.CreateNotification(ctx, notificationdb.CreateNotificationParams{
		ID:        notificationID,
		Title:     p.title,
		Message:   p.message,
		Type:      string(p.typ),
		SenderID:  p.senderID,
		Metadata:  p.metadata,
		ExpiresAt: p.expiresAt,
		CreatedAt: now,
	}); err != nil {
		return "", nil, storeError("通知の作成", err)
	}

	deliveries := make([]insertedDelivery, 0, len(p.recipientIDs))
	for _, recipientID := range p.recipientIDs {
		d := insertedDelivery{id: uuid.New().String(), recipientID: recipientID}
		if err := q.CreateRecipient(ctx, notificationdb.CreateRecipientParams{
			ID:             d.id,
			NotificationID: notificationID,
			RecipientID:    recipientID,
			CreatedAt:      now,
		}); err != nil {
			return "", nil, storeError("配信レコードの作成", err)
		}
		deliveries = append(deliveries, d)
	}
	return notificationID, deliveries, nil
}

// publishInserted は作成した配信レコードごとにINSERTの変更通知を発行する。
func (s *Service) publishInserted(notificationID string, deliveries []insertedDelivery) {
	for _, d := range deliveries {
		s.broker.Publish(event.NewChange(event.ChangeInsert, d.id, notificationID, d.recipientID, time.Time{}))
	}
}

// Dispatch は通知を1件作成し、重複を除いた各受信者に配信レコードを作成する。
// 全ての書き込みは1つのトランザクションで行い、コミット後に各受信者のフィードへ通知する。
func (s *Service) Dispatch(ctx context.Context, params DispatchParams) (*Dispatched, error) {
	p, err := params.prepare()
	if err != nil {
		return nil, err
	}

	now := s.clock()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, storeError("トランザクション開始", err)
	}
	defer tx.Rollback() //nolint:errcheck

	notificationID, deliveries, err := insert(ctx, s.queries.WithTx(tx), p, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeError("コミット", err)
	}

	s.publishInserted(notificationID, deliveries)
	log.Printf("[Dispatch] 通知を配信しました: id=%s type=%s recipients=%d", notificationID, p.typ, len(deliveries))

	s.recordEvent(ctx, p.senderID.String, notificationID, event.AggregateTypeNotification, event.TypeNotificationDispatched, event.NotificationDispatchedData{
		SenderID:     p.senderID.String,
		Type:         string(p.typ),
		Title:        p.title,
		RecipientIDs: p.recipientIDs,
	})

	return &Dispatched{NotificationID: notificationID, RecipientIDs: p.recipientIDs, CreatedAt: now}, nil
}

// recordEvent は監査イベントを非同期に外部イベントログへ送信する。
// actorIDは操作したユーザーで、空でなければX-User-IDとして伝播する。システム通知では空。
// 送信に失敗してもログに記録するだけで、呼び出し元の処理は成功として扱う。
func (s *Service) recordEvent(ctx context.Context, actorID, aggregateID string, aggregateType event.AggregateType, eventType event.Type, data any) {
	if s.eventLog == nil {
		return
	}
	e, err := event.New(aggregateID, aggregateType, eventType, 1, data)
	if err != nil {
		log.Printf("[EventLog] 監査イベントの生成に失敗: %v", err)
		return
	}

	ctx = context.WithoutCancel(ctx)
	if actorID != "" {
		ctx = httpclient.WithUserID(ctx, actorID)
	}
	s.pending.Go(func() {
		var resp map[string]any
		if err := s.eventLog.PostJSON(ctx, "/api/v1/events", e, &resp); err != nil {
			log.Printf("[EventLog] %sイベントの送信に失敗: %v", eventType, err)
		}
	})
}

// validateIDs は空のIDを拒否する。
func validateIDs(userID, notificationID string) error {
	if strings.TrimSpace(userID) == "" {
		return invalidArgument("ユーザーIDが空です")
	}
	if strings.TrimSpace(notificationID) == "" {
		return invalidArgument("通知IDが空です")
	}
	return nil
}

// MarkRead は呼び出し元の配信レコードを既読にし、更新したかどうかを返す。
// 通知が存在しない、他のユーザー宛て、既読済みのいずれの場合も何もせずfalseを返す。
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) (bool, error) {
	if err := validateIDs(userID, notificationID); err != nil {
		return false, err
	}

	d, err := s.queries.GetDeliveryForRecipient(ctx, notificationdb.GetDeliveryForRecipientParams{
		NotificationID: notificationID,
		RecipientID:    userID,
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeError("配信レコードの取得", err)
	}
	if d.ReadAt.Valid {
		return false, nil
	}

	readAt := s.clock()
	n, err := s.queries.MarkDeliveryRead(ctx, notificationdb.MarkDeliveryReadParams{
		ReadAt:      readAt,
		ID:          d.DeliveryID,
		RecipientID: userID,
	})
	if err != nil {
		return false, storeError("既読の更新", err)
	}
	if n == 0 {
		return false, nil
	}

	s.broker.Publish(event.NewChange(event.ChangeUpdate, d.DeliveryID, notificationID, userID, readAt))
	s.recordRead(ctx, d.DeliveryID, notificationID, userID, readAt)
	return true, nil
}

// recordRead はDeliveryReadの監査イベントを送信する。
func (s *Service) recordRead(ctx context.Context, deliveryID, notificationID, userID string, readAt time.Time) {
	s.recordEvent(ctx, userID, deliveryID, event.AggregateTypeDelivery, event.TypeDeliveryRead, event.DeliveryReadData{
		NotificationID: notificationID,
		RecipientID:    userID,
		ReadAt:         readAt,
	})
}

// MarkAllRead は呼び出し元の未読配信レコードを全て既読にし、更新件数を返す。
// 他のユーザーの配信レコードには触れない。
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, invalidArgument("ユーザーIDが空です")
	}

	readAt := s.clock()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, storeError("トランザクション開始", err)
	}
	defer tx.Rollback() //nolint:errcheck

	updated, err := s.queries.WithTx(tx).MarkAllDeliveriesRead(ctx, notificationdb.MarkAllDeliveriesReadParams{
		ReadAt:      readAt,
		RecipientID: userID,
	})
	if err != nil {
		return 0, storeError("既読の一括更新", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeError("コミット", err)
	}

	for _, r := range updated {
		s.broker.Publish(event.NewChange(event.ChangeUpdate, r.ID, r.NotificationID, userID, readAt))
		s.recordRead(ctx, r.ID, r.NotificationID, userID, readAt)
	}
	return int64(len(updated)), nil
}

// UnreadCount は呼び出し元の未読件数を配信レコードから数えて返す。
func (s *Service) UnreadCount(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, invalidArgument("ユーザーIDが空です")
	}
	count, err := s.queries.CountUnread(ctx, userID)
	if err != nil {
		return 0, storeError("未読件数の取得", err)
	}
	return count, nil
}

// ListMine は呼び出し元宛ての通知を新しい順に返す。
func (s *Service) ListMine(ctx context.Context, userID string, opts ListOptions) ([]Delivery, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalidArgument("ユーザーIDが空です")
	}
	if opts.Limit < 0 || opts.Offset < 0 {
		return nil, invalidArgument("limitとoffsetは0以上である必要があります")
	}
	limit := opts.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	rows, err := s.queries.ListDeliveriesByRecipient(ctx, notificationdb.ListDeliveriesByRecipientParams{
		RecipientID: userID,
		UnreadOnly:  opts.UnreadOnly,
		Limit:       int64(limit),
		Offset:      int64(opts.Offset),
	})
	if err != nil {
		return nil, storeError("通知一覧の取得", err)
	}

	deliveries := make([]Delivery, 0, len(rows))
	for _, r := range rows {
		deliveries = append(deliveries, toDelivery(r))
	}
	return deliveries, nil
}

// GetMine は呼び出し元宛ての通知を1件返す。呼び出し元宛てでなければErrNotFound。
func (s *Service) GetMine(ctx context.Context, userID, notificationID string) (Delivery, error) {
	if err := validateIDs(userID, notificationID); err != nil {
		return Delivery{}, err
	}
	row, err := s.queries.GetDeliveryForRecipient(ctx, notificationdb.GetDeliveryForRecipientParams{
		NotificationID: notificationID,
		RecipientID:    userID,
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, fmt.Errorf("%w: id=%s", ErrNotFound, notificationID)
	}
	if err != nil {
		return Delivery{}, storeError("通知の取得", err)
	}
	return toDelivery(row), nil
}

// toDelivery はDB行を受信者から見た通知に変換する。
func toDelivery(r notificationdb.Delivery) Delivery {
	d := Delivery{
		ID:             r.DeliveryID,
		NotificationID: r.NotificationID,
		RecipientID:    r.RecipientID,
		Title:          r.Title,
		Message:        r.Message,
		Type:           Type(r.Type),
		SenderID:       r.SenderID.String,
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Metadata), &d.Metadata); err != nil {
		log.Printf("[Dispatch] メタデータの復元に失敗: id=%s: %v", r.NotificationID, err)
	}
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
	if r.ExpiresAt.Valid {
		t := r.ExpiresAt.Time.UTC()
		d.ExpiresAt = &t
	}
	if r.ReadAt.Valid {
		t := r.ReadAt.Time.UTC()
		d.ReadAt = &t
	}
	return d
}

// finite はNaNと無限大を拒否する。
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
