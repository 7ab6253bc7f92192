package notification

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strings"

	"github.com/nao1215/shopnotify/internal/achievement"
	notificationdb "github.com/nao1215/shopnotify/internal/notification/db"
	"github.com/nao1215/shopnotify/pkg/event"
)

// AchievementConfig は実績通知の判定条件と文面。
type AchievementConfig struct {
	// Thresholds はレベルの閾値リスト（昇順）。
	Thresholds []achievement.Threshold
	// TitleTemplate は通知タイトルのテンプレート。
	TitleTemplate string
	// MessageTemplate は通知メッセージのテンプレート。
	MessageTemplate string
}

// DefaultAchievementConfig は既定の実績判定設定を返す。
func DefaultAchievementConfig() AchievementConfig {
	return AchievementConfig{
		Thresholds: []achievement.Threshold{
			{Level: 1, Threshold: 1000},
			{Level: 2, Threshold: 5000},
			{Level: 3, Threshold: 10000},
		},
		TitleTemplate:   "レベル{level}達成！",
		MessageTemplate: "利益が{threshold}円を超えました（現在 {profit}円）",
	}
}

// AchievementParams は実績判定の入力。
type AchievementParams struct {
	// UserID は指標が更新されたユーザー。
	UserID string
	// Previous は更新前の指標値。
	Previous float64
	// Current は更新後の指標値。
	Current float64
	// RecipientIDs は通知の配信先。空の場合はUserIDのみ。
	RecipientIDs []string
}

// AchievementResult は実績判定の結果。
type AchievementResult struct {
	// Reached は新しいレベルに到達したかどうか。
	Reached bool
	// Tier は到達したレベル。Reachedがfalseの場合はゼロ値。
	Tier achievement.Threshold
	// Dispatched は配信した通知。Reachedがfalseの場合はnil。
	Dispatched *Dispatched
}

// EvaluateAchievement は指標の更新を判定し、新しいレベルに到達した場合は実績通知を配信する。
// 到達済みレベルの記録と通知の作成は同じトランザクションで行うので、
// 同じレベルの通知が二重に作成されることはない。
func (s *Service) EvaluateAchievement(ctx context.Context, params AchievementParams) (*AchievementResult, error) {
	userID := strings.TrimSpace(params.UserID)
	if userID == "" {
		return nil, invalidArgument("ユーザーIDが空です")
	}
	if !finite(params.Previous) || !finite(params.Current) {
		return nil, invalidArgument("指標値が数値ではありません")
	}
	thresholds := s.achievements.Thresholds
	if err := achievement.Validate(thresholds); err != nil {
		return nil, invalidArgument("%v", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, storeError("トランザクション開始", err)
	}
	defer tx.Rollback() //nolint:errcheck
	q := s.queries.WithTx(tx)

	recorded, err := q.GetAchievementLevel(ctx, userID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, storeError("到達済みレベルの取得", err)
	}
	s.tracker.Seed(userID, int(recorded.Level))
	baseline := s.tracker.Level(userID)

	tier, reached := achievement.Evaluate(baseline, params.Previous, params.Current, thresholds)

	// 更新前の指標ですでに到達していたレベルも記録しておく
	level := baseline
	if prev, ok := achievement.LevelFor(params.Previous, thresholds); ok {
		level = max(level, prev.Level)
	}
	if reached {
		level = tier.Level
	}
	if level > int(recorded.Level) {
		if err := q.UpsertAchievementLevel(ctx, notificationdb.UpsertAchievementLevelParams{
			UserID:    userID,
			Level:     int64(level),
			UpdatedAt: s.clock(),
		}); err != nil {
			return nil, storeError("到達済みレベルの記録", err)
		}
	}

	if !reached {
		if err := tx.Commit(); err != nil {
			return nil, storeError("コミット", err)
		}
		s.tracker.Seed(userID, level)
		return &AchievementResult{}, nil
	}

	recipients := params.RecipientIDs
	if len(recipients) == 0 {
		recipients = []string{userID}
	}
	now := s.clock()
	values := achievement.NewValues(tier, params.Current)
	p, err := DispatchParams{
		Title:        achievement.Format(s.achievements.TitleTemplate, values),
		Message:      achievement.Format(s.achievements.MessageTemplate, values),
		Type:         TypeAchievement,
		RecipientIDs: recipients,
		Metadata:     values.Metadata(now),
	}.prepare()
	if err != nil {
		return nil, err
	}

	notificationID, deliveries, err := insert(ctx, q, p, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeError("コミット", err)
	}
	s.tracker.Seed(userID, level)

	s.publishInserted(notificationID, deliveries)
	log.Printf("[Achievement] レベル%dに到達しました: user=%s notification=%s", tier.Level, userID, notificationID)

	s.recordEvent(ctx, userID, userID, event.AggregateTypeUser, event.TypeAchievementReached, event.AchievementReachedData{
		UserID:    userID,
		Level:     tier.Level,
		Threshold: tier.Threshold,
		Metric:    params.Current,
	})

	return &AchievementResult{
		Reached: true,
		Tier:    tier,
		Dispatched: &Dispatched{
			NotificationID: notificationID,
			RecipientIDs:   p.recipientIDs,
			CreatedAt:      now,
		},
	}, nil
}
