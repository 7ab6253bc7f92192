// Package config は通知サービスの設定を読み込む。
//
// 既定値、任意の設定ファイル（NOTIFICATION_CONFIG）、環境変数の順に上書きする。
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nao1215/shopnotify/internal/achievement"
)

// DevJWTSecret は開発用のJWT秘密鍵。本番環境では必ずJWT_SECRETを設定すること。
const DevJWTSecret = "dev-secret-key"

// Config は通知サービスの設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `mapstructure:"port"`
	// JWTSecret はJWTの署名検証に使う秘密鍵。
	JWTSecret string `mapstructure:"jwt_secret"`
	// DBPath はSQLiteデータベースファイルのパス。
	DBPath string `mapstructure:"db_path"`
	// EventLogURL は監査イベントの送信先。空なら送信しない。
	EventLogURL string `mapstructure:"event_log_url"`
	// CORSAllowedOrigins はCORSで許可するオリジン。
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
	// FeedBufferSize は購読ごとの変更通知バッファサイズ。
	FeedBufferSize int `mapstructure:"feed_buffer_size"`
	// FeedHeartbeat はSSEストリームのハートビート間隔。
	FeedHeartbeat time.Duration `mapstructure:"feed_heartbeat"`
	// AchievementThresholds は "level:threshold" をカンマで区切った閾値リスト。
	AchievementThresholds string `mapstructure:"achievement_thresholds"`
	// AchievementTitleTemplate は実績通知タイトルのテンプレート。
	AchievementTitleTemplate string `mapstructure:"achievement_title_template"`
	// AchievementMessageTemplate は実績通知メッセージのテンプレート。
	AchievementMessageTemplate string `mapstructure:"achievement_message_template"`
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Thresholds はAchievementThresholdsを解析した結果。
	Thresholds []achievement.Threshold `mapstructure:"-"`
}

// ErrInvalidConfig は設定値が不正であることを表す。
var ErrInvalidConfig = errors.New("設定が不正です")

// setDefaults は全ての設定キーの既定値を登録する。
// 既定値を登録したキーだけが環境変数から読み込まれる。
func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8086")
	v.SetDefault("jwt_secret", DevJWTSecret)
	v.SetDefault("db_path", "/data/notification.db")
	v.SetDefault("event_log_url", "")
	v.SetDefault("cors_allowed_origins", []string{})
	v.SetDefault("feed_buffer_size", 16)
	v.SetDefault("feed_heartbeat", 15*time.Second)
	v.SetDefault("achievement_thresholds", "1:1000,2:5000,3:10000")
	v.SetDefault("achievement_title_template", "レベル{level}達成！")
	v.SetDefault("achievement_message_template", "利益が{threshold}円を超えました（現在 {profit}円）")
	v.SetDefault("shutdown_timeout", 10*time.Second)
}

// Load は設定を読み込んで検証する。
// NOTIFICATION_CONFIGが設定されている場合はそのファイルを読み込み、読めなければエラーを返す。
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("notification_config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定の解析に失敗: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.JWTSecret == DevJWTSecret {
		log.Printf("[Config] 開発用のJWT秘密鍵を使用しています。本番環境ではJWT_SECRETを設定してください")
	}
	return &cfg, nil
}

// validate は設定値を検証し、閾値リストを解析する。
func (c *Config) validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORTが空です"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRETが空です"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATHが空です"))
	}
	if c.FeedBufferSize < 1 {
		errs = append(errs, fmt.Errorf("FEED_BUFFER_SIZEは1以上である必要があります (%d)", c.FeedBufferSize))
	}
	if c.FeedHeartbeat <= 0 {
		errs = append(errs, fmt.Errorf("FEED_HEARTBEATは正の値である必要があります (%s)", c.FeedHeartbeat))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUTは正の値である必要があります (%s)", c.ShutdownTimeout))
	}
	if strings.TrimSpace(c.AchievementTitleTemplate) == "" || strings.TrimSpace(c.AchievementMessageTemplate) == "" {
		errs = append(errs, errors.New("実績通知のテンプレートが空です"))
	}

	thresholds, err := achievement.ParseThresholds(c.AchievementThresholds)
	if err != nil {
		errs = append(errs, err)
	}
	c.Thresholds = thresholds

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
