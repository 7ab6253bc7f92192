// 通知サービスのエントリポイント。
// 通知の配信と既読管理を行い、ユーザーごとの変更通知をSSEで配信する。
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/nao1215/shopnotify/internal/config"
	"github.com/nao1215/shopnotify/internal/notification"
	"github.com/nao1215/shopnotify/pkg/httpclient"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := notification.OpenDB(ctx, cfg.DBPath)
	if err != nil {
		log.Fatalf("データベースの初期化に失敗: %v", err)
	}
	defer db.Close()

	opts := []notification.ServiceOption{
		notification.WithAchievements(notification.AchievementConfig{
			Thresholds:      cfg.Thresholds,
			TitleTemplate:   cfg.AchievementTitleTemplate,
			MessageTemplate: cfg.AchievementMessageTemplate,
		}),
	}
	if cfg.EventLogURL != "" {
		opts = append(opts, notification.WithEventLog(httpclient.New(cfg.EventLogURL)))
	}

	broker := notification.NewBroker(cfg.FeedBufferSize)
	service := notification.NewService(db, broker, opts...)
	server := notification.NewServer(notification.ServerConfig{
		Port:            cfg.Port,
		JWTSecret:       cfg.JWTSecret,
		AllowedOrigins:  cfg.CORSAllowedOrigins,
		Heartbeat:       cfg.FeedHeartbeat,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, service, broker)

	log.Printf("通知サービスを起動します: :%s", cfg.Port)
	if err := server.Run(ctx); err != nil {
		log.Fatalf("通知サービスの実行に失敗: %v", err)
	}
	log.Printf("通知サービスを停止しました")
}
