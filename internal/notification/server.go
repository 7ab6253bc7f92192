package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/shopnotify/pkg/middleware"
)

// DefaultHeartbeat はSSEストリームのハートビート間隔の既定値。
const DefaultHeartbeat = 15 * time.Second

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string
	// JWTSecret はJWTの署名検証に使う秘密鍵。
	JWTSecret string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// Heartbeat はSSEストリームのハートビート間隔。
	Heartbeat time.Duration
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// service は通知の配信と既読管理を行う。
	service *Service
	// broker は購読フィード。
	broker *Broker
	// heartbeat はSSEストリームのハートビート間隔。
	heartbeat time.Duration
	// shutdownTimeout はグレースフルシャットダウンの待ち時間。
	shutdownTimeout time.Duration
}

// NewServer は新しい通知サーバーを生成する。
// 呼び出し元の識別にはJWT認証を使う。
func NewServer(cfg ServerConfig, service *Service, broker *Broker) *Server {
	return newServer(cfg, service, broker, middleware.JWTAuth(cfg.JWTSecret))
}

// newServer は認証ミドルウェアを指定してサーバーを生成する。
func newServer(cfg ServerConfig, service *Service, broker *Broker, auth gin.HandlerFunc) *Server {
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}

	s := &Server{
		router:          router,
		port:            cfg.Port,
		service:         service,
		broker:          broker,
		heartbeat:       heartbeat,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	s.setupRoutes(auth)
	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
// シャットダウン時は先に購読フィードを閉じ、SSEストリームを終了させる。
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Printf("[Server] シャットダウンを開始します")
		s.broker.Close()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
		}
		s.service.Wait()
		return nil
	})
	return g.Wait()
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(auth gin.HandlerFunc) {
	api := s.router.Group("/api/v1")
	api.Use(auth)
	{
		notifications := api.Group("/notifications")
		{
			// 通知一覧取得
			notifications.GET("", s.handleList())
			// 未読通知一覧取得
			notifications.GET("/unread", s.handleListUnread())
			// 未読件数取得
			notifications.GET("/unread-count", s.handleUnreadCount())
			// 変更通知の購読（SSE）
			notifications.GET("/stream", s.handleStream())
			// 通知を1件取得
			notifications.GET("/:id", s.handleGet())
			// 通知を既読にする
			notifications.PUT("/:id/read", s.handleMarkAsRead())
			// 全通知を既読にする
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
		}

		// 内部API（他サービスやバッチから呼び出される）
		internal := api.Group("/internal")
		internal.Use(middleware.RequireRole(middleware.RoleAdmin, middleware.RoleLeader, middleware.RoleSystem))
		{
			internal.POST("/send", s.handleSend())
			internal.POST("/achievements/evaluate", s.handleEvaluateAchievement())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})
}

// notificationResponse は通知のJSONレスポンス構造。
type notificationResponse struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// DeliveryID は配信レコードの識別子。
	DeliveryID string `json:"delivery_id"`
	// RecipientID は通知先のユーザーID。
	RecipientID string `json:"recipient_id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// Type は通知種別。
	Type Type `json:"type"`
	// SenderID は送信者のユーザーID。
	SenderID string `json:"sender_id,omitempty"`
	// Metadata は通知に付随する任意のキー・値。
	Metadata map[string]any `json:"metadata"`
	// IsRead は通知の既読状態。
	IsRead bool `json:"is_read"`
	// ReadAt は既読日時（RFC3339形式）。
	ReadAt string `json:"read_at,omitempty"`
	// ExpiresAt は有効期限（RFC3339形式）。
	ExpiresAt string `json:"expires_at,omitempty"`
	// CreatedAt は通知の作成日時（RFC3339形式）。
	CreatedAt string `json:"created_at"`
}

// toNotificationResponse は配信レコードをJSONレスポンスに変換する。
func toNotificationResponse(d Delivery) notificationResponse {
	r := notificationResponse{
		ID:          d.NotificationID,
		DeliveryID:  d.ID,
		RecipientID: d.RecipientID,
		Title:       d.Title,
		Message:     d.Message,
		Type:        d.Type,
		SenderID:    d.SenderID,
		Metadata:    d.Metadata,
		IsRead:      d.ReadAt != nil,
		CreatedAt:   d.CreatedAt.Format(time.RFC3339Nano),
	}
	if d.ReadAt != nil {
		r.ReadAt = d.ReadAt.Format(time.RFC3339Nano)
	}
	if d.ExpiresAt != nil {
		r.ExpiresAt = d.ExpiresAt.Format(time.RFC3339)
	}
	return r
}

// toNotificationResponses は配信レコードのスライスをJSONレスポンスのスライスに変換する。
func toNotificationResponses(deliveries []Delivery) []notificationResponse {
	responses := make([]notificationResponse, 0, len(deliveries))
	for _, d := range deliveries {
		responses = append(responses, toNotificationResponse(d))
	}
	return responses
}

// respondError はエラーの種類に応じたステータスコードでエラーレスポンスを返す。
func respondError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": ErrNotFound.Error()})
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrFeedClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": message})
		log.Printf("%s: %v", message, err)
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
		log.Printf("%s: %v", message, err)
	}
}

// requireUserID は認証済みユーザーIDを返す。取得できない場合は401を返してfalse。
func requireUserID(c *gin.Context) (string, bool) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
		return "", false
	}
	return userID, true
}

// parseListOptions はクエリパラメータから一覧取得の条件を組み立てる。
func parseListOptions(c *gin.Context) (ListOptions, error) {
	var opts ListOptions
	if v := c.Query("unread"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, invalidArgument("unreadはtrueまたはfalseで指定してください")
		}
		opts.UnreadOnly = b
	}
	for name, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		v := c.Query(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, invalidArgument("%sは整数で指定してください", name)
		}
		*dst = n
	}
	return opts, nil
}

// handleList は認証済みユーザーの通知一覧と未読件数を返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		opts, err := parseListOptions(c)
		if err != nil {
			respondError(c, err, "")
			return
		}

		deliveries, err := s.service.ListMine(c.Request.Context(), userID, opts)
		if err != nil {
			respondError(c, err, "通知一覧の取得に失敗しました")
			return
		}
		unread, err := s.service.UnreadCount(c.Request.Context(), userID)
		if err != nil {
			respondError(c, err, "未読件数の取得に失敗しました")
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"items":        toNotificationResponses(deliveries),
			"unread_count": unread,
		})
	}
}

// handleListUnread は認証済みユーザーの未読通知一覧を返すハンドラ。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		deliveries, err := s.service.ListMine(c.Request.Context(), userID, ListOptions{UnreadOnly: true, Limit: MaxListLimit})
		if err != nil {
			respondError(c, err, "未読通知一覧の取得に失敗しました")
			return
		}

		c.JSON(http.StatusOK, toNotificationResponses(deliveries))
	}
}

// handleUnreadCount は認証済みユーザーの未読件数を返すハンドラ。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		count, err := s.service.UnreadCount(c.Request.Context(), userID)
		if err != nil {
			respondError(c, err, "未読件数の取得に失敗しました")
			return
		}

		c.JSON(http.StatusOK, gin.H{"unread_count": count})
	}
}

// handleGet は認証済みユーザー宛ての通知を1件返すハンドラ。
func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		d, err := s.service.GetMine(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			respondError(c, err, "通知の取得に失敗しました")
			return
		}

		c.JSON(http.StatusOK, toNotificationResponse(d))
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
// 存在しない通知や他のユーザー宛ての通知、既読済みの通知では何もしない。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		updated, err := s.service.MarkRead(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			respondError(c, err, "通知の既読処理に失敗しました")
			return
		}

		c.JSON(http.StatusOK, gin.H{"updated": updated})
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		updated, err := s.service.MarkAllRead(c.Request.Context(), userID)
		if err != nil {
			respondError(c, err, "全通知の既読処理に失敗しました")
			return
		}

		c.JSON(http.StatusOK, gin.H{"updated": updated})
	}
}

// sendRequest は通知送信リクエストのJSON構造。
type sendRequest struct {
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// Type は通知種別。省略時はmanual。
	Type Type `json:"type"`
	// RecipientIDs は通知先のユーザーID一覧。
	RecipientIDs []string `json:"recipient_ids"`
	// Metadata は通知に付随する任意のキー・値。
	Metadata map[string]any `json:"metadata"`
	// ExpiresAt は有効期限。
	ExpiresAt *time.Time `json:"expires_at"`
}

// handleSend は通知を作成し受信者に配信するハンドラ。
// 送信者は認証済みユーザーで、システム通知の場合は送信者を持たない。
func (s *Server) handleSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if req.Type == "" {
			req.Type = TypeManual
		}
		senderID := userID
		if req.Type == TypeSystem {
			senderID = ""
		}

		d, err := s.service.Dispatch(c.Request.Context(), DispatchParams{
			SenderID:     senderID,
			Title:        req.Title,
			Message:      req.Message,
			Type:         req.Type,
			RecipientIDs: req.RecipientIDs,
			Metadata:     req.Metadata,
			ExpiresAt:    req.ExpiresAt,
		})
		if err != nil {
			respondError(c, err, "通知の作成に失敗しました")
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"id":         d.NotificationID,
			"recipients": len(d.RecipientIDs),
			"message":    "通知を送信しました",
		})
	}
}

// evaluateRequest は実績判定リクエストのJSON構造。
type evaluateRequest struct {
	// UserID は指標が更新されたユーザー。
	UserID string `json:"user_id"`
	// Previous は更新前の指標値。
	Previous *float64 `json:"previous"`
	// Current は更新後の指標値。
	Current *float64 `json:"current"`
	// RecipientIDs は通知の配信先。省略時はUserID。
	RecipientIDs []string `json:"recipient_ids"`
}

// handleEvaluateAchievement は指標の更新を判定し、新しいレベルに到達した場合は通知するハンドラ。
func (s *Server) handleEvaluateAchievement() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req evaluateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if req.Previous == nil || req.Current == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "previousとcurrentは必須です"})
			return
		}

		result, err := s.service.EvaluateAchievement(c.Request.Context(), AchievementParams{
			UserID:       req.UserID,
			Previous:     *req.Previous,
			Current:      *req.Current,
			RecipientIDs: req.RecipientIDs,
		})
		if err != nil {
			respondError(c, err, "実績判定に失敗しました")
			return
		}

		if !result.Reached {
			c.JSON(http.StatusOK, gin.H{"reached": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"reached":         true,
			"level":           result.Tier.Level,
			"threshold":       result.Tier.Threshold,
			"notification_id": result.Dispatched.NotificationID,
			"recipients":      len(result.Dispatched.RecipientIDs),
		})
	}
}

// handleStream は認証済みユーザーの配信レコードの変更をServer-Sent Eventsで配信するハンドラ。
// 接続直後にreadyイベントを送るので、クライアントはそれを合図に一覧を再取得する。
// 切断中の変更は再送しない。
func (s *Server) handleStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		sub, err := s.broker.Subscribe(userID)
		if err != nil {
			respondError(c, err, "購読を開始できません")
			return
		}
		defer sub.Close()

		unread, err := s.service.UnreadCount(c.Request.Context(), userID)
		if err != nil {
			respondError(c, err, "未読件数の取得に失敗しました")
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		c.Render(-1, sse.Event{Event: "ready", Data: gin.H{"user_id": userID, "unread_count": unread}})
		c.Writer.Flush()

		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()

		ctx := c.Request.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-sub.Events():
				if !ok {
					return
				}
				c.Render(-1, sse.Event{Id: change.ID, Event: "change", Data: change})
				c.Writer.Flush()
			case t := <-ticker.C:
				c.Render(-1, sse.Event{Event: "ping", Data: t.UTC().Format(time.RFC3339)})
				c.Writer.Flush()
			}
		}
	}
}
