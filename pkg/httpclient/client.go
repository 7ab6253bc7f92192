package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"github.com/sony/gobreaker/v2"
)

// Client はサービス間通信用のHTTPクライアント。
// 一時的な失敗はリトライし、連続して失敗する接続先はサーキットブレーカーで遮断する。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL string
	// retries はリトライ回数（初回の試行を含まない）。
	retries int
	// backoff はリトライ間の待機時間。
	backoff time.Duration
	// breaker は接続先ごとのサーキットブレーカー。
	breaker *gobreaker.CircuitBreaker[any]
}

// Option はClientの設定を変更する関数。
type Option func(*clientConfig)

type clientConfig struct {
	timeout      time.Duration
	retries      int
	backoff      time.Duration
	breakerName  string
	tripAfter    uint32
	breakerReset time.Duration
}

// WithTimeout は1リクエストあたりのタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.timeout = d }
}

// WithRetry はリトライ回数と待機時間を設定する。retriesが0の場合はリトライしない。
func WithRetry(retries int, backoff time.Duration) Option {
	return func(c *clientConfig) {
		c.retries = retries
		c.backoff = backoff
	}
}

// WithBreaker はサーキットブレーカーの名前、遮断までの連続失敗回数、
// 半開状態へ移るまでの時間を設定する。
func WithBreaker(name string, tripAfter uint32, reset time.Duration) Option {
	return func(c *clientConfig) {
		c.breakerName = name
		c.tripAfter = tripAfter
		c.breakerReset = reset
	}
}

// New は新しいサービス間通信用HTTPクライアントを生成する。
// baseURLには接続先サービスのベースURL（例: "http://eventlog:8084"）を指定する。
func New(baseURL string, opts ...Option) *Client {
	cfg := clientConfig{
		timeout:      30 * time.Second,
		retries:      3,
		backoff:      200 * time.Millisecond,
		breakerName:  baseURL,
		tripAfter:    5,
		breakerReset: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.breakerName,
		MaxRequests: 1,
		Timeout:     cfg.breakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.tripAfter
		},
		// 4xxは接続先の障害ではないので遮断の判定に数えない
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[HTTPClient] サーキットブレーカー %q の状態が %s から %s に変化しました", name, from, to)
		},
	})

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.timeout,
		},
		baseURL: baseURL,
		retries: cfg.retries,
		backoff: cfg.backoff,
		breaker: breaker,
	}
}

// StatusError は接続先が2xx以外のステータスを返したことを表す。
type StatusError struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Body はレスポンスボディ。
	Body string
}

// Error はエラーメッセージを返す。
func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPエラー: status=%d, body=%s", e.StatusCode, e.Body)
}

// permanentError はリトライしても結果が変わらない失敗を表す。
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// isTransient はリトライで回復しうるエラーかどうかを判定する。
// 4xxはリクエスト自体の問題なので回復しない。
func isTransient(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= http.StatusInternalServerError || se.StatusCode == http.StatusTooManyRequests
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// transientClassifier はretrierに一時的なエラーのみリトライさせる分類器。
type transientClassifier struct{}

// Classify はエラーをリトライ対象かどうかに分類する。
func (transientClassifier) Classify(err error) retrier.Action {
	switch {
	case err == nil:
		return retrier.Succeed
	case isTransient(err):
		return retrier.Retry
	default:
		return retrier.Fail
	}
}

// PostJSON は指定パスにJSONボディでPOSTリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) PostJSON(ctx context.Context, path string, body any, result any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, result)
}

// doJSON はリトライとサーキットブレーカーを通してリクエストを実行する。
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var jsonBody []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		jsonBody = b
	}

	r := retrier.New(retrier.ConstantBackoff(c.retries, c.backoff), transientClassifier{})
	return r.RunCtx(ctx, func(ctx context.Context) error {
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.do(ctx, method, path, jsonBody, result)
		})
		return err
	})
}

// do は1回分のHTTPリクエストを実行する。
func (c *Client) do(ctx context.Context, method, path string, jsonBody []byte, result any) error {
	var bodyReader io.Reader
	if jsonBody != nil {
		bodyReader = bytes.NewReader(jsonBody)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return &permanentError{fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	// コンテキストからユーザーIDを伝播する
	if userID, ok := ctx.Value(contextKeyUserID).(string); ok {
		req.Header.Set("X-User-ID", userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return &permanentError{fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)}
		}
	}
	return nil
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyUserID はコンテキストにユーザーIDを格納するためのキー。
const contextKeyUserID contextKey = "user_id"

// WithUserID はコンテキストにユーザーIDを設定する。
// サービス間通信時にユーザーIDを伝播するために使用する。
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKeyUserID, userID)
}
