package notification

import (
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nao1215/shopnotify/pkg/event"
	"github.com/nao1215/shopnotify/pkg/httpclient"
)

// fakeClock は呼び出すたびに1秒進む時計。
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

// newFakeClock は固定時刻から始まる時計を生成する。
func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)}
}

// Now は現在時刻を1秒進めて返す。
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

// openTestDB はテスト用のSQLiteデータベースを一時ディレクトリに作成する。
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := OpenDB(t.Context(), filepath.Join(t.TempDir(), "notification.db"))
	if err != nil {
		t.Fatalf("テスト用DBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// setupTestService はテスト用のServiceを構築する。
func setupTestService(t *testing.T, opts ...ServiceOption) (*Service, *Broker) {
	t.Helper()

	broker := NewBroker(DefaultFeedBuffer)
	t.Cleanup(broker.Close)
	opts = append([]ServiceOption{WithClock(newFakeClock().Now)}, opts...)
	return NewService(openTestDB(t), broker, opts...), broker
}

// mustDispatch はテスト用に通知を配信し、失敗した場合はテストを終了する。
func mustDispatch(t *testing.T, s *Service, senderID string, recipients ...string) *Dispatched {
	t.Helper()

	d, err := s.Dispatch(t.Context(), DispatchParams{
		SenderID:     senderID,
		Title:        "在庫が少なくなっています",
		Message:      "コーヒー豆の在庫が残り3袋です",
		Type:         TypeManual,
		RecipientIDs: recipients,
	})
	if err != nil {
		t.Fatalf("Dispatch()でエラーが発生: %v", err)
	}
	return d
}

// countRows はテーブルの行数を返す。
func countRows(t *testing.T, s *Service, query string, args ...any) int {
	t.Helper()

	var n int
	if err := s.db.GetContext(t.Context(), &n, query, args...); err != nil {
		t.Fatalf("件数の取得に失敗: %v", err)
	}
	return n
}

// unreadByRows は配信レコードから直接数えた未読件数を返す。
func unreadByRows(t *testing.T, s *Service, userID string) int64 {
	t.Helper()
	return int64(countRows(t, s, "SELECT COUNT(*) FROM notification_recipients WHERE recipient_id = ? AND read_at IS NULL", userID))
}

// unreadCount はUnreadCountを呼び出し、失敗した場合はテストを終了する。
func unreadCount(t *testing.T, s *Service, userID string) int64 {
	t.Helper()

	n, err := s.UnreadCount(t.Context(), userID)
	if err != nil {
		t.Fatalf("UnreadCount()でエラーが発生: %v", err)
	}
	return n
}

// receive はフィードから変更通知を1件受け取る。一定時間内に届かなければテストを失敗させる。
func receive(t *testing.T, sub *Subscription) event.Change {
	t.Helper()

	select {
	case c, ok := <-sub.Events():
		if !ok {
			t.Fatal("購読が終了している")
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("変更通知が届かなかった")
	}
	return event.Change{}
}

// assertNoEvent はフィードに変更通知が届いていないことを確認する。
func assertNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()

	select {
	case c := <-sub.Events():
		t.Errorf("予期しない変更通知: %+v", c)
	default:
	}
}

// TestDispatch は通知配信のテスト。
func TestDispatch(t *testing.T) {
	t.Parallel()

	t.Run("重複を除いた受信者数だけ配信レコードが作成されること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestService(t)

		d := mustDispatch(t, s, "owner", "staff-a", "staff-b", " staff-a ", "staff-c")

		if len(d.RecipientIDs) != 3 {
			t.Errorf("受信者数 = %d, want 3", len(d.RecipientIDs))
		}
		rows, err := s.queries.ListRecipientsByNotificationID(t.Context(), d.NotificationID)
		if err != nil {
			t.Fatalf("配信レコードの取得に失敗: %v", err)
		}
		if len(rows) != 3 {
			t.Fatalf("配信レコード数 = %d, want 3", len(rows))
		}
		for _, r := range rows {
			if r.NotificationID != d.NotificationID {
				t.Errorf("notification_id = %s, want %s", r.NotificationID, d.NotificationID)
			}
			if r.ReadAt.Valid {
				t.Errorf("作成直後の配信レコードが既読になっている: %+v", r)
			}
			if !r.CreatedAt.Equal(d.CreatedAt) {
				t.Errorf("created_at = %v, want %v", r.CreatedAt, d.CreatedAt)
			}
		}
	})

	t.Run("通知本体の内容が保存されること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestService(t)

		expires := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
		d, err := s.Dispatch(t.Context(), DispatchParams{
			SenderID:     "owner",
			Title:        "  棚卸しのお知らせ  ",
			Message:      "月末に棚卸しを行います",
			Type:         TypeManual,
			RecipientIDs: []string{"staff-a"},
			Metadata:     map[string]any{"store": "shibuya"},
			ExpiresAt:    &expires,
		})
		if err != nil {
			t.Fatalf("Dispatch()でエラーが発生: %v", err)
		}

		got, err := s.GetMine(t.Context(), "staff-a", d.NotificationID)
		if err != nil {
			t.Fatalf("GetMine()でエラーが発生: %v", err)
		}
		if got.Title != "棚卸しのお知らせ" {
			t.Errorf("Title = %q", got.Title)
		}
		if got.SenderID != "owner" || got.Type != TypeManual {
			t.Errorf("SenderID = %q, Type = %q", got.SenderID, got.Type)
		}
		if got.Metadata["store"] != "shibuya" {
			t.Errorf("Metadata = %v", got.Metadata)
		}
		if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
			t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, expires)
		}

		stored, err := s.queries.GetNotificationByID(t.Context(), d.NotificationID)
		if err != nil {
			t.Fatalf("GetNotificationByID()でエラーが発生: %v", err)
		}
		if stored.Title != "棚卸しのお知らせ" || stored.SenderID.String != "owner" || stored.Type != string(TypeManual) {
			t.Errorf("保存された通知 = %+v", stored)
		}
		if stored.Metadata != `{"store":"shibuya"}` {
			t.Errorf("保存されたメタデータ = %s", stored.Metadata)
		}
		if !stored.CreatedAt.Equal(d.CreatedAt) {
			t.Errorf("created_at = %v, want %v", stored.CreatedAt, d.CreatedAt)
		}
	})

	invalid := []struct {
		name   string
		params DispatchParams
	}{
		{name: "受信者が空", params: DispatchParams{Title: "t", Message: "m", Type: TypeManual}},
		{name: "受信者IDに空文字列が含まれる", params: DispatchParams{Title: "t", Message: "m", Type: TypeManual, RecipientIDs: []string{"a", " "}}},
		{name: "タイトルが空白のみ", params: DispatchParams{Title: "  ", Message: "m", Type: TypeManual, RecipientIDs: []string{"a"}}},
		{name: "メッセージが空", params: DispatchParams{Title: "t", Type: TypeManual, RecipientIDs: []string{"a"}}},
		{name: "通知種別が不正", params: DispatchParams{Title: "t", Message: "m", Type: "urgent", RecipientIDs: []string{"a"}}},
		{name: "システム通知に送信者がある", params: DispatchParams{SenderID: "owner", Title: "t", Message: "m", Type: TypeSystem, RecipientIDs: []string{"a"}}},
	}
	for _, tt := range invalid {
		t.Run(tt.name+"場合はInvalidArgumentでストアが変化しないこと", func(t *testing.T) {
			t.Parallel()
			s, broker := setupTestService(t)
			sub, err := broker.Subscribe("a")
			if err != nil {
				t.Fatalf("Subscribe()でエラーが発生: %v", err)
			}

			_, err = s.Dispatch(t.Context(), tt.params)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("エラー = %v, want ErrInvalidArgument", err)
			}
			if n := countRows(t, s, "SELECT COUNT(*) FROM notifications"); n != 0 {
				t.Errorf("通知数 = %d, want 0", n)
			}
			if n := countRows(t, s, "SELECT COUNT(*) FROM notification_recipients"); n != 0 {
				t.Errorf("配信レコード数 = %d, want 0", n)
			}
			assertNoEvent(t, sub)
		})
	}

	t.Run("配信レコードの作成が途中で失敗した場合は何も保存しないこと", func(t *testing.T) {
		t.Parallel()
		s, broker := setupTestService(t)
		subA, _ := broker.Subscribe("staff-a")

		if _, err := s.db.ExecContext(t.Context(), `
CREATE TRIGGER trg_reject_staff_b BEFORE INSERT ON notification_recipients
WHEN NEW.recipient_id = 'staff-b'
BEGIN
    SELECT RAISE(ABORT, 'staff-bへの配信は拒否されます');
END`); err != nil {
			t.Fatalf("トリガーの作成に失敗: %v", err)
		}

		_, err := s.Dispatch(t.Context(), DispatchParams{
			SenderID:     "owner",
			Title:        "シフト変更",
			Message:      "来週のシフトが変更されました",
			Type:         TypeManual,
			RecipientIDs: []string{"staff-a", "staff-b"},
		})
		if !errors.Is(err, ErrStoreUnavailable) {
			t.Fatalf("エラー = %v, want ErrStoreUnavailable", err)
		}
		if n := countRows(t, s, "SELECT COUNT(*) FROM notifications"); n != 0 {
			t.Errorf("通知数 = %d, want 0", n)
		}
		if n := countRows(t, s, "SELECT COUNT(*) FROM notification_recipients"); n != 0 {
			t.Errorf("配信レコード数 = %d, want 0", n)
		}
		assertNoEvent(t, subA)
	})

	t.Run("受信者のフィードにのみINSERTの変更通知が届くこと", func(t *testing.T) {
		t.Parallel()
		s, broker := setupTestService(t)

		subA, _ := broker.Subscribe("staff-a")
		subC, _ := broker.Subscribe("staff-c")

		d := mustDispatch(t, s, "owner", "staff-a", "staff-b")

		c := receive(t, subA)
		if c.Op != event.ChangeInsert || c.NotificationID != d.NotificationID || c.RecipientID != "staff-a" {
			t.Errorf("変更通知 = %+v", c)
		}
		if c.ReadAt != nil {
			t.Errorf("ReadAt = %v, want nil", c.ReadAt)
		}
		assertNoEvent(t, subC)
	})

	t.Run("監査イベントを外部イベントログへ送信すること", func(t *testing.T) {
		t.Parallel()

		var (
			calls    atomic.Int32
			gotEvent atomic.Value
		)
		eventLog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			gotEvent.Store(r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"event-1"}`)) //nolint:errcheck
		}))
		t.Cleanup(eventLog.Close)

		s, _ := setupTestService(t, WithEventLog(httpclient.New(eventLog.URL)))
		mustDispatch(t, s, "owner", "staff-a")
		s.Wait()

		if calls.Load() != 1 {
			t.Errorf("送信回数 = %d, want 1", calls.Load())
		}
		if gotEvent.Load() != "/api/v1/events" {
			t.Errorf("送信先 = %v", gotEvent.Load())
		}
	})

	t.Run("イベントログへの送信に失敗しても配信は成功すること", func(t *testing.T) {
		t.Parallel()

		eventLog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))
		t.Cleanup(eventLog.Close)

		s, _ := setupTestService(t, WithEventLog(httpclient.New(eventLog.URL)))
		d := mustDispatch(t, s, "owner", "staff-a")
		s.Wait()

		if unreadCount(t, s, "staff-a") != 1 {
			t.Errorf("通知 %s が配信されていない", d.NotificationID)
		}
	})
}

// TestMarkRead は既読化のテスト。
func TestMarkRead(t *testing.T) {
	t.Parallel()

	t.Run("2回呼び出しても1回と同じ結果になること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestService(t)
		d := mustDispatch(t, s, "owner", "staff-a")

		updated, err := s.MarkRead(t.Context(), "staff-a", d.NotificationID)
		if err != nil || !updated {
			t.Fatalf("1回目のMarkRead() = (%v, %v), want (true, nil)", updated, err)
		}
		first, _ := s.GetMine(t.Context(), "staff-a", d.NotificationID)

		updated, err = s.MarkRead(t.Context(), "staff-a", d.NotificationID)
		if err != nil || updated {
			t.Fatalf("2回目のMarkRead() = (%v, %v), want (false, nil)", updated, err)
		}
		second, _ := s.GetMine(t.Context(), "staff-a", d.NotificationID)

		if first.ReadAt == nil || second.ReadAt == nil || !first.ReadAt.Equal(*second.ReadAt) {
			t.Errorf("read_atが変化した: %v → %v", first.ReadAt, second.ReadAt)
		}
		if unreadCount(t, s, "staff-a") != 0 {
			t.Errorf("未読件数 = %d, want 0", unreadCount(t, s, "staff-a"))
		}
	})

	t.Run("他のユーザー宛ての通知には何もしないこと", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestService(t)
		d := mustDispatch(t, s, "owner", "staff-a")

		updated, err := s.MarkRead(t.Context(), "staff-b", d.NotificationID)
		if err != nil || updated {
			t.Fatalf("MarkRead() = (%v, %v), want (false, nil)", updated, err)
		}
		if unreadCount(t, s, "staff-a") != 1 {
			t.Error("他のユーザーの配信レコードが既読になった")
		}
	})

	t.Run("存在しない通知ではエラーにならないこと", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestService(t)

		updated, err := s.MarkRead(t.Context(), "staff-a", "missing")
		if err != nil || updated {
			t.Errorf("MarkRead() = (%v, %v), want (false, nil)", updated, err)
		}
	})

	t.Run("IDが空の場合はInvalidArgument", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestService(t)

		if _, err := s.MarkRead(t.Context(), "staff-a", ""); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("エラー = %v, want ErrInvalidArgument", err)
		}
		if _, err := s.MarkRead(t.Context(), "", "n-1"); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("エラー = %v, want ErrInvalidArgument", err)
		}
	})

	t.Run("既読化したユーザーにのみUPDATEの変更通知が届くこと", func(t *testing.T) {
		t.Parallel()
		s, broker := setupTestService(t)
		d := mustDispatch(t, s, "owner", "staff-a", "staff-b")

		subA, _ := broker.Subscribe("staff-a")
		subB, _ := broker.Subscribe("staff-b")

		if _, err := s.MarkRead(t.Context(), "staff-a", d.NotificationID); err != nil {
			t.Fatalf("MarkRead()でエラーが発生: %v", err)
		}

		c := receive(t, subA)
		if c.Op != event.ChangeUpdate || c.ReadAt == nil {
			t.Errorf("変更通知 = %+v", c)
		}
		assertNoEvent(t, subB)

		// 既読済みの再実行では通知しない
		if _, err := s.MarkRead(t.Context(), "staff-a", d.NotificationID); err != nil {
			t.Fatalf("MarkRead()でエラーが発生: %v", err)
		}
		assertNoEvent(t, subA)
	})

	t.Run("既読化した場合は操作したユーザーのDeliveryReadイベントを送信すること", func(t *testing.T) {
		t.Parallel()

		var (
			mu     sync.Mutex
			types  []event.Type
			actors []string
		)
		eventLog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var e event.Event
			if err := json.NewDecoder(r.Body).Decode(&e); err == nil {
				mu.Lock()
				types = append(types, e.EventType)
				actors = append(actors, r.Header.Get("X-User-ID"))
				mu.Unlock()
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{}`)) //nolint:errcheck
		}))
		t.Cleanup(eventLog.Close)

		s, _ := setupTestService(t, WithEventLog(httpclient.New(eventLog.URL)))
		d := mustDispatch(t, s, "owner", "staff-a")
		s.Wait()
		if _, err := s.MarkRead(t.Context(), "staff-a", d.NotificationID); err != nil {
			t.Fatalf("MarkRead()でエラーが発生: %v", err)
		}
		if _, err := s.MarkRead(t.Context(), "staff-a", d.NotificationID); err != nil {
			t.Fatalf("MarkRead()でエラーが発生: %v", err)
		}
		s.Wait()

		mu.Lock()
		defer mu.Unlock()
		if len(types) != 2 || types[0] != event.TypeNotificationDispatched || types[1] != event.TypeDeliveryRead {
			t.Errorf("送信されたイベント = %v", types)
		}
		if len(actors) != 2 || actors[0] != "owner" || actors[1] != "staff-a" {
			t.Errorf("X-User-ID = %v, want [owner staff-a]", actors)
		}
	})

	t.Run("既読日時はストアでも変更できないこと", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestService(t)
		d := mustDispatch(t, s, "owner", "staff-a")
		if _, err := s.MarkRead(t.Context(), "staff-a", d.NotificationID); err != nil {
			t.Fatalf("MarkRead()でエラーが発生: %v", err)
		}

		_, err := s.db.ExecContext(t.Context(),
			"UPDATE notification_recipients SET read_at = NULL WHERE notification_id = ?", d.NotificationID)
		if err == nil {
			t.Error("既読日時の取り消しが成功した")
		}
	})
}

// TestMarkAllRead は一括既読化のテスト。
func TestMarkAllRead(t *testing.T) {
	t.Parallel()

	t.Run("呼び出し元の未読件数を返し他のユーザーには触れないこと", func(t *testing.T) {
		t.Parallel()
		s, broker := setupTestService(t)

		mustDispatch(t, s, "owner", "staff-a", "staff-b")
		mustDispatch(t, s, "owner", "staff-a")
		d := mustDispatch(t, s, "owner", "staff-a", "staff-b")
		if _, err := s.MarkRead(t.Context(), "staff-a", d.NotificationID); err != nil {
			t.Fatalf("MarkRead()でエラーが発生: %v", err)
		}
		subA, _ := broker.Subscribe("staff-a")

		updated, err := s.MarkAllRead(t.Context(), "staff-a")
		if err != nil {
			t.Fatalf("MarkAllRead()でエラーが発生: %v", err)
		}
		if updated != 2 {
			t.Errorf("更新件数 = %d, want 2", updated)
		}
		if unreadCount(t, s, "staff-a") != 0 {
			t.Errorf("staff-aの未読件数 = %d, want 0", unreadCount(t, s, "staff-a"))
		}
		if unreadCount(t, s, "staff-b") != 2 {
			t.Errorf("staff-bの未読件数 = %d, want 2", unreadCount(t, s, "staff-b"))
		}

		for range 2 {
			if c := receive(t, subA); c.Op != event.ChangeUpdate {
				t.Errorf("変更通知 = %+v", c)
			}
		}
		assertNoEvent(t, subA)
	})

	t.Run("未読が無い場合は0を返すこと", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestService(t)

		updated, err := s.MarkAllRead(t.Context(), "staff-a")
		if err != nil || updated != 0 {
			t.Errorf("MarkAllRead() = (%d, %v), want (0, nil)", updated, err)
		}
	})

	t.Run("バインド変数の上限を超える未読件数でも全て既読にできること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestService(t)

		// SQLiteのバインド変数の上限（32766）を超える件数を直接作成する
		const bulk = 40000
		for _, query := range []string{`
WITH RECURSIVE seq(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM seq WHERE n < ?)
INSERT INTO notifications (id, title, message, type, created_at)
SELECT 'bulk-' || n, '日次売上', '本日の売上が確定しました', 'system', '2026-10-18 09:00:00+00:00' FROM seq`, `
WITH RECURSIVE seq(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM seq WHERE n < ?)
INSERT INTO notification_recipients (id, notification_id, recipient_id, created_at)
SELECT 'delivery-' || n, 'bulk-' || n, 'staff-a', '2026-10-18 09:00:00+00:00' FROM seq`,
		} {
			if _, err := s.db.ExecContext(t.Context(), query, bulk); err != nil {
				t.Fatalf("未読の作成に失敗: %v", err)
			}
		}
		mustDispatch(t, s, "owner", "staff-b")

		updated, err := s.MarkAllRead(t.Context(), "staff-a")
		if err != nil {
			t.Fatalf("MarkAllRead()でエラーが発生: %v", err)
		}
		if updated != bulk {
			t.Errorf("更新件数 = %d, want %d", updated, bulk)
		}
		if n := unreadByRows(t, s, "staff-a"); n != 0 {
			t.Errorf("staff-aの未読件数 = %d, want 0", n)
		}
		if n := unreadByRows(t, s, "staff-b"); n != 1 {
			t.Errorf("staff-bの未読件数 = %d, want 1", n)
		}
	})

	t.Run("並行した配信と衝突しないこと", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestService(t)

		var wg sync.WaitGroup
		var marked atomic.Int64
		for range 10 {
			wg.Go(func() {
				if _, err := s.Dispatch(t.Context(), DispatchParams{
					Title:        "日次売上",
					Message:      "本日の売上が確定しました",
					Type:         TypeSystem,
					RecipientIDs: []string{"staff-a", "staff-b"},
				}); err != nil {
					t.Errorf("Dispatch()でエラーが発生: %v", err)
				}
			})
			wg.Go(func() {
				n, err := s.MarkAllRead(t.Context(), "staff-a")
				if err != nil {
					t.Errorf("MarkAllRead()でエラーが発生: %v", err)
				}
				marked.Add(n)
			})
		}
		wg.Wait()

		n, err := s.MarkAllRead(t.Context(), "staff-a")
		if err != nil {
			t.Fatalf("MarkAllRead()でエラーが発生: %v", err)
		}
		if marked.Load()+n != 10 {
			t.Errorf("既読化の合計 = %d, want 10", marked.Load()+n)
		}
		if unreadCount(t, s, "staff-b") != 10 {
			t.Errorf("staff-bの未読件数 = %d, want 10", unreadCount(t, s, "staff-b"))
		}
	})
}

// TestUnreadCount は未読件数が常に配信レコードから数えた値と一致することを検証する。
func TestUnreadCount(t *testing.T) {
	t.Parallel()

	t.Run("任意の操作列の後でも配信レコードの未読数と一致すること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestService(t)

		users := []string{"staff-a", "staff-b", "staff-c"}
		rng := rand.New(rand.NewPCG(1, 2))
		var sent []string
		for range 60 {
			switch rng.IntN(3) {
			case 0:
				d := mustDispatch(t, s, "owner", users[rng.IntN(3)], users[rng.IntN(3)])
				sent = append(sent, d.NotificationID)
			case 1:
				if len(sent) == 0 {
					continue
				}
				if _, err := s.MarkRead(t.Context(), users[rng.IntN(3)], sent[rng.IntN(len(sent))]); err != nil {
					t.Fatalf("MarkRead()でエラーが発生: %v", err)
				}
			case 2:
				if _, err := s.MarkAllRead(t.Context(), users[rng.IntN(3)]); err != nil {
					t.Fatalf("MarkAllRead()でエラーが発生: %v", err)
				}
			}

			for _, u := range users {
				if got, want := unreadCount(t, s, u), unreadByRows(t, s, u); got != want {
					t.Fatalf("%sの未読件数 = %d, want %d", u, got, want)
				}
			}
		}
	})

	t.Run("ストアにアクセスできない場合はErrStoreUnavailable", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestService(t)
		s.db.Close()

		if _, err := s.UnreadCount(t.Context(), "staff-a"); !errors.Is(err, ErrStoreUnavailable) {
			t.Errorf("エラー = %v, want ErrStoreUnavailable", err)
		}
		if _, err := s.Dispatch(t.Context(), DispatchParams{Title: "t", Message: "m", Type: TypeSystem, RecipientIDs: []string{"a"}}); !errors.Is(err, ErrStoreUnavailable) {
			t.Errorf("エラー = %v, want ErrStoreUnavailable", err)
		}
	})
}

// TestEndToEnd は2人への配信から既読化までの流れを検証する。
func TestEndToEnd(t *testing.T) {
	t.Parallel()

	s, _ := setupTestService(t)
	mustDispatch(t, s, "owner", "staff-x")
	d := mustDispatch(t, s, "owner", "staff-a", "staff-b")

	beforeA := unreadCount(t, s, "staff-a")
	beforeB := unreadCount(t, s, "staff-b")

	if _, err := s.MarkRead(t.Context(), "staff-a", d.NotificationID); err != nil {
		t.Fatalf("MarkRead()でエラーが発生: %v", err)
	}
	if got := unreadCount(t, s, "staff-a"); got != beforeA-1 {
		t.Errorf("staff-aの未読件数 = %d, want %d", got, beforeA-1)
	}
	if got := unreadCount(t, s, "staff-b"); got != beforeB {
		t.Errorf("staff-bの未読件数 = %d, want %d", got, beforeB)
	}

	if _, err := s.MarkRead(t.Context(), "staff-a", d.NotificationID); err != nil {
		t.Fatalf("2回目のMarkRead()でエラーが発生: %v", err)
	}
	if got := unreadCount(t, s, "staff-a"); got != beforeA-1 {
		t.Errorf("2回目の後のstaff-aの未読件数 = %d, want %d", got, beforeA-1)
	}
	if got := unreadCount(t, s, "staff-b"); got != beforeB {
		t.Errorf("2回目の後のstaff-bの未読件数 = %d, want %d", got, beforeB)
	}
}

// TestListMine は一覧取得のテスト。
func TestListMine(t *testing.T) {
	t.Parallel()

	t.Run("新しい順に呼び出し元の通知のみ返すこと", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestService(t)

		first := mustDispatch(t, s, "owner", "staff-a")
		mustDispatch(t, s, "owner", "staff-b")
		second := mustDispatch(t, s, "owner", "staff-a", "staff-b")

		got, err := s.ListMine(t.Context(), "staff-a", ListOptions{})
		if err != nil {
			t.Fatalf("ListMine()でエラーが発生: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("件数 = %d, want 2", len(got))
		}
		if got[0].NotificationID != second.NotificationID || got[1].NotificationID != first.NotificationID {
			t.Errorf("順序 = [%s, %s]", got[0].NotificationID, got[1].NotificationID)
		}
		for _, d := range got {
			if d.RecipientID != "staff-a" {
				t.Errorf("他のユーザーの配信レコードが含まれる: %+v", d)
			}
		}
	})

	t.Run("未読のみとページングを指定できること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestService(t)

		var ids []string
		for range 4 {
			ids = append(ids, mustDispatch(t, s, "owner", "staff-a").NotificationID)
		}
		if _, err := s.MarkRead(t.Context(), "staff-a", ids[3]); err != nil {
			t.Fatalf("MarkRead()でエラーが発生: %v", err)
		}

		unread, err := s.ListMine(t.Context(), "staff-a", ListOptions{UnreadOnly: true})
		if err != nil {
			t.Fatalf("ListMine()でエラーが発生: %v", err)
		}
		if len(unread) != 3 {
			t.Errorf("未読件数 = %d, want 3", len(unread))
		}

		page, err := s.ListMine(t.Context(), "staff-a", ListOptions{Limit: 2, Offset: 1})
		if err != nil {
			t.Fatalf("ListMine()でエラーが発生: %v", err)
		}
		if len(page) != 2 || page[0].NotificationID != ids[2] || page[1].NotificationID != ids[1] {
			t.Errorf("ページ = %+v", page)
		}
	})

	t.Run("負のlimitはInvalidArgument", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestService(t)

		if _, err := s.ListMine(t.Context(), "staff-a", ListOptions{Limit: -1}); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("エラー = %v, want ErrInvalidArgument", err)
		}
	})

	t.Run("他のユーザー宛ての通知はNotFound", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestService(t)
		d := mustDispatch(t, s, "owner", "staff-a")

		if _, err := s.GetMine(t.Context(), "staff-b", d.NotificationID); !errors.Is(err, ErrNotFound) {
			t.Errorf("エラー = %v, want ErrNotFound", err)
		}
	})
}

// TestEvaluateAchievement は実績判定と実績通知の配信を検証する。
func TestEvaluateAchievement(t *testing.T) {
	t.Parallel()

	t.Run("新しいレベルに到達したときだけ通知すること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestService(t)

		steps := []struct {
			previous, current float64
			wantLevel         int
		}{
			{800, 1200, 1},
			{1200, 1200, 0},
			{1200, 6000, 2},
			{6000, 4000, 0},
			{4000, 6000, 0},
		}
		for i, st := range steps {
			got, err := s.EvaluateAchievement(t.Context(), AchievementParams{UserID: "owner", Previous: st.previous, Current: st.current})
			if err != nil {
				t.Fatalf("step %d: EvaluateAchievement()でエラーが発生: %v", i, err)
			}
			if st.wantLevel == 0 {
				if got.Reached {
					t.Errorf("step %d: レベル%dの通知が作成された", i, got.Tier.Level)
				}
				continue
			}
			if !got.Reached || got.Tier.Level != st.wantLevel {
				t.Errorf("step %d: 結果 = %+v, want level %d", i, got, st.wantLevel)
			}
		}

		if n := countRows(t, s, "SELECT COUNT(*) FROM notifications WHERE type = 'achievement'"); n != 2 {
			t.Errorf("実績通知数 = %d, want 2", n)
		}
	})

	t.Run("実績通知の内容とメタデータが設定されること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestService(t)

		got, err := s.EvaluateAchievement(t.Context(), AchievementParams{UserID: "owner", Previous: 800, Current: 1200})
		if err != nil {
			t.Fatalf("EvaluateAchievement()でエラーが発生: %v", err)
		}

		d, err := s.GetMine(t.Context(), "owner", got.Dispatched.NotificationID)
		if err != nil {
			t.Fatalf("GetMine()でエラーが発生: %v", err)
		}
		if d.Type != TypeAchievement || d.SenderID != "" {
			t.Errorf("Type = %q, SenderID = %q", d.Type, d.SenderID)
		}
		if d.Title != "レベル1達成！" {
			t.Errorf("Title = %q", d.Title)
		}
		if d.Metadata["level"] != 1.0 || d.Metadata["threshold"] != 1000.0 || d.Metadata["profit"] != 1200.0 {
			t.Errorf("Metadata = %v", d.Metadata)
		}
		if _, ok := d.Metadata["timestamp"].(string); !ok {
			t.Errorf("timestampが設定されていない: %v", d.Metadata)
		}
	})

	t.Run("再起動後も記録済みレベルでは通知しないこと", func(t *testing.T) {
		t.Parallel()
		db := openTestDB(t)
		broker := NewBroker(DefaultFeedBuffer)
		t.Cleanup(broker.Close)

		first := NewService(db, broker)
		if _, err := first.EvaluateAchievement(t.Context(), AchievementParams{UserID: "owner", Previous: 0, Current: 6000}); err != nil {
			t.Fatalf("EvaluateAchievement()でエラーが発生: %v", err)
		}

		restarted := NewService(db, broker)
		got, err := restarted.EvaluateAchievement(t.Context(), AchievementParams{UserID: "owner", Previous: 4000, Current: 6000})
		if err != nil {
			t.Fatalf("EvaluateAchievement()でエラーが発生: %v", err)
		}
		if got.Reached {
			t.Errorf("記録済みのレベル%dが再通知された", got.Tier.Level)
		}
	})

	t.Run("配信先を指定できること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestService(t)

		got, err := s.EvaluateAchievement(t.Context(), AchievementParams{
			UserID:       "owner",
			Previous:     0,
			Current:      1000,
			RecipientIDs: []string{"owner", "manager"},
		})
		if err != nil {
			t.Fatalf("EvaluateAchievement()でエラーが発生: %v", err)
		}
		if len(got.Dispatched.RecipientIDs) != 2 {
			t.Errorf("受信者数 = %d, want 2", len(got.Dispatched.RecipientIDs))
		}
		if unreadCount(t, s, "manager") != 1 {
			t.Error("managerに実績通知が届いていない")
		}
	})

	t.Run("ユーザーIDが空の場合はInvalidArgument", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestService(t)

		if _, err := s.EvaluateAchievement(t.Context(), AchievementParams{Current: 1000}); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("エラー = %v, want ErrInvalidArgument", err)
		}
	})
}
