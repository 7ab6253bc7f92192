package notification

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/nao1215/shopnotify/pkg/event"
)

// DefaultFeedBuffer は購読ごとの変更通知バッファの既定サイズ。
const DefaultFeedBuffer = 16

// Broker は受信者IDごとに変更通知を振り分けるプロセス内のPub/Sub。
// 配信は非同期かつ最大1回で、順序は保証しない。
type Broker struct {
	// mu はsubsとclosedを保護する。配信は読み取りロック、購読の追加と解除は書き込みロックで行う。
	mu sync.RWMutex
	// subs は受信者IDごとの購読の集合。
	subs map[string]map[*Subscription]struct{}
	// bufferSize は購読ごとのチャネルのバッファサイズ。
	bufferSize int
	// closed はClose済みかどうか。
	closed bool
}

// NewBroker は新しいBrokerを生成する。bufferSizeが1未満の場合は既定値を使う。
func NewBroker(bufferSize int) *Broker {
	if bufferSize < 1 {
		bufferSize = DefaultFeedBuffer
	}
	return &Broker{
		subs:       make(map[string]map[*Subscription]struct{}),
		bufferSize: bufferSize,
	}
}

// Subscription は1ユーザー分の購読。Closeするまで変更通知を受け取る。
type Subscription struct {
	broker  *Broker
	userID  string
	ch      chan event.Change
	once    sync.Once
	dropped atomic.Int64
}

// Subscribe はユーザー本人の配信レコードに対する購読を開始する。
func (b *Broker) Subscribe(userID string) (*Subscription, error) {
	if userID == "" {
		return nil, invalidArgument("ユーザーIDが空です")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrFeedClosed
	}

	sub := &Subscription{
		broker: b,
		userID: userID,
		ch:     make(chan event.Change, b.bufferSize),
	}
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[*Subscription]struct{})
	}
	b.subs[userID][sub] = struct{}{}
	return sub, nil
}

// Publish は変更通知をchange.RecipientIDの購読にのみ配信し、配信できた購読の数を返す。
// バッファが満杯の購読には再取得待ちの通知がすでにあるので、その購読への配信は破棄する。
func (b *Broker) Publish(change event.Change) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for sub := range b.subs[change.RecipientID] {
		select {
		case sub.ch <- change:
			delivered++
		default:
			if sub.dropped.Add(1) == 1 {
				log.Printf("[Feed] バッファが満杯のため変更通知を破棄しました: user=%s", sub.userID)
			}
		}
	}
	return delivered
}

// SubscriberCount はユーザーの有効な購読数を返す。
func (b *Broker) SubscriberCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[userID])
}

// Close は全ての購読を終了し、以降の購読を拒否する。複数回呼び出してもよい。
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for userID, subs := range b.subs {
		for sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
		delete(b.subs, userID)
	}
}

// Events は変更通知を受け取るチャネルを返す。購読が終了するとクローズされる。
func (s *Subscription) Events() <-chan event.Change {
	return s.ch
}

// Dropped はバッファ溢れで破棄した変更通知の数を返す。
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close は購読を終了する。複数回呼び出してもよく、終了後は変更通知を受け取らない。
func (s *Subscription) Close() {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subs[s.userID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.subs, s.userID)
		}
	}
	s.once.Do(func() { close(s.ch) })
}
