package notification

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument は入力が不正で、書き込みを行う前に処理を中止したことを表す。
	ErrInvalidArgument = errors.New("引数が不正です")
	// ErrNotFound は参照先の通知が呼び出し元に存在しないことを表す。
	ErrNotFound = errors.New("通知が見つかりません")
	// ErrStoreUnavailable はデータストアへのアクセスに失敗したことを表す。
	// 状態は常に行から再計算できるので、呼び出し元は再試行してよい。
	ErrStoreUnavailable = errors.New("データストアにアクセスできません")
	// ErrFeedClosed は購読フィードが停止済みであることを表す。
	ErrFeedClosed = errors.New("購読フィードは停止しています")
)

// invalidArgument はErrInvalidArgumentに理由を添えたエラーを返す。
func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// storeError はストアのエラーをErrStoreUnavailableでラップする。
func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
