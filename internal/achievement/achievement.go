// Package achievement は売上指標の実績レベル判定を提供する。
//
// 指標（利益など）の更新前後の値を閾値リストと比較し、ユーザーが新しく
// 到達したレベルを求める。判定はI/Oを行わない純粋な処理で、判定結果を
// 通知として配信するのは呼び出し側の責務である。
package achievement

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Threshold は1つの実績レベルとその到達条件を表す。
type Threshold struct {
	// Level はレベル番号。1以上。
	Level int `json:"level"`
	// Threshold はこのレベルに到達するための指標の下限値。
	Threshold float64 `json:"threshold"`
}

// ErrInvalidThresholds は閾値リストが昇順になっていないことを表す。
var ErrInvalidThresholds = errors.New("閾値リストが不正です")

// Validate は閾値リストがレベル・閾値ともに昇順であることを検証する。
// レベルは狭義単調増加、閾値は広義単調増加でなければならない。
func Validate(thresholds []Threshold) error {
	for i, th := range thresholds {
		if th.Level < 1 {
			return fmt.Errorf("%w: レベルは1以上である必要があります (level=%d)", ErrInvalidThresholds, th.Level)
		}
		if i == 0 {
			continue
		}
		prev := thresholds[i-1]
		if th.Level <= prev.Level {
			return fmt.Errorf("%w: レベルが昇順ではありません (%d → %d)", ErrInvalidThresholds, prev.Level, th.Level)
		}
		if th.Threshold < prev.Threshold {
			return fmt.Errorf("%w: 閾値が昇順ではありません (%v → %v)", ErrInvalidThresholds, prev.Threshold, th.Threshold)
		}
	}
	return nil
}

// ParseThresholds は "1:1000,2:5000,3:10000" 形式の文字列を閾値リストに変換する。
func ParseThresholds(s string) ([]Threshold, error) {
	var thresholds []Threshold
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		levelStr, valueStr, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q は level:threshold 形式ではありません", ErrInvalidThresholds, part)
		}
		level, err := strconv.Atoi(strings.TrimSpace(levelStr))
		if err != nil {
			return nil, fmt.Errorf("%w: レベル %q が数値ではありません", ErrInvalidThresholds, levelStr)
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: 閾値 %q が数値ではありません", ErrInvalidThresholds, valueStr)
		}
		thresholds = append(thresholds, Threshold{Level: level, Threshold: value})
	}
	if err := Validate(thresholds); err != nil {
		return nil, err
	}
	return thresholds, nil
}

// LevelFor はmetric以下で最も高い閾値を返す。どの閾値にも届かない場合はfalse。
// 閾値が同じ場合はレベルの高い方を優先する。
func LevelFor(metric float64, thresholds []Threshold) (Threshold, bool) {
	var (
		best  Threshold
		found bool
	)
	for _, th := range thresholds {
		if th.Threshold > metric {
			continue
		}
		if !found || th.Threshold > best.Threshold || (th.Threshold == best.Threshold && th.Level > best.Level) {
			best = th
			found = true
		}
	}
	return best, found
}

// Evaluate は更新前後の指標から新しく到達したレベルを求める。
// recordedLevelはこれまでに到達を記録したレベル（未到達なら0）。
// 更新後のレベルがrecordedLevelと更新前の指標のレベルのどちらよりも
// 高い場合にのみ、そのレベルを返す。指標の下落や同じレベルへの再到達では通知しない。
func Evaluate(recordedLevel int, previous, current float64, thresholds []Threshold) (Threshold, bool) {
	reached, ok := LevelFor(current, thresholds)
	if !ok {
		return Threshold{}, false
	}

	baseline := recordedLevel
	if prev, ok := LevelFor(previous, thresholds); ok && prev.Level > baseline {
		baseline = prev.Level
	}

	if reached.Level <= baseline {
		return Threshold{}, false
	}
	return reached, true
}

// Tracker はユーザーごとに到達済みの最高レベルを保持し、新しいレベルへの到達を判定する。
// 状態はメモリ上にのみ保持するので、永続化が必要な場合は呼び出し側がSeedで復元する。
type Tracker struct {
	mu     sync.Mutex
	levels map[string]int
}

// NewTracker は空のTrackerを生成する。
func NewTracker() *Tracker {
	return &Tracker{levels: make(map[string]int)}
}

// Seed はユーザーの到達済みレベルを設定する。既存の値より低い場合は無視する。
func (t *Tracker) Seed(userID string, level int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if level > t.levels[userID] {
		t.levels[userID] = level
	}
}

// Level はユーザーの到達済みレベルを返す。未到達なら0。
func (t *Tracker) Level(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.levels[userID]
}

// Evaluate はユーザーの指標更新を判定し、新しいレベルに到達した場合はそれを記録して返す。
// 同じユーザーに対する並行呼び出しでも、1つのレベルは1回しか返さない。
// 判定と同時に記録を進めるメモリ上だけの版で、記録をストアに永続化する場合は
// コミットが成功するまで記録を進めないように、Levelと関数版のEvaluateで判定してから
// コミット後にSeedで反映する。
func (t *Tracker) Evaluate(userID string, previous, current float64, thresholds []Threshold) (Threshold, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	reached, ok := Evaluate(t.levels[userID], previous, current, thresholds)
	if !ok {
		// 更新前の指標がすでに上位レベルだった場合も記録だけは進める
		if prev, found := LevelFor(previous, thresholds); found && prev.Level > t.levels[userID] {
			t.levels[userID] = prev.Level
		}
		return Threshold{}, false
	}
	t.levels[userID] = reached.Level
	return reached, true
}
