package achievement

import (
	"strconv"
	"strings"
	"time"
)

// Values はテンプレートに埋め込む値。
type Values struct {
	// Level は到達したレベル。
	Level int
	// Profit は評価時点の指標値。
	Profit float64
	// Threshold は到達したレベルの閾値。
	Threshold float64
}

// NewValues は到達したレベルと指標値からValuesを生成する。
func NewValues(reached Threshold, profit float64) Values {
	return Values{Level: reached.Level, Profit: profit, Threshold: reached.Threshold}
}

// Format はテンプレート中の {level}、{profit}、{threshold} を置換する。
// 未知のプレースホルダーはそのまま残す。
func Format(template string, v Values) string {
	return strings.NewReplacer(
		"{level}", strconv.Itoa(v.Level),
		"{profit}", formatNumber(v.Profit),
		"{threshold}", formatNumber(v.Threshold),
	).Replace(template)
}

// Metadata は実績通知のメタデータを生成する。
func (v Values) Metadata(now time.Time) map[string]any {
	return map[string]any{
		"level":     v.Level,
		"profit":    v.Profit,
		"threshold": v.Threshold,
		"timestamp": now.UTC().Format(time.RFC3339),
	}
}

// formatNumber は小数部が無い場合は整数として、ある場合は必要な桁だけ出力する。
func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
