package decision

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Action is one of the five moderation outcomes a judgment may pick.
type Action string

const (
	ActionIgnore Action = "ignore"
	ActionWarn   Action = "warn"
	ActionMute   Action = "mute"
	ActionKick   Action = "kick"
	ActionBan    Action = "ban"
)

// Valid reports whether a is one of the five known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionIgnore, ActionWarn, ActionMute, ActionKick, ActionBan:
		return true
	}
	return false
}

const (
	// ParseFailurePrefix starts the reason of every fallback decision.
	ParseFailurePrefix = "Model output was not valid JSON: "
	// NoReason replaces a missing reason field.
	NoReason = "No reason provided"

	maxRawInReason = 500
	maxConfidence  = 100
)

// Decision is a validated moderation judgment.
type Decision struct {
	Action          Action `json:"action"`
	Confidence      int    `json:"confidence"`
	Reason          string `json:"reason"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (d Decision) String() string {
	data, _ := json.Marshal(d)
	return string(data)
}

// Parse turns raw model output into a Decision. It never fails: output that
// is not a JSON object yields an ignore decision with zero confidence.
func Parse(raw string) (Decision, bool) {
	body := stripFence(raw)
	if !gjson.Valid(body) {
		return fallback(raw), false
	}
	obj := gjson.Parse(body)
	if !obj.IsObject() {
		return fallback(raw), false
	}

	d := Decision{
		Action:          ActionIgnore,
		Confidence:      clamp(coerceNumber(obj.Get("confidence")), 0, maxConfidence),
		DurationMinutes: clamp(coerceNumber(obj.Get("duration_minutes")), 0, -1),
		Reason:          NoReason,
	}
	if a := Action(strings.ToLower(strings.TrimSpace(obj.Get("action").String()))); a.Valid() {
		d.Action = a
	}
	if r := obj.Get("reason"); r.Exists() && r.Type != gjson.Null {
		if s := strings.TrimSpace(r.String()); s != "" {
			d.Reason = s
		}
	}
	return d, true
}

func fallback(raw string) Decision {
	return Decision{
		Action:          ActionIgnore,
		Confidence:      0,
		Reason:          ParseFailurePrefix + truncate(raw, maxRawInReason),
		DurationMinutes: 0,
	}
}

// stripFence removes a surrounding ``` block and its optional language tag.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && isLangTag(s[:nl]) {
		s = s[nl+1:]
	} else if nl < 0 {
		s = strings.TrimLeftFunc(s, isTagRune)
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func isLangTag(s string) bool {
	s = strings.TrimSpace(s)
	for _, r := range s {
		if !isTagRune(r) {
			return false
		}
	}
	return true
}

func isTagRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_'
}

// coerceNumber reads numbers and numeric strings; clamp truncates toward zero.
// Anything else, including null and a missing field, is 0.
func coerceNumber(r gjson.Result) float64 {
	switch r.Type {
	case gjson.Number:
		return r.Num
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// clamp bounds f to [lo, hi]; a negative hi means no upper bound.
func clamp(f float64, lo, hi int) int {
	if f != f || f < float64(lo) {
		return lo
	}
	if hi >= 0 && f > float64(hi) {
		return hi
	}
	const maxInt32 = 1<<31 - 1
	if f > maxInt32 {
		return maxInt32
	}
	return int(f)
}

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
