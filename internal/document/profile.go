package document

import (
	"encoding/json"
	"math"
	"reflect"
)

// Profile field names as stored in users/{uid}.
const (
	FieldOnboardingCompleted = "onboardingCompleted"
	FieldXP                  = "xp"
	FieldStreak              = "streak"
	FieldHistory             = "history"
	FieldBadges              = "badges"
)

// OnboardingState is derived from a profile document.
type OnboardingState string

const (
	OnboardingIncompleteNew      OnboardingState = "incomplete-new"
	OnboardingIncompleteProgress OnboardingState = "incomplete-existing-progress"
	OnboardingComplete           OnboardingState = "complete"
	OnboardingUnknown            OnboardingState = "unknown"
)

// UserProfile is the typed view of a users/{uid} document.
type UserProfile struct {
	ID                  string         `json:"id"`
	OnboardingCompleted bool           `json:"onboardingCompleted"`
	XP                  int64          `json:"xp"`
	Streak              int64          `json:"streak"`
	HistoryEntries      int            `json:"historyEntries"`
	BadgeEntries        int            `json:"badgeEntries"`
	Badges              []string       `json:"badges,omitempty"`
	Fields              map[string]any `json:"fields,omitempty"`
}

// ProfileFromDocument decodes the profile fields of d. Missing or mistyped
// fields decode to their zero value. Returns nil for a nil document.
func ProfileFromDocument(d *Document) *UserProfile {
	if d == nil {
		return nil
	}
	p := &UserProfile{
		ID:     d.Ref.ID,
		Fields: d.Clone().Fields,
	}
	p.OnboardingCompleted, _ = d.Fields[FieldOnboardingCompleted].(bool)
	p.XP = asInt64(d.Fields[FieldXP])
	p.Streak = asInt64(d.Fields[FieldStreak])
	p.HistoryEntries = entryCount(d.Fields[FieldHistory])
	p.BadgeEntries = entryCount(d.Fields[FieldBadges])
	p.Badges = asStrings(d.Fields[FieldBadges])
	return p
}

// HasProgress reports whether the profile carries any sign of prior use:
// non-zero XP or streak, any historical activity, or any earned badge.
// Fractional counters and badge objects count; XP and Streak only hold the
// integer part for display.
func (p *UserProfile) HasProgress() bool {
	if p == nil {
		return false
	}
	return p.XP != 0 || p.Streak != 0 ||
		isNonZero(p.Fields[FieldXP]) || isNonZero(p.Fields[FieldStreak]) ||
		p.HistoryEntries > 0 || p.BadgeEntries > 0 || len(p.Badges) > 0
}

// State classifies the profile for onboarding purposes.
func (p *UserProfile) State() OnboardingState {
	switch {
	case p == nil:
		return OnboardingUnknown
	case p.OnboardingCompleted:
		return OnboardingComplete
	case p.HasProgress():
		return OnboardingIncompleteProgress
	default:
		return OnboardingIncompleteNew
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0
		}
		return int64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
	}
	return 0
}

func isNonZero(v any) bool {
	switch n := v.(type) {
	case int:
		return n != 0
	case int32:
		return n != 0
	case int64:
		return n != 0
	case float64:
		return n != 0 && !math.IsNaN(n)
	case json.Number:
		f, err := n.Float64()
		return err == nil && f != 0 && !math.IsNaN(f)
	}
	return false
}

func entryCount(v any) int {
	if v == nil {
		return 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len()
	}
	return 0
}

func asStrings(v any) []string {
	switch vals := v.(type) {
	case []string:
		if len(vals) == 0 {
			return nil
		}
		return append([]string(nil), vals...)
	case []any:
		var out []string
		for _, item := range vals {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
