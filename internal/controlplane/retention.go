package controlplane

import (
	"regexp"
	"strconv"
	"time"
)

// DefaultRetentionDays applies when a retention policy cannot be parsed.
const DefaultRetentionDays = 30

// DefaultRetentionPolicy is used when an artifact names no policy.
const DefaultRetentionPolicy = "30d"

// MaxRetentionDays bounds a policy; longer ones are malformed.
const MaxRetentionDays = 100 * 365

var retentionPattern = regexp.MustCompile(`^(\d+)([dwmy])$`)

var retentionUnitDays = map[string]int{
	"d": 1,
	"w": 7,
	"m": 30,
	"y": 365,
}

// ParseRetention converts "<N><unit>" with unit d, w, m or y into days.
// ok is false for a malformed policy or one longer than MaxRetentionDays,
// in which case days is the default.
func ParseRetention(policy string) (days int, ok bool) {
	m := retentionPattern.FindStringSubmatch(policy)
	if m == nil {
		return DefaultRetentionDays, false
	}
	n, err := strconv.Atoi(m[1])
	unit := retentionUnitDays[m[2]]
	if err != nil || n > MaxRetentionDays/unit {
		return DefaultRetentionDays, false
	}
	return n * unit, true
}

// expiresAt adds the retention period to created.
func expiresAt(created time.Time, days int) time.Time {
	return created.AddDate(0, 0, days)
}
