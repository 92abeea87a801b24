package model

import "time"

// Filter selects notifications for list and stream reads.
// Zero values mean "no constraint".
type Filter struct {
	ChannelID   string
	Category    string
	Tags        []string // all must match
	MinPriority int
	Status      Status
	UnreadOnly  bool
	Since       *time.Time // created_at > Since
}

// Truncate drops sub-millisecond precision; the store keeps Unix milliseconds.
func Truncate(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}

// Millis converts a time to the stored representation.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// FromMillis converts a stored timestamp back to UTC time.
func FromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
