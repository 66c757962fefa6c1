package timeutil

import (
	"sync/atomic"
	"time"
)

const (
	stampLayout      = "2006-01-02_150405"
	stampMilliLayout = "2006-01-02_150405.000"
)

var nowFunc atomic.Value

func init() {
	nowFunc.Store(time.Now)
}

// Now returns the current time in UTC truncated to the millisecond, so values
// survive a JSON or SQLite round-trip unchanged.
func Now() time.Time {
	fn := nowFunc.Load().(func() time.Time)
	return fn().UTC().Truncate(time.Millisecond)
}

// SetNowFunc overrides the function used by Now. Passing nil resets it.
func SetNowFunc(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	nowFunc.Store(fn)
}

// Stamp formats t for use in file names; lexical order equals time order.
func Stamp(t time.Time) string {
	return t.UTC().Format(stampLayout)
}

// StampMilli is Stamp with millisecond precision.
func StampMilli(t time.Time) string {
	return t.UTC().Format(stampMilliLayout)
}

// ParseStamp is the inverse of Stamp and StampMilli.
func ParseStamp(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(stampMilliLayout, s, time.UTC); err == nil {
		return t, nil
	}
	return time.ParseInLocation(stampLayout, s, time.UTC)
}
