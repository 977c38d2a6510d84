package usecases

import (
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"
)

const epochMillisThreshold = 1e12

var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ResolveTimestamp interprets epoch seconds, epoch milliseconds (values above 1e12),
// ISO-8601 strings and protobuf long objects ({low, high}). Anything else yields nil.
func ResolveTimestamp(v any) *time.Time {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		if t.IsZero() {
			return nil
		}
		u := t.UTC()
		return &u
	case *time.Time:
		if t == nil {
			return nil
		}
		return ResolveTimestamp(*t)
	case map[string]any:
		return fromLong(t)
	case string:
		return fromString(t)
	case bool:
		return nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return nil
	}
	return fromEpoch(f)
}

func fromEpoch(f float64) *time.Time {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	var ts time.Time
	if f > epochMillisThreshold {
		ts = time.UnixMilli(int64(f)).UTC()
	} else {
		sec, frac := math.Modf(f)
		ts = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	return &ts
}

func fromString(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if f, err := cast.ToFloat64E(s); err == nil {
		return fromEpoch(f)
	}
	for _, layout := range isoLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			u := ts.UTC()
			return &u
		}
	}
	return nil
}

func fromLong(m map[string]any) *time.Time {
	low, okLow := asInt64(m["low"])
	if !okLow {
		return nil
	}
	high, _ := asInt64(m["high"])
	value := (high << 32) | int64(uint32(low))
	return fromEpoch(float64(value))
}
