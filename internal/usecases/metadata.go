package usecases

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"time"
	"unicode/utf8"
)

const (
	previewLimit   = 2000
	maxSafeInteger = 1<<53 - 1
)

// SanitizeMetadata returns a copy of m that is safe to store as JSON:
// byte slices become base64, times become RFC3339, integers beyond 2^53 become
// decimal strings and nil values are dropped.
func SanitizeMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if s, ok := sanitizeValue(v); ok {
			out[k] = s
		}
	}
	return out
}

func sanitizeValue(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case []byte:
		return base64.StdEncoding.EncodeToString(t), true
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), true
	case *time.Time:
		if t == nil {
			return nil, false
		}
		return t.UTC().Format(time.RFC3339Nano), true
	case *big.Int:
		if t == nil {
			return nil, false
		}
		return t.String(), true
	case json.Number:
		return t.String(), true
	case int64:
		if t > maxSafeInteger || t < -maxSafeInteger {
			return fmt.Sprintf("%d", t), true
		}
		return t, true
	case uint64:
		if t > maxSafeInteger {
			return fmt.Sprintf("%d", t), true
		}
		return t, true
	case map[string]any:
		return SanitizeMetadata(t), true
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			if s, ok := sanitizeValue(item); ok {
				out = append(out, s)
			}
		}
		return out, true
	case string, bool, float64, float32, int, int32, uint32:
		return t, true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, false
		}
		return sanitizeValue(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		out := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if s, ok := sanitizeValue(rv.Index(i).Interface()); ok {
				out = append(out, s)
			}
		}
		return out, true
	}

	// Structs and other typed values go through a JSON round trip.
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v), true
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return string(data), true
	}
	return sanitizeValue(generic)
}

// Preview renders raw for diagnostics, truncated to 2000 characters.
func Preview(raw []byte) string {
	return truncateRunes(string(raw), previewLimit)
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
