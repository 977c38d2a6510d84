package usecases

import (
	"strings"

	"github.com/spf13/cast"
)

// asString coerces scalar payload values. Maps and slices yield "".
func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case map[string]any, []any:
		return ""
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func asInt64(v any) (int64, bool) {
	switch v.(type) {
	case nil, map[string]any, []any, bool:
		return 0, false
	}
	n, err := cast.ToInt64E(v)
	if err != nil {
		f, ferr := cast.ToFloat64E(v)
		if ferr != nil {
			return 0, false
		}
		return int64(f), true
	}
	return n, true
}

func asFloat(v any) (float64, bool) {
	switch v.(type) {
	case nil, map[string]any, []any, bool:
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

func asBool(v any) bool {
	b, err := cast.ToBoolE(v)
	return err == nil && b
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out
	}
	return nil
}

// lookup walks a dotted path through nested maps.
func lookup(m map[string]any, path string) (any, bool) {
	if m == nil {
		return nil, false
	}
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

// firstString returns the first non empty string found at any of paths.
func firstString(m map[string]any, paths ...string) string {
	for _, p := range paths {
		if v, ok := lookup(m, p); ok {
			if s := asString(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// firstMap returns the first nested object found at any of paths.
func firstMap(m map[string]any, paths ...string) map[string]any {
	for _, p := range paths {
		if v, ok := lookup(m, p); ok {
			if nested := asMap(v); nested != nil {
				return nested
			}
		}
	}
	return nil
}

// firstValue returns the first present value at any of paths.
func firstValue(m map[string]any, paths ...string) (any, bool) {
	for _, p := range paths {
		if v, ok := lookup(m, p); ok {
			return v, true
		}
	}
	return nil, false
}

func firstInt64(m map[string]any, paths ...string) (int64, bool) {
	for _, p := range paths {
		if v, ok := lookup(m, p); ok {
			if n, ok := asInt64(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}
