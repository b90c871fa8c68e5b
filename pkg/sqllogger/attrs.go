package sqllogger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// nestAttrs wraps attrs in the open groups so they encode under the right
// keys.
func nestAttrs(groups []string, attrs []slog.Attr) []slog.Attr {
	if len(attrs) == 0 {
		return nil
	}
	out := attrs
	for i := len(groups) - 1; i >= 0; i-- {
		out = []slog.Attr{{Key: groups[i], Value: slog.GroupValue(out...)}}
	}
	return out
}

func encodeAttrs(attrs []slog.Attr) []byte {
	root := make(map[string]any)
	for _, a := range attrs {
		put(root, a)
	}
	if len(root) == 0 {
		return []byte("{}")
	}
	raw, err := json.Marshal(root)
	if err != nil {
		return []byte(fmt.Sprintf(`{"!encode_error":%q}`, err.Error()))
	}
	return raw
}

func put(dst map[string]any, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() != slog.KindGroup {
		if a.Key != "" {
			dst[a.Key] = plain(a.Value)
		}
		return
	}

	children := a.Value.Group()
	if len(children) == 0 {
		return
	}
	target := dst
	if a.Key != "" {
		sub, ok := dst[a.Key].(map[string]any)
		if !ok {
			sub = make(map[string]any)
			dst[a.Key] = sub
		}
		target = sub
	}
	for _, child := range children {
		put(target, child)
	}
}

func plain(v slog.Value) any {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	default:
		a := v.Any()
		if err, ok := a.(error); ok {
			return err.Error()
		}
		if s, ok := a.(fmt.Stringer); ok {
			return s.String()
		}
		return a
	}
}
