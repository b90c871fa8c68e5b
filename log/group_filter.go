package log

import (
	"context"
	"log/slog"
	"strings"
)

// GroupFilterHandler only emits records logged under an allowed scope. A
// scope is the dotted path of the logger's groups, e.g. "d8x.refresher";
// allowing "d8x" allows every scope below it. Warnings and errors always
// pass.
type GroupFilterHandler struct {
	next    slog.Handler
	allowed []string
	scope   string
}

// NewGroupFilterHandler returns next unchanged when no scope is given.
func NewGroupFilterHandler(next slog.Handler, scopes []string) slog.Handler {
	if next == nil {
		return nil
	}
	var allowed []string
	for _, s := range scopes {
		if s = strings.Trim(strings.ToLower(strings.TrimSpace(s)), "."); s != "" {
			allowed = append(allowed, s)
		}
	}
	if len(allowed) == 0 {
		return next
	}
	return &GroupFilterHandler{next: next, allowed: allowed}
}

func (h *GroupFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *GroupFilterHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level < slog.LevelWarn && !h.admits() {
		return nil
	}
	return h.next.Handle(ctx, record)
}

func (h *GroupFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &GroupFilterHandler{next: h.next.WithAttrs(attrs), allowed: h.allowed, scope: h.scope}
}

func (h *GroupFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	scope := strings.ToLower(name)
	if h.scope != "" {
		scope = h.scope + "." + scope
	}
	return &GroupFilterHandler{next: h.next.WithGroup(name), allowed: h.allowed, scope: scope}
}

// Scope is the dotted group path of this handler.
func (h *GroupFilterHandler) Scope() string {
	return h.scope
}

func (h *GroupFilterHandler) admits() bool {
	for _, a := range h.allowed {
		if h.scope == a || strings.HasPrefix(h.scope, a+".") {
			return true
		}
	}
	return false
}
