package logging

import (
	"context"
	"errors"
	"log/slog"
	"slices"
)

// PrivateKeys are attribute keys that carry player location or tag
// secrets. They reach the local log file only, never a remote sink.
var PrivateKeys = []string{"lat", "lon", "accuracy", "tag", "tagId", "secret"}

type route struct {
	h slog.Handler
	// remote routes get records with private attributes removed.
	remote bool
}

// MultiHandler fans out log records to a local handler and any number of
// remote sinks such as Graylog or OTel.
type MultiHandler struct {
	routes []route
}

// NewMultiHandler creates a handler writing every record, unfiltered, to
// each local handler. Nil handlers are skipped.
func NewMultiHandler(local ...slog.Handler) *MultiHandler {
	m := &MultiHandler{}
	for _, h := range local {
		if h != nil {
			m.routes = append(m.routes, route{h: h})
		}
	}
	return m
}

// WithRemote adds sinks that leave the device. They never see PrivateKeys.
func (m *MultiHandler) WithRemote(remote ...slog.Handler) *MultiHandler {
	for _, h := range remote {
		if h != nil {
			m.routes = append(m.routes, route{h: h, remote: true})
		}
	}
	return m
}

// Enabled reports whether any sink takes records at this level.
func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, r := range m.routes {
		if r.h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle delivers the record to every enabled sink. A failing sink does
// not stop the others; their errors are joined.
func (m *MultiHandler) Handle(ctx context.Context, rec slog.Record) error {
	var errs []error
	for _, r := range m.routes {
		if !r.h.Enabled(ctx, rec.Level) {
			continue
		}
		out := rec.Clone()
		if r.remote {
			out = redact(rec)
		}
		if err := r.h.Handle(ctx, out); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WithAttrs adds attrs to every sink, without the private ones for remote sinks.
func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	routes := make([]route, len(m.routes))
	for i, r := range m.routes {
		a := attrs
		if r.remote {
			a = publicAttrs(attrs)
		}
		routes[i] = route{h: r.h.WithAttrs(a), remote: r.remote}
	}
	return &MultiHandler{routes: routes}
}

// WithGroup opens the group on every sink.
func (m *MultiHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return m
	}
	routes := make([]route, len(m.routes))
	for i, r := range m.routes {
		routes[i] = route{h: r.h.WithGroup(name), remote: r.remote}
	}
	return &MultiHandler{routes: routes}
}

func private(key string) bool {
	return slices.Contains(PrivateKeys, key)
}

func redact(rec slog.Record) slog.Record {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		if !private(a.Key) {
			out.AddAttrs(a)
		}
		return true
	})
	return out
}

func publicAttrs(attrs []slog.Attr) []slog.Attr {
	return slices.DeleteFunc(slices.Clone(attrs), func(a slog.Attr) bool { return private(a.Key) })
}
