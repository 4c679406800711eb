// Package routing maps event kinds to transport channels. The table is
// built once at startup and never mutated, so lookups need no locking.
package routing

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Table is the canonical kind-to-channel mapping plus a designated
// fallback channel. Resolve is total: kinds without an entry land on the
// fallback so that producers running a newer routing config are never
// blocked by an older table, only observed.
type Table struct {
	routes   map[string]string
	fallback string
	logger   *slog.Logger
}

func NewTable(routes map[string]string, fallback string, logger *slog.Logger) (*Table, error) {
	if strings.TrimSpace(fallback) == "" {
		return nil, fmt.Errorf("routing: fallback channel is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	copied := make(map[string]string, len(routes))
	for kind, channel := range routes {
		if strings.TrimSpace(kind) == "" || strings.TrimSpace(channel) == "" {
			return nil, fmt.Errorf("routing: empty kind or channel in route %q -> %q", kind, channel)
		}
		copied[kind] = channel
	}
	return &Table{routes: copied, fallback: fallback, logger: logger}, nil
}

// Resolve returns the channel for kind. Unregistered kinds resolve to the
// fallback channel with one warning per call.
func (t *Table) Resolve(kind string) string {
	if channel, ok := t.routes[kind]; ok {
		return channel
	}
	t.logger.Warn("unrouted event kind, using fallback channel",
		"event_kind", kind,
		"channel", t.fallback,
	)
	return t.fallback
}

// Known reports whether kind has an explicit route. Used by the event
// factory to fail fast at construction.
func (t *Table) Known(kind string) bool {
	_, ok := t.routes[kind]
	return ok
}

// Fallback returns the designated catch-all channel.
func (t *Table) Fallback() string {
	return t.fallback
}

// Kinds returns the registered kinds, for diagnostics.
func (t *Table) Kinds() []string {
	kinds := make([]string, 0, len(t.routes))
	for kind := range t.routes {
		kinds = append(kinds, kind)
	}
	return kinds
}

// KindsFor returns the kinds routed to channel. Consumers use it to
// register one handler per kind they will see on a subscription.
func (t *Table) KindsFor(channel string) []string {
	var kinds []string
	for kind, ch := range t.routes {
		if ch == channel {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

type tableFile struct {
	Routes          map[string]string `json:"routes"`
	FallbackChannel string            `json:"fallback_channel"`
}

// LoadTable reads a routing config file of the shape
// {"routes": {"CustomerCreated": "crm.customer.events"}, "fallback_channel": "domain.events"}.
func LoadTable(path string, logger *slog.Logger) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routing: read config: %w", err)
	}
	var cfg tableFile
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("routing: parse config %s: %w", path, err)
	}
	return NewTable(cfg.Routes, cfg.FallbackChannel, logger)
}
