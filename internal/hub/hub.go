// Package hub keeps the registry of live connections and the checklist
// groups they watch, and fans change events out to group members.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"checklist/api/internal/event"
	"checklist/api/internal/telemetry"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrSlowConsumer      = errors.New("connection outbox full")
	ErrConnClosed        = errors.New("connection closed")
	ErrGroupRequired     = errors.New("group is required")
)

// Conn is one registered connection. Send must not block; a connection that
// cannot take the frame right now returns an error.
type Conn interface {
	ID() string
	Send(frame []byte) error
}

// Delivery reports the outcome of one publish.
type Delivery struct {
	Recipients int
	Delivered  int
	Failed     int
}

type Stats struct {
	Connections int `json:"connections"`
	Groups      int `json:"groups"`
	Memberships int `json:"memberships"`
}

// Hub guards every map with one mutex. Publish snapshots recipients under the
// lock and sends outside it.
type Hub struct {
	mu     sync.Mutex
	conns  map[string]Conn
	groups map[string]map[string]struct{}
	joined map[string]map[string]struct{}

	logger  *log.Logger
	metrics hubMetrics
}

type hubMetrics struct {
	connections metric.Int64UpDownCounter
	published   metric.Int64Counter
	delivered   metric.Int64Counter
	failures    metric.Int64Counter
}

func New(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		conns:   map[string]Conn{},
		groups:  map[string]map[string]struct{}{},
		joined:  map[string]map[string]struct{}{},
		logger:  logger,
		metrics: newHubMetrics(),
	}
}

func newHubMetrics() hubMetrics {
	meter := telemetry.Meter("checklist/api/hub")
	var m hubMetrics
	m.connections, _ = meter.Int64UpDownCounter("checklist.hub.connections",
		metric.WithDescription("Registered websocket connections"))
	m.published, _ = meter.Int64Counter("checklist.hub.published",
		metric.WithDescription("Events published to a group"))
	m.delivered, _ = meter.Int64Counter("checklist.hub.delivered",
		metric.WithDescription("Event frames handed to a connection outbox"))
	m.failures, _ = meter.Int64Counter("checklist.hub.delivery_failures",
		metric.WithDescription("Event frames dropped for one recipient"))
	return m
}

// Register adds conn. Re-registering an id replaces the previous connection.
func (h *Hub) Register(conn Conn) {
	if conn == nil {
		return
	}
	h.mu.Lock()
	_, existed := h.conns[conn.ID()]
	h.conns[conn.ID()] = conn
	if h.joined[conn.ID()] == nil {
		h.joined[conn.ID()] = map[string]struct{}{}
	}
	h.mu.Unlock()

	if !existed && h.metrics.connections != nil {
		h.metrics.connections.Add(context.Background(), 1)
	}
}

// Join adds connID to group. Joining twice is a no-op.
func (h *Hub) Join(connID, group string) error {
	group = strings.TrimSpace(group)
	if group == "" {
		return ErrGroupRequired
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[connID]; !ok {
		return fmt.Errorf("join %s: %w", group, ErrUnknownConnection)
	}
	members := h.groups[group]
	if members == nil {
		members = map[string]struct{}{}
		h.groups[group] = members
	}
	members[connID] = struct{}{}
	h.joined[connID][group] = struct{}{}
	return nil
}

// Leave removes connID from group and drops the group once empty. Leaving a
// group the connection is not in is a no-op.
func (h *Hub) Leave(connID, group string) {
	group = strings.TrimSpace(group)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID, group)
}

func (h *Hub) leaveLocked(connID, group string) {
	if members, ok := h.groups[group]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	if groups, ok := h.joined[connID]; ok {
		delete(groups, group)
	}
}

// Disconnect removes connID from every group and forgets it.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	_, existed := h.conns[connID]
	for group := range h.joined[connID] {
		h.leaveLocked(connID, group)
	}
	delete(h.joined, connID)
	delete(h.conns, connID)
	h.mu.Unlock()

	if existed && h.metrics.connections != nil {
		h.metrics.connections.Add(context.Background(), -1)
	}
}

// Publish delivers ev to every member of group, best effort per recipient.
func (h *Hub) Publish(ctx context.Context, group string, ev event.Event) error {
	_, err := h.Broadcast(ctx, group, ev)
	return err
}

// Broadcast is Publish with the per-recipient outcome.
func (h *Hub) Broadcast(ctx context.Context, group string, ev event.Event) (Delivery, error) {
	frame, err := json.Marshal(event.EventFrame(ev))
	if err != nil {
		return Delivery{}, fmt.Errorf("encode event frame: %w", err)
	}

	recipients := h.snapshot(strings.TrimSpace(group))
	delivery := Delivery{Recipients: len(recipients)}
	for _, conn := range recipients {
		if err := conn.Send(frame); err != nil {
			delivery.Failed++
			h.logger.Warn("hub delivery failed", "conn_id", conn.ID(), "group", group, "kind", ev.Kind, "err", err)
			continue
		}
		delivery.Delivered++
	}

	attrs := metric.WithAttributes(attribute.String("kind", string(ev.Kind)))
	if h.metrics.published != nil {
		h.metrics.published.Add(ctx, 1, attrs)
		h.metrics.delivered.Add(ctx, int64(delivery.Delivered), attrs)
		h.metrics.failures.Add(ctx, int64(delivery.Failed), attrs)
	}
	h.logger.Debug("hub published", "group", group, "kind", ev.Kind, "recipients", delivery.Recipients, "failed", delivery.Failed)
	return delivery, nil
}

func (h *Hub) snapshot(group string) []Conn {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.groups[group]
	recipients := make([]Conn, 0, len(members))
	for connID := range members {
		if conn, ok := h.conns[connID]; ok {
			recipients = append(recipients, conn)
		}
	}
	return recipients
}

// Members lists the connection ids currently in group, sorted.
func (h *Hub) Members(group string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]string, 0, len(h.groups[group]))
	for connID := range h.groups[group] {
		ids = append(ids, connID)
	}
	sort.Strings(ids)
	return ids
}

// Groups lists the groups connID has joined, sorted.
func (h *Hub) Groups(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	groups := make([]string, 0, len(h.joined[connID]))
	for group := range h.joined[connID] {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	return groups
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := Stats{Connections: len(h.conns), Groups: len(h.groups)}
	for _, members := range h.groups {
		stats.Memberships += len(members)
	}
	return stats
}
