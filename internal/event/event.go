// Package event defines the change events fanned out to checklist viewers and
// the envelope they travel in.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindItemCompletionChanged Kind = "ItemCompletionChanged"
	KindItemStatusChanged     Kind = "ItemStatusChanged"
	KindItemNotesChanged      Kind = "ItemNotesChanged"
	KindChecklistUpdated      Kind = "ChecklistUpdated"
	KindChecklistCreated      Kind = "ChecklistCreated"
)

var ErrUnknownKind = errors.New("unknown event kind")

// Event is the wire envelope. Originator is the causing user's id, never a
// display name. Originator and OriginClient are empty for events nobody in
// particular caused.
type Event struct {
	Kind         Kind            `json:"kind"`
	ChecklistID  string          `json:"checklistId"`
	Originator   string          `json:"originator,omitempty"`
	OriginClient string          `json:"originClient,omitempty"`
	OccurredAt   time.Time       `json:"occurredAt"`
	Payload      json.RawMessage `json:"payload"`
}

// Payload is implemented by every event body.
type Payload interface {
	Kind() Kind
	Checklist() string
}

type ItemCompletionChanged struct {
	ChecklistID         string     `json:"checklistId"`
	ItemID              string     `json:"itemId"`
	IsCompleted         bool       `json:"isCompleted"`
	CompletedBy         string     `json:"completedBy,omitempty"`
	CompletedByPosition string     `json:"completedByPosition,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
}

type ItemStatusChanged struct {
	ChecklistID       string    `json:"checklistId"`
	ItemID            string    `json:"itemId"`
	NewStatus         string    `json:"newStatus"`
	IsCompleted       bool      `json:"isCompleted"`
	ChangedBy         string    `json:"changedBy"`
	ChangedByPosition string    `json:"changedByPosition,omitempty"`
	ChangedAt         time.Time `json:"changedAt"`
}

type ItemNotesChanged struct {
	ChecklistID       string    `json:"checklistId"`
	ItemID            string    `json:"itemId"`
	Notes             *string   `json:"notes"`
	ChangedBy         string    `json:"changedBy"`
	ChangedByPosition string    `json:"changedByPosition,omitempty"`
	ChangedAt         time.Time `json:"changedAt"`
}

type ChecklistUpdated struct {
	ChecklistID            string          `json:"checklistId"`
	ProgressPercentage     decimal.Decimal `json:"progressPercentage"`
	TotalItems             int             `json:"totalItems"`
	CompletedItems         int             `json:"completedItems"`
	RequiredItems          int             `json:"requiredItems"`
	RequiredItemsCompleted int             `json:"requiredItemsCompleted"`
}

type ChecklistCreated struct {
	ChecklistID   string    `json:"checklistId"`
	ChecklistName string    `json:"checklistName"`
	EventID       string    `json:"eventId"`
	EventName     string    `json:"eventName"`
	Positions     []string  `json:"positions"`
	CreatedBy     string    `json:"createdBy"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (ItemCompletionChanged) Kind() Kind { return KindItemCompletionChanged }
func (ItemStatusChanged) Kind() Kind     { return KindItemStatusChanged }
func (ItemNotesChanged) Kind() Kind      { return KindItemNotesChanged }
func (ChecklistUpdated) Kind() Kind      { return KindChecklistUpdated }
func (ChecklistCreated) Kind() Kind      { return KindChecklistCreated }

func (p ItemCompletionChanged) Checklist() string { return p.ChecklistID }
func (p ItemStatusChanged) Checklist() string     { return p.ChecklistID }
func (p ItemNotesChanged) Checklist() string      { return p.ChecklistID }
func (p ChecklistUpdated) Checklist() string      { return p.ChecklistID }
func (p ChecklistCreated) Checklist() string      { return p.ChecklistID }

// Origin identifies who caused an event: the caller's user id plus the client
// instance the request came from.
type Origin struct {
	Identity string
	Client   string
}

// New wraps payload in an envelope stamped with origin and at.
func New(payload Payload, origin Origin, at time.Time) (Event, error) {
	if payload == nil {
		return Event{}, errors.New("event payload is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", payload.Kind(), err)
	}
	return Event{
		Kind:         payload.Kind(),
		ChecklistID:  payload.Checklist(),
		Originator:   strings.TrimSpace(origin.Identity),
		OriginClient: strings.TrimSpace(origin.Client),
		OccurredAt:   at.UTC(),
		Payload:      raw,
	}, nil
}

// Decode returns the typed payload carried by e.
func (e Event) Decode() (Payload, error) {
	var (
		payload Payload
		err     error
	)
	switch e.Kind {
	case KindItemCompletionChanged:
		var p ItemCompletionChanged
		err = json.Unmarshal(e.Payload, &p)
		payload = p
	case KindItemStatusChanged:
		var p ItemStatusChanged
		err = json.Unmarshal(e.Payload, &p)
		payload = p
	case KindItemNotesChanged:
		var p ItemNotesChanged
		err = json.Unmarshal(e.Payload, &p)
		payload = p
	case KindChecklistUpdated:
		var p ChecklistUpdated
		err = json.Unmarshal(e.Payload, &p)
		payload = p
	case KindChecklistCreated:
		var p ChecklistCreated
		err = json.Unmarshal(e.Payload, &p)
		payload = p
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return payload, nil
}

// HasOriginator reports whether anyone is recorded as causing e.
func (e Event) HasOriginator() bool {
	return strings.TrimSpace(e.Originator) != "" || strings.TrimSpace(e.OriginClient) != ""
}

// EventGroup is the hub group that receives ChecklistCreated announcements for
// one event.
func EventGroup(eventID string) string {
	return eventGroupPrefix + strings.TrimSpace(eventID)
}

const eventGroupPrefix = "event:"

// ParseEventGroup returns the event id named by an EventGroup. ok is false
// for any other group, which names a single checklist.
func ParseEventGroup(group string) (eventID string, ok bool) {
	eventID, ok = strings.CutPrefix(strings.TrimSpace(group), eventGroupPrefix)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(eventID), true
}
