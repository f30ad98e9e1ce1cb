package app

import (
	"encoding/json"
	"time"

	"checklist/api/internal/store"
)

type aggregatesPayload struct {
	TotalItems             int    `json:"totalItems"`
	CompletedItems         int    `json:"completedItems"`
	RequiredItems          int    `json:"requiredItems"`
	RequiredItemsCompleted int    `json:"requiredItemsCompleted"`
	ProgressPercentage     string `json:"progressPercentage"`
}

type checklistPayload struct {
	ID         string   `json:"id"`
	EventID    string   `json:"eventId"`
	Name       string   `json:"name"`
	EventName  string   `json:"eventName"`
	Positions  []string `json:"positions"`
	IsArchived bool     `json:"isArchived"`
	CreatedBy  string   `json:"createdBy"`
	CreatedAt  string   `json:"createdAt"`
	UpdatedAt  string   `json:"updatedAt"`
	aggregatesPayload
}

type itemPayload struct {
	ID                  string          `json:"id"`
	ChecklistID         string          `json:"checklistId"`
	Title               string          `json:"title"`
	SortOrder           int             `json:"sortOrder"`
	ItemType            string          `json:"itemType"`
	IsRequired          bool            `json:"isRequired"`
	IsCompleted         *bool           `json:"isCompleted"`
	CompletedBy         *string         `json:"completedBy"`
	CompletedByPosition *string         `json:"completedByPosition"`
	CompletedAt         *string         `json:"completedAt"`
	CurrentStatus       *string         `json:"currentStatus"`
	StatusConfiguration json.RawMessage `json:"statusConfiguration"`
	Notes               *string         `json:"notes"`
	AllowedPositions    []string        `json:"allowedPositions"`
	LastModifiedBy      *string         `json:"lastModifiedBy"`
	LastModifiedAt      *string         `json:"lastModifiedAt"`
}

func toAggregatesPayload(a store.Aggregates) aggregatesPayload {
	return aggregatesPayload{
		TotalItems:             a.TotalItems,
		CompletedItems:         a.CompletedItems,
		RequiredItems:          a.RequiredItems,
		RequiredItemsCompleted: a.RequiredItemsCompleted,
		ProgressPercentage:     a.ProgressPercentage.StringFixed(2),
	}
}

func toChecklistPayload(c store.Checklist) checklistPayload {
	positions := c.Positions
	if positions == nil {
		positions = []string{}
	}
	return checklistPayload{
		ID:                c.ID,
		EventID:           c.EventID,
		Name:              c.Name,
		EventName:         c.EventName,
		Positions:         positions,
		IsArchived:        c.IsArchived,
		CreatedBy:         c.CreatedBy,
		CreatedAt:         formatTime(c.CreatedAt),
		UpdatedAt:         formatTime(c.UpdatedAt),
		aggregatesPayload: toAggregatesPayload(c.Aggregates),
	}
}

func toItemPayload(i store.Item) itemPayload {
	allowed := i.AllowedPositions
	if allowed == nil {
		allowed = []string{}
	}
	config := i.StatusConfiguration
	if len(config) == 0 {
		config = json.RawMessage("null")
	}
	return itemPayload{
		ID:                  i.ID,
		ChecklistID:         i.ChecklistID,
		Title:               i.Title,
		SortOrder:           i.SortOrder,
		ItemType:            i.ItemType,
		IsRequired:          i.IsRequired,
		IsCompleted:         i.IsCompleted,
		CompletedBy:         i.CompletedBy,
		CompletedByPosition: i.CompletedByPosition,
		CompletedAt:         formatTimePtr(i.CompletedAt),
		CurrentStatus:       i.CurrentStatus,
		StatusConfiguration: config,
		Notes:               i.Notes,
		AllowedPositions:    allowed,
		LastModifiedBy:      i.LastModifiedBy,
		LastModifiedAt:      formatTimePtr(i.LastModifiedAt),
	}
}

func checklistDetailPayload(view ChecklistView) map[string]any {
	items := make([]itemPayload, 0, len(view.Items))
	for _, item := range view.Items {
		items = append(items, toItemPayload(item))
	}
	return map[string]any{
		"checklist": toChecklistPayload(view.Checklist),
		"items":     items,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}
