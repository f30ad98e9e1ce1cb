package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"checklist/api/internal/progress"
)

const (
	ItemTypeCheckbox = "checkbox"
	ItemTypeStatus   = "status"
)

// Aggregates are the progress columns on a checklist. Only the mutation
// service writes them, always from progress.Summarize.
type Aggregates struct {
	TotalItems             int
	CompletedItems         int
	RequiredItems          int
	RequiredItemsCompleted int
	ProgressPercentage     decimal.Decimal
}

func AggregatesFromSummary(summary progress.Summary) Aggregates {
	return Aggregates{
		TotalItems:             summary.Total,
		CompletedItems:         summary.Completed,
		RequiredItems:          summary.Required,
		RequiredItemsCompleted: summary.RequiredCompleted,
		ProgressPercentage:     summary.Percentage,
	}
}

func (a Aggregates) Equal(other Aggregates) bool {
	return a.TotalItems == other.TotalItems &&
		a.CompletedItems == other.CompletedItems &&
		a.RequiredItems == other.RequiredItems &&
		a.RequiredItemsCompleted == other.RequiredItemsCompleted &&
		a.ProgressPercentage.Equal(other.ProgressPercentage)
}

type Checklist struct {
	ID         string
	EventID    string
	Name       string
	EventName  string
	Positions  []string
	Aggregates Aggregates
	IsArchived bool
	CreatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Item struct {
	ID                  string
	ChecklistID         string
	Title               string
	SortOrder           int
	ItemType            string
	IsRequired          bool
	IsCompleted         *bool
	CompletedBy         *string
	CompletedByPosition *string
	CompletedAt         *time.Time
	CurrentStatus       *string
	StatusConfiguration json.RawMessage
	Notes               *string
	AllowedPositions    []string
	LastModifiedBy      *string
	LastModifiedAt      *time.Time
}

// Progress converts the row into the aggregator's item variant. Unknown item
// types count as incomplete checkboxes.
func (i Item) Progress() progress.Item {
	switch i.ItemType {
	case ItemTypeStatus:
		current := ""
		if i.CurrentStatus != nil {
			current = *i.CurrentStatus
		}
		return progress.NewStatus(i.IsRequired, current, i.StatusConfiguration)
	case ItemTypeCheckbox:
		return progress.Checkbox{IsRequired: i.IsRequired, IsCompleted: i.IsCompleted}
	default:
		return progress.Checkbox{IsRequired: i.IsRequired}
	}
}

// Summarize runs the aggregator over stored items.
func Summarize(items []Item) Aggregates {
	converted := make([]progress.Item, 0, len(items))
	for _, item := range items {
		converted = append(converted, item.Progress())
	}
	return AggregatesFromSummary(progress.Summarize(converted))
}

// ItemUpdate is the committed result of a single-item mutation.
type ItemUpdate struct {
	Checklist    Checklist
	Item         Item
	Previous     Aggregates
	Reaggregated bool
}

// Recalculation is the committed result of re-aggregating one checklist.
type Recalculation struct {
	Checklist Checklist
	Previous  Aggregates
}

func (r Recalculation) Changed() bool {
	return !r.Previous.Equal(r.Checklist.Aggregates)
}
