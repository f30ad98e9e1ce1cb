package search

import (
	"strings"

	"checklist/api/internal/store"
)

// RecordFromChecklist builds the index record for checklist.
func RecordFromChecklist(checklist store.Checklist) ChecklistRecord {
	keys := positionKeys(checklist.Positions)
	return ChecklistRecord{
		ID:                 checklist.ID,
		Name:               checklist.Name,
		EventID:            checklist.EventID,
		EventName:          checklist.EventName,
		Positions:          checklist.Positions,
		PositionKeys:       keys,
		Unscoped:           len(keys) == 0,
		ProgressPercentage: checklist.Aggregates.ProgressPercentage.StringFixed(2),
		Progress:           checklist.Aggregates.ProgressPercentage.InexactFloat64(),
		CompletedItems:     checklist.Aggregates.CompletedItems,
		TotalItems:         checklist.Aggregates.TotalItems,
		IsArchived:         checklist.IsArchived,
		UpdatedAt:          checklist.UpdatedAt.Unix(),
	}
}

func positionKeys(positions []string) []string {
	keys := make([]string, 0, len(positions))
	for _, position := range positions {
		if key := strings.ToLower(strings.TrimSpace(position)); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}
