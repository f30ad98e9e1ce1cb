// Package progress turns checklist item states into checklist-level
// completion metrics. Everything here is pure: the same items always
// produce the same Summary.
package progress

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// StatusOption is one entry of a status item's configuration.
type StatusOption struct {
	Label            string `json:"label"`
	IsCompletionFlag bool   `json:"isCompletionFlag"`
	Order            int    `json:"order"`
}

// ParseStatusConfiguration decodes a stored configuration and returns the
// options sorted by Order. Empty input yields no options and no error.
func ParseStatusConfiguration(raw []byte) ([]StatusOption, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var options []StatusOption
	if err := json.Unmarshal([]byte(trimmed), &options); err != nil {
		return nil, fmt.Errorf("decode status configuration: %w", err)
	}
	sort.SliceStable(options, func(i, j int) bool {
		return options[i].Order < options[j].Order
	})
	return options, nil
}

// FindOption looks up label in options ignoring case and surrounding space.
func FindOption(options []StatusOption, label string) (StatusOption, bool) {
	label = strings.TrimSpace(label)
	if label == "" {
		return StatusOption{}, false
	}
	for _, option := range options {
		if strings.EqualFold(strings.TrimSpace(option.Label), label) {
			return option, true
		}
	}
	return StatusOption{}, false
}

// Item is implemented only by Checkbox and Status.
type Item interface {
	Required() bool
	sealed()
}

// Checkbox is a binary item. IsCompleted is tri-state: nil means never touched.
type Checkbox struct {
	IsRequired  bool
	IsCompleted *bool
}

func (c Checkbox) Required() bool { return c.IsRequired }
func (Checkbox) sealed()          {}

// Status is a multi-value item completed by reaching an option flagged as a
// completion state.
type Status struct {
	IsRequired bool
	Current    string
	Options    []StatusOption
}

func (s Status) Required() bool { return s.IsRequired }
func (Status) sealed()          {}

// NewStatus builds a Status from a stored configuration. A configuration that
// fails to decode leaves the item with no options, so it never counts as
// complete.
func NewStatus(required bool, current string, rawConfig []byte) Status {
	options, err := ParseStatusConfiguration(rawConfig)
	if err != nil {
		options = nil
	}
	return Status{IsRequired: required, Current: current, Options: options}
}

// IsComplete evaluates the completion predicate for one item.
func IsComplete(item Item) bool {
	switch it := item.(type) {
	case Checkbox:
		return it.IsCompleted != nil && *it.IsCompleted
	case *Checkbox:
		return it != nil && it.IsCompleted != nil && *it.IsCompleted
	case Status:
		return statusComplete(it)
	case *Status:
		return it != nil && statusComplete(*it)
	default:
		return false
	}
}

func statusComplete(s Status) bool {
	option, ok := FindOption(s.Options, s.Current)
	return ok && option.IsCompletionFlag
}

// Summary holds the aggregates stored on a checklist.
type Summary struct {
	Total             int
	Completed         int
	Required          int
	RequiredCompleted int
	Percentage        decimal.Decimal
}

// Equal reports whether two summaries carry the same aggregates.
func (s Summary) Equal(other Summary) bool {
	return s.Total == other.Total &&
		s.Completed == other.Completed &&
		s.Required == other.Required &&
		s.RequiredCompleted == other.RequiredCompleted &&
		s.Percentage.Equal(other.Percentage)
}

// Summarize aggregates items. Percentage is completed/total*100 rounded half
// up to two places, or zero for an empty checklist.
func Summarize(items []Item) Summary {
	var summary Summary
	for _, item := range items {
		if item == nil {
			continue
		}
		summary.Total++
		complete := IsComplete(item)
		if complete {
			summary.Completed++
		}
		if item.Required() {
			summary.Required++
			if complete {
				summary.RequiredCompleted++
			}
		}
	}
	summary.Percentage = Percentage(summary.Completed, summary.Total)
	return summary
}

// Percentage returns completed/total*100 rounded half up to two places.
func Percentage(completed, total int) decimal.Decimal {
	if total <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(completed)*100).DivRound(decimal.NewFromInt(int64(total)), 2)
}
