package search

import "context"

// Result is a single checklist hit returned to the caller.
type Result struct {
	ChecklistID        string `json:"checklistId"`
	Name               string `json:"name"`
	EventID            string `json:"eventId"`
	EventName          string `json:"eventName"`
	ProgressPercentage string `json:"progressPercentage"`
	Snippet            string `json:"snippet"`
}

// Query describes a search request. Positions scope results the same way
// checklist listing does; an empty set only sees unscoped checklists.
type Query struct {
	Text      string
	Positions []string
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a checklist search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// ChecklistRecord is the data we index for a checklist.
type ChecklistRecord struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	EventID            string   `json:"eventId"`
	EventName          string   `json:"eventName"`
	Positions          []string `json:"positions"`
	PositionKeys       []string `json:"positionKeys"`
	Unscoped           bool     `json:"unscoped"`
	ProgressPercentage string   `json:"progressPercentage"`
	Progress           float64  `json:"progress"`
	CompletedItems     int      `json:"completedItems"`
	TotalItems         int      `json:"totalItems"`
	IsArchived         bool     `json:"isArchived"`
	UpdatedAt          int64    `json:"updatedAt"`
}
