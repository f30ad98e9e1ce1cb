package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	meili "github.com/meilisearch/meilisearch-go"
)

const idxChecklists = "checklist_progress"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	logger  *log.Logger
}

// NewMeili creates a Meilisearch client and configures the index.
// An unreachable server leaves the client unhealthy until the health loop
// sees it recover.
func NewMeili(url, apiKey string, logger *log.Logger) *Meili {
	if logger == nil {
		logger = log.Default()
	}
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
		logger: logger,
	}

	if _, err := client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", "url", url, "err", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxChecklists,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", "index", idxChecklists, "err", err)
	}

	index := m.client.Index(idxChecklists)
	filterable := []interface{}{"positionKeys", "unscoped", "isArchived", "eventId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attrs", "index", idxChecklists, "err", err)
	}
	searchable := []string{"name", "eventName"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attrs", "index", idxChecklists, "err", err)
	}
	sortable := []string{"progress", "updatedAt"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		m.logger.Warn("update sortable attrs", "index", idxChecklists, "err", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              idxChecklists,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			Filter:                visibilityFilter(q.Positions),
			AttributesToHighlight: []string{"name", "eventName"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

// visibilityFilter limits hits to active checklists that are unscoped or
// share a position with the caller.
func visibilityFilter(positions []string) string {
	clauses := []string{"unscoped = true"}
	if keys := positionKeys(positions); len(keys) > 0 {
		quoted := make([]string, 0, len(keys))
		for _, key := range keys {
			quoted = append(quoted, fmt.Sprintf("%q", key))
		}
		clauses = append(clauses, "positionKeys IN ["+strings.Join(quoted, ", ")+"]")
	}
	return "isArchived = false AND (" + strings.Join(clauses, " OR ") + ")"
}

func hitToResult(hit meili.Hit) Result {
	name := decodeString(hit, "name")
	eventName := decodeString(hit, "eventName")
	return Result{
		ChecklistID:        decodeString(hit, "id"),
		Name:               name,
		EventID:            decodeString(hit, "eventId"),
		EventName:          eventName,
		ProgressPercentage: decodeString(hit, "progressPercentage"),
		Snippet: firstNonBlank(
			decodeFormattedString(hit, "name"),
			decodeFormattedString(hit, "eventName"),
			name,
		),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexChecklist adds or updates a checklist in the search index.
func (m *Meili) IndexChecklist(rec ChecklistRecord) error {
	_, err := m.client.Index(idxChecklists).AddDocuments([]ChecklistRecord{rec}, nil)
	return err
}

// IndexChecklists bulk-indexes checklist records.
func (m *Meili) IndexChecklists(records []ChecklistRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxChecklists).AddDocuments(records, nil)
	return err
}
