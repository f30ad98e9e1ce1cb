package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const searchVector = `to_tsvector('simple', c.name || ' ' || c.event_name)`

// Search matches active checklists by name or event name, ranked with
// ts_rank and falling back to a prefix match for partial words.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	encoded, err := json.Marshal(positionKeys(q.Positions))
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts positions: %w", err)
	}

	where := fmt.Sprintf(`
		c.is_archived = FALSE
		AND (%s @@ plainto_tsquery('simple', $1) OR c.name ILIKE $2 OR c.event_name ILIKE $2)
		AND (
			jsonb_array_length(c.positions) = 0
			OR EXISTS (
				SELECT 1
				FROM jsonb_array_elements_text(c.positions) cp
				JOIN jsonb_array_elements_text($3::jsonb) mine ON LOWER(cp) = mine
			)
		)`, searchVector)
	args := []any{text, "%" + escapeLike(text) + "%", string(encoded)}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM checklist_instances c WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT c.id, c.name, c.event_id, c.event_name, c.progress_percentage,
			ts_headline('simple', c.name || ' ' || c.event_name, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=20') AS snippet
		FROM checklist_instances c
		WHERE %s
		ORDER BY ts_rank(%s, plainto_tsquery('simple', $1)) DESC, c.updated_at DESC
		LIMIT %d OFFSET %d`, where, searchVector, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r          Result
			percentage decimal.Decimal
		)
		if err := rows.Scan(&r.ChecklistID, &r.Name, &r.EventID, &r.EventName, &percentage, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.ProgressPercentage = percentage.StringFixed(2)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every checklist for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ChecklistRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, event_id, event_name, positions, progress_percentage,
			completed_items, total_items, is_archived, updated_at
		FROM checklist_instances
	`)
	if err != nil {
		return nil, fmt.Errorf("load checklists: %w", err)
	}
	defer rows.Close()

	records := make([]ChecklistRecord, 0)
	for rows.Next() {
		var (
			rec          ChecklistRecord
			positionsRaw []byte
			percentage   decimal.Decimal
			updatedAt    sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.EventID, &rec.EventName, &positionsRaw, &percentage,
			&rec.CompletedItems, &rec.TotalItems, &rec.IsArchived, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan checklist: %w", err)
		}
		_ = json.Unmarshal(positionsRaw, &rec.Positions)
		rec.PositionKeys = positionKeys(rec.Positions)
		rec.Unscoped = len(rec.PositionKeys) == 0
		rec.ProgressPercentage = percentage.StringFixed(2)
		rec.Progress = percentage.InexactFloat64()
		if updatedAt.Valid {
			rec.UpdatedAt = updatedAt.Time.Unix()
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checklists: %w", err)
	}
	return records, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
