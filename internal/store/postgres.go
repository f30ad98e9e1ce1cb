package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ItemMutator edits item in place inside the mutation transaction. Returning
// reaggregate=false skips the aggregate write; a non-nil error rolls back.
type ItemMutator func(item *Item) (reaggregate bool, err error)

type PostgresStore struct {
	db        *sql.DB
	summarize func([]Item) Aggregates
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, summarize: Summarize}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const checklistColumns = `
	id, event_id, name, event_name, positions,
	total_items, completed_items, required_items, required_items_completed, progress_percentage,
	is_archived, created_by, created_at, updated_at
`

const itemColumns = `
	id, checklist_id, title, sort_order, item_type, is_required,
	is_completed, completed_by, completed_by_position, completed_at,
	current_status, status_configuration, notes, allowed_positions,
	last_modified_by, last_modified_at
`

func scanChecklist(row rowScanner) (Checklist, error) {
	var (
		checklist    Checklist
		positionsRaw []byte
	)
	err := row.Scan(
		&checklist.ID,
		&checklist.EventID,
		&checklist.Name,
		&checklist.EventName,
		&positionsRaw,
		&checklist.Aggregates.TotalItems,
		&checklist.Aggregates.CompletedItems,
		&checklist.Aggregates.RequiredItems,
		&checklist.Aggregates.RequiredItemsCompleted,
		&checklist.Aggregates.ProgressPercentage,
		&checklist.IsArchived,
		&checklist.CreatedBy,
		&checklist.CreatedAt,
		&checklist.UpdatedAt,
	)
	if err != nil {
		return Checklist{}, err
	}
	_ = json.Unmarshal(positionsRaw, &checklist.Positions)
	return checklist, nil
}

func scanItem(row rowScanner) (Item, error) {
	var (
		item         Item
		configRaw    []byte
		positionsRaw []byte
	)
	err := row.Scan(
		&item.ID,
		&item.ChecklistID,
		&item.Title,
		&item.SortOrder,
		&item.ItemType,
		&item.IsRequired,
		&item.IsCompleted,
		&item.CompletedBy,
		&item.CompletedByPosition,
		&item.CompletedAt,
		&item.CurrentStatus,
		&configRaw,
		&item.Notes,
		&positionsRaw,
		&item.LastModifiedBy,
		&item.LastModifiedAt,
	)
	if err != nil {
		return Item{}, err
	}
	if len(configRaw) > 0 {
		item.StatusConfiguration = json.RawMessage(configRaw)
	}
	_ = json.Unmarshal(positionsRaw, &item.AllowedPositions)
	return item, nil
}

// GetChecklist returns nil with a nil error when the checklist does not exist.
func (s *PostgresStore) GetChecklist(ctx context.Context, checklistID string) (*Checklist, error) {
	checklist, err := scanChecklist(s.db.QueryRowContext(ctx, `SELECT `+checklistColumns+` FROM checklist_instances WHERE id=$1`, checklistID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checklist: %w", err)
	}
	return &checklist, nil
}

func (s *PostgresStore) ListItems(ctx context.Context, checklistID string) ([]Item, error) {
	return listItems(ctx, s.db, checklistID, false)
}

func listItems(ctx context.Context, q queryer, checklistID string, lock bool) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM checklist_items WHERE checklist_id=$1 ORDER BY sort_order, id`
	if lock {
		query += ` FOR SHARE`
	}
	rows, err := q.QueryContext(ctx, query, checklistID)
	if err != nil {
		return nil, fmt.Errorf("list checklist items: %w", err)
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checklist item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checklist items: %w", err)
	}
	return items, nil
}

// ListChecklistsForPositions returns active checklists visible to a caller
// holding positions. Checklists with no positions are visible to everyone.
func (s *PostgresStore) ListChecklistsForPositions(ctx context.Context, positions []string, limit int) ([]Checklist, error) {
	if limit <= 0 {
		limit = 100
	}
	encoded, err := encodePositions(positions)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+checklistColumns+`
		FROM checklist_instances
		WHERE is_archived = FALSE
			AND (
				jsonb_array_length(positions) = 0
				OR EXISTS (
					SELECT 1
					FROM jsonb_array_elements_text(positions) cp
					JOIN jsonb_array_elements_text($1::jsonb) mine ON LOWER(cp) = LOWER(mine)
				)
			)
		ORDER BY updated_at DESC, id
		LIMIT $2
	`, encoded, limit)
	if err != nil {
		return nil, fmt.Errorf("list checklists: %w", err)
	}
	return collectChecklists(rows)
}

// ListChecklistsForEvent returns the active checklists of one event.
func (s *PostgresStore) ListChecklistsForEvent(ctx context.Context, eventID string) ([]Checklist, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+checklistColumns+`
		FROM checklist_instances
		WHERE event_id = $1 AND is_archived = FALSE
		ORDER BY id
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list event checklists: %w", err)
	}
	return collectChecklists(rows)
}

func collectChecklists(rows *sql.Rows) ([]Checklist, error) {
	defer rows.Close()

	checklists := make([]Checklist, 0)
	for rows.Next() {
		checklist, err := scanChecklist(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checklist: %w", err)
		}
		checklists = append(checklists, checklist)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checklists: %w", err)
	}
	return checklists, nil
}

func (s *PostgresStore) ListActiveChecklistIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM checklist_instances WHERE is_archived = FALSE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active checklists: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan checklist id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checklist ids: %w", err)
	}
	return ids, nil
}

// UpdateItem applies mutate to one item and, when asked, re-aggregates the
// checklist, all in one transaction. The checklist row is locked first so
// aggregate writes for a checklist are serialized. Returns nil with a nil
// error when the checklist or item does not exist.
func (s *PostgresStore) UpdateItem(ctx context.Context, checklistID, itemID string, mutate ItemMutator) (*ItemUpdate, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin item update tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	checklist, err := scanChecklist(tx.QueryRowContext(ctx, `SELECT `+checklistColumns+` FROM checklist_instances WHERE id=$1 FOR UPDATE`, checklistID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock checklist: %w", err)
	}

	item, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM checklist_items WHERE id=$1 AND checklist_id=$2 FOR UPDATE`, itemID, checklistID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock checklist item: %w", err)
	}

	reaggregate, err := mutate(&item)
	if err != nil {
		return nil, err
	}

	if err := writeItem(ctx, tx, item); err != nil {
		return nil, err
	}

	update := &ItemUpdate{Checklist: checklist, Item: item, Previous: checklist.Aggregates}
	if reaggregate {
		items, err := listItems(ctx, tx, checklistID, false)
		if err != nil {
			return nil, err
		}
		updated, err := writeAggregates(ctx, tx, checklistID, s.summarize(items))
		if err != nil {
			return nil, err
		}
		update.Checklist = updated
		update.Reaggregated = true
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit item update: %w", err)
	}
	return update, nil
}

// RecalculateChecklist re-aggregates a checklist from a consistent item
// snapshot. Returns nil with a nil error when the checklist does not exist.
func (s *PostgresStore) RecalculateChecklist(ctx context.Context, checklistID string) (*Recalculation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin recalculate tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	checklist, err := scanChecklist(tx.QueryRowContext(ctx, `SELECT `+checklistColumns+` FROM checklist_instances WHERE id=$1 FOR UPDATE`, checklistID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock checklist: %w", err)
	}

	items, err := listItems(ctx, tx, checklistID, true)
	if err != nil {
		return nil, err
	}
	aggregates := s.summarize(items)

	result := &Recalculation{Checklist: checklist, Previous: checklist.Aggregates}
	if aggregates.Equal(checklist.Aggregates) {
		return result, nil
	}

	updated, err := writeAggregates(ctx, tx, checklistID, aggregates)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit recalculate: %w", err)
	}
	result.Checklist = updated
	return result, nil
}

func writeItem(ctx context.Context, tx *sql.Tx, item Item) error {
	var config any
	if len(item.StatusConfiguration) > 0 {
		config = string(item.StatusConfiguration)
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE checklist_items
		SET is_completed=$3,
			completed_by=$4,
			completed_by_position=$5,
			completed_at=$6,
			current_status=$7,
			status_configuration=$8::jsonb,
			notes=$9,
			last_modified_by=$10,
			last_modified_at=$11
		WHERE id=$1 AND checklist_id=$2
	`,
		item.ID,
		item.ChecklistID,
		item.IsCompleted,
		item.CompletedBy,
		item.CompletedByPosition,
		item.CompletedAt,
		item.CurrentStatus,
		config,
		item.Notes,
		item.LastModifiedBy,
		item.LastModifiedAt,
	)
	if err != nil {
		return fmt.Errorf("update checklist item: %w", err)
	}
	return nil
}

func writeAggregates(ctx context.Context, tx *sql.Tx, checklistID string, aggregates Aggregates) (Checklist, error) {
	checklist, err := scanChecklist(tx.QueryRowContext(ctx, `
		UPDATE checklist_instances
		SET total_items=$2,
			completed_items=$3,
			required_items=$4,
			required_items_completed=$5,
			progress_percentage=$6,
			updated_at=$7
		WHERE id=$1
		RETURNING `+checklistColumns,
		checklistID,
		aggregates.TotalItems,
		aggregates.CompletedItems,
		aggregates.RequiredItems,
		aggregates.RequiredItemsCompleted,
		aggregates.ProgressPercentage.StringFixed(2),
		time.Now().UTC(),
	))
	if err != nil {
		return Checklist{}, fmt.Errorf("update checklist aggregates: %w", err)
	}
	return checklist, nil
}

func encodePositions(positions []string) (string, error) {
	cleaned := make([]string, 0, len(positions))
	for _, position := range positions {
		if trimmed := strings.TrimSpace(position); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	encoded, err := json.Marshal(cleaned)
	if err != nil {
		return "", fmt.Errorf("marshal positions: %w", err)
	}
	return string(encoded), nil
}
