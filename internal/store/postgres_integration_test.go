package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

const doneConfig = `[{"label":"Open","isCompletionFlag":false,"order":1},{"label":"Done","isCompletionFlag":true,"order":2}]`

// openIntegrationStore returns a migrated store seeded with checklist cl_it
// holding two checkboxes and one status item.
func openIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(getenv("TEST_DATABASE_URL", ""))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM checklist_instances WHERE id='cl_it'`); err != nil {
		t.Fatalf("clear checklist: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO checklist_instances (id, event_id, name, event_name, positions)
		VALUES ('cl_it', 'ev_it', 'Load-in', 'Spring Show', '["Stage Manager"]'::jsonb)
	`); err != nil {
		t.Fatalf("insert checklist: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO checklist_items (id, checklist_id, title, sort_order, item_type, is_required, status_configuration)
		VALUES
			('it_a', 'cl_it', 'Unlock doors', 1, 'checkbox', TRUE, NULL),
			('it_b', 'cl_it', 'Sweep stage', 2, 'checkbox', FALSE, NULL),
			('it_c', 'cl_it', 'Sound check', 3, 'status', TRUE, $1::jsonb)
	`, doneConfig); err != nil {
		t.Fatalf("insert items: %v", err)
	}
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), `DELETE FROM checklist_instances WHERE id='cl_it'`)
	})
	return NewPostgresStore(db)
}

func TestUpdateItemPersistsItemAndAggregates(t *testing.T) {
	store := openIntegrationStore(t)
	ctx := context.Background()

	update, err := store.UpdateItem(ctx, "cl_it", "it_a", func(item *Item) (bool, error) {
		done := true
		item.IsCompleted = &done
		return true, nil
	})
	if err != nil {
		t.Fatalf("UpdateItem() error = %v", err)
	}
	if update == nil || !update.Reaggregated {
		t.Fatalf("expected re-aggregated update, got %+v", update)
	}
	if update.Checklist.Aggregates.CompletedItems != 1 || update.Checklist.Aggregates.TotalItems != 3 {
		t.Fatalf("unexpected aggregates: %+v", update.Checklist.Aggregates)
	}
	if !update.Checklist.Aggregates.ProgressPercentage.Equal(decimal.RequireFromString("33.33")) {
		t.Fatalf("percentage = %s, want 33.33", update.Checklist.Aggregates.ProgressPercentage)
	}

	checklist, err := store.GetChecklist(ctx, "cl_it")
	if err != nil || checklist == nil {
		t.Fatalf("GetChecklist() = %v, %v", checklist, err)
	}
	if checklist.Aggregates.RequiredItemsCompleted != 1 {
		t.Fatalf("required completed = %d, want 1", checklist.Aggregates.RequiredItemsCompleted)
	}
}

func TestUpdateItemRollsBackWhenAggregateWriteFails(t *testing.T) {
	store := openIntegrationStore(t)
	ctx := context.Background()

	store.summarize = func(items []Item) Aggregates {
		a := Summarize(items)
		a.ProgressPercentage = decimal.NewFromInt(150)
		return a
	}

	_, err := store.UpdateItem(ctx, "cl_it", "it_b", func(item *Item) (bool, error) {
		done := true
		item.IsCompleted = &done
		return true, nil
	})
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.ConstraintName != "checklist_progress_range" {
		t.Fatalf("expected progress range violation, got %v", err)
	}

	items, err := store.ListItems(ctx, "cl_it")
	if err != nil {
		t.Fatalf("ListItems() error = %v", err)
	}
	for _, item := range items {
		if item.ID == "it_b" && item.IsCompleted != nil {
			t.Fatalf("expected item change to roll back, got is_completed=%v", *item.IsCompleted)
		}
	}
}

func TestUpdateItemMutatorErrorRollsBack(t *testing.T) {
	store := openIntegrationStore(t)
	ctx := context.Background()
	rejected := errors.New("rejected")

	_, err := store.UpdateItem(ctx, "cl_it", "it_c", func(item *Item) (bool, error) {
		status := "Done"
		item.CurrentStatus = &status
		return true, rejected
	})
	if !errors.Is(err, rejected) {
		t.Fatalf("UpdateItem() error = %v, want rejected", err)
	}
	items, err := store.ListItems(ctx, "cl_it")
	if err != nil {
		t.Fatalf("ListItems() error = %v", err)
	}
	if items[2].CurrentStatus != nil {
		t.Fatalf("expected status to stay unset, got %q", *items[2].CurrentStatus)
	}
}

func TestUpdateItemMissingReturnsNil(t *testing.T) {
	store := openIntegrationStore(t)
	update, err := store.UpdateItem(context.Background(), "cl_it", "it_missing", func(*Item) (bool, error) {
		t.Fatal("mutator must not run for a missing item")
		return false, nil
	})
	if err != nil || update != nil {
		t.Fatalf("UpdateItem() = %+v, %v; want nil, nil", update, err)
	}
}

func TestRecalculateChecklistRepairsDrift(t *testing.T) {
	store := openIntegrationStore(t)
	ctx := context.Background()

	if _, err := store.DB().ExecContext(ctx, `UPDATE checklist_items SET current_status='done' WHERE id='it_c'`); err != nil {
		t.Fatalf("drift item: %v", err)
	}
	result, err := store.RecalculateChecklist(ctx, "cl_it")
	if err != nil {
		t.Fatalf("RecalculateChecklist() error = %v", err)
	}
	if !result.Changed() {
		t.Fatal("expected aggregates to change")
	}
	if result.Checklist.Aggregates.CompletedItems != 1 {
		t.Fatalf("completed = %d, want 1", result.Checklist.Aggregates.CompletedItems)
	}

	again, err := store.RecalculateChecklist(ctx, "cl_it")
	if err != nil {
		t.Fatalf("second RecalculateChecklist() error = %v", err)
	}
	if again.Changed() {
		t.Fatal("expected second recalculation to be a no-op")
	}
}

func TestListChecklistsForPositions(t *testing.T) {
	store := openIntegrationStore(t)
	ctx := context.Background()

	visible, err := store.ListChecklistsForPositions(ctx, []string{"stage manager"}, 50)
	if err != nil {
		t.Fatalf("ListChecklistsForPositions() error = %v", err)
	}
	if !containsChecklist(visible, "cl_it") {
		t.Fatal("expected cl_it to be visible to a stage manager")
	}

	hidden, err := store.ListChecklistsForPositions(ctx, []string{"Audio"}, 50)
	if err != nil {
		t.Fatalf("ListChecklistsForPositions() error = %v", err)
	}
	if containsChecklist(hidden, "cl_it") {
		t.Fatal("expected cl_it to be hidden from audio")
	}
}

func TestListChecklistsForEvent(t *testing.T) {
	store := openIntegrationStore(t)
	ctx := context.Background()

	checklists, err := store.ListChecklistsForEvent(ctx, "ev_it")
	if err != nil {
		t.Fatalf("ListChecklistsForEvent() error = %v", err)
	}
	if !containsChecklist(checklists, "cl_it") {
		t.Fatal("expected cl_it under ev_it")
	}

	other, err := store.ListChecklistsForEvent(ctx, "ev_other")
	if err != nil {
		t.Fatalf("ListChecklistsForEvent() error = %v", err)
	}
	if containsChecklist(other, "cl_it") {
		t.Fatal("expected cl_it to be absent from ev_other")
	}
}

func containsChecklist(checklists []Checklist, id string) bool {
	for _, checklist := range checklists {
		if checklist.ID == id {
			return true
		}
	}
	return false
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
