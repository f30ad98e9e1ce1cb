package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"

	"checklist/api/internal/announce"
	"checklist/api/internal/config"
	"checklist/api/internal/event"
	"checklist/api/internal/logging"
	"checklist/api/internal/search"
	"checklist/api/internal/store"
	"checklist/api/internal/syncclient"
)

type fakeStore struct {
	mu         sync.Mutex
	checklists map[string]*store.Checklist
	items      map[string][]store.Item

	pingFn                 func(context.Context) error
	updateItemFn           func(context.Context, string, string, store.ItemMutator) (*store.ItemUpdate, error)
	recalculateChecklistFn func(context.Context, string) (*store.Recalculation, error)
	listActiveIDsFn        func(context.Context) ([]string, error)
	listForPositionsFn     func(context.Context, []string, int) ([]store.Checklist, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		checklists: map[string]*store.Checklist{},
		items:      map[string][]store.Item{},
	}
}

func (f *fakeStore) addChecklist(checklist store.Checklist, items ...store.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range items {
		items[i].ChecklistID = checklist.ID
	}
	checklist.Aggregates = store.Summarize(items)
	f.checklists[checklist.ID] = &checklist
	f.items[checklist.ID] = items
}

func (f *fakeStore) item(checklistID, itemID string) store.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.items[checklistID] {
		if item.ID == itemID {
			return item
		}
	}
	return store.Item{}
}

func (f *fakeStore) GetChecklist(_ context.Context, checklistID string) (*store.Checklist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	checklist, ok := f.checklists[checklistID]
	if !ok {
		return nil, nil
	}
	copied := *checklist
	return &copied, nil
}

func (f *fakeStore) ListItems(_ context.Context, checklistID string) ([]store.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Item(nil), f.items[checklistID]...), nil
}

func (f *fakeStore) ListChecklistsForPositions(ctx context.Context, positions []string, limit int) ([]store.Checklist, error) {
	if f.listForPositionsFn != nil {
		return f.listForPositionsFn(ctx, positions, limit)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Checklist, 0, len(f.checklists))
	for _, checklist := range f.checklists {
		out = append(out, *checklist)
	}
	return out, nil
}

func (f *fakeStore) ListChecklistsForEvent(_ context.Context, eventID string) ([]store.Checklist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Checklist, 0)
	for _, checklist := range f.checklists {
		if checklist.EventID == eventID && !checklist.IsArchived {
			out = append(out, *checklist)
		}
	}
	return out, nil
}

func (f *fakeStore) ListActiveChecklistIDs(ctx context.Context) ([]string, error) {
	if f.listActiveIDsFn != nil {
		return f.listActiveIDsFn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.checklists))
	for id := range f.checklists {
		ids = append(ids, id)
	}
	return ids, nil
}

// UpdateItem emulates the store transaction: the mutator works on a copy and
// nothing is written when it fails.
func (f *fakeStore) UpdateItem(ctx context.Context, checklistID, itemID string, mutate store.ItemMutator) (*store.ItemUpdate, error) {
	if f.updateItemFn != nil {
		return f.updateItemFn(ctx, checklistID, itemID, mutate)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	checklist, ok := f.checklists[checklistID]
	if !ok {
		return nil, nil
	}
	index := -1
	for i, item := range f.items[checklistID] {
		if item.ID == itemID {
			index = i
		}
	}
	if index < 0 {
		return nil, nil
	}

	working := f.items[checklistID][index]
	reaggregate, err := mutate(&working)
	if err != nil {
		return nil, err
	}
	f.items[checklistID][index] = working

	update := &store.ItemUpdate{Checklist: *checklist, Item: working, Previous: checklist.Aggregates}
	if reaggregate {
		checklist.Aggregates = store.Summarize(f.items[checklistID])
		update.Checklist = *checklist
		update.Reaggregated = true
	}
	return update, nil
}

func (f *fakeStore) RecalculateChecklist(ctx context.Context, checklistID string) (*store.Recalculation, error) {
	if f.recalculateChecklistFn != nil {
		return f.recalculateChecklistFn(ctx, checklistID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	checklist, ok := f.checklists[checklistID]
	if !ok {
		return nil, nil
	}
	result := &store.Recalculation{Checklist: *checklist, Previous: checklist.Aggregates}
	checklist.Aggregates = store.Summarize(f.items[checklistID])
	result.Checklist = *checklist
	return result, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type published struct {
	group string
	event event.Event
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, group string, ev event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{group: group, event: ev})
	return p.err
}

func (p *fakePublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

type fakeIndex struct {
	mu       sync.Mutex
	indexed  []search.ChecklistRecord
	searchFn func(context.Context, search.Query) search.Response
}

func (f *fakeIndex) Search(ctx context.Context, q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(ctx, q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeIndex) IndexChecklist(rec search.ChecklistRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, rec)
}

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestService(fs *fakeStore, pub *fakePublisher) *Service {
	svc := newService(config.Config{JWTSecret: "test-secret", SyncToken: "sync-secret", AccessTTL: time.Hour}, fs, pub, &fakeIndex{}, logging.Discard())
	svc.now = func() time.Time { return fixedNow }
	return svc
}

func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }

func statusConfig(t *testing.T) json.RawMessage {
	t.Helper()
	return json.RawMessage(`[{"label":"Open","isCompletionFlag":false,"order":1},{"label":"Done","isCompletionFlag":true,"order":2}]`)
}

func seedChecklist(t *testing.T) *fakeStore {
	t.Helper()
	fs := newFakeStore()
	fs.addChecklist(store.Checklist{ID: "cl-1", EventID: "ev-1", Name: "Load-in", EventName: "Spring Gala", Positions: []string{"Stage"}, CreatedBy: "Avery"},
		store.Item{ID: "it-box", ItemType: store.ItemTypeCheckbox, IsRequired: true, IsCompleted: boolPtr(false)},
		store.Item{ID: "it-status", ItemType: store.ItemTypeStatus, StatusConfiguration: statusConfig(t), CurrentStatus: strPtr("Open")},
		store.Item{ID: "it-locked", ItemType: store.ItemTypeCheckbox, AllowedPositions: []string{"Security"}},
		store.Item{ID: "it-extra", ItemType: store.ItemTypeCheckbox},
	)
	return fs
}

var stageLead = Caller{UserID: "usr_stage", Name: "Riley", Role: "member", Positions: []string{"Stage"}, ClientID: "tab-a"}

func decodePayload(t *testing.T, ev event.Event) event.Payload {
	t.Helper()
	payload, err := ev.Decode()
	if err != nil {
		t.Fatalf("decode %s: %v", ev.Kind, err)
	}
	return payload
}

func TestSetCompletionPublishesItemThenProgress(t *testing.T) {
	fs := seedChecklist(t)
	pub := &fakePublisher{}
	svc := newTestService(fs, pub)

	result, err := svc.SetCompletion(context.Background(), stageLead, "cl-1", "it-box", true, strPtr("  torn gaffer tape  "))
	if err != nil {
		t.Fatalf("SetCompletion: %v", err)
	}
	if result == nil {
		t.Fatal("expected a result")
	}
	if got := result.Checklist.Aggregates.ProgressPercentage; !got.Equal(decimal.RequireFromString("25")) {
		t.Fatalf("progress = %s, want 25", got)
	}

	stored := fs.item("cl-1", "it-box")
	if stored.IsCompleted == nil || !*stored.IsCompleted {
		t.Fatal("expected item to be completed")
	}
	if deref(stored.CompletedBy) != "Riley" || deref(stored.CompletedByPosition) != "Stage" {
		t.Fatalf("completer = %q/%q", deref(stored.CompletedBy), deref(stored.CompletedByPosition))
	}
	if stored.CompletedAt == nil || !stored.CompletedAt.Equal(fixedNow) {
		t.Fatalf("CompletedAt = %v", stored.CompletedAt)
	}
	if deref(stored.Notes) != "torn gaffer tape" {
		t.Fatalf("Notes = %q", deref(stored.Notes))
	}

	events := pub.all()
	if len(events) != 2 {
		t.Fatalf("published %d events, want 2", len(events))
	}
	first, second := events[0], events[1]
	if first.group != "cl-1" || first.event.Kind != event.KindItemCompletionChanged {
		t.Fatalf("first event = %s to %s", first.event.Kind, first.group)
	}
	if first.event.Originator != "usr_stage" || first.event.OriginClient != "tab-a" {
		t.Fatalf("originator = %q/%q", first.event.Originator, first.event.OriginClient)
	}
	payload := decodePayload(t, first.event).(event.ItemCompletionChanged)
	if !payload.IsCompleted || payload.ItemID != "it-box" || payload.CompletedBy != "Riley" {
		t.Fatalf("unexpected payload %+v", payload)
	}

	if second.event.Kind != event.KindChecklistUpdated || second.event.HasOriginator() {
		t.Fatalf("second event = %s originator=%q", second.event.Kind, second.event.Originator)
	}
	progressPayload := decodePayload(t, second.event).(event.ChecklistUpdated)
	if !progressPayload.ProgressPercentage.Equal(decimal.RequireFromString("25")) {
		t.Fatalf("broadcast progress = %s", progressPayload.ProgressPercentage)
	}
}

func TestSetCompletionClearsCompleterWhenUnchecked(t *testing.T) {
	fs := seedChecklist(t)
	svc := newTestService(fs, &fakePublisher{})
	ctx := context.Background()

	if _, err := svc.SetCompletion(ctx, stageLead, "cl-1", "it-box", true, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	result, err := svc.SetCompletion(ctx, stageLead, "cl-1", "it-box", false, nil)
	if err != nil {
		t.Fatalf("uncomplete: %v", err)
	}
	if result.Item.CompletedBy != nil || result.Item.CompletedAt != nil || result.Item.CompletedByPosition != nil {
		t.Fatalf("completer fields not cleared: %+v", result.Item)
	}
	if !result.Checklist.Aggregates.ProgressPercentage.IsZero() {
		t.Fatalf("progress = %s, want 0", result.Checklist.Aggregates.ProgressPercentage)
	}
}

func TestMutationValidationFailuresAreNotPublished(t *testing.T) {
	cases := []struct {
		name string
		run  func(*Service) (*MutationResult, error)
		want Kind
	}{
		{
			name: "completion on status item",
			run: func(s *Service) (*MutationResult, error) {
				return s.SetCompletion(context.Background(), stageLead, "cl-1", "it-status", true, nil)
			},
			want: KindInvalidItemType,
		},
		{
			name: "status on checkbox item",
			run: func(s *Service) (*MutationResult, error) {
				return s.SetStatus(context.Background(), stageLead, "cl-1", "it-box", "Done", nil)
			},
			want: KindInvalidItemType,
		},
		{
			name: "unknown status label",
			run: func(s *Service) (*MutationResult, error) {
				return s.SetStatus(context.Background(), stageLead, "cl-1", "it-status", "Shipped", nil)
			},
			want: KindInvalidStatus,
		},
		{
			name: "positions do not intersect",
			run: func(s *Service) (*MutationResult, error) {
				return s.SetCompletion(context.Background(), stageLead, "cl-1", "it-locked", true, nil)
			},
			want: KindForbidden,
		},
		{
			name: "notes on restricted item",
			run: func(s *Service) (*MutationResult, error) {
				return s.SetNotes(context.Background(), stageLead, "cl-1", "it-locked", strPtr("hi"))
			},
			want: KindForbidden,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := seedChecklist(t)
			pub := &fakePublisher{}
			svc := newTestService(fs, pub)
			before := fs.checklists["cl-1"].Aggregates

			result, err := tc.run(svc)
			if result != nil {
				t.Fatalf("expected nil result, got %+v", result)
			}
			if got := KindOf(err); got != tc.want {
				t.Fatalf("KindOf(%v) = %q, want %q", err, got, tc.want)
			}
			if len(pub.all()) != 0 {
				t.Fatalf("expected no events, got %d", len(pub.all()))
			}
			if !fs.checklists["cl-1"].Aggregates.Equal(before) {
				t.Fatal("aggregates changed on a rejected mutation")
			}
		})
	}
}

func TestInvalidStatusListsConfiguredLabels(t *testing.T) {
	svc := newTestService(seedChecklist(t), &fakePublisher{})
	_, err := svc.SetStatus(context.Background(), stageLead, "cl-1", "it-status", "Shipped", nil)

	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != 422 || domainErr.Code != "INVALID_STATUS" {
		t.Fatalf("got %d %s", domainErr.Status, domainErr.Code)
	}
	details, _ := domainErr.Details.(map[string]any)
	allowed, _ := details["allowed"].([]string)
	if len(allowed) != 2 || allowed[0] != "Open" || allowed[1] != "Done" {
		t.Fatalf("allowed = %v", allowed)
	}
}

func TestSetStatusStoresConfiguredLabel(t *testing.T) {
	fs := seedChecklist(t)
	pub := &fakePublisher{}
	svc := newTestService(fs, pub)

	result, err := svc.SetStatus(context.Background(), stageLead, "cl-1", "it-status", "  dOnE ", nil)
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if deref(result.Item.CurrentStatus) != "Done" {
		t.Fatalf("CurrentStatus = %q, want Done", deref(result.Item.CurrentStatus))
	}
	if deref(result.Item.CompletedBy) != "Riley" {
		t.Fatalf("CompletedBy = %q", deref(result.Item.CompletedBy))
	}
	if !result.Checklist.Aggregates.ProgressPercentage.Equal(decimal.RequireFromString("25")) {
		t.Fatalf("progress = %s", result.Checklist.Aggregates.ProgressPercentage)
	}

	payload := decodePayload(t, pub.all()[0].event).(event.ItemStatusChanged)
	if payload.NewStatus != "Done" || !payload.IsCompleted || payload.ChangedByPosition != "Stage" {
		t.Fatalf("unexpected payload %+v", payload)
	}

	back, err := svc.SetStatus(context.Background(), stageLead, "cl-1", "it-status", "open", nil)
	if err != nil {
		t.Fatalf("SetStatus back: %v", err)
	}
	if back.Item.CompletedBy != nil {
		t.Fatal("expected completer cleared when status leaves completion")
	}
}

func TestSetNotesLeavesAggregatesAlone(t *testing.T) {
	fs := seedChecklist(t)
	pub := &fakePublisher{}
	svc := newTestService(fs, pub)

	result, err := svc.SetNotes(context.Background(), stageLead, "cl-1", "it-status", strPtr("waiting on rigging"))
	if err != nil {
		t.Fatalf("SetNotes: %v", err)
	}
	if deref(result.Item.Notes) != "waiting on rigging" {
		t.Fatalf("Notes = %q", deref(result.Item.Notes))
	}
	if deref(result.Item.LastModifiedBy) != "Riley" {
		t.Fatalf("LastModifiedBy = %q", deref(result.Item.LastModifiedBy))
	}
	events := pub.all()
	if len(events) != 1 || events[0].event.Kind != event.KindItemNotesChanged {
		t.Fatalf("events = %+v", events)
	}

	cleared, err := svc.SetNotes(context.Background(), stageLead, "cl-1", "it-status", strPtr("   "))
	if err != nil {
		t.Fatalf("clear notes: %v", err)
	}
	if cleared.Item.Notes != nil {
		t.Fatalf("expected blank notes to clear, got %q", *cleared.Item.Notes)
	}
}

func TestMutationOnMissingItemIsNotFound(t *testing.T) {
	pub := &fakePublisher{}
	svc := newTestService(seedChecklist(t), pub)

	result, err := svc.SetCompletion(context.Background(), stageLead, "cl-1", "nope", true, nil)
	if err != nil || result != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", result, err)
	}
	result, err = svc.SetNotes(context.Background(), stageLead, "missing", "it-box", nil)
	if err != nil || result != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", result, err)
	}
	if len(pub.all()) != 0 {
		t.Fatal("not-found mutations must not publish")
	}
}

func TestStoreFailureIsUnexpectedAndSilent(t *testing.T) {
	fs := seedChecklist(t)
	fs.updateItemFn = func(context.Context, string, string, store.ItemMutator) (*store.ItemUpdate, error) {
		return nil, errors.New("commit item update: connection reset")
	}
	pub := &fakePublisher{}
	svc := newTestService(fs, pub)

	_, err := svc.SetCompletion(context.Background(), stageLead, "cl-1", "it-box", true, nil)
	if KindOf(err) != KindUnexpected {
		t.Fatalf("KindOf = %q", KindOf(err))
	}
	if len(pub.all()) != 0 {
		t.Fatal("failed mutations must not publish")
	}
}

func TestPublishFailureDoesNotFailMutation(t *testing.T) {
	pub := &fakePublisher{err: errors.New("redis down")}
	svc := newTestService(seedChecklist(t), pub)

	result, err := svc.SetCompletion(context.Background(), stageLead, "cl-1", "it-extra", true, nil)
	if err != nil || result == nil {
		t.Fatalf("expected committed mutation, got %+v, %v", result, err)
	}
}

func TestTwoTabsOfOneUserCarryDistinctOriginClients(t *testing.T) {
	pub := &fakePublisher{}
	svc := newTestService(seedChecklist(t), pub)
	tabB := stageLead
	tabB.ClientID = "tab-b"

	if _, err := svc.SetCompletion(context.Background(), stageLead, "cl-1", "it-box", true, nil); err != nil {
		t.Fatalf("tab a: %v", err)
	}
	if _, err := svc.SetCompletion(context.Background(), tabB, "cl-1", "it-extra", true, nil); err != nil {
		t.Fatalf("tab b: %v", err)
	}

	var clients []string
	for _, p := range pub.all() {
		if p.event.Kind == event.KindItemCompletionChanged {
			if p.event.Originator != "usr_stage" {
				t.Fatalf("originator = %q", p.event.Originator)
			}
			clients = append(clients, p.event.OriginClient)
		}
	}
	if len(clients) != 2 || clients[0] != "tab-a" || clients[1] != "tab-b" {
		t.Fatalf("origin clients = %v", clients)
	}
}

func TestRecalculatePublishesOnlyWhenAggregatesMove(t *testing.T) {
	fs := seedChecklist(t)
	pub := &fakePublisher{}
	svc := newTestService(fs, pub)

	result, err := svc.Recalculate(context.Background(), "cl-1")
	if err != nil {
		t.Fatalf("Recalculate: %v", err)
	}
	if result.Changed() || len(pub.all()) != 0 {
		t.Fatalf("expected no change and no events, got changed=%v events=%d", result.Changed(), len(pub.all()))
	}

	fs.mu.Lock()
	fs.checklists["cl-1"].Aggregates.ProgressPercentage = decimal.RequireFromString("90")
	fs.mu.Unlock()

	result, err = svc.Recalculate(context.Background(), "cl-1")
	if err != nil {
		t.Fatalf("Recalculate drift: %v", err)
	}
	if !result.Changed() {
		t.Fatal("expected drift to be corrected")
	}
	events := pub.all()
	if len(events) != 1 || events[0].event.Kind != event.KindChecklistUpdated || events[0].event.HasOriginator() {
		t.Fatalf("events = %+v", events)
	}

	missing, err := svc.Recalculate(context.Background(), "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", missing, err)
	}
}

func TestReconcileAllCountsOutcomes(t *testing.T) {
	fs := newFakeStore()
	fs.listActiveIDsFn = func(context.Context) ([]string, error) {
		return []string{"a", "b", "c"}, nil
	}
	fs.recalculateChecklistFn = func(_ context.Context, id string) (*store.Recalculation, error) {
		switch id {
		case "a":
			return &store.Recalculation{
				Checklist: store.Checklist{ID: "a", Aggregates: store.Aggregates{ProgressPercentage: decimal.NewFromInt(50)}},
			}, nil
		case "b":
			return nil, errors.New("deadlock detected")
		default:
			return &store.Recalculation{Checklist: store.Checklist{ID: id}}, nil
		}
	}
	svc := newTestService(fs, &fakePublisher{})

	report, err := svc.ReconcileAll(context.Background())
	if err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}
	if report.Checked != 3 || report.Changed != 1 || report.Failed != 1 {
		t.Fatalf("report = %+v", report)
	}

	fs.listActiveIDsFn = func(context.Context) ([]string, error) { return nil, errors.New("db down") }
	if _, err := svc.ReconcileAll(context.Background()); err == nil {
		t.Fatal("expected listing failure to surface")
	}
}

func TestAnnounceChecklistTargetsEventGroupOnce(t *testing.T) {
	pub := &fakePublisher{}
	svc := newTestService(seedChecklist(t), pub)

	ev, err := svc.AnnounceChecklist(context.Background(), "cl-1", "")
	if err != nil {
		t.Fatalf("AnnounceChecklist: %v", err)
	}
	if ev.Kind != event.KindChecklistCreated || ev.Originator != userIDForName("Avery") {
		t.Fatalf("event = %s originator=%q", ev.Kind, ev.Originator)
	}
	again, err := svc.AnnounceChecklist(context.Background(), "cl-1", "")
	if err != nil {
		t.Fatalf("repeat announce: %v", err)
	}
	if again.Kind != ev.Kind || !again.OccurredAt.Equal(ev.OccurredAt) {
		t.Fatalf("expected cached event, got %+v", again)
	}

	events := pub.all()
	if len(events) != 1 || events[0].group != "event:ev-1" {
		t.Fatalf("events = %+v", events)
	}
	payload := decodePayload(t, events[0].event).(event.ChecklistCreated)
	if payload.ChecklistName != "Load-in" || payload.EventName != "Spring Gala" || len(payload.Positions) != 1 {
		t.Fatalf("payload = %+v", payload)
	}
	if payload.CreatedBy != "Avery" {
		t.Fatalf("createdBy = %q", payload.CreatedBy)
	}

	missing, err := svc.AnnounceChecklist(context.Background(), "nope", "")
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", missing, err)
	}
	if _, err := svc.AnnounceChecklist(context.Background(), "  ", ""); err == nil {
		t.Fatal("expected validation error for blank id")
	}
}

func TestAnnounceChecklistSharedAcrossReplicas(t *testing.T) {
	mr := miniredis.RunT(t)
	shared, err := announce.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("announce store: %v", err)
	}
	defer shared.Close()

	fs := seedChecklist(t)
	firstPub, secondPub := &fakePublisher{}, &fakePublisher{}
	first := newTestService(fs, firstPub)
	first.SetAnnouncementStore(shared)
	second := newTestService(fs, secondPub)
	second.SetAnnouncementStore(shared)

	ev, err := first.AnnounceChecklist(context.Background(), "cl-1", "Avery")
	if err != nil {
		t.Fatalf("first announce: %v", err)
	}
	again, err := second.AnnounceChecklist(context.Background(), "cl-1", "Avery")
	if err != nil {
		t.Fatalf("second announce: %v", err)
	}
	if !again.OccurredAt.Equal(ev.OccurredAt) || again.ChecklistID != ev.ChecklistID {
		t.Fatalf("expected the first replica's event, got %+v", again)
	}
	if len(firstPub.all()) != 1 || len(secondPub.all()) != 0 {
		t.Fatalf("published first=%d second=%d", len(firstPub.all()), len(secondPub.all()))
	}

	mr.Close()
	third := newTestService(fs, &fakePublisher{})
	third.SetAnnouncementStore(shared)
	if _, err := third.AnnounceChecklist(context.Background(), "cl-1", "Avery"); err != nil {
		t.Fatalf("announce with redis down: %v", err)
	}
}

func TestGetChecklistScopesByPosition(t *testing.T) {
	svc := newTestService(seedChecklist(t), &fakePublisher{})

	view, err := svc.GetChecklist(context.Background(), stageLead, "cl-1")
	if err != nil {
		t.Fatalf("GetChecklist: %v", err)
	}
	if len(view.Items) != 4 {
		t.Fatalf("items = %d, want 4", len(view.Items))
	}

	outsider := Caller{UserID: "usr_x", Positions: []string{"Catering"}}
	if _, err := svc.GetChecklist(context.Background(), outsider, "cl-1"); KindOf(err) != KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestAuthorizeJoinFollowsChecklistPositions(t *testing.T) {
	fs := seedChecklist(t)
	fs.addChecklist(store.Checklist{ID: "cl-archived", EventID: "ev-2", Positions: []string{"Catering"}, IsArchived: true})
	svc := newTestService(fs, &fakePublisher{})
	ctx := context.Background()
	outsider := Caller{UserID: "usr_x", Positions: []string{"Catering"}}

	tests := []struct {
		name   string
		caller Caller
		group  string
		kind   Kind
	}{
		{name: "checklist in scope", caller: stageLead, group: "cl-1", kind: KindNone},
		{name: "checklist out of scope", caller: outsider, group: "cl-1", kind: KindForbidden},
		{name: "event with a visible checklist", caller: stageLead, group: event.EventGroup("ev-1"), kind: KindNone},
		{name: "event with only hidden checklists", caller: outsider, group: event.EventGroup("ev-1"), kind: KindForbidden},
		{name: "event with no active checklists", caller: outsider, group: event.EventGroup("ev-2"), kind: KindNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(svc.AuthorizeJoin(ctx, tt.caller, tt.group)); got != tt.kind {
				t.Fatalf("kind = %q, want %q", got, tt.kind)
			}
		})
	}

	err := svc.AuthorizeJoin(ctx, stageLead, "cl-missing")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != codeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLoggedInClientFiltersItsOwnMutation(t *testing.T) {
	pub := &fakePublisher{}
	svc := newTestService(seedChecklist(t), pub)
	svc.now = time.Now

	session, err := svc.Login(context.Background(), "Riley", "member", []string{"Stage"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	caller, err := svc.IdentityFromToken(session.Token, "")
	if err != nil {
		t.Fatalf("IdentityFromToken: %v", err)
	}
	if _, err := svc.SetCompletion(context.Background(), caller, "cl-1", "it-box", true, nil); err != nil {
		t.Fatalf("SetCompletion: %v", err)
	}

	events := pub.all()
	if len(events) == 0 || events[0].event.Kind != event.KindItemCompletionChanged {
		t.Fatalf("events = %+v", events)
	}
	own := events[0].event
	if own.Originator != session.UserID {
		t.Fatalf("originator = %q, want user id %q", own.Originator, session.UserID)
	}
	if syncclient.NewEchoFilter(session.UserID, "").ShouldApply(own) {
		t.Fatal("expected the signed-in user's own change to be filtered")
	}
	if !syncclient.NewEchoFilter(userIDForName("Avery"), "").ShouldApply(own) {
		t.Fatal("expected another user to receive the change")
	}
}

func TestAnnouncedChecklistOriginatorIsCreatorUserID(t *testing.T) {
	pub := &fakePublisher{}
	svc := newTestService(seedChecklist(t), pub)
	svc.now = time.Now

	creator, err := svc.Login(context.Background(), "Avery", "supervisor", nil)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	ev, err := svc.AnnounceChecklist(context.Background(), "cl-1", "")
	if err != nil {
		t.Fatalf("AnnounceChecklist: %v", err)
	}
	if ev.Originator != creator.UserID {
		t.Fatalf("originator = %q, want %q", ev.Originator, creator.UserID)
	}
	if syncclient.NewEchoFilter(creator.UserID, "").ShouldApply(*ev) {
		t.Fatal("expected the creator's client to filter its own announcement")
	}
}

func TestMutationsReindexChecklist(t *testing.T) {
	fs := seedChecklist(t)
	idx := &fakeIndex{}
	svc := newService(config.Config{}, fs, &fakePublisher{}, idx, logging.Discard())

	if _, err := svc.SetCompletion(context.Background(), stageLead, "cl-1", "it-box", true, nil); err != nil {
		t.Fatalf("SetCompletion: %v", err)
	}
	if _, err := svc.SetNotes(context.Background(), stageLead, "cl-1", "it-box", strPtr("ok")); err != nil {
		t.Fatalf("SetNotes: %v", err)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.indexed) != 1 || idx.indexed[0].ProgressPercentage != "25.00" {
		t.Fatalf("indexed = %+v", idx.indexed)
	}
}

func TestLoginIssuesTokenCarryingPositions(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakePublisher{})
	svc.now = time.Now

	session, err := svc.Login(context.Background(), "  Riley ", "", []string{" Stage ", "", "Audio"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if session.Role != "member" || session.UserID != userIDForName("riley") {
		t.Fatalf("session = %+v", session)
	}

	caller, err := svc.IdentityFromToken(session.Token, "tab-9")
	if err != nil {
		t.Fatalf("IdentityFromToken: %v", err)
	}
	if caller.Name != "Riley" || caller.ClientID != "tab-9" || len(caller.Positions) != 2 || caller.Positions[0] != "Stage" {
		t.Fatalf("caller = %+v", caller)
	}
	if caller.position() != "Stage" {
		t.Fatalf("position = %q", caller.position())
	}
}
