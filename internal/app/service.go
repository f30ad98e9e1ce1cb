package app

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"checklist/api/internal/auth"
	"checklist/api/internal/config"
	"checklist/api/internal/event"
	"checklist/api/internal/progress"
	"checklist/api/internal/rbac"
	"checklist/api/internal/search"
	"checklist/api/internal/store"
	"checklist/api/internal/telemetry"
	"checklist/api/internal/util"
)

// Caller is the authenticated actor behind a request. ClientID names the
// client instance (browser tab, CLI) the request came from.
type Caller struct {
	UserID    string
	Name      string
	Role      string
	Positions []string
	ClientID  string
}

func (c Caller) displayName() string {
	return firstNonBlank(c.Name, c.UserID)
}

func (c Caller) position() string {
	for _, position := range c.Positions {
		if trimmed := strings.TrimSpace(position); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func (c Caller) origin() event.Origin {
	return event.Origin{Identity: c.UserID, Client: c.ClientID}
}

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	Positions []string
	JTI       string
	ExpiresAt time.Time
}

type dataStore interface {
	GetChecklist(context.Context, string) (*store.Checklist, error)
	ListItems(context.Context, string) ([]store.Item, error)
	ListChecklistsForPositions(context.Context, []string, int) ([]store.Checklist, error)
	ListChecklistsForEvent(context.Context, string) ([]store.Checklist, error)
	ListActiveChecklistIDs(context.Context) ([]string, error)
	UpdateItem(context.Context, string, string, store.ItemMutator) (*store.ItemUpdate, error)
	RecalculateChecklist(context.Context, string) (*store.Recalculation, error)
	Ping(context.Context) error
}

// Publisher fans an event out to every member of a hub group. Both the local
// hub and the redis relay satisfy it.
type Publisher interface {
	Publish(ctx context.Context, group string, ev event.Event) error
}

type checklistIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexChecklist(rec search.ChecklistRecord)
}

// MutationResult is a committed item change and the event that announced it.
type MutationResult struct {
	Item      store.Item
	Checklist store.Checklist
	Event     event.Event
}

type ChecklistView struct {
	Checklist store.Checklist
	Items     []store.Item
}

type ReconcileReport struct {
	Checked int
	Changed int
	Failed  int
}

// AnnouncementStore shares announcement records between replicas.
type AnnouncementStore interface {
	Lookup(ctx context.Context, checklistID string) (*event.Event, error)
	Save(ctx context.Context, checklistID string, ev event.Event, ttl time.Duration) error
}

type announcementRecord struct {
	expiresAt time.Time
	event     event.Event
}

type serviceMetrics struct {
	mutations  metric.Int64Counter
	reconciled metric.Int64Counter
}

type Service struct {
	cfg       config.Config
	store     dataStore
	publisher Publisher
	index     checklistIndex
	logger    *log.Logger
	now       func() time.Time
	tracer    trace.Tracer
	metrics   serviceMetrics

	announceTTL time.Duration
	announceMu  sync.Mutex
	announced   map[string]announcementRecord
	shared      AnnouncementStore
}

func New(cfg config.Config, dataStore *store.PostgresStore, publisher Publisher, index *search.Service, logger *log.Logger) *Service {
	var idx checklistIndex
	if index != nil {
		idx = index
	}
	return newService(cfg, dataStore, publisher, idx, logger)
}

func newService(cfg config.Config, dataStore dataStore, publisher Publisher, index checklistIndex, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		cfg:         cfg,
		store:       dataStore,
		publisher:   publisher,
		index:       index,
		logger:      logger,
		now:         time.Now,
		tracer:      telemetry.Tracer("checklist/api/app"),
		metrics:     newServiceMetrics(),
		announceTTL: 15 * time.Minute,
		announced:   make(map[string]announcementRecord),
	}
}

// SetAnnouncementStore makes announcements idempotent across replicas. The
// local cache is still consulted first.
func (s *Service) SetAnnouncementStore(shared AnnouncementStore) {
	s.shared = shared
}

func newServiceMetrics() serviceMetrics {
	meter := telemetry.Meter("checklist/api/app")
	var m serviceMetrics
	m.mutations, _ = meter.Int64Counter("checklist.mutations",
		metric.WithDescription("Item mutations by operation and outcome"))
	m.reconciled, _ = meter.Int64Counter("checklist.reconciled",
		metric.WithDescription("Checklists whose stored aggregates were corrected"))
	return m
}

func (s *Service) Login(_ context.Context, name, role string, positions []string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}
	normalizedRole := rbac.Normalize(strings.ToLower(strings.TrimSpace(role)))
	if strings.TrimSpace(role) == "" {
		normalizedRole = rbac.RoleMember
	}
	return s.issueSession(userIDForName(userName), userName, string(normalizedRole), cleanPositions(positions))
}

func (s *Service) issueSession(userID, userName, role string, positions []string) (Session, error) {
	expiresAt := s.now().Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:       userID,
		Name:      userName,
		Role:      role,
		Positions: positions,
		JTI:       jti,
		Exp:       expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    userID,
		UserName:  userName,
		Role:      role,
		Positions: positions,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

// IdentityFromToken resolves a bearer token into the caller it was issued to.
func (s *Service) IdentityFromToken(token, clientID string) (Caller, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Caller{}, err
	}
	return Caller{
		UserID:    claims.Sub,
		Name:      claims.Name,
		Role:      string(rbac.Normalize(claims.Role)),
		Positions: claims.Positions,
		ClientID:  strings.TrimSpace(clientID),
	}, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SetCompletion marks a checkbox item complete or incomplete. A nil result
// with a nil error means the checklist or item does not exist.
func (s *Service) SetCompletion(ctx context.Context, caller Caller, checklistID, itemID string, isCompleted bool, notes *string) (*MutationResult, error) {
	return s.mutate(ctx, "set_completion", caller, checklistID, itemID, store.ItemTypeCheckbox,
		func(item *store.Item, now time.Time) bool {
			completed := isCompleted
			item.IsCompleted = &completed
			stampCompletion(item, caller, completed, now)
			if notes != nil {
				item.Notes = normalizeNotes(notes)
			}
			return true
		},
		func(item store.Item, _ time.Time) event.Payload {
			return event.ItemCompletionChanged{
				ChecklistID:         item.ChecklistID,
				ItemID:              item.ID,
				IsCompleted:         isCompleted,
				CompletedBy:         deref(item.CompletedBy),
				CompletedByPosition: deref(item.CompletedByPosition),
				CompletedAt:         item.CompletedAt,
			}
		})
}

// SetStatus moves a status item to one of its configured labels. The label is
// matched case-insensitively and stored as configured.
func (s *Service) SetStatus(ctx context.Context, caller Caller, checklistID, itemID, status string, notes *string) (*MutationResult, error) {
	var (
		label    string
		complete bool
	)
	return s.mutate(ctx, "set_status", caller, checklistID, itemID, store.ItemTypeStatus,
		func(item *store.Item, now time.Time) bool {
			wasComplete := progress.IsComplete(item.Progress())
			label = status
			current := label
			item.CurrentStatus = &current
			complete = progress.IsComplete(item.Progress())
			if complete != wasComplete {
				stampCompletion(item, caller, complete, now)
			}
			if notes != nil {
				item.Notes = normalizeNotes(notes)
			}
			return true
		},
		func(item store.Item, now time.Time) event.Payload {
			return event.ItemStatusChanged{
				ChecklistID:       item.ChecklistID,
				ItemID:            item.ID,
				NewStatus:         label,
				IsCompleted:       complete,
				ChangedBy:         caller.displayName(),
				ChangedByPosition: caller.position(),
				ChangedAt:         now,
			}
		},
		func(item *store.Item) error {
			options, _ := progress.ParseStatusConfiguration(item.StatusConfiguration)
			option, ok := progress.FindOption(options, status)
			if !ok {
				return errInvalidStatus(status, optionLabels(options))
			}
			status = option.Label
			return nil
		})
}

// SetNotes replaces the notes on any item. Aggregates are left alone.
func (s *Service) SetNotes(ctx context.Context, caller Caller, checklistID, itemID string, notes *string) (*MutationResult, error) {
	return s.mutate(ctx, "set_notes", caller, checklistID, itemID, "",
		func(item *store.Item, _ time.Time) bool {
			item.Notes = normalizeNotes(notes)
			return false
		},
		func(item store.Item, now time.Time) event.Payload {
			return event.ItemNotesChanged{
				ChecklistID:       item.ChecklistID,
				ItemID:            item.ID,
				Notes:             item.Notes,
				ChangedBy:         caller.displayName(),
				ChangedByPosition: caller.position(),
				ChangedAt:         now,
			}
		})
}

// mutate runs one item change inside the store transaction. Validation runs in
// order: item type, authorization, then any extra checks. Nothing is published
// unless the transaction commits.
func (s *Service) mutate(
	ctx context.Context,
	operation string,
	caller Caller,
	checklistID string,
	itemID string,
	itemType string,
	apply func(item *store.Item, now time.Time) (reaggregate bool),
	build func(item store.Item, now time.Time) event.Payload,
	checks ...func(item *store.Item) error,
) (*MutationResult, error) {
	checklistID = strings.TrimSpace(checklistID)
	itemID = strings.TrimSpace(itemID)
	ctx, span := s.tracer.Start(ctx, "checklist."+operation, trace.WithAttributes(
		attribute.String("checklist.id", checklistID),
		attribute.String("item.id", itemID),
	))
	defer span.End()

	now := s.now().UTC()
	update, err := s.store.UpdateItem(ctx, checklistID, itemID, func(item *store.Item) (bool, error) {
		if itemType != "" && item.ItemType != itemType {
			return false, errInvalidItemType(operation, item.ItemType)
		}
		if !rbac.PositionsIntersect(item.AllowedPositions, caller.Positions) {
			return false, errForbidden()
		}
		for _, check := range checks {
			if err := check(item); err != nil {
				return false, err
			}
		}
		reaggregate := apply(item, now)
		by := caller.displayName()
		modifiedAt := now
		item.LastModifiedBy = &by
		item.LastModifiedAt = &modifiedAt
		return reaggregate, nil
	})
	if err != nil {
		s.recordMutation(ctx, operation, string(KindOf(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if update == nil {
		s.recordMutation(ctx, operation, "not_found")
		return nil, nil
	}

	ev, err := event.New(build(update.Item, now), caller.origin(), now)
	if err != nil {
		return nil, fmt.Errorf("build %s event: %w", operation, err)
	}
	s.publish(ctx, checklistID, ev)
	if update.Reaggregated {
		s.publishProgress(ctx, update.Checklist, now)
		s.indexChecklist(update.Checklist)
	}
	s.recordMutation(ctx, operation, "ok")

	return &MutationResult{Item: update.Item, Checklist: update.Checklist, Event: ev}, nil
}

// Recalculate re-aggregates a checklist from its items. ChecklistUpdated is
// published only when the stored aggregates moved.
func (s *Service) Recalculate(ctx context.Context, checklistID string) (*store.Recalculation, error) {
	checklistID = strings.TrimSpace(checklistID)
	ctx, span := s.tracer.Start(ctx, "checklist.recalculate", trace.WithAttributes(
		attribute.String("checklist.id", checklistID),
	))
	defer span.End()

	result, err := s.store.RecalculateChecklist(ctx, checklistID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	if result.Changed() {
		s.logger.Info("checklist aggregates corrected",
			"checklist_id", checklistID,
			"previous", result.Previous.ProgressPercentage.StringFixed(2),
			"current", result.Checklist.Aggregates.ProgressPercentage.StringFixed(2),
		)
		s.metrics.reconciled.Add(ctx, 1)
		s.publishProgress(ctx, result.Checklist, s.now().UTC())
		s.indexChecklist(result.Checklist)
	}
	return result, nil
}

// ReconcileAll recalculates every active checklist. Individual failures are
// logged and counted; only a failure to list checklists is returned.
func (s *Service) ReconcileAll(ctx context.Context) (ReconcileReport, error) {
	ids, err := s.store.ListActiveChecklistIDs(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list active checklists: %w", err)
	}
	var report ReconcileReport
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		result, err := s.Recalculate(ctx, id)
		if err != nil {
			report.Failed++
			s.logger.Warn("reconcile checklist", "checklist_id", id, "err", err)
			continue
		}
		if result != nil && result.Changed() {
			report.Changed++
		}
	}
	return report, nil
}

// RunReconciler sweeps all checklists every interval until ctx is done.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.ReconcileAll(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("reconciliation sweep failed", "err", err)
				continue
			}
			s.logger.Debug("reconciliation sweep",
				"checked", report.Checked, "changed", report.Changed, "failed", report.Failed)
		}
	}
}

// AnnounceChecklist publishes ChecklistCreated to the checklist's event group.
// Repeat announcements inside the retention window return the first event
// without publishing again.
func (s *Service) AnnounceChecklist(ctx context.Context, checklistID, createdBy string) (*event.Event, error) {
	checklistID = strings.TrimSpace(checklistID)
	if checklistID == "" {
		return nil, errValidation("checklistId is required")
	}
	if cached, ok := s.lookupAnnouncement(ctx, checklistID); ok {
		return &cached, nil
	}

	checklist, err := s.store.GetChecklist(ctx, checklistID)
	if err != nil {
		return nil, err
	}
	if checklist == nil {
		return nil, nil
	}
	if strings.TrimSpace(checklist.EventID) == "" {
		return nil, errValidation("checklist has no eventId")
	}

	creator := firstNonBlank(createdBy, checklist.CreatedBy)
	createdAt := checklist.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	positions := checklist.Positions
	if positions == nil {
		positions = []string{}
	}
	ev, err := event.New(event.ChecklistCreated{
		ChecklistID:   checklist.ID,
		ChecklistName: checklist.Name,
		EventID:       checklist.EventID,
		EventName:     checklist.EventName,
		Positions:     positions,
		CreatedBy:     creator,
		CreatedAt:     createdAt.UTC(),
	}, event.Origin{Identity: userIDForName(creator)}, s.now())
	if err != nil {
		return nil, err
	}

	s.publish(ctx, event.EventGroup(checklist.EventID), ev)
	s.indexChecklist(*checklist)
	s.storeAnnouncement(ctx, checklistID, ev)
	return &ev, nil
}

func (s *Service) lookupAnnouncement(ctx context.Context, checklistID string) (event.Event, bool) {
	if ev, ok := s.lookupLocalAnnouncement(checklistID); ok {
		return ev, true
	}
	if s.shared == nil {
		return event.Event{}, false
	}
	ev, err := s.shared.Lookup(ctx, checklistID)
	if err != nil {
		s.logger.Warn("shared announcement lookup failed", "checklist_id", checklistID, "err", err)
		return event.Event{}, false
	}
	if ev == nil {
		return event.Event{}, false
	}
	s.rememberAnnouncement(checklistID, *ev)
	return *ev, true
}

func (s *Service) lookupLocalAnnouncement(checklistID string) (event.Event, bool) {
	s.announceMu.Lock()
	defer s.announceMu.Unlock()

	now := s.now()
	for key, record := range s.announced {
		if now.After(record.expiresAt) {
			delete(s.announced, key)
		}
	}
	record, ok := s.announced[checklistID]
	if !ok {
		return event.Event{}, false
	}
	return record.event, true
}

func (s *Service) storeAnnouncement(ctx context.Context, checklistID string, ev event.Event) {
	s.rememberAnnouncement(checklistID, ev)
	if s.shared == nil {
		return
	}
	if err := s.shared.Save(ctx, checklistID, ev, s.announceTTL); err != nil {
		s.logger.Warn("shared announcement save failed", "checklist_id", checklistID, "err", err)
	}
}

func (s *Service) rememberAnnouncement(checklistID string, ev event.Event) {
	s.announceMu.Lock()
	defer s.announceMu.Unlock()
	s.announced[checklistID] = announcementRecord{
		expiresAt: s.now().Add(s.announceTTL),
		event:     ev,
	}
}

// MyChecklists lists active checklists visible to the caller's positions.
func (s *Service) MyChecklists(ctx context.Context, caller Caller, limit int) ([]store.Checklist, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListChecklistsForPositions(ctx, caller.Positions, limit)
}

func (s *Service) SearchChecklists(ctx context.Context, caller Caller, text string, limit, offset int) search.Response {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	text = strings.TrimSpace(text)
	if s.index == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.index.Search(ctx, search.Query{
		Text:      text,
		Positions: caller.Positions,
		Limit:     limit,
		Offset:    offset,
	})
}

// GetChecklist returns a checklist and its items, or nil when it does not
// exist. Checklists scoped to other positions are forbidden.
func (s *Service) GetChecklist(ctx context.Context, caller Caller, checklistID string) (*ChecklistView, error) {
	checklist, err := s.store.GetChecklist(ctx, strings.TrimSpace(checklistID))
	if err != nil {
		return nil, err
	}
	if checklist == nil {
		return nil, nil
	}
	if !rbac.PositionsIntersect(checklist.Positions, caller.Positions) {
		return nil, errForbidden()
	}
	items, err := s.store.ListItems(ctx, checklist.ID)
	if err != nil {
		return nil, err
	}
	return &ChecklistView{Checklist: *checklist, Items: items}, nil
}

// AuthorizeJoin decides whether caller may follow a hub group. A checklist
// group follows the same position rule as GetChecklist. An event group is
// open when any of its active checklists is visible to caller, or when the
// event has none yet.
func (s *Service) AuthorizeJoin(ctx context.Context, caller Caller, group string) error {
	if eventID, ok := event.ParseEventGroup(group); ok {
		if eventID == "" {
			return errValidation("event group needs an event id")
		}
		checklists, err := s.store.ListChecklistsForEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if len(checklists) == 0 {
			return nil
		}
		for _, checklist := range checklists {
			if rbac.PositionsIntersect(checklist.Positions, caller.Positions) {
				return nil
			}
		}
		return errJoinForbidden()
	}

	checklist, err := s.store.GetChecklist(ctx, strings.TrimSpace(group))
	if err != nil {
		return err
	}
	if checklist == nil {
		return errChecklistNotFound()
	}
	if !rbac.PositionsIntersect(checklist.Positions, caller.Positions) {
		return errJoinForbidden()
	}
	return nil
}

func (s *Service) publish(ctx context.Context, group string, ev event.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, group, ev); err != nil {
		s.logger.Warn("publish event", "group", group, "kind", ev.Kind, "err", err)
	}
}

func (s *Service) publishProgress(ctx context.Context, checklist store.Checklist, at time.Time) {
	aggregates := checklist.Aggregates
	ev, err := event.New(event.ChecklistUpdated{
		ChecklistID:            checklist.ID,
		ProgressPercentage:     aggregates.ProgressPercentage,
		TotalItems:             aggregates.TotalItems,
		CompletedItems:         aggregates.CompletedItems,
		RequiredItems:          aggregates.RequiredItems,
		RequiredItemsCompleted: aggregates.RequiredItemsCompleted,
	}, event.Origin{}, at)
	if err != nil {
		s.logger.Warn("build progress event", "checklist_id", checklist.ID, "err", err)
		return
	}
	s.publish(ctx, checklist.ID, ev)
}

func (s *Service) indexChecklist(checklist store.Checklist) {
	if s.index == nil {
		return
	}
	s.index.IndexChecklist(search.RecordFromChecklist(checklist))
}

func (s *Service) recordMutation(ctx context.Context, operation, outcome string) {
	s.metrics.mutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
	if outcome != "ok" {
		s.logger.Debug("mutation rejected", "operation", operation, "outcome", outcome)
	}
}

func stampCompletion(item *store.Item, caller Caller, completed bool, now time.Time) {
	if !completed {
		item.CompletedBy = nil
		item.CompletedByPosition = nil
		item.CompletedAt = nil
		return
	}
	by := caller.displayName()
	at := now
	item.CompletedBy = &by
	item.CompletedAt = &at
	item.CompletedByPosition = nil
	if position := caller.position(); position != "" {
		item.CompletedByPosition = &position
	}
}

// normalizeNotes treats blank notes as cleared.
func normalizeNotes(notes *string) *string {
	if notes == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*notes)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func optionLabels(options []progress.StatusOption) []string {
	labels := make([]string, 0, len(options))
	for _, option := range options {
		labels = append(labels, option.Label)
	}
	return labels
}

func cleanPositions(positions []string) []string {
	cleaned := make([]string, 0, len(positions))
	for _, position := range positions {
		if trimmed := strings.TrimSpace(position); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return cleaned
}

func userIDForName(name string) string {
	sum := sha1.Sum([]byte(strings.ToLower(strings.TrimSpace(name))))
	return "usr_" + hex.EncodeToString(sum[:])[:16]
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
