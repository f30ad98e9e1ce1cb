package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"checklist/api/internal/auth"
	"checklist/api/internal/hub"
	"checklist/api/internal/rbac"
	"checklist/api/internal/relay"
)

const syncTokenHeader = "x-checklist-sync-token"

type readinessCheck struct {
	name string
	fn   func(context.Context) error
}

type HTTPServer struct {
	service    *Service
	ws         *hub.Server
	hub        *hub.Hub
	corsOrigin string
	logger     *log.Logger
	checks     []readinessCheck
	cluster    func(context.Context) ([]relay.Instance, error)
}

func NewHTTPServer(service *Service, ws *hub.Server, h *hub.Hub, corsOrigin string, logger *log.Logger) *HTTPServer {
	if logger == nil {
		logger = log.Default()
	}
	if ws != nil && service != nil {
		ws.SetJoinAuthorizer(func(ctx context.Context, peer hub.Peer, group string) error {
			return service.AuthorizeJoin(ctx, callerFromPeer(peer), group)
		})
	}
	return &HTTPServer{service: service, ws: ws, hub: h, corsOrigin: corsOrigin, logger: logger}
}

func callerFromPeer(peer hub.Peer) Caller {
	return Caller{
		UserID:    peer.UserID,
		Role:      peer.Role,
		Positions: peer.Positions,
		ClientID:  peer.ClientID,
	}
}

// AddReadinessCheck registers a dependency reported by /api/ready next to the
// database.
func (s *HTTPServer) AddReadinessCheck(name string, fn func(context.Context) error) {
	s.checks = append(s.checks, readinessCheck{name: name, fn: fn})
}

// SetCluster makes /api/ready list the API instances sharing hub groups.
func (s *HTTPServer) SetCluster(fn func(context.Context) ([]relay.Instance, error)) {
	s.cluster = fn
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Name      string   `json:"name"`
			Role      string   `json:"role"`
			Positions []string `json:"positions"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Name, body.Role, body.Positions)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Login failed", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     session.Token,
			"userName":  session.UserName,
			"userId":    session.UserID,
			"role":      session.Role,
			"positions": session.Positions,
			"expiresAt": session.ExpiresAt.UTC().Format(time.RFC3339),
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/ws" {
		s.handleWebSocket(w, r)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 5 && parts[0] == "api" && parts[1] == "internal" && parts[2] == "checklists" && r.Method == http.MethodPost {
		if !s.requireSyncToken(w, r) {
			return
		}
		s.handleInternalChecklist(w, r, parts[3], parts[4])
		return
	}

	caller, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/checklists" {
		s.handleListChecklists(w, r, caller)
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "checklists" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.service.Can(caller.Role, rbac.ActionRead) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		view, err := s.service.GetChecklist(r.Context(), caller, parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		if view == nil {
			writeError(w, http.StatusNotFound, codeNotFound, "Checklist not found", nil)
			return
		}
		writeJSON(w, http.StatusOK, checklistDetailPayload(*view))
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "checklists" && parts[3] == "recalculate" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.service.Can(caller.Role, rbac.ActionReconcile) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		s.writeRecalculation(w, r, parts[2])
		return
	}

	if len(parts) == 6 && parts[0] == "api" && parts[1] == "checklists" && parts[3] == "items" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.service.Can(caller.Role, rbac.ActionWrite) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		s.handleItemMutation(w, r, caller, parts[2], parts[4], parts[5])
		return
	}

	writeError(w, http.StatusNotFound, codeNotFound, "Route not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	for _, check := range s.checks {
		if err := check.fn(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[check.name] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
			continue
		}
		checks[check.name] = map[string]any{"status": "ok"}
	}

	payload := map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	}
	if s.hub != nil {
		stats := s.hub.Stats()
		payload["hub"] = map[string]any{
			"connections": stats.Connections,
			"groups":      stats.Groups,
			"memberships": stats.Memberships,
		}
	}
	if s.cluster != nil {
		if instances, err := s.cluster(ctx); err == nil {
			payload["instances"] = instances
		} else {
			s.logger.Warn("list relay instances", "err", err)
		}
	}
	writeJSON(w, statusCode, payload)
}

// handleWebSocket upgrades an authenticated request. Browsers cannot set
// headers on the upgrade, so the token may also come from access_token.
func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.ws == nil {
		writeError(w, http.StatusServiceUnavailable, "SYNC_UNAVAILABLE", "Live sync is not enabled", nil)
		return
	}
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token", nil)
		return
	}
	caller, err := s.service.IdentityFromToken(token, clientIDFromRequest(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired token", nil)
		return
	}
	s.ws.ServeWS(w, r, hub.Peer{
		UserID:    caller.UserID,
		ClientID:  caller.ClientID,
		Role:      caller.Role,
		Positions: caller.Positions,
	})
}

func (s *HTTPServer) handleListChecklists(w http.ResponseWriter, r *http.Request, caller Caller) {
	if !s.service.Can(caller.Role, rbac.ActionRead) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset")
	if !ok {
		return
	}

	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		writeJSON(w, http.StatusOK, s.service.SearchChecklists(r.Context(), caller, q, limit, offset))
		return
	}

	checklists, err := s.service.MyChecklists(r.Context(), caller, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list checklists", nil)
		return
	}
	items := make([]checklistPayload, 0, len(checklists))
	for _, checklist := range checklists {
		items = append(items, toChecklistPayload(checklist))
	}
	writeJSON(w, http.StatusOK, map[string]any{"checklists": items})
}

func (s *HTTPServer) handleItemMutation(w http.ResponseWriter, r *http.Request, caller Caller, checklistID, itemID, action string) {
	var (
		result *MutationResult
		err    error
	)
	switch action {
	case "completion":
		var body struct {
			IsCompleted *bool   `json:"isCompleted"`
			Notes       *string `json:"notes"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.IsCompleted == nil {
			writeError(w, http.StatusUnprocessableEntity, codeValidation, "isCompleted is required", nil)
			return
		}
		result, err = s.service.SetCompletion(r.Context(), caller, checklistID, itemID, *body.IsCompleted, body.Notes)
	case "status":
		var body struct {
			Status string  `json:"status"`
			Notes  *string `json:"notes"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.Status) == "" {
			writeError(w, http.StatusUnprocessableEntity, codeValidation, "status is required", nil)
			return
		}
		result, err = s.service.SetStatus(r.Context(), caller, checklistID, itemID, body.Status, body.Notes)
	case "notes":
		var body struct {
			Notes *string `json:"notes"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err = s.service.SetNotes(r.Context(), caller, checklistID, itemID, body.Notes)
	default:
		writeError(w, http.StatusNotFound, codeNotFound, "Route not found", nil)
		return
	}

	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if result == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "Checklist item not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"item":      toItemPayload(result.Item),
		"checklist": toChecklistPayload(result.Checklist),
		"event":     result.Event,
	})
}

func (s *HTTPServer) handleInternalChecklist(w http.ResponseWriter, r *http.Request, checklistID, action string) {
	switch action {
	case "recalculate":
		s.writeRecalculation(w, r, checklistID)
	case "created":
		var body struct {
			CreatedBy string `json:"createdBy"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		ev, err := s.service.AnnounceChecklist(r.Context(), checklistID, body.CreatedBy)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		if ev == nil {
			writeError(w, http.StatusNotFound, codeNotFound, "Checklist not found", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "event": ev})
	default:
		writeError(w, http.StatusNotFound, codeNotFound, "Route not found", nil)
	}
}

func (s *HTTPServer) writeRecalculation(w http.ResponseWriter, r *http.Request, checklistID string) {
	result, err := s.service.Recalculate(r.Context(), checklistID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if result == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "Checklist not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changed":   result.Changed(),
		"previous":  toAggregatesPayload(result.Previous),
		"checklist": toChecklistPayload(result.Checklist),
	})
}

func (s *HTTPServer) requireSyncToken(w http.ResponseWriter, r *http.Request) bool {
	syncToken := strings.TrimSpace(r.Header.Get(syncTokenHeader))
	if syncToken == "" || !auth.ConstantTimeEqual(syncToken, s.service.SyncToken()) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return false
	}
	return true
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Caller, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token", nil)
		return Caller{}, false
	}
	caller, err := s.service.IdentityFromToken(token, clientIDFromRequest(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired token", nil)
		return Caller{}, false
	}
	return caller, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Client-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func clientIDFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("clientId"))
}

func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeValidation, name+" must be an integer", nil)
		return 0, false
	}
	return parsed, true
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, codeNotFound, "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
