package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"checklist/api/internal/event"
)

const myChecklistsKey = "my-checklists"

// APIError is a non-2xx answer from the checklist API.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details json.RawMessage
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("checklist api: %d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("checklist api: %d %s: %s", e.Status, e.Code, e.Message)
}

type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Role      string    `json:"role"`
	Positions []string  `json:"positions"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Checklist struct {
	ID                     string          `json:"id"`
	EventID                string          `json:"eventId"`
	Name                   string          `json:"name"`
	EventName              string          `json:"eventName"`
	Positions              []string        `json:"positions"`
	IsArchived             bool            `json:"isArchived"`
	CreatedBy              string          `json:"createdBy"`
	TotalItems             int             `json:"totalItems"`
	CompletedItems         int             `json:"completedItems"`
	RequiredItems          int             `json:"requiredItems"`
	RequiredItemsCompleted int             `json:"requiredItemsCompleted"`
	ProgressPercentage     decimal.Decimal `json:"progressPercentage"`
}

type Item struct {
	ID                  string   `json:"id"`
	ChecklistID         string   `json:"checklistId"`
	Title               string   `json:"title"`
	SortOrder           int      `json:"sortOrder"`
	ItemType            string   `json:"itemType"`
	IsRequired          bool     `json:"isRequired"`
	IsCompleted         *bool    `json:"isCompleted"`
	CompletedBy         *string  `json:"completedBy"`
	CompletedByPosition *string  `json:"completedByPosition"`
	CurrentStatus       *string  `json:"currentStatus"`
	Notes               *string  `json:"notes"`
	AllowedPositions    []string `json:"allowedPositions"`
	LastModifiedBy      *string  `json:"lastModifiedBy"`
}

type ChecklistDetail struct {
	Checklist Checklist `json:"checklist"`
	Items     []Item    `json:"items"`
}

type Mutation struct {
	Item      Item        `json:"item"`
	Checklist Checklist   `json:"checklist"`
	Event     event.Event `json:"event"`
}

// APIClient talks to the checklist REST API as one signed-in client
// instance. Every request carries the client id so the server can stamp
// events with it.
type APIClient struct {
	BaseURL  string
	Token    string
	ClientID string
	HTTP     *http.Client
	dedup    *Deduplicator
}

func NewAPIClient(baseURL, token, clientID string, dedup *Deduplicator) *APIClient {
	if dedup == nil {
		dedup = NewDeduplicator()
	}
	return &APIClient{
		BaseURL:  strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		Token:    token,
		ClientID: clientID,
		HTTP:     &http.Client{Timeout: 15 * time.Second},
		dedup:    dedup,
	}
}

// Login starts a session and keeps its token for later calls.
func (c *APIClient) Login(ctx context.Context, name, role string, positions []string) (*Session, error) {
	body := map[string]any{"name": name, "role": role, "positions": positions}
	var session Session
	found, err := c.do(ctx, http.MethodPost, "/api/session/login", body, &session)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &APIError{Status: http.StatusNotFound, Message: "login route not found"}
	}
	c.Token = session.Token
	return &session, nil
}

// MyChecklists lists the checklists visible to the session. Concurrent calls
// share one request.
func (c *APIClient) MyChecklists(ctx context.Context, limit int) ([]Checklist, error) {
	key := myChecklistsKey
	if limit > 0 {
		key += ":" + strconv.Itoa(limit)
	}
	return Fetch(ctx, c.dedup, key, func(ctx context.Context) ([]Checklist, error) {
		path := "/api/checklists"
		if limit > 0 {
			path += "?limit=" + strconv.Itoa(limit)
		}
		var response struct {
			Checklists []Checklist `json:"checklists"`
		}
		if _, err := c.do(ctx, http.MethodGet, path, nil, &response); err != nil {
			return nil, err
		}
		return response.Checklists, nil
	})
}

// GetChecklist returns nil, nil when the checklist does not exist.
func (c *APIClient) GetChecklist(ctx context.Context, checklistID string) (*ChecklistDetail, error) {
	key := "checklist:" + checklistID
	return Fetch(ctx, c.dedup, key, func(ctx context.Context) (*ChecklistDetail, error) {
		var detail ChecklistDetail
		found, err := c.do(ctx, http.MethodGet, "/api/checklists/"+url.PathEscape(checklistID), nil, &detail)
		if err != nil || !found {
			return nil, err
		}
		return &detail, nil
	})
}

func (c *APIClient) SetCompletion(ctx context.Context, checklistID, itemID string, completed bool, notes *string) (*Mutation, error) {
	body := map[string]any{"isCompleted": completed}
	if notes != nil {
		body["notes"] = *notes
	}
	return c.mutate(ctx, checklistID, itemID, "completion", body)
}

func (c *APIClient) SetStatus(ctx context.Context, checklistID, itemID, status string, notes *string) (*Mutation, error) {
	body := map[string]any{"status": status}
	if notes != nil {
		body["notes"] = *notes
	}
	return c.mutate(ctx, checklistID, itemID, "status", body)
}

func (c *APIClient) SetNotes(ctx context.Context, checklistID, itemID string, notes *string) (*Mutation, error) {
	return c.mutate(ctx, checklistID, itemID, "notes", map[string]any{"notes": notes})
}

func (c *APIClient) mutate(ctx context.Context, checklistID, itemID, action string, body any) (*Mutation, error) {
	path := fmt.Sprintf("/api/checklists/%s/items/%s/%s", url.PathEscape(checklistID), url.PathEscape(itemID), action)
	var result Mutation
	found, err := c.do(ctx, http.MethodPost, path, body, &result)
	if err != nil || !found {
		return nil, err
	}
	c.dedup.Forget(myChecklistsKey)
	c.dedup.Forget("checklist:" + checklistID)
	return &result, nil
}

// do sends one request. It reports found=false for a 404.
func (c *APIClient) do(ctx context.Context, method, path string, body, target any) (bool, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.ClientID != "" {
		req.Header.Set("X-Client-ID", c.ClientID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, decodeAPIError(resp)
	}
	if target == nil {
		return true, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return false, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return true, nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Message: resp.Status}
	var payload struct {
		Code    string          `json:"code"`
		Error   string          `json:"error"`
		Details json.RawMessage `json:"details"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(raw, &payload); err == nil {
		apiErr.Code = payload.Code
		if payload.Error != "" {
			apiErr.Message = payload.Error
		}
		apiErr.Details = payload.Details
	}
	return apiErr
}
