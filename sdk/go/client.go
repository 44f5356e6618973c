package grovelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Groveline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	Wallet      string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  10 * time.Second,
	}
}

// Plantation represents the API plantation model (partial).
type Plantation struct {
	ID               string            `json:"id"`
	SeedName         string            `json:"seed_name"`
	Location         string            `json:"location,omitempty"`
	Stage            string            `json:"stage"`
	StartDate        string            `json:"start_date"`
	UpdatedAt        string            `json:"updated_at"`
	Wallet           string            `json:"wallet"`
	TreeCount        int               `json:"tree_count"`
	AreaHectares     float64           `json:"area_hectares"`
	CarbonOffsetTons float64           `json:"carbon_offset_tons"`
	Notes            string            `json:"notes,omitempty"`
	Coordinates      *Coordinates      `json:"coordinates,omitempty"`
	YieldTimeline    []YieldCheckpoint `json:"yield_timeline,omitempty"`
	Collaborators    []Collaborator    `json:"collaborators,omitempty"`
	Tasks            []Task            `json:"tasks,omitempty"`
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Task struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	DueDate    string  `json:"due_date"`
	Status     string  `json:"status"`
	TemplateID *string `json:"template_id,omitempty"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

type Collaborator struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Role        string  `json:"role"`
	Contact     string  `json:"contact,omitempty"`
	LastNote    *string `json:"last_note,omitempty"`
	LastUpdated *string `json:"last_updated,omitempty"`
}

type YieldCheckpoint struct {
	ID      string  `json:"id"`
	Date    string  `json:"date"`
	Event   string  `json:"event"`
	YieldKg float64 `json:"yield_kg"`
}

type RecurringTemplate struct {
	ID           string `json:"id"`
	PlantationID string `json:"plantation_id"`
	Title        string `json:"title"`
	Frequency    string `json:"frequency"`
	Interval     int    `json:"interval"`
	LeadTimeDays int    `json:"lead_time_days"`
	NextRunDate  string `json:"next_run_date"`
	Enabled      bool   `json:"enabled"`
}

// GateVerdict is the result of a stage-gate check.
type GateVerdict struct {
	CanProceed      bool     `json:"can_proceed"`
	BlockingReasons []string `json:"blocking_reasons"`
	Warnings        []string `json:"warnings"`
}

// Event represents a journal record.
type Event struct {
	ID           int64           `json:"id"`
	TS           string          `json:"ts"`
	Type         string          `json:"type"`
	PlantationID string          `json:"plantation_id"`
	EntityID     string          `json:"entity_id,omitempty"`
	Wallet       string          `json:"wallet,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Plantations lists plantations, optionally filtered by owning wallet.
func (c *Client) Plantations(ctx context.Context, wallet string) ([]Plantation, error) {
	endpoint := "plantations"
	if wallet != "" {
		endpoint = fmt.Sprintf("plantations?wallet=%s", url.QueryEscape(wallet))
	}
	var resp []Plantation
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Plantation fetches a plantation by id.
func (c *Client) Plantation(ctx context.Context, id string) (Plantation, error) {
	var resp Plantation
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("plantations/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// CreatePlantation registers a plantation.
func (c *Client) CreatePlantation(ctx context.Context, seedName, location string) (Plantation, error) {
	body := map[string]any{
		"seed_name": seedName,
		"location":  location,
	}
	var resp Plantation
	err := c.do(ctx, http.MethodPost, "plantations", body, &resp)
	return resp, err
}

// Transition advances a plantation's lifecycle stage.
func (c *Client) Transition(ctx context.Context, id, targetStage, note string) (Plantation, error) {
	body := map[string]any{"target_stage": targetStage}
	if note != "" {
		body["note"] = note
	}
	var resp Plantation
	endpoint := fmt.Sprintf("plantations/%s/transition", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GateCheck evaluates stage-gate rules for a candidate target stage.
func (c *Client) GateCheck(ctx context.Context, id, targetStage string) (GateVerdict, error) {
	body := map[string]any{"target_stage": targetStage}
	var resp GateVerdict
	endpoint := fmt.Sprintf("plantations/%s/gate-check", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CreateTask adds a task to a plantation.
func (c *Client) CreateTask(ctx context.Context, plantationID, title string) (Task, error) {
	body := map[string]any{"title": title}
	var resp Task
	endpoint := fmt.Sprintf("plantations/%s/tasks", url.PathEscape(plantationID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SetTaskStatus updates a task's status.
func (c *Client) SetTaskStatus(ctx context.Context, plantationID, taskID, status string) (Task, error) {
	body := map[string]any{"status": status}
	var resp Task
	endpoint := fmt.Sprintf("plantations/%s/tasks/%s/status", url.PathEscape(plantationID), url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// AddCollaborator adds a collaborator to a plantation.
func (c *Client) AddCollaborator(ctx context.Context, plantationID, name, role string) (Collaborator, error) {
	body := map[string]any{"name": name, "role": role}
	var resp Collaborator
	endpoint := fmt.Sprintf("plantations/%s/collaborators", url.PathEscape(plantationID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AddCheckpoint records a yield checkpoint.
func (c *Client) AddCheckpoint(ctx context.Context, plantationID, event string, yieldKg float64) (YieldCheckpoint, error) {
	body := map[string]any{"event": event, "yield_kg": yieldKg}
	var resp YieldCheckpoint
	endpoint := fmt.Sprintf("plantations/%s/checkpoints", url.PathEscape(plantationID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RecurringTemplates lists recurring task templates.
func (c *Client) RecurringTemplates(ctx context.Context) ([]RecurringTemplate, error) {
	var resp []RecurringTemplate
	err := c.do(ctx, http.MethodGet, "recurring-templates", nil, &resp)
	return resp, err
}

// RunScheduler triggers recurring task generation and returns created tasks.
func (c *Client) RunScheduler(ctx context.Context) ([]Task, error) {
	var resp struct {
		Created []Task `json:"created"`
	}
	err := c.do(ctx, http.MethodPost, "scheduler/run", map[string]any{}, &resp)
	return resp.Created, err
}

// Events returns journal records with id greater than the cursor.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := "events"
	params := url.Values{}
	if after > 0 {
		params.Set("after", fmt.Sprintf("%d", after))
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.Trim(c.BasePath, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.Wallet != "":
		req.Header.Set("X-Wallet-Address", c.Wallet)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
