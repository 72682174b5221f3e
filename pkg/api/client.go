// Package api provides an HTTP client for the async migration API
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client is the async migration API client
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// Service clients
	Migrations *MigrationsClient
	Runs       *RunsClient
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.HTTPClient = client
	}
}

// WithTimeout sets the HTTP client timeout. Runs are synchronous, so it has to
// cover a whole migration.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.HTTPClient.Timeout = timeout
	}
}

// NewClient creates a new async migration API client
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	// Initialize service clients
	c.Migrations = &MigrationsClient{client: c}
	c.Runs = &RunsClient{client: c}

	return c
}

// envelope is the response body every endpoint answers with
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Request makes an HTTP request and decodes the data of the response into result
func (c *Client) Request(ctx context.Context, method, path string, body, result interface{}) error {
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	// Execute request
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Read response
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		if resp.StatusCode >= 400 {
			return fmt.Errorf("API error: %d %s", resp.StatusCode, string(respBody))
		}
		return fmt.Errorf("failed to parse response: %w", err)
	}

	// Check for errors
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		// Failed runs still carry their record
		if len(env.Data) > 0 && string(env.Data) != "null" {
			var run Run
			if err := json.Unmarshal(env.Data, &run); err == nil && run.Status != "" {
				apiErr.Run = &run
			}
		}
		return apiErr
	}

	// Parse result
	if result != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// APIError represents an API error response
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	// Run is set when the failed request produced a run record
	Run *Run
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: %d", e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Migration describes a registered migration
type Migration struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	DependsOn   string `json:"dependsOn,omitempty"`
	Tables      int    `json:"tables"`
}

// MigrationStatus tells whether a migration is required and how it last ran
type MigrationStatus struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	DependsOn   string `json:"dependsOn,omitempty"`
	Required    bool   `json:"required"`
	LatestRun   *Run   `json:"latestRun,omitempty"`
}

// Step is one operation of a plan
type Step struct {
	Index       int    `json:"index"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	SQL         string `json:"sql,omitempty"`
	RollbackSQL string `json:"rollbackSql,omitempty"`
	Reversible  bool   `json:"reversible"`
}

// Plan is the dry-run rendering of a migration
type Plan struct {
	Migration string `json:"migration"`
	RunKey    string `json:"runKey"`
	Steps     []Step `json:"steps"`
}

// Run is the record of one migration run
type Run struct {
	ID             string     `json:"id"`
	Migration      string     `json:"migration"`
	RunKey         string     `json:"runKey"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
	RollbackErrors []string   `json:"rollbackErrors,omitempty"`
	StepsApplied   int        `json:"stepsApplied"`
	TotalSteps     int        `json:"totalSteps"`
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

// Checkpoint is the recorded state of one plan operation
type Checkpoint struct {
	Index       int       `json:"index"`
	Description string    `json:"description"`
	State       string    `json:"state"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// RunDetails is a run with its checkpoints
type RunDetails struct {
	Run         *Run         `json:"run"`
	Checkpoints []Checkpoint `json:"checkpoints"`
}

// MigrationsClient handles migration operations
type MigrationsClient struct {
	client *Client
}

const basePath = "/api/v1/async-migrations"

// List returns the registered migrations
func (c *MigrationsClient) List(ctx context.Context) ([]Migration, error) {
	var result struct {
		Migrations []Migration `json:"migrations"`
	}
	err := c.client.Request(ctx, http.MethodGet, basePath, nil, &result)
	return result.Migrations, err
}

// Status returns the status of a migration
func (c *MigrationsClient) Status(ctx context.Context, name string) (*MigrationStatus, error) {
	var result MigrationStatus
	err := c.client.Request(ctx, http.MethodGet, basePath+"/"+url.PathEscape(name), nil, &result)
	return &result, err
}

// Plan returns the operations a run would execute
func (c *MigrationsClient) Plan(ctx context.Context, name string) (*Plan, error) {
	var result Plan
	err := c.client.Request(ctx, http.MethodGet, basePath+"/"+url.PathEscape(name)+"/plan", nil, &result)
	return &result, err
}

// Run executes a migration and returns once it finished
func (c *MigrationsClient) Run(ctx context.Context, name string) (*Run, error) {
	var result Run
	err := c.client.Request(ctx, http.MethodPost, basePath+"/"+url.PathEscape(name)+"/run", nil, &result)
	return &result, err
}

// RunsClient handles run operations
type RunsClient struct {
	client *Client
}

// Get returns a run and its checkpoints
func (c *RunsClient) Get(ctx context.Context, id string) (*RunDetails, error) {
	var result RunDetails
	err := c.client.Request(ctx, http.MethodGet, basePath+"/runs/"+url.PathEscape(id), nil, &result)
	return &result, err
}

// Rollback unwinds a recorded run
func (c *RunsClient) Rollback(ctx context.Context, id string) (*Run, error) {
	var result Run
	err := c.client.Request(ctx, http.MethodPost, basePath+"/runs/"+url.PathEscape(id)+"/rollback", nil, &result)
	return &result, err
}
