package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fentz26/waypoint/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the Waypoint API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// ListRuns fetches runs, newest first. An empty status lists every run.
func (c *Client) ListRuns(status string) ([]models.RunSummary, error) {
	path := "/runs"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var runs []models.RunSummary
	if err := c.get(path, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// GetRun fetches the latest state of a run
func (c *Client) GetRun(id string) (*RunDetail, error) {
	var run RunDetail
	if err := c.get("/runs/"+url.PathEscape(id), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Decisions fetches the audit trail of a run
func (c *Client) Decisions(id string) ([]models.Decision, error) {
	var decisions []models.Decision
	if err := c.get("/runs/"+url.PathEscape(id)+"/decisions", &decisions); err != nil {
		return nil, err
	}
	return decisions, nil
}

// StartRun submits a goal and returns the new run id
func (c *Client) StartRun(goal string) (string, error) {
	body, err := c.post("/runs", map[string]string{"goal": goal})
	if err != nil {
		return "", err
	}
	var result struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", err
	}
	return result.RunID, nil
}

// CancelRun asks the daemon to stop an active run
func (c *Client) CancelRun(id string) error {
	_, err := c.post("/runs/"+url.PathEscape(id)+"/cancel", nil)
	return err
}

// ResumeRun asks the daemon to continue a checkpointed run
func (c *Client) ResumeRun(id string) error {
	_, err := c.post("/runs/"+url.PathEscape(id)+"/resume", nil)
	return err
}

// CheckHealth checks if the daemon is healthy
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}
	return health.OK, nil
}

func (c *Client) get(path string, v interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	var payload io.Reader = http.NoBody
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(jsonData)
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, readAPIError(resp)
	}
	return io.ReadAll(resp.Body)
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
