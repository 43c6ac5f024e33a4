package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/foundryhq/foundry/common/config"
	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/logger"
	"github.com/foundryhq/foundry/common/models"
)

// HTTPClient talks to the tracker's REST API.
type HTTPClient struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	log        *logger.Logger
}

// NewHTTPClient creates a tracker client from the Tracker config section.
func NewHTTPClient(cfg config.TrackerConfig, log *logger.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiToken:   cfg.APIToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

// Issue fetches one issue's metadata.
func (c *HTTPClient) Issue(ctx context.Context, projectID, issueID string) (*models.Issue, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/issues/%s", c.baseURL, projectID, issueID)

	issue := &models.Issue{}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, issue); err != nil {
		return nil, err
	}

	return issue, nil
}

// SetStatus moves an issue to a new status column.
func (c *HTTPClient) SetStatus(ctx context.Context, projectID, issueID, status string) error {
	endpoint := fmt.Sprintf("%s/projects/%s/issues/%s/status", c.baseURL, projectID, issueID)

	payload := map[string]string{"status": status}
	if err := c.do(ctx, http.MethodPut, endpoint, payload, nil); err != nil {
		return err
	}

	c.log.Info("issue status updated", "project_id", projectID, "issue_id", issueID, "status", status)
	return nil
}

// ApplyUpdates applies a batch of item updates in one request.
func (c *HTTPClient) ApplyUpdates(ctx context.Context, projectID string, updates []Update) ([]map[string]any, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/items/batch", c.baseURL, projectID)

	var resp struct {
		Items []map[string]any `json:"items"`
	}
	payload := map[string]any{"updates": updates}
	if err := c.do(ctx, http.MethodPost, endpoint, payload, &resp); err != nil {
		return nil, err
	}

	return resp.Items, nil
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errdefs.Wrap(errdefs.KindProjectAPI, err, "tracker request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errdefs.Wrap(errdefs.KindProjectAPI, err, "read tracker response")
	}

	if resp.StatusCode == http.StatusNotFound {
		return errdefs.Newf(errdefs.KindNotFound, "tracker resource not found: %s", endpoint)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(respBody))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return errdefs.Newf(errdefs.KindProjectAPI, "tracker returned %d: %s", resp.StatusCode, msg).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errdefs.Wrap(errdefs.KindProjectAPI, err, "decode tracker response")
		}
	}

	return nil
}
