package platform

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
)

// HTTPClient talks to the platform's REST API. Services are created inside
// the configured project and environment.
type HTTPClient struct {
	baseURL       string
	apiToken      string
	projectID     string
	environmentID string
	httpClient    *http.Client
	log           *logger.Logger
}

// NewHTTPClient creates a platform client from the Platform config section.
func NewHTTPClient(cfg config.PlatformConfig, log *logger.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiToken:      cfg.APIToken,
		projectID:     cfg.ProjectID,
		environmentID: cfg.EnvironmentID,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		log:           log,
	}
}

// CreateService provisions one container service and starts its deployment.
func (c *HTTPClient) CreateService(ctx context.Context, req CreateServiceRequest) (*Service, error) {
	endpoint := fmt.Sprintf("%s/v1/projects/%s/environments/%s/services", c.baseURL, c.projectID, c.environmentID)

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, endpoint, req, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, errdefs.New(errdefs.KindPlatform, "platform returned a service without an id")
	}

	c.log.Info("platform service created", "service_id", resp.ID, "name", req.Name, "image", req.Image)
	return &Service{ID: resp.ID}, nil
}

// DeploymentStatus returns the current deployment status of a service.
func (c *HTTPClient) DeploymentStatus(ctx context.Context, serviceID string) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/projects/%s/environments/%s/services/%s/deployment", c.baseURL, c.projectID, c.environmentID, serviceID)

	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return "", err
	}

	return resp.Status, nil
}

// DeleteService tears a service down. Deleting an already-gone service is
// not an error; the dispatcher calls this on every terminal path.
func (c *HTTPClient) DeleteService(ctx context.Context, serviceID string) error {
	endpoint := fmt.Sprintf("%s/v1/projects/%s/environments/%s/services/%s", c.baseURL, c.projectID, c.environmentID, serviceID)

	err := c.do(ctx, http.MethodDelete, endpoint, nil, nil)
	if err != nil && !errdefs.IsKind(err, errdefs.KindNotFound) {
		return err
	}

	c.log.Info("platform service deleted", "service_id", serviceID)
	return nil
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errdefs.Wrap(errdefs.KindPlatform, err, "platform request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errdefs.Wrap(errdefs.KindPlatform, err, "read platform response")
	}

	if resp.StatusCode == http.StatusNotFound {
		return errdefs.Newf(errdefs.KindNotFound, "platform resource not found: %s", endpoint)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(respBody))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return errdefs.Newf(errdefs.KindPlatform, "platform returned %d: %s", resp.StatusCode, msg).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errdefs.Wrap(errdefs.KindPlatform, err, "decode platform response")
		}
	}

	return nil
}
