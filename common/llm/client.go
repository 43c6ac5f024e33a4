package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/foundryhq/foundry/common/config"
	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/logger"
)

// Client speaks the OpenAI-compatible chat completions API. It implements
// both Provider and Agent; agent invocations are completions with a
// role-derived system prompt and a JSON object response.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	log        *logger.Logger
}

// NewClient creates a provider client from the LLM config section.
func NewClient(cfg config.LLMConfig, log *logger.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.DefaultModel,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
	}
}

// Complete issues one non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	payload := map[string]any{
		"model":    model,
		"messages": req.Messages,
		"stream":   false,
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.JSONMode {
		payload["response_format"] = map[string]string{"type": "json_object"}
	}
	for k, v := range req.Extra {
		payload[k] = v
	}

	return c.post(ctx, payload, req.APIKey)
}

// Invoke runs an agent turn: the role and capabilities become the system
// prompt, and the agent's answer is parsed as a JSON object. Plain-text
// answers come back under an "output" key.
func (c *Client) Invoke(ctx context.Context, req AgentRequest) (*AgentResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	system := "You are " + req.Role + "."
	if len(req.Capabilities) > 0 {
		system += " Capabilities: " + strings.Join(req.Capabilities, ", ") + "."
	}
	system += " Respond with a single JSON object."

	payload := map[string]any{
		"model": model,
		"messages": []Message{
			{Role: RoleSystem, Content: system},
			{Role: RoleUser, Content: req.Prompt},
		},
		"stream":          false,
		"response_format": map[string]string{"type": "json_object"},
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.MaxTurns > 0 {
		payload["max_turns"] = req.MaxTurns
	}
	if len(req.MCPServers) > 0 {
		payload["mcp_servers"] = req.MCPServers
	}
	if len(req.Answers) > 0 {
		payload["answers"] = req.Answers
	}

	resp, err := c.post(ctx, payload, "")
	if err != nil {
		return nil, err
	}

	var output map[string]any
	if err := json.Unmarshal([]byte(resp.Content), &output); err != nil {
		output = map[string]any{"output": resp.Content}
	}

	return &AgentResponse{Output: output, Usage: resp.Usage}, nil
}

func (c *Client) post(ctx context.Context, payload map[string]any, apiKeyOverride string) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	apiKey := c.apiKey
	if apiKeyOverride != "" {
		apiKey = apiKeyOverride
	}
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	c.log.Debug("llm request", "endpoint", endpoint, "model", payload["model"])

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindProvider, err, "provider request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindProvider, err, "read provider response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, providerError(resp.StatusCode, respBody, resp.Header)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, errdefs.Wrap(errdefs.KindProvider, err, "decode provider response")
	}

	if parsed.Error != nil && parsed.Error.Message != "" {
		return nil, errdefs.Newf(errdefs.KindProvider, "provider error: %s", parsed.Error.Message)
	}

	if len(parsed.Choices) == 0 {
		return nil, errdefs.New(errdefs.KindProvider, "provider returned no choices")
	}

	c.log.Debug("llm response",
		"finish_reason", parsed.Choices[0].FinishReason,
		"total_tokens", parsed.Usage.TotalTokens,
	)

	return &Response{
		Content: parsed.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

// providerError maps a non-2xx provider response to a taxonomy error,
// carrying the Retry-After hint when the provider sends one.
func providerError(status int, body []byte, header http.Header) error {
	details := map[string]any{"status": status}
	if ra := strings.TrimSpace(header.Get("Retry-After")); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			details["retryAfterSeconds"] = secs
		}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	if len(msg) > 512 {
		msg = msg[:512]
	}

	return errdefs.Newf(errdefs.KindProvider, "provider returned %d: %s", status, msg).WithDetails(details)
}
