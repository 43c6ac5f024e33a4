package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/expr"
	"github.com/foundryhq/foundry/common/logger"
	"github.com/foundryhq/foundry/common/ports"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPExecutor issues an outbound HTTP request. URL and body come from
// mapped inputs when present, otherwise from node config.
type HTTPExecutor struct {
	client *http.Client
	log    *logger.Logger
	guard  bool
}

// NewHTTPExecutor creates the http executor. Target URLs are screened
// against loopback, private and link-local addresses before any request
// goes out.
func NewHTTPExecutor(log *logger.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		client: &http.Client{Timeout: defaultHTTPTimeout},
		log:    log,
		guard:  true,
	}
}

func (e *HTTPExecutor) Kind() ports.Kind { return ports.KindHTTP }

func (e *HTTPExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	url := inputString(req.Inputs, "url")
	if url == "" {
		url = configString(req.Config, "url")
	}
	if url == "" {
		return nil, errdefs.Newf(errdefs.KindPortUnresolved, "node %q has no url input or config", req.NodeID)
	}
	if e.guard {
		if err := guardOutboundURL(url); err != nil {
			return nil, err
		}
	}

	method := strings.ToUpper(configString(req.Config, "method"))
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	contentType := ""
	body, hasBody := req.Inputs["body"]
	if !hasBody {
		body, hasBody = req.Config["body"]
	}
	if hasBody && body != nil {
		switch v := body.(type) {
		case string:
			bodyReader = strings.NewReader(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, errdefs.Wrap(errdefs.KindValidation, err, "request body is not serializable")
			}
			bodyReader = bytes.NewReader(encoded)
			contentType = "application/json"
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, err, "invalid http request")
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if headers, ok := req.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			httpReq.Header.Set(k, expr.Stringify(v))
		}
	}

	client := e.client
	if secs, ok := configNumber(req.Config, "timeout"); ok && secs > 0 {
		client = &http.Client{Timeout: time.Duration(secs * float64(time.Second))}
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "http request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "failed to read response body")
	}

	e.log.Debug("http request finished",
		"node_id", req.NodeID,
		"method", method,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode >= 400 && configBool(req.Config, "throwOnError") {
		return nil, errdefs.Newf(errdefs.KindInternal, "http request returned status %d: %s", resp.StatusCode, truncate(string(raw), 512)).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	var parsedBody any = string(raw)
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			parsedBody = decoded
		}
	}

	return &Result{
		Outputs: map[string]any{
			"status":  resp.StatusCode,
			"headers": respHeaders,
			"body":    parsedBody,
		},
	}, nil
}
