package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/ports"
	"github.com/foundryhq/foundry/common/tracker"
)

// unguardedHTTP skips the outbound address screen so tests can target
// loopback httptest servers.
func unguardedHTTP() *HTTPExecutor {
	e := NewHTTPExecutor(testLogger())
	e.guard = false
	return e
}

func TestHTTPExecutorGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	e := unguardedHTTP()
	req := testRequest(ports.KindHTTP, map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"X-Api-Key": "secret"},
	}, nil)

	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Outputs["status"])

	body, ok := res.Outputs["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, body["ok"])

	headers, ok := res.Outputs["headers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "application/json", headers["Content-Type"])
}

func TestHTTPExecutorPostsMappedBody(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer srv.Close()

	e := unguardedHTTP()
	req := testRequest(ports.KindHTTP,
		map[string]any{"method": "post"},
		map[string]any{
			"url":  srv.URL,
			"body": map[string]any{"name": "deploy"},
		})

	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 201, res.Outputs["status"])
	assert.Equal(t, "created", res.Outputs["body"])
	assert.Equal(t, "deploy", got["name"])
}

func TestHTTPExecutorThrowOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := unguardedHTTP()

	req := testRequest(ports.KindHTTP, map[string]any{"url": srv.URL}, nil)
	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 500, res.Outputs["status"])

	req = testRequest(ports.KindHTTP, map[string]any{"url": srv.URL, "throwOnError": true}, nil)
	_, err = e.Execute(context.Background(), req)
	require.Error(t, err)

	var taxErr *errdefs.Error
	require.ErrorAs(t, err, &taxErr)
	assert.Equal(t, 500, taxErr.Details["status"])
}

func TestHTTPExecutorMissingURL(t *testing.T) {
	e := NewHTTPExecutor(testLogger())
	_, err := e.Execute(context.Background(), testRequest(ports.KindHTTP, nil, nil))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindPortUnresolved, errdefs.KindOf(err))
}

func TestHTTPExecutorBlocksUnroutableTargets(t *testing.T) {
	e := NewHTTPExecutor(testLogger())
	for _, target := range []string{
		"file:///etc/passwd",
		"ftp://example.com/drop",
		"http://localhost:8080/admin",
		"http://127.0.0.1:6379/",
		"http://10.0.0.8/internal",
		"http://169.254.169.254/latest/meta-data/",
		"http://[::1]:9000/",
	} {
		req := testRequest(ports.KindHTTP, map[string]any{"url": target}, nil)
		_, err := e.Execute(context.Background(), req)
		require.Error(t, err, "target %s", target)
		assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err), "target %s", target)
	}
}

func TestGuardOutboundURLAllowsUnresolvableHosts(t *testing.T) {
	// Unresolvable names pass the screen; the dial itself fails later.
	assert.NoError(t, guardOutboundURL("https://api.example.invalid/v1/items"))
}

func TestProjectExecutorAppliesUpdates(t *testing.T) {
	tr := &fakeTracker{items: []map[string]any{{"id": "item-1", "status": "Done"}}}
	e := NewProjectExecutor(tr)

	req := testRequest(ports.KindGitHubProject, nil, map[string]any{
		"updates": []any{
			map[string]any{
				"itemId": "item-1",
				"op":     "update",
				"fields": map[string]any{"status": "Done"},
			},
		},
	})

	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "proj-1", tr.lastProject)
	require.Len(t, tr.lastUpdates, 1)
	assert.Equal(t, tracker.Update{
		ItemID: "item-1",
		Op:     "update",
		Fields: map[string]any{"status": "Done"},
	}, tr.lastUpdates[0])
	assert.Equal(t, tr.items, res.Outputs["items"].([]map[string]any))
}

func TestProjectExecutorRejectsBadShape(t *testing.T) {
	e := NewProjectExecutor(&fakeTracker{})

	req := testRequest(ports.KindGitHubProject, nil, map[string]any{"updates": "not a list"})
	_, err := e.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))

	req = testRequest(ports.KindGitHubProject, nil, map[string]any{
		"updates": []any{map[string]any{"itemId": "x"}},
	})
	_, err = e.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestProjectExecutorMissingUpdates(t *testing.T) {
	e := NewProjectExecutor(&fakeTracker{})
	_, err := e.Execute(context.Background(), testRequest(ports.KindGitHubProject, nil, nil))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindPortUnresolved, errdefs.KindOf(err))
}

func TestGitCheckoutResolveOrder(t *testing.T) {
	e := NewGitCheckoutExecutor(t.TempDir(), testLogger())

	req := testRequest(ports.KindGitCheckout,
		map[string]any{"owner": "config-owner"},
		map[string]any{"owner": "port-owner"})
	req.Context = map[string]any{"issueOwner": "ctx-owner", "issueRepo": "ctx-repo"}

	assert.Equal(t, "port-owner", e.resolve(req, "owner", "issueOwner"))

	delete(req.Inputs, "owner")
	assert.Equal(t, "config-owner", e.resolve(req, "owner", "issueOwner"))

	delete(req.Config, "owner")
	assert.Equal(t, "ctx-owner", e.resolve(req, "owner", "issueOwner"))
	assert.Equal(t, "ctx-repo", e.resolve(req, "repo", "issueRepo"))
	assert.Equal(t, "", e.resolve(req, "ref", ""))
}

func TestGitCheckoutMissingRepo(t *testing.T) {
	e := NewGitCheckoutExecutor(t.TempDir(), testLogger())
	_, err := e.Execute(context.Background(), testRequest(ports.KindGitCheckout, nil, nil))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindPortUnresolved, errdefs.KindOf(err))
}
