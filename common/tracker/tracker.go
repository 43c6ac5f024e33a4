// Package tracker wraps the external project-tracking API: issue reads for
// automation context, status writes for automation transitions, and the
// batch update surface the github-project executor uses.
package tracker

import (
	"context"

	"github.com/foundryhq/foundry/common/models"
)

// Update is one item mutation in a batch request. Fields holds the
// tracker-specific payload verbatim.
type Update struct {
	ItemID string         `json:"itemId"`
	Op     string         `json:"op"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Client is the engine's view of the project tracker.
type Client interface {
	// Issue fetches one issue's metadata.
	Issue(ctx context.Context, projectID, issueID string) (*models.Issue, error)
	// SetStatus moves an issue to a new status column.
	SetStatus(ctx context.Context, projectID, issueID, status string) error
	// ApplyUpdates applies a batch of item updates and returns the reconciled
	// item data.
	ApplyUpdates(ctx context.Context, projectID string, updates []Update) ([]map[string]any, error)
}
