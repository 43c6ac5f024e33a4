// Package platform wraps the container-hosting platform API behind the
// narrow client surface the dispatcher needs: create a service, poll its
// deployment status, delete it.
package platform

import "context"

// Deployment statuses reported by the platform. BUILDING and DEPLOYING are
// transient; the rest are terminal.
const (
	StatusBuilding  = "BUILDING"
	StatusDeploying = "DEPLOYING"
	StatusSuccess   = "SUCCESS"
	StatusFailed    = "FAILED"
	StatusCrashed   = "CRASHED"
)

// TerminalStatus reports whether a deployment status admits no further
// transitions.
func TerminalStatus(status string) bool {
	return status == StatusSuccess || status == StatusFailed || status == StatusCrashed
}

// CreateServiceRequest describes one ephemeral execution container.
type CreateServiceRequest struct {
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Variables map[string]string `json:"variables"`
}

// Service identifies a created platform service.
type Service struct {
	ID string `json:"id"`
}

// Client is the dispatcher's view of the container platform.
type Client interface {
	CreateService(ctx context.Context, req CreateServiceRequest) (*Service, error)
	DeploymentStatus(ctx context.Context, serviceID string) (string, error)
	DeleteService(ctx context.Context, serviceID string) error
}
