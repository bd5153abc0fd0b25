package stores

import (
	"context"
	"errors"
	"time"

	"github.com/unibuild/unibuild/pkg/deploy"
	"github.com/unibuild/unibuild/pkg/engine"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// BuildRecord is the stored summary of one build run.
type BuildRecord struct {
	ID          string           `json:"id"`
	Root        string           `json:"root"`
	Status      engine.RunStatus `json:"status"`
	Operations  []string         `json:"operations"`
	Total       int              `json:"total"`
	Successful  int              `json:"successful"`
	Failed      int              `json:"failed"`
	Skipped     int              `json:"skipped"`
	SuccessRate float64          `json:"success_rate"`
	Duration    time.Duration    `json:"duration"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
}

// DeploymentRecord is the stored summary of one deployment.
type DeploymentRecord struct {
	ID               string          `json:"id"`
	Service          string          `json:"service"`
	Environment      string          `json:"environment"`
	Strategy         deploy.Strategy `json:"strategy"`
	Artifact         string          `json:"artifact"`
	PreviousArtifact string          `json:"previous_artifact,omitempty"`
	Phase            deploy.Phase    `json:"phase"`
	FailedPhase      deploy.Phase    `json:"failed_phase,omitempty"`
	RolledBack       bool            `json:"rolled_back"`
	Error            string          `json:"error,omitempty"`
	LiveTarget       string          `json:"live_target,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// Store is the history store used by the CLI.
type Store interface {
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	// SaveBuild stores report and its execution results.
	SaveBuild(ctx context.Context, report *engine.BuildReport) error
	GetBuild(ctx context.Context, id string) (*BuildRecord, error)
	GetBuildReport(ctx context.Context, id string) (*engine.BuildReport, error)
	ListBuilds(ctx context.Context, limit, offset int) ([]*BuildRecord, error)
	ListResults(ctx context.Context, buildID string) ([]engine.ExecutionResult, error)

	// SaveDeployment inserts or replaces the deployment and its history.
	SaveDeployment(ctx context.Context, state deploy.State) error
	GetDeployment(ctx context.Context, id string) (*DeploymentRecord, error)
	ListDeployments(ctx context.Context, environment string, limit int) ([]*DeploymentRecord, error)
	ListTransitions(ctx context.Context, deploymentID string) ([]deploy.Transition, error)

	// LastDeployedArtifact returns the artifact of the most recent
	// completed deployment of service to environment.
	LastDeployedArtifact(ctx context.Context, environment, service string) (string, error)

	// LiveTarget returns the blue-green colour serving traffic after the
	// most recent finished blue-green deployment of service to environment.
	LiveTarget(ctx context.Context, environment, service string) (string, error)
}
