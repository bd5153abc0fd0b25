package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/unibuild/unibuild/pkg/deploy"
	"github.com/unibuild/unibuild/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{path: cfg.Path, cfg: cfg}, nil
}

// Init opens the database, creating its directory, and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// SaveBuild stores the report summary, the full report document and one
// row per execution result in a single transaction.
func (s *SQLiteStore) SaveBuild(ctx context.Context, report *engine.BuildReport) error {
	doc, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	ops, err := json.Marshal(report.Operations)
	if err != nil {
		return fmt.Errorf("failed to encode operations: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO builds (id, root, status, operations, total, successful, failed, skipped,
			success_rate, duration_ms, report, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.ID,
		report.Root,
		string(report.Status),
		string(ops),
		report.TotalProjects,
		report.Successful,
		report.Failed,
		report.Skipped,
		report.SuccessRate,
		report.Duration.Milliseconds(),
		string(doc),
		report.StartedAt.UTC(),
		report.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert build: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO build_results (build_id, seq, project_id, language, operation, outcome,
			exit_code, attempts, duration_ms, reason, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare result insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range report.Results {
		_, err := stmt.ExecContext(ctx,
			report.ID, i, r.ProjectID, string(r.Language), r.Operation, string(r.Outcome),
			r.ExitCode, r.Attempts, r.Duration.Milliseconds(), r.Reason, r.StartedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert result %s/%s: %w", r.ProjectID, r.Operation, err)
		}
	}

	return tx.Commit()
}

const buildColumns = `id, root, status, operations, total, successful, failed, skipped,
	success_rate, duration_ms, started_at, completed_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBuild(row scanner) (*BuildRecord, error) {
	b := &BuildRecord{}
	var status, ops string
	var durationMS int64
	err := row.Scan(
		&b.ID,
		&b.Root,
		&status,
		&ops,
		&b.Total,
		&b.Successful,
		&b.Failed,
		&b.Skipped,
		&b.SuccessRate,
		&durationMS,
		&b.StartedAt,
		&b.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = engine.RunStatus(status)
	b.Duration = time.Duration(durationMS) * time.Millisecond
	if err := json.Unmarshal([]byte(ops), &b.Operations); err != nil {
		return nil, fmt.Errorf("failed to decode operations: %w", err)
	}
	return b, nil
}

// GetBuild retrieves a build summary by ID
func (s *SQLiteStore) GetBuild(ctx context.Context, id string) (*BuildRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = ?`, id)
	b, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("build %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get build: %w", err)
	}
	return b, nil
}

// GetBuildReport returns the full report stored with a build.
func (s *SQLiteStore) GetBuildReport(ctx context.Context, id string) (*engine.BuildReport, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM builds WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("build %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get build report: %w", err)
	}

	report := &engine.BuildReport{}
	if err := json.Unmarshal([]byte(doc), report); err != nil {
		return nil, fmt.Errorf("failed to decode build report: %w", err)
	}
	return report, nil
}

// ListBuilds returns build summaries, newest first.
func (s *SQLiteStore) ListBuilds(ctx context.Context, limit, offset int) ([]*BuildRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+buildColumns+` FROM builds ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}
	defer rows.Close()

	var builds []*BuildRecord
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}
		builds = append(builds, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating builds: %w", err)
	}

	return builds, nil
}

// ListResults returns the execution results of a build in report order.
func (s *SQLiteStore) ListResults(ctx context.Context, buildID string) ([]engine.ExecutionResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, language, operation, outcome, exit_code, attempts, duration_ms, reason, started_at
		FROM build_results
		WHERE build_id = ?
		ORDER BY seq
	`, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var results []engine.ExecutionResult
	for rows.Next() {
		var r engine.ExecutionResult
		var language, outcome string
		var durationMS int64
		if err := rows.Scan(
			&r.ProjectID,
			&language,
			&r.Operation,
			&outcome,
			&r.ExitCode,
			&r.Attempts,
			&durationMS,
			&r.Reason,
			&r.StartedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.Language = engine.Language(language)
		r.Outcome = engine.Outcome(outcome)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}

	return results, nil
}

// SaveDeployment upserts the deployment row and rewrites its transition
// history.
func (s *SQLiteStore) SaveDeployment(ctx context.Context, state deploy.State) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode deployment state: %w", err)
	}

	var completed sql.NullTime
	if !state.CompletedAt.IsZero() {
		completed = sql.NullTime{Time: state.CompletedAt.UTC(), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deployments (id, service, environment, strategy, artifact, previous_artifact,
			phase, failed_phase, rolled_back, error, state, live_target, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			live_target = excluded.live_target,
			failed_phase = excluded.failed_phase,
			rolled_back = excluded.rolled_back,
			error = excluded.error,
			state = excluded.state,
			completed_at = excluded.completed_at
	`,
		state.ID,
		state.Plan.Service,
		state.Plan.Environment.Name,
		string(state.Plan.Strategy),
		state.Plan.Artifact,
		state.Plan.PreviousArtifact,
		string(state.Phase),
		string(state.FailedPhase),
		state.RolledBack,
		state.Error,
		string(doc),
		state.LiveTarget,
		state.StartedAt.UTC(),
		completed,
	)
	if err != nil {
		return fmt.Errorf("failed to save deployment: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM deployment_transitions WHERE deployment_id = ?`, state.ID); err != nil {
		return fmt.Errorf("failed to clear transitions: %w", err)
	}
	for i, tr := range state.History {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deployment_transitions (deployment_id, seq, from_phase, to_phase, reason, at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, state.ID, i, string(tr.From), string(tr.To), tr.Reason, tr.At.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert transition: %w", err)
		}
	}

	return tx.Commit()
}

const deploymentColumns = `id, service, environment, strategy, artifact, previous_artifact,
	phase, failed_phase, rolled_back, error, live_target, started_at, completed_at`

func scanDeployment(row scanner) (*DeploymentRecord, error) {
	d := &DeploymentRecord{}
	var strategy, phase, failedPhase string
	var completed sql.NullTime
	err := row.Scan(
		&d.ID,
		&d.Service,
		&d.Environment,
		&strategy,
		&d.Artifact,
		&d.PreviousArtifact,
		&phase,
		&failedPhase,
		&d.RolledBack,
		&d.Error,
		&d.LiveTarget,
		&d.StartedAt,
		&completed,
	)
	if err != nil {
		return nil, err
	}
	d.Strategy = deploy.Strategy(strategy)
	d.Phase = deploy.Phase(phase)
	d.FailedPhase = deploy.Phase(failedPhase)
	if completed.Valid {
		t := completed.Time
		d.CompletedAt = &t
	}
	return d, nil
}

// GetDeployment retrieves a deployment by ID
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*DeploymentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return d, nil
}

// ListDeployments returns deployments newest first. An empty environment
// lists every environment.
func (s *SQLiteStore) ListDeployments(ctx context.Context, environment string, limit int) ([]*DeploymentRecord, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	args := []interface{}{}
	if environment != "" {
		query += ` WHERE environment = ?`
		args = append(args, environment)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	var out []*DeploymentRecord
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		out = append(out, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}

	return out, nil
}

// ListTransitions returns a deployment's phase history in order.
func (s *SQLiteStore) ListTransitions(ctx context.Context, deploymentID string) ([]deploy.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_phase, to_phase, reason, at
		FROM deployment_transitions
		WHERE deployment_id = ?
		ORDER BY seq
	`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var out []deploy.Transition
	for rows.Next() {
		var tr deploy.Transition
		var from, to string
		if err := rows.Scan(&from, &to, &tr.Reason, &tr.At); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		tr.From = deploy.Phase(from)
		tr.To = deploy.Phase(to)
		out = append(out, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	return out, nil
}

// LastDeployedArtifact returns the artifact of the newest completed
// deployment of service to environment, or ErrNotFound.
func (s *SQLiteStore) LastDeployedArtifact(ctx context.Context, environment, service string) (string, error) {
	var artifact string
	err := s.db.QueryRowContext(ctx, `
		SELECT artifact FROM deployments
		WHERE environment = ? AND service = ? AND phase = ?
		ORDER BY started_at DESC
		LIMIT 1
	`, environment, service, string(deploy.PhaseCompleted)).Scan(&artifact)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("no completed deployment of %s to %s: %w", service, environment, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query last deployment: %w", err)
	}
	return artifact, nil
}

// LiveTarget returns the blue-green colour left serving traffic by the
// newest finished blue-green deployment of service to environment, or
// ErrNotFound. Rolled-back deployments count: they leave the previous
// colour live.
func (s *SQLiteStore) LiveTarget(ctx context.Context, environment, service string) (string, error) {
	var live string
	err := s.db.QueryRowContext(ctx, `
		SELECT live_target FROM deployments
		WHERE environment = ? AND service = ? AND strategy = ?
			AND phase IN (?, ?) AND live_target != ''
		ORDER BY started_at DESC
		LIMIT 1
	`, environment, service, string(deploy.StrategyBlueGreen),
		string(deploy.PhaseCompleted), string(deploy.PhaseRolledBack)).Scan(&live)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("no finished blue-green deployment of %s to %s: %w", service, environment, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query live target: %w", err)
	}
	return live, nil
}
