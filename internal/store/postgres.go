package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/syllogic-ai/genai-datavis-sub001/internal/models"
)

// Store wraps pgxpool for Postgres persistence of widgets and agent jobs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateWidgetParams collects inputs to insert a widget.
type CreateWidgetParams struct {
	ID          string // optional; generated when empty
	DashboardID string
	Type        string
	Position    int
	Config      map[string]any
	Data        map[string]any
}

// CreateWidget inserts a widget row and returns the stored record.
func (s *Store) CreateWidget(ctx context.Context, p CreateWidgetParams) (models.Widget, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Config == nil {
		p.Config = map[string]any{}
	}
	configJSON, err := json.Marshal(p.Config)
	if err != nil {
		return models.Widget{}, fmt.Errorf("marshal config: %w", err)
	}
	dataJSON, err := marshalNullable(p.Data)
	if err != nil {
		return models.Widget{}, fmt.Errorf("marshal data: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO widgets (id, dashboard_id, type, position, config, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, p.ID, p.DashboardID, p.Type, p.Position, configJSON, dataJSON, now)
	if err != nil {
		return models.Widget{}, fmt.Errorf("insert widget: %w", err)
	}

	return models.Widget{
		ID:          p.ID,
		DashboardID: p.DashboardID,
		Type:        p.Type,
		Position:    p.Position,
		Config:      p.Config,
		Data:        p.Data,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// UpdateWidgetParams describes a partial widget update; nil fields are left
// unchanged.
type UpdateWidgetParams struct {
	Type     *string
	Position *int
	Config   map[string]any
	Data     map[string]any
}

// UpdateWidget applies a partial update and returns the stored record, or
// models.ErrNotFound when the widget does not exist on the dashboard.
func (s *Store) UpdateWidget(ctx context.Context, dashboardID, id string, p UpdateWidgetParams) (models.Widget, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Widget{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	w, err := scanWidget(tx.QueryRow(ctx, `
		SELECT id, dashboard_id, type, position, config, data, created_at, updated_at
		FROM widgets WHERE id = $1 AND dashboard_id = $2 FOR UPDATE
	`, id, dashboardID))
	if err != nil {
		return models.Widget{}, err
	}

	if p.Type != nil {
		w.Type = *p.Type
	}
	if p.Position != nil {
		w.Position = *p.Position
	}
	if p.Config != nil {
		w.Config = p.Config
	}
	if p.Data != nil {
		w.Data = p.Data
	}
	w.UpdatedAt = time.Now().UTC()

	configJSON, err := json.Marshal(w.Config)
	if err != nil {
		return models.Widget{}, fmt.Errorf("marshal config: %w", err)
	}
	dataJSON, err := marshalNullable(w.Data)
	if err != nil {
		return models.Widget{}, fmt.Errorf("marshal data: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE widgets SET type = $3, position = $4, config = $5, data = $6, updated_at = $7
		WHERE id = $1 AND dashboard_id = $2
	`, id, dashboardID, w.Type, w.Position, configJSON, dataJSON, w.UpdatedAt)
	if err != nil {
		return models.Widget{}, fmt.Errorf("update widget: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Widget{}, fmt.Errorf("commit: %w", err)
	}
	return w, nil
}

// DeleteWidget removes a widget and returns the deleted record, or
// models.ErrNotFound.
func (s *Store) DeleteWidget(ctx context.Context, dashboardID, id string) (models.Widget, error) {
	return scanWidget(s.pool.QueryRow(ctx, `
		DELETE FROM widgets WHERE id = $1 AND dashboard_id = $2
		RETURNING id, dashboard_id, type, position, config, data, created_at, updated_at
	`, id, dashboardID))
}

// GetWidget fetches one widget.
func (s *Store) GetWidget(ctx context.Context, dashboardID, id string) (models.Widget, error) {
	return scanWidget(s.pool.QueryRow(ctx, `
		SELECT id, dashboard_id, type, position, config, data, created_at, updated_at
		FROM widgets WHERE id = $1 AND dashboard_id = $2
	`, id, dashboardID))
}

// ListWidgets returns the dashboard's widgets in render order.
func (s *Store) ListWidgets(ctx context.Context, dashboardID string) ([]models.Widget, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, dashboard_id, type, position, config, data, created_at, updated_at
		FROM widgets WHERE dashboard_id = $1
		ORDER BY position, created_at
	`, dashboardID)
	if err != nil {
		return nil, fmt.Errorf("list widgets: %w", err)
	}
	defer rows.Close()

	var out []models.Widget
	for rows.Next() {
		w, err := scanWidget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// CreateJobParams collects inputs to insert an agent job.
type CreateJobParams struct {
	OwnerID     string
	DashboardID string
	Payload     map[string]any
}

// CreateJob inserts a pending job row.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, owner_id, dashboard_id, status, progress, payload, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
	`, id, p.OwnerID, p.DashboardID, models.JobPending, payloadJSON, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:          id,
		OwnerID:     p.OwnerID,
		DashboardID: p.DashboardID,
		Status:      models.JobPending,
		Payload:     p.Payload,
		CreatedAt:   now,
	}, nil
}

// GetJob fetches a job by id, returning models.ErrNotFound for unknown ids.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `
		SELECT id, owner_id, dashboard_id, status, progress, error, payload, created_at, started_at, completed_at
		FROM jobs WHERE id = $1
	`, id))
}

// MarkJobProcessing transitions pending → processing and stamps started_at.
func (s *Store) MarkJobProcessing(ctx context.Context, id string) (models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $2, started_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING id, owner_id, dashboard_id, status, progress, error, payload, created_at, started_at, completed_at
	`, id, models.JobProcessing, models.JobPending))
}

// UpdateJobProgress sets progress for a non-terminal job.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, progress int) (models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET progress = $2
		WHERE id = $1 AND status NOT IN ($3, $4)
		RETURNING id, owner_id, dashboard_id, status, progress, error, payload, created_at, started_at, completed_at
	`, id, progress, models.JobCompleted, models.JobFailed))
}

// CompleteJob transitions to completed. Terminal rows are never rewritten;
// completing an already-terminal job returns models.ErrNotFound.
func (s *Store) CompleteJob(ctx context.Context, id string) (models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $2, progress = 100, completed_at = NOW(), error = NULL
		WHERE id = $1 AND status NOT IN ($2, $3)
		RETURNING id, owner_id, dashboard_id, status, progress, error, payload, created_at, started_at, completed_at
	`, id, models.JobCompleted, models.JobFailed))
}

// FailJob transitions to failed with the server-side error string.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) (models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $2, completed_at = NOW(), error = $4
		WHERE id = $1 AND status NOT IN ($2, $3)
		RETURNING id, owner_id, dashboard_id, status, progress, error, payload, created_at, started_at, completed_at
	`, id, models.JobFailed, models.JobCompleted, errMsg))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWidget(row rowScanner) (models.Widget, error) {
	var w models.Widget
	var configJSON []byte
	var dataJSON []byte

	err := row.Scan(&w.ID, &w.DashboardID, &w.Type, &w.Position, &configJSON, &dataJSON, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Widget{}, fmt.Errorf("widget: %w", models.ErrNotFound)
	}
	if err != nil {
		return models.Widget{}, fmt.Errorf("scan widget: %w", err)
	}
	if err := json.Unmarshal(configJSON, &w.Config); err != nil {
		return models.Widget{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &w.Data); err != nil {
			return models.Widget{}, fmt.Errorf("unmarshal data: %w", err)
		}
	}
	return w, nil
}

func scanJob(row rowScanner) (models.Job, error) {
	var j models.Job
	var payloadJSON []byte
	var errText pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&j.ID, &j.OwnerID, &j.DashboardID, &j.Status, &j.Progress, &errText, &payloadJSON, &j.CreatedAt, &startedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job: %w", models.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &j.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	j.Error = textPtr(errText)
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func marshalNullable(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
