package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/risk-attribution-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// JobStore is a jobs.Store backed by the jobs table.
type JobStore struct {
	db *sqlx.DB
}

func NewJobStore(db *sqlx.DB) *JobStore {
	return &JobStore{db: db}
}

type jobRow struct {
	ID          uuid.UUID  `db:"id"`
	Kind        string     `db:"kind"`
	Status      string     `db:"status"`
	SubmittedAt time.Time  `db:"submitted_at"`
	CompletedAt *time.Time `db:"completed_at"`
	ExpiresAt   *time.Time `db:"expires_at"`
	Message     string     `db:"message"`
	Owner       string     `db:"owner"`
}

func (r jobRow) record() domain.JobRecord {
	return domain.JobRecord{
		ID:          r.ID,
		Kind:        domain.ReportKind(r.Kind),
		Status:      domain.JobStatus(r.Status),
		SubmittedAt: r.SubmittedAt,
		CompletedAt: r.CompletedAt,
		ExpiresAt:   r.ExpiresAt,
		Message:     r.Message,
		Owner:       r.Owner,
	}
}

func (s *JobStore) Create(ctx context.Context, rec domain.JobRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO jobs (id, kind, status, submitted_at, completed_at, expires_at, message, owner)
		VALUES (:id, :kind, :status, :submitted_at, :completed_at, :expires_at, :message, :owner)
	`, jobRow{
		ID:          rec.ID,
		Kind:        string(rec.Kind),
		Status:      string(rec.Status),
		SubmittedAt: rec.SubmittedAt.UTC(),
		CompletedAt: rec.CompletedAt,
		ExpiresAt:   rec.ExpiresAt,
		Message:     rec.Message,
		Owner:       rec.Owner,
	})
	if err != nil {
		return fmt.Errorf("create job %s: %w", rec.ID, err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (domain.JobRecord, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, kind, status, submitted_at, completed_at, expires_at, message, owner
		FROM jobs
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JobRecord{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.JobRecord{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return row.record(), nil
}

func (s *JobStore) Complete(ctx context.Context, rec domain.JobRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = $3, expires_at = $4, message = $5
		WHERE id = $1 AND status = $6
	`, rec.ID, string(rec.Status), rec.CompletedAt, rec.ExpiresAt, rec.Message, string(domain.JobPending))
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", rec.ID, err)
	}
	ok, err := affected(res)
	if err != nil || ok {
		return ok, err
	}
	if _, err := s.Get(ctx, rec.ID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *JobStore) DeleteExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids, `
		DELETE FROM jobs
		WHERE status <> $1 AND expires_at < $2
		RETURNING id
	`, string(domain.JobPending), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("delete expired jobs: %w", err)
	}
	return ids, nil
}

// DeleteAll removes every job record, pending or not.
func (s *JobStore) DeleteAll(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs`)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
