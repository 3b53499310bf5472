package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iago/claims-intake-back/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const statusColumns = `work_item_id, claim_id, channel, status, error_log, fallback_of, resubmission_of, created_at, updated_at`

type PostgresStatusRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStatusRepository(pool *pgxpool.Pool) *PostgresStatusRepository {
	return &PostgresStatusRepository{pool: pool, now: time.Now}
}

func (r *PostgresStatusRepository) Begin(
	ctx context.Context,
	record *domain.StatusRecord,
) (*domain.StatusRecord, bool, error) {
	status := record.Status
	if status == "" {
		status = domain.StatusPending
	}
	errorLog, err := json.Marshal(nonNilLog(record.ErrorLog))
	if err != nil {
		return nil, false, fmt.Errorf("encode error log: %w", err)
	}
	now := r.now().UTC()
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO submission_status (`+statusColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (work_item_id) DO NOTHING
		RETURNING `+statusColumns,
		record.WorkItemID,
		record.ClaimID,
		string(record.Channel),
		string(status),
		errorLog,
		record.FallbackOf,
		record.ResubmissionOf,
		createdAt,
		now,
	)
	stored, err := scanStatus(row)
	if err == nil {
		return stored, true, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return nil, false, ErrInFlight
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert status: %w", err)
	}

	existing, err := r.GetStatus(ctx, record.WorkItemID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *PostgresStatusRepository) Transition(
	ctx context.Context,
	workItemID string,
	next domain.SubmissionStatus,
	entry *domain.ErrorEntry,
) (*domain.StatusRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin status tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	current, err := scanStatus(tx.QueryRow(ctx, `
		SELECT `+statusColumns+`
		FROM submission_status
		WHERE work_item_id = $1
		FOR UPDATE
	`, workItemID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock status: %w", err)
	}
	if !current.Status.CanTransition(next) {
		return current, ErrTerminalStatus
	}

	now := r.now().UTC()
	appended := []byte("{}")
	if entry != nil {
		stamped := *entry
		if stamped.Timestamp.IsZero() {
			stamped.Timestamp = now
		}
		appended, err = json.Marshal(map[string]domain.ErrorEntry{
			domain.NewErrorKey(stamped.Timestamp, current.ErrorLog): stamped,
		})
		if err != nil {
			return nil, fmt.Errorf("encode error entry: %w", err)
		}
	}

	updated, err := scanStatus(tx.QueryRow(ctx, `
		UPDATE submission_status
		SET status = $2,
			error_log = error_log || $3::jsonb,
			updated_at = $4
		WHERE work_item_id = $1
		RETURNING `+statusColumns,
		workItemID, string(next), appended, now,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrInFlight
		}
		return nil, fmt.Errorf("update status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit status tx: %w", err)
	}
	return updated, nil
}

func (r *PostgresStatusRepository) GetStatus(ctx context.Context, workItemID string) (*domain.StatusRecord, error) {
	record, err := scanStatus(r.pool.QueryRow(ctx, `
		SELECT `+statusColumns+`
		FROM submission_status
		WHERE work_item_id = $1
	`, workItemID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query status: %w", err)
	}
	return record, nil
}

func (r *PostgresStatusRepository) ListByClaim(ctx context.Context, claimID string) ([]domain.StatusRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+statusColumns+`
		FROM submission_status
		WHERE claim_id = $1
		ORDER BY created_at ASC, work_item_id ASC
	`, claimID)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()

	items := make([]domain.StatusRecord, 0)
	for rows.Next() {
		record, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		items = append(items, *record)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate statuses: %w", rows.Err())
	}
	return items, nil
}

func scanStatus(row pgx.Row) (*domain.StatusRecord, error) {
	var (
		record   domain.StatusRecord
		channel  string
		status   string
		errorLog []byte
	)
	if err := row.Scan(
		&record.WorkItemID,
		&record.ClaimID,
		&channel,
		&status,
		&errorLog,
		&record.FallbackOf,
		&record.ResubmissionOf,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.Channel = domain.Channel(channel)
	record.Status = domain.SubmissionStatus(status)
	record.ErrorLog = make(map[string]domain.ErrorEntry)
	if len(errorLog) > 0 {
		if err := json.Unmarshal(errorLog, &record.ErrorLog); err != nil {
			return nil, fmt.Errorf("decode error log: %w", err)
		}
	}
	return &record, nil
}

func nonNilLog(log map[string]domain.ErrorEntry) map[string]domain.ErrorEntry {
	if log == nil {
		return map[string]domain.ErrorEntry{}
	}
	return log
}
