package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iago/claims-intake-back/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresClaimsRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresClaimsRepository(pool *pgxpool.Pool) *PostgresClaimsRepository {
	return &PostgresClaimsRepository{pool: pool, now: time.Now}
}

func (r *PostgresClaimsRepository) CreateClaim(ctx context.Context, claim *domain.Claim) error {
	form, err := json.Marshal(claim.Form)
	if err != nil {
		return fmt.Errorf("encode claim form: %w", err)
	}
	attachments, err := json.Marshal(claim.Attachments)
	if err != nil {
		return fmt.Errorf("encode claim attachments: %w", err)
	}
	if claim.Attachments == nil {
		attachments = []byte("[]")
	}
	createdAt := claim.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now().UTC()
	}
	updatedAt := claim.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO claims (
			id,
			owner_ref,
			form_type,
			form,
			revision,
			attachments,
			external_reference,
			submitted_channel,
			last_error,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		claim.ID,
		claim.OwnerRef,
		claim.FormType,
		form,
		claim.Revision,
		attachments,
		claim.ExternalReference,
		string(claim.SubmittedChannel),
		nullableJSON(claim.LastError),
		createdAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

func (r *PostgresClaimsRepository) GetClaim(ctx context.Context, claimID string) (*domain.Claim, error) {
	var (
		claim       domain.Claim
		form        []byte
		attachments []byte
		channel     string
		lastError   []byte
	)

	err := r.pool.QueryRow(ctx, `
		SELECT id, owner_ref, form_type, form, revision, attachments, external_reference,
			submitted_channel, last_error, created_at, updated_at
		FROM claims
		WHERE id = $1
	`, claimID).Scan(
		&claim.ID,
		&claim.OwnerRef,
		&claim.FormType,
		&form,
		&claim.Revision,
		&attachments,
		&claim.ExternalReference,
		&channel,
		&lastError,
		&claim.CreatedAt,
		&claim.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query claim: %w", err)
	}

	if err := json.Unmarshal(form, &claim.Form); err != nil {
		return nil, fmt.Errorf("decode claim form: %w", err)
	}
	if err := json.Unmarshal(attachments, &claim.Attachments); err != nil {
		return nil, fmt.Errorf("decode claim attachments: %w", err)
	}
	claim.SubmittedChannel = domain.Channel(channel)
	if len(lastError) > 0 {
		claim.LastError = json.RawMessage(lastError)
	}
	return &claim, nil
}

func (r *PostgresClaimsRepository) SaveSubmissionResult(
	ctx context.Context,
	claimID string,
	channel domain.Channel,
	reference string,
) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE claims
		SET external_reference = $2,
			submitted_channel = $3,
			last_error = NULL,
			updated_at = $4
		WHERE id = $1
	`, claimID, reference, string(channel), r.now().UTC())
	if err != nil {
		return fmt.Errorf("update claim submission: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresClaimsRepository) SaveSubmissionError(ctx context.Context, claimID string, payload json.RawMessage) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE claims
		SET last_error = $2,
			updated_at = $3
		WHERE id = $1
	`, claimID, nullableJSON(payload), r.now().UTC())
	if err != nil {
		return fmt.Errorf("update claim error: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableJSON(value json.RawMessage) any {
	if len(value) == 0 {
		return nil
	}
	return []byte(value)
}
