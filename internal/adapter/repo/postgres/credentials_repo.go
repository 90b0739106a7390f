package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/observatory-hq/observatory/internal/domain"
)

// CredentialRepo persists API key records keyed by fingerprint.
type CredentialRepo struct{ Pool PgxPool }

// NewCredentialRepo constructs a CredentialRepo with the given pool.
func NewCredentialRepo(p PgxPool) *CredentialRepo { return &CredentialRepo{Pool: p} }

// Create inserts a new credential record.
func (r *CredentialRepo) Create(ctx domain.Context, c domain.Credential) error {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.Create")
	defer span.End()
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	q := `INSERT INTO credentials (fingerprint, tier, label, active, created_at, expires_at) VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := r.Pool.Exec(ctx, q, c.Fingerprint, c.Tier, c.Label, c.Active, created, c.ExpiresAt); err != nil {
		return fmt.Errorf("op=credential.create: %w", err)
	}
	return nil
}

// GetByFingerprint loads a credential by its fingerprint.
func (r *CredentialRepo) GetByFingerprint(ctx domain.Context, fingerprint string) (domain.Credential, error) {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.GetByFingerprint")
	defer span.End()
	q := `SELECT fingerprint, tier, label, active, created_at, expires_at, last_used_at, usage_count
	      FROM credentials WHERE fingerprint=$1`
	row := r.Pool.QueryRow(ctx, q, fingerprint)
	var c domain.Credential
	if err := row.Scan(&c.Fingerprint, &c.Tier, &c.Label, &c.Active, &c.CreatedAt, &c.ExpiresAt, &c.LastUsedAt, &c.UsageCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Credential{}, fmt.Errorf("op=credential.get: %w", domain.ErrNotFound)
		}
		return domain.Credential{}, fmt.Errorf("op=credential.get: %w", err)
	}
	return c, nil
}

// Deactivate marks a credential inactive so it stops resolving.
func (r *CredentialRepo) Deactivate(ctx domain.Context, fingerprint string) error {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.Deactivate")
	defer span.End()
	q := `UPDATE credentials SET active=FALSE WHERE fingerprint=$1`
	tag, err := r.Pool.Exec(ctx, q, fingerprint)
	if err != nil {
		return fmt.Errorf("op=credential.deactivate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=credential.deactivate: %w", domain.ErrNotFound)
	}
	return nil
}

// Touch updates last_used_at and bumps the usage counter.
func (r *CredentialRepo) Touch(ctx domain.Context, fingerprint string) error {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.Touch")
	defer span.End()
	q := `UPDATE credentials SET last_used_at=$2, usage_count=usage_count+1 WHERE fingerprint=$1`
	if _, err := r.Pool.Exec(ctx, q, fingerprint, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=credential.touch: %w", err)
	}
	return nil
}
