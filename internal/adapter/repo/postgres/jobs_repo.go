package postgres

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/observatory-hq/observatory/internal/domain"
)

// JobRepo persists and transitions jobs in PostgreSQL.
type JobRepo struct {
	Pool         PgxPool
	PendingTTL   time.Duration
	ResultTTL    time.Duration
	CancelledTTL time.Duration
}

// NewJobRepo constructs a JobRepo with the given pool and retention windows.
func NewJobRepo(p PgxPool, pendingTTL, resultTTL, cancelledTTL time.Duration) *JobRepo {
	return &JobRepo{Pool: p, PendingTTL: pendingTTL, ResultTTL: resultTTL, CancelledTTL: cancelledTTL}
}

const jobColumns = `id, owner_fingerprint, status, conversation_text, options, result, error, cancel_requested, created_at, started_at, finished_at, expires_at`

// Create inserts a new pending job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	opts, err := json.Marshal(j.Options)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	q := `INSERT INTO jobs (id, owner_fingerprint, status, conversation_text, options, cancel_requested, created_at, expires_at)
	      VALUES ($1,$2,$3,$4,$5,FALSE,$6,$7)`
	_, err = r.Pool.Exec(ctx, q, id, j.OwnerFingerprint, domain.JobPending, j.ConversationText, opts, now, now.Add(r.PendingTTL))
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

func (r *JobRepo) scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var opts, result, jerr []byte
	if err := row.Scan(&j.ID, &j.OwnerFingerprint, &j.Status, &j.ConversationText, &opts, &result, &jerr,
		&j.CancelRequested, &j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &j.Options); err != nil {
			return domain.Job{}, fmt.Errorf("op=job.get: options: %w", err)
		}
	}
	if len(result) > 0 {
		var res domain.AnalysisResult
		if err := json.Unmarshal(result, &res); err != nil {
			return domain.Job{}, fmt.Errorf("op=job.get: result: %w", err)
		}
		j.Result = &res
	}
	if len(jerr) > 0 {
		var je domain.JobError
		if err := json.Unmarshal(jerr, &je); err != nil {
			return domain.Job{}, fmt.Errorf("op=job.get: error: %w", err)
		}
		j.Error = &je
	}
	return j, nil
}

// Get loads a job by id without an ownership check (dispatcher/admin path).
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	return r.scanJob(r.Pool.QueryRow(ctx, q, id))
}

// GetOwned loads a job only when the fingerprint owns it. A mismatch reads
// like an unknown id so existence is not leaked.
func (r *JobRepo) GetOwned(ctx domain.Context, id, ownerFingerprint string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.GetOwned")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1 AND owner_fingerprint=$2`
	return r.scanJob(r.Pool.QueryRow(ctx, q, id, ownerFingerprint))
}

// Claim performs the pending -> running transition atomically.
func (r *JobRepo) Claim(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Claim")
	defer span.End()
	q := `UPDATE jobs SET status=$2, started_at=$3 WHERE id=$1 AND status=$4`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobRunning, time.Now().UTC(), domain.JobPending)
	if err != nil {
		return false, fmt.Errorf("op=job.claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Complete performs running -> completed, storing the result and recomputing
// expiry from the result TTL.
func (r *JobRepo) Complete(ctx domain.Context, id string, res domain.AnalysisResult) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	now := time.Now().UTC()
	q := `UPDATE jobs SET status=$2, result=$3, finished_at=$4, expires_at=$5 WHERE id=$1 AND status=$6`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobCompleted, b, now, now.Add(r.ResultTTL), domain.JobRunning)
	if err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("op=job.complete: not running: %w", domain.ErrConflict)
	}
	return nil
}

// Fail performs pending/running -> failed, storing the error.
func (r *JobRepo) Fail(ctx domain.Context, id string, jerr domain.JobError) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Fail")
	defer span.End()
	b, err := json.Marshal(jerr)
	if err != nil {
		return fmt.Errorf("op=job.fail: %w", err)
	}
	now := time.Now().UTC()
	q := `UPDATE jobs SET status=$2, error=$3, finished_at=$4, expires_at=$5 WHERE id=$1 AND status = ANY($6)`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobFailed, b, now, now.Add(r.ResultTTL), []string{string(domain.JobPending), string(domain.JobRunning)})
	if err != nil {
		return fmt.Errorf("op=job.fail: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("op=job.fail: already terminal: %w", domain.ErrConflict)
	}
	return nil
}

// RequestCancel latches cancel_requested for an owned, non-terminal job and
// returns the post-operation status. Already-terminal jobs return their
// status unchanged; the second cancel of a job is a no-op.
func (r *JobRepo) RequestCancel(ctx domain.Context, id, ownerFingerprint string) (domain.JobStatus, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequestCancel")
	defer span.End()
	q := `UPDATE jobs SET cancel_requested=TRUE
	      WHERE id=$1 AND owner_fingerprint=$2 AND status = ANY($3)`
	_, err := r.Pool.Exec(ctx, q, id, ownerFingerprint, []string{string(domain.JobPending), string(domain.JobRunning)})
	if err != nil {
		return "", fmt.Errorf("op=job.request_cancel: %w", err)
	}
	j, err := r.GetOwned(ctx, id, ownerFingerprint)
	if err != nil {
		return "", err
	}
	return j.Status, nil
}

// MarkCancelled records the dispatcher-side transition once the latch is
// observed. Conversation text is scrubbed immediately; the row ages out on
// the shorter cancelled TTL.
func (r *JobRepo) MarkCancelled(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkCancelled")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET status=$2, conversation_text='', finished_at=$3, expires_at=$4 WHERE id=$1 AND status = ANY($5)`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobCancelled, now, now.Add(r.CancelledTTL), []string{string(domain.JobPending), string(domain.JobRunning)})
	if err != nil {
		return fmt.Errorf("op=job.mark_cancelled: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("op=job.mark_cancelled: already terminal: %w", domain.ErrConflict)
	}
	return nil
}

// ListOwned pages an owner's jobs newest first. The cursor is an opaque
// base64 of the last row's (created_at, id).
func (r *JobRepo) ListOwned(ctx domain.Context, ownerFingerprint string, limit int, cursor string) (domain.ListPage, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListOwned")
	defer span.End()
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	args := []any{ownerFingerprint, limit + 1}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE owner_fingerprint=$1`
	if cursor != "" {
		at, lastID, err := decodeCursor(cursor)
		if err != nil {
			return domain.ListPage{}, fmt.Errorf("op=job.list: cursor: %w", domain.ErrInvalidInput)
		}
		q += ` AND (created_at, id) < ($3, $4)`
		args = append(args, at, lastID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return domain.ListPage{}, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var page domain.ListPage
	for rows.Next() {
		j, err := r.scanJob(rows)
		if err != nil {
			return domain.ListPage{}, err
		}
		page.Jobs = append(page.Jobs, j)
	}
	if err := rows.Err(); err != nil {
		return domain.ListPage{}, fmt.Errorf("op=job.list: %w", err)
	}
	if len(page.Jobs) > limit {
		last := page.Jobs[limit-1]
		page.Jobs = page.Jobs[:limit]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}

// Reap deletes rows past expires_at and times out pending/running rows whose
// grace window has elapsed. Both passes are idempotent.
func (r *JobRepo) Reap(ctx domain.Context, now time.Time) (domain.ReapStats, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Reap")
	defer span.End()
	var stats domain.ReapStats
	timeoutErr, err := json.Marshal(domain.JobError{Kind: domain.ErrKindTimeout, Message: "job exceeded pending TTL without completing"})
	if err != nil {
		return stats, fmt.Errorf("op=job.reap: %w", err)
	}
	cutoff := now.UTC().Add(-r.PendingTTL)
	tag, err := r.Pool.Exec(ctx,
		`UPDATE jobs SET status=$1, error=$2, finished_at=$3, expires_at=$4
		 WHERE status = ANY($5) AND created_at <= $6`,
		domain.JobFailed, timeoutErr, now.UTC(), now.UTC().Add(r.ResultTTL),
		[]string{string(domain.JobPending), string(domain.JobRunning)}, cutoff)
	if err != nil {
		return stats, fmt.Errorf("op=job.reap: timeout pass: %w", err)
	}
	stats.TimedOut = tag.RowsAffected()
	tag, err = r.Pool.Exec(ctx, `DELETE FROM jobs WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return stats, fmt.Errorf("op=job.reap: delete pass: %w", err)
	}
	stats.Deleted = tag.RowsAffected()
	return stats, nil
}

func encodeCursor(at time.Time, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(at.UTC().Format(time.RFC3339Nano) + "|" + id))
}

func decodeCursor(c string) (time.Time, string, error) {
	b, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(b), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	at, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", err
	}
	return at, parts[1], nil
}
