// Package domain defines the core entities, ports and error taxonomy for the
// Observatory analysis service.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrBusy              = errors.New("busy")
	ErrInternal          = errors.New("internal error")
)

// Tier is the authorization class of a caller. It determines rate-limit
// bucket sizes and feature exposure.
type Tier string

const (
	TierPublic  Tier = "public"
	TierAPIKey  Tier = "api_key"
	TierPartner Tier = "partner"
)

// ValidTier reports whether t is a known tier.
func ValidTier(t Tier) bool {
	return t == TierPublic || t == TierAPIKey || t == TierPartner
}

// Identity is the resolved caller: a credential or an anonymous network peer.
type Identity struct {
	Fingerprint string
	Tier        Tier
	Label       string
	Anonymous   bool
}

// Credential is a stored API key record. Tokens are never stored in
// plaintext; only the fingerprint (a keyed one-way hash) is persisted.
type Credential struct {
	Fingerprint string
	Tier        Tier
	Label       string
	Active      bool
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	UsageCount  int64
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobExpired   JobStatus = "expired"
)

// Terminal reports whether s is a terminal status.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled || s == JobExpired
}

// Pattern types recognized by the analyzer.
const (
	PatternDialectic = "dialectic"
	PatternThemes    = "themes"
	PatternSentiment = "sentiment"
)

// ValidPatternType reports whether p names a recognized pattern type.
func ValidPatternType(p string) bool {
	return p == PatternDialectic || p == PatternThemes || p == PatternSentiment
}

// Priority values for job dispatch.
const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Options are the recognized per-submission knobs. Unknown keys in the
// request payload are rejected at the HTTP boundary.
type Options struct {
	PatternTypes []string `json:"pattern_types,omitempty"`
	CallbackURL  string   `json:"callback_url,omitempty"`
	Priority     string   `json:"priority,omitempty"`
}

// Pattern is a single dialectic structure located in the conversation.
type Pattern struct {
	Kind       string  `json:"kind"`
	Span       string  `json:"span"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence,omitempty"`
}

// Sentiment summarizes conversation affect. Polarity is in [-1,1],
// intensity in [0,1].
type Sentiment struct {
	Polarity  float64 `json:"polarity"`
	Intensity float64 `json:"intensity"`
}

// AnalysisResult is the structured output of a completed job.
type AnalysisResult struct {
	Patterns          []Pattern `json:"patterns"`
	Themes            []string  `json:"themes"`
	Sentiment         Sentiment `json:"sentiment"`
	ProcessingSeconds float64   `json:"processing_seconds"`
	ModelIdentifier   string    `json:"model_identifier"`
	Coerced           bool      `json:"coerced,omitempty"`
}

// Job error kinds reported via GET; these never surface synchronously on submit.
const (
	ErrKindTimeout            = "timeout"
	ErrKindParseError         = "parse_error"
	ErrKindBackendUnavailable = "backend_unavailable"
	ErrKindInternal           = "internal"
)

// JobError is the terminal failure recorded on a job.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Job is the central entity: one submitted conversation analysis.
//
// Invariants: Result non-nil iff Status == completed; Error non-nil iff
// Status == failed; OwnerFingerprint immutable after creation; status
// transitions happen only through the JobRepository's named operations.
type Job struct {
	ID               string
	OwnerFingerprint string
	Status           JobStatus
	ConversationText string
	Options          Options
	Result           *AnalysisResult
	Error            *JobError
	CancelRequested  bool
	CreatedAt        time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
	ExpiresAt        time.Time
}

// ReapStats reports what a single reaper pass did.
type ReapStats struct {
	Deleted  int64
	TimedOut int64
}

// ListPage is one page of an owner's jobs, newest first.
type ListPage struct {
	Jobs       []Job
	NextCursor string
}

// Repositories (ports)

// JobRepository is the single authority on job state. Every status change is
// a named operation that checks its precondition atomically.
type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	GetOwned(ctx Context, id, ownerFingerprint string) (Job, error)
	// Claim performs the pending -> running transition; false when another
	// worker already won or the job is no longer pending.
	Claim(ctx Context, id string) (bool, error)
	Complete(ctx Context, id string, res AnalysisResult) error
	Fail(ctx Context, id string, jerr JobError) error
	// RequestCancel latches cancel_requested when the caller owns the job and
	// it is not yet terminal; returns the post-operation status.
	RequestCancel(ctx Context, id, ownerFingerprint string) (JobStatus, error)
	MarkCancelled(ctx Context, id string) error
	ListOwned(ctx Context, ownerFingerprint string, limit int, cursor string) (ListPage, error)
	// Reap deletes rows past expires_at and times out stalled pending/running
	// rows past the pending TTL.
	Reap(ctx Context, now time.Time) (ReapStats, error)
}

// CredentialRepository persists API key records keyed by fingerprint.
type CredentialRepository interface {
	Create(ctx Context, c Credential) error
	GetByFingerprint(ctx Context, fingerprint string) (Credential, error)
	// Touch updates last_used_at and bumps the usage counter. Best-effort.
	Touch(ctx Context, fingerprint string) error
	// Deactivate marks a credential inactive; ErrNotFound when no such record.
	Deactivate(ctx Context, fingerprint string) error
}

// Backend (port): the LLM generation service.

// GenerateRequest is the wire request to the backend's /generate endpoint.
type GenerateRequest struct {
	Prompt  string            `json:"prompt"`
	Options map[string]string `json:"options,omitempty"`
}

// GenerateResponse is the backend's reply; Text is opaque until parsed.
type GenerateResponse struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason"`
}

// Backend invokes the LLM generation service.
type Backend interface {
	Generate(ctx Context, req GenerateRequest) (GenerateResponse, error)
	Healthy(ctx Context) error
}

// Dispatcher (port): accepts claimed-to-be-dispatched job ids.

// DispatchRequest carries what a worker needs without re-reading the row
// before claiming.
type DispatchRequest struct {
	JobID    string
	Tier     Tier
	Priority string
}

// Dispatcher accepts pending jobs for asynchronous processing. Enqueue
// returns ErrBusy when the queue is saturated.
type Dispatcher interface {
	Enqueue(ctx Context, req DispatchRequest) error
}

// Context aliases context.Context so ports read uniformly.
type Context = context.Context
