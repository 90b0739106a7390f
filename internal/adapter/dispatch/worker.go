package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/observatory-hq/observatory/internal/adapter/backend"
	"github.com/observatory-hq/observatory/internal/adapter/observability"
	"github.com/observatory-hq/observatory/internal/domain"
)

// Config sizes the pool and its retry policy.
type Config struct {
	WorkerCount    int
	QueueDepth     int
	BackendTimeout time.Duration
	MaxRetries     int
	RetryInitial   time.Duration
	RetryMultiple  float64
}

// Pool is the dispatcher: a bounded worker pool that claims jobs, invokes
// the backend and records terminal outcomes. Cancellation is cooperative and
// observed at checkpoints (post-claim, between attempts).
type Pool struct {
	cfg      Config
	jobs     domain.JobRepository
	backend  domain.Backend
	notifier *Notifier
	prompts  *PromptBuilder
	q        *queue
	wg       sync.WaitGroup
}

// NewPool constructs a dispatcher pool. notifier may be nil when callback
// delivery is disabled.
func NewPool(cfg Config, jobs domain.JobRepository, be domain.Backend, notifier *Notifier) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = 120 * time.Second
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = time.Second
	}
	if cfg.RetryMultiple <= 1 {
		cfg.RetryMultiple = 2.0
	}
	return &Pool{
		cfg:      cfg,
		jobs:     jobs,
		backend:  be,
		notifier: notifier,
		prompts:  NewPromptBuilder(),
		q:        newQueue(cfg.QueueDepth),
	}
}

// Run starts the workers and blocks until ctx is cancelled and the workers
// have drained their in-flight jobs.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		// High lane first; fall through to a fair select when it is empty.
		select {
		case req := <-p.q.high:
			observability.QueueDepth.WithLabelValues("high").Set(float64(len(p.q.high)))
			p.process(ctx, req)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return
		case req := <-p.q.high:
			observability.QueueDepth.WithLabelValues("high").Set(float64(len(p.q.high)))
			p.process(ctx, req)
		case req := <-p.q.normal:
			observability.QueueDepth.WithLabelValues("normal").Set(float64(len(p.q.normal)))
			p.process(ctx, req)
		}
	}
}

// process runs the per-job algorithm. Claim is the arbiter against racing
// workers: a lost claim is silent.
func (p *Pool) process(ctx context.Context, req domain.DispatchRequest) {
	lg := slog.Default().With(slog.String("job_id", req.JobID))

	claimed, err := p.jobs.Claim(ctx, req.JobID)
	if err != nil {
		lg.Error("claim failed", slog.Any("error", err))
		return
	}
	if !claimed {
		return
	}

	job, err := p.jobs.Get(ctx, req.JobID)
	if err != nil {
		lg.Error("load after claim failed", slog.Any("error", err))
		p.fail(ctx, req.JobID, domain.JobError{Kind: domain.ErrKindInternal, Message: "job load failed"})
		return
	}
	if p.cancelIfRequested(ctx, job, req.Tier) {
		return
	}

	prompt := p.prompts.Render(job.Options.PatternTypes, job.ConversationText)
	start := time.Now() // monotonic; processing_seconds is a monotonic delta

	resp, err := p.invoke(ctx, req, prompt)
	if err != nil {
		if errors.Is(err, errCancelled) {
			return
		}
		p.fail(ctx, req.JobID, domain.JobError{Kind: domain.ErrKindBackendUnavailable, Message: sanitizeErr(err)})
		p.notify(ctx, req.JobID, req.Tier)
		return
	}

	result, perr := ParseResult(resp.Text)
	if perr != nil {
		p.fail(ctx, req.JobID, domain.JobError{Kind: domain.ErrKindParseError, Message: perr.Error()})
		p.notify(ctx, req.JobID, req.Tier)
		return
	}
	result.ProcessingSeconds = time.Since(start).Seconds()
	result.ModelIdentifier = resp.Model + "@" + p.prompts.Version()

	if err := p.jobs.Complete(ctx, req.JobID, result); err != nil {
		// A cancel observed by the store between parse and complete is not an
		// error worth failing the job over.
		lg.Warn("complete transition rejected", slog.Any("error", err))
		return
	}
	observability.JobsTerminalTotal.WithLabelValues(string(domain.JobCompleted)).Inc()
	p.notify(ctx, req.JobID, req.Tier)
}

var errCancelled = errors.New("cancelled at checkpoint")

// invoke calls the backend with timeout + retry. Between attempts the cancel
// latch is re-checked; transport errors, 5xx and 429 retry, other 4xx are
// fatal.
func (p *Pool) invoke(ctx context.Context, req domain.DispatchRequest, prompt string) (domain.GenerateResponse, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.cfg.RetryInitial
	expo.Multiplier = p.cfg.RetryMultiple
	expo.RandomizationFactor = 0.25
	expo.MaxElapsedTime = 0
	expo.Reset()

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := expo.NextBackOff()
			select {
			case <-ctx.Done():
				return domain.GenerateResponse{}, ctx.Err()
			case <-time.After(wait):
			}
			fresh, err := p.jobs.Get(ctx, req.JobID)
			if err == nil && p.cancelIfRequested(ctx, fresh, req.Tier) {
				return domain.GenerateResponse{}, errCancelled
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.BackendTimeout)
		resp, err := p.backend.Generate(callCtx, domain.GenerateRequest{Prompt: prompt})
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		var se *backend.StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return domain.GenerateResponse{}, err
		}
	}
	return domain.GenerateResponse{}, lastErr
}

// cancelIfRequested honors the latch; returns true when the job was moved to
// cancelled here. Cancelled is terminal, so the callback fires like any other
// terminal transition.
func (p *Pool) cancelIfRequested(ctx context.Context, job domain.Job, tier domain.Tier) bool {
	if !job.CancelRequested || job.Status.Terminal() {
		return false
	}
	if err := p.jobs.MarkCancelled(ctx, job.ID); err != nil {
		slog.Warn("mark cancelled failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return false
	}
	observability.JobsTerminalTotal.WithLabelValues(string(domain.JobCancelled)).Inc()
	p.notify(ctx, job.ID, tier)
	return true
}

func (p *Pool) fail(ctx context.Context, jobID string, jerr domain.JobError) {
	if err := p.jobs.Fail(ctx, jobID, jerr); err != nil {
		slog.Warn("fail transition rejected", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	observability.JobsTerminalTotal.WithLabelValues(string(domain.JobFailed)).Inc()
}

// notify delivers the terminal-status callback when one is configured.
// Best-effort: delivery failures never re-open the job.
func (p *Pool) notify(ctx context.Context, jobID string, tier domain.Tier) {
	if p.notifier == nil {
		return
	}
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil || job.Options.CallbackURL == "" {
		return
	}
	p.notifier.Deliver(job, tier)
}

// sanitizeErr keeps backend failure detail out of client-visible messages.
func sanitizeErr(err error) string {
	var se *backend.StatusError
	if errors.As(err, &se) {
		if se.Code >= 500 {
			return "backend returned a server error"
		}
		return "backend rejected the request"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "backend call timed out"
	}
	return "backend unreachable"
}
