// Package usecase contains the request-bound orchestration services.
package usecase

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/observatory-hq/observatory/internal/adapter/observability"
	"github.com/observatory-hq/observatory/internal/config"
	"github.com/observatory-hq/observatory/internal/domain"
	"github.com/observatory-hq/observatory/pkg/textx"
)

// SubmitService validates submissions, persists the pending job and hands it
// to the dispatcher.
type SubmitService struct {
	Jobs          domain.JobRepository
	Dispatcher    domain.Dispatcher
	Policies      config.TierPolicies
	MaxInputChars int
	PendingTTL    time.Duration
}

// NewSubmitService constructs a SubmitService.
func NewSubmitService(jobs domain.JobRepository, d domain.Dispatcher, policies config.TierPolicies, maxInputChars int, pendingTTL time.Duration) SubmitService {
	return SubmitService{Jobs: jobs, Dispatcher: d, Policies: policies, MaxInputChars: maxInputChars, PendingTTL: pendingTTL}
}

// SubmitAccepted is the 202 response shape.
type SubmitAccepted struct {
	ID        string           `json:"id"`
	Status    domain.JobStatus `json:"status"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// Submit validates the payload against the caller's tier policy, creates the
// pending job and enqueues it. Queue saturation fails the job and surfaces
// ErrBusy synchronously.
func (s SubmitService) Submit(ctx domain.Context, caller domain.Identity, conversation string, opts domain.Options) (SubmitAccepted, error) {
	conversation = textx.SanitizeText(conversation)
	if conversation == "" {
		return SubmitAccepted{}, fmt.Errorf("%w: conversation_text must not be empty", domain.ErrInvalidInput)
	}
	if len([]rune(conversation)) > s.MaxInputChars {
		return SubmitAccepted{}, fmt.Errorf("%w: conversation_text exceeds %d characters", domain.ErrInvalidInput, s.MaxInputChars)
	}
	if err := s.validateOptions(caller, &opts); err != nil {
		return SubmitAccepted{}, err
	}

	job := domain.Job{
		OwnerFingerprint: caller.Fingerprint,
		ConversationText: conversation,
		Options:          opts,
	}
	id, err := s.Jobs.Create(ctx, job)
	if err != nil {
		return SubmitAccepted{}, fmt.Errorf("op=submit.create: %w", err)
	}
	observability.JobsSubmittedTotal.WithLabelValues(string(caller.Tier)).Inc()

	req := domain.DispatchRequest{JobID: id, Tier: caller.Tier, Priority: opts.Priority}
	if err := s.Dispatcher.Enqueue(ctx, req); err != nil {
		_ = s.Jobs.Fail(ctx, id, domain.JobError{Kind: domain.ErrKindInternal, Message: "dispatch queue saturated"})
		return SubmitAccepted{}, fmt.Errorf("op=submit.enqueue: %w", err)
	}
	return SubmitAccepted{ID: id, Status: domain.JobPending, ExpiresAt: time.Now().UTC().Add(s.PendingTTL)}, nil
}

func (s SubmitService) validateOptions(caller domain.Identity, opts *domain.Options) error {
	seen := map[string]bool{}
	for _, pt := range opts.PatternTypes {
		if !domain.ValidPatternType(pt) {
			return fmt.Errorf("%w: unknown pattern type %q", domain.ErrInvalidInput, pt)
		}
		if seen[pt] {
			return fmt.Errorf("%w: duplicate pattern type %q", domain.ErrInvalidInput, pt)
		}
		seen[pt] = true
	}
	switch opts.Priority {
	case "", domain.PriorityNormal:
	case domain.PriorityHigh:
		if caller.Tier != domain.TierPartner {
			return fmt.Errorf("%w: high priority requires partner tier", domain.ErrUnauthorized)
		}
	default:
		return fmt.Errorf("%w: unknown priority %q", domain.ErrInvalidInput, opts.Priority)
	}
	if opts.CallbackURL != "" {
		if err := s.validateCallback(caller, opts.CallbackURL); err != nil {
			return err
		}
	}
	return nil
}

func (s SubmitService) validateCallback(caller domain.Identity, raw string) error {
	policy := s.Policies[caller.Tier].Callbacks
	if len(policy.Schemes) == 0 {
		return fmt.Errorf("%w: callback_url not permitted for %s tier", domain.ErrUnauthorized, caller.Tier)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: callback_url is not a valid absolute URL", domain.ErrInvalidInput)
	}
	schemeOK := false
	for _, sc := range policy.Schemes {
		if strings.EqualFold(u.Scheme, sc) {
			schemeOK = true
			break
		}
	}
	if !schemeOK {
		return fmt.Errorf("%w: callback_url scheme %q not allowed", domain.ErrInvalidInput, u.Scheme)
	}
	if len(policy.Hosts) > 0 {
		hostOK := false
		for _, h := range policy.Hosts {
			if hostMatches(u.Hostname(), h) {
				hostOK = true
				break
			}
		}
		if !hostOK {
			return fmt.Errorf("%w: callback_url host %q not allowed", domain.ErrInvalidInput, u.Hostname())
		}
	}
	return nil
}

// hostMatches supports exact hosts and leading-wildcard patterns like
// *.example.com.
func hostMatches(host, pattern string) bool {
	host = strings.ToLower(host)
	pattern = strings.ToLower(pattern)
	if after, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == after || strings.HasSuffix(host, "."+after)
	}
	return host == pattern
}
