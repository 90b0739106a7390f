package usecase_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observatory-hq/observatory/internal/config"
	"github.com/observatory-hq/observatory/internal/domain"
	"github.com/observatory-hq/observatory/internal/usecase"
)

type fakeJobs struct {
	jobs     map[string]domain.Job
	nextID   int
	failKind string
}

func newFakeJobs() *fakeJobs { return &fakeJobs{jobs: make(map[string]domain.Job)} }

func (f *fakeJobs) Create(_ context.Context, j domain.Job) (string, error) {
	f.nextID++
	j.ID = fmt.Sprintf("job-%04d", f.nextID)
	j.Status = domain.JobPending
	j.CreatedAt = time.Now().UTC()
	j.ExpiresAt = j.CreatedAt.Add(5 * time.Minute)
	f.jobs[j.ID] = j
	return j.ID, nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (domain.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) GetOwned(_ context.Context, id, owner string) (domain.Job, error) {
	j, ok := f.jobs[id]
	if !ok || j.OwnerFingerprint != owner {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) Claim(context.Context, string) (bool, error) { return false, nil }

func (f *fakeJobs) Complete(context.Context, string, domain.AnalysisResult) error { return nil }

func (f *fakeJobs) Fail(_ context.Context, id string, jerr domain.JobError) error {
	j := f.jobs[id]
	j.Status = domain.JobFailed
	j.Error = &jerr
	f.jobs[id] = j
	f.failKind = jerr.Kind
	return nil
}

func (f *fakeJobs) RequestCancel(_ context.Context, id, owner string) (domain.JobStatus, error) {
	j, ok := f.jobs[id]
	if !ok || j.OwnerFingerprint != owner {
		return "", domain.ErrNotFound
	}
	if !j.Status.Terminal() {
		j.CancelRequested = true
		f.jobs[id] = j
	}
	return j.Status, nil
}

func (f *fakeJobs) MarkCancelled(context.Context, string) error { return nil }

func (f *fakeJobs) ListOwned(_ context.Context, owner string, limit int, cursor string) (domain.ListPage, error) {
	var out []domain.Job
	for _, j := range f.jobs {
		if j.OwnerFingerprint == owner {
			out = append(out, j)
		}
	}
	return domain.ListPage{Jobs: out}, nil
}

func (f *fakeJobs) Reap(context.Context, time.Time) (domain.ReapStats, error) {
	return domain.ReapStats{}, nil
}

type fakeDispatcher struct {
	enqueued []domain.DispatchRequest
	err      error
}

func (f *fakeDispatcher) Enqueue(_ context.Context, req domain.DispatchRequest) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, req)
	return nil
}

func testPolicies() config.TierPolicies {
	return config.TierPolicies{
		domain.TierPublic: {Limits: config.WindowLimits{PerMinute: 10, PerHour: 100, PerDay: 1000}},
		domain.TierAPIKey: {
			Limits:    config.WindowLimits{PerMinute: 60, PerHour: 1000, PerDay: 10000},
			Callbacks: config.CallbackPolicy{Schemes: []string{"https"}, Hosts: []string{"*.example.com"}},
		},
		domain.TierPartner: {
			Limits:    config.WindowLimits{PerMinute: 600, PerHour: 10000, PerDay: 100000},
			Callbacks: config.CallbackPolicy{Schemes: []string{"https", "http"}},
		},
	}
}

func newSubmitService(jobs domain.JobRepository, d domain.Dispatcher) usecase.SubmitService {
	return usecase.NewSubmitService(jobs, d, testPolicies(), 1000, 5*time.Minute)
}

func publicCaller() domain.Identity {
	return domain.Identity{Fingerprint: "anon:abc", Tier: domain.TierPublic, Anonymous: true}
}

func apiKeyCaller() domain.Identity {
	return domain.Identity{Fingerprint: "fp-api", Tier: domain.TierAPIKey}
}

func partnerCaller() domain.Identity {
	return domain.Identity{Fingerprint: "fp-partner", Tier: domain.TierPartner}
}

func TestSubmit_AcceptsAndEnqueues(t *testing.T) {
	jobs := newFakeJobs()
	d := &fakeDispatcher{}
	svc := newSubmitService(jobs, d)

	acc, err := svc.Submit(context.Background(), publicCaller(), "user: hi\nassistant: hello", domain.Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, acc.ID)
	assert.Equal(t, domain.JobPending, acc.Status)
	assert.False(t, acc.ExpiresAt.IsZero())
	require.Len(t, d.enqueued, 1)
	assert.Equal(t, acc.ID, d.enqueued[0].JobID)
	assert.Equal(t, domain.TierPublic, d.enqueued[0].Tier)
}

func TestSubmit_EmptyConversation(t *testing.T) {
	svc := newSubmitService(newFakeJobs(), &fakeDispatcher{})

	for _, text := range []string{"", "   \n\t  "} {
		_, err := svc.Submit(context.Background(), publicCaller(), text, domain.Options{})
		assert.ErrorIs(t, err, domain.ErrInvalidInput, "input %q", text)
	}
}

func TestSubmit_LengthBoundary(t *testing.T) {
	svc := newSubmitService(newFakeJobs(), &fakeDispatcher{})
	ctx := context.Background()

	_, err := svc.Submit(ctx, publicCaller(), strings.Repeat("a", 1000), domain.Options{})
	assert.NoError(t, err, "exactly the limit is accepted")

	_, err = svc.Submit(ctx, publicCaller(), strings.Repeat("a", 1001), domain.Options{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "one over the limit is rejected")
}

func TestSubmit_LengthCountsRunesNotBytes(t *testing.T) {
	svc := newSubmitService(newFakeJobs(), &fakeDispatcher{})

	// 1000 three-byte runes: 3000 bytes but exactly at the char limit.
	_, err := svc.Submit(context.Background(), publicCaller(), strings.Repeat("日", 1000), domain.Options{})
	assert.NoError(t, err)
}

func TestSubmit_PatternTypeValidation(t *testing.T) {
	svc := newSubmitService(newFakeJobs(), &fakeDispatcher{})
	ctx := context.Background()

	_, err := svc.Submit(ctx, publicCaller(), "hi", domain.Options{PatternTypes: []string{"dialectic", "themes"}})
	assert.NoError(t, err)

	_, err = svc.Submit(ctx, publicCaller(), "hi", domain.Options{PatternTypes: []string{"vibes"}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.Submit(ctx, publicCaller(), "hi", domain.Options{PatternTypes: []string{"themes", "themes"}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSubmit_HighPriorityRequiresPartner(t *testing.T) {
	svc := newSubmitService(newFakeJobs(), &fakeDispatcher{})
	ctx := context.Background()

	for _, caller := range []domain.Identity{publicCaller(), apiKeyCaller()} {
		_, err := svc.Submit(ctx, caller, "hi", domain.Options{Priority: domain.PriorityHigh})
		assert.ErrorIs(t, err, domain.ErrUnauthorized, "tier %s", caller.Tier)
	}

	_, err := svc.Submit(ctx, partnerCaller(), "hi", domain.Options{Priority: domain.PriorityHigh})
	assert.NoError(t, err)
}

func TestSubmit_UnknownPriority(t *testing.T) {
	svc := newSubmitService(newFakeJobs(), &fakeDispatcher{})

	_, err := svc.Submit(context.Background(), partnerCaller(), "hi", domain.Options{Priority: "urgent"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSubmit_CallbackPolicy(t *testing.T) {
	svc := newSubmitService(newFakeJobs(), &fakeDispatcher{})
	ctx := context.Background()

	cases := []struct {
		name   string
		caller domain.Identity
		url    string
		want   error
	}{
		{"public tier never", publicCaller(), "https://hooks.example.com/x", domain.ErrUnauthorized},
		{"api key https allowed host", apiKeyCaller(), "https://hooks.example.com/x", nil},
		{"api key exact base domain", apiKeyCaller(), "https://example.com/x", nil},
		{"api key http rejected", apiKeyCaller(), "http://hooks.example.com/x", domain.ErrInvalidInput},
		{"api key foreign host", apiKeyCaller(), "https://evil.test/x", domain.ErrInvalidInput},
		{"api key relative url", apiKeyCaller(), "/hooks", domain.ErrInvalidInput},
		{"partner http any host", partnerCaller(), "http://internal.corp:8080/cb", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Submit(ctx, tc.caller, "hi", domain.Options{CallbackURL: tc.url})
			if tc.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}

func TestSubmit_QueueSaturationFailsJobAndSurfacesBusy(t *testing.T) {
	jobs := newFakeJobs()
	d := &fakeDispatcher{err: domain.ErrBusy}
	svc := newSubmitService(jobs, d)

	_, err := svc.Submit(context.Background(), publicCaller(), "hi", domain.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBusy)
	assert.Equal(t, domain.ErrKindInternal, jobs.failKind, "the orphaned row is failed, not left pending")
}
