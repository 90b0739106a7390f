package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observatory-hq/observatory/internal/adapter/httpserver"
	"github.com/observatory-hq/observatory/internal/app"
	"github.com/observatory-hq/observatory/internal/config"
	"github.com/observatory-hq/observatory/internal/domain"
	"github.com/observatory-hq/observatory/internal/service/credential"
	"github.com/observatory-hq/observatory/internal/service/ratelimit"
	"github.com/observatory-hq/observatory/internal/usecase"
)

type memJobs struct {
	mu     sync.Mutex
	jobs   map[string]domain.Job
	nextID int
}

func newMemJobs() *memJobs { return &memJobs{jobs: make(map[string]domain.Job)} }

func (m *memJobs) Create(_ context.Context, j domain.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	j.ID = fmt.Sprintf("job-%04d", m.nextID)
	j.Status = domain.JobPending
	j.CreatedAt = time.Now().UTC()
	j.ExpiresAt = j.CreatedAt.Add(5 * time.Minute)
	m.jobs[j.ID] = j
	return j.ID, nil
}

func (m *memJobs) Get(_ context.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (m *memJobs) GetOwned(ctx context.Context, id, owner string) (domain.Job, error) {
	j, err := m.Get(ctx, id)
	if err != nil || j.OwnerFingerprint != owner {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (m *memJobs) Claim(context.Context, string) (bool, error) { return false, nil }

func (m *memJobs) Complete(context.Context, string, domain.AnalysisResult) error { return nil }

func (m *memJobs) Fail(_ context.Context, id string, jerr domain.JobError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.Status = domain.JobFailed
	j.Error = &jerr
	m.jobs[id] = j
	return nil
}

func (m *memJobs) RequestCancel(_ context.Context, id, owner string) (domain.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.OwnerFingerprint != owner {
		return "", domain.ErrNotFound
	}
	if !j.Status.Terminal() {
		j.CancelRequested = true
		m.jobs[id] = j
	}
	return j.Status, nil
}

func (m *memJobs) MarkCancelled(context.Context, string) error { return nil }

func (m *memJobs) ListOwned(_ context.Context, owner string, _ int, _ string) (domain.ListPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := domain.ListPage{}
	for _, j := range m.jobs {
		if j.OwnerFingerprint == owner {
			out.Jobs = append(out.Jobs, j)
		}
	}
	return out, nil
}

func (m *memJobs) Reap(context.Context, time.Time) (domain.ReapStats, error) {
	return domain.ReapStats{}, nil
}

type memCreds struct{ byFP map[string]domain.Credential }

func (m *memCreds) Create(_ context.Context, c domain.Credential) error {
	m.byFP[c.Fingerprint] = c
	return nil
}

func (m *memCreds) GetByFingerprint(_ context.Context, fp string) (domain.Credential, error) {
	c, ok := m.byFP[fp]
	if !ok {
		return domain.Credential{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memCreds) Touch(context.Context, string) error { return nil }

func (m *memCreds) Deactivate(_ context.Context, fp string) error {
	c, ok := m.byFP[fp]
	if !ok {
		return domain.ErrNotFound
	}
	c.Active = false
	m.byFP[fp] = c
	return nil
}

type noopDispatcher struct{}

func (noopDispatcher) Enqueue(context.Context, domain.DispatchRequest) error { return nil }

type okBackend struct{}

func (okBackend) Generate(context.Context, domain.GenerateRequest) (domain.GenerateResponse, error) {
	return domain.GenerateResponse{}, nil
}
func (okBackend) Healthy(context.Context) error { return nil }

type testEnv struct {
	handler  http.Handler
	jobs     *memJobs
	resolver *credential.Resolver
	apiToken string
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Config{
		AppEnv:           "test",
		MaxInputChars:    1000,
		PendingTTL:       5 * time.Minute,
		PublicPerMinute:  100, PublicPerHour: 1000, PublicPerDay: 10000,
		APIKeyPerMinute:  100, APIKeyPerHour: 1000, APIKeyPerDay: 10000,
		PartnerPerMinute: 100, PartnerPerHour: 1000, PartnerPerDay: 10000,
		FloodGuardPerMin: 100000,
		FingerprintKey:   "test-key",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	policies := config.DefaultTierPolicies(cfg)

	creds := &memCreds{byFP: make(map[string]domain.Credential)}
	resolver := credential.NewResolver(creds, cfg.FingerprintKey, 100, time.Minute)
	token := "obs_test_token"
	require.NoError(t, creds.Create(context.Background(), domain.Credential{
		Fingerprint: resolver.Fingerprint(token),
		Tier:        domain.TierAPIKey,
		Active:      true,
	}))

	jobs := newMemJobs()
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), policies)
	submit := usecase.NewSubmitService(jobs, noopDispatcher{}, policies, cfg.MaxInputChars, cfg.PendingTTL)
	query := usecase.NewQueryService(jobs)
	health := usecase.NewHealthService(func(context.Context) error { return nil }, okBackend{})
	srv := httpserver.NewServer(cfg, submit, query, health)

	return &testEnv{
		handler:  app.BuildRouter(cfg, srv, resolver, limiter),
		jobs:     jobs,
		resolver: resolver,
		apiToken: token,
	}
}

func (e *testEnv) do(method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeErrorKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error.Kind
}

func TestAnalyze_SubmitAccepted(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/v1/analyze", `{"conversation_text":"user: hi\nassistant: hello"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var acc usecase.SubmitAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acc))
	assert.NotEmpty(t, acc.ID)
	assert.Equal(t, domain.JobPending, acc.Status)
	assert.False(t, acc.ExpiresAt.IsZero())
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestAnalyze_EscapedTranscriptAtLimitAccepted(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.MaxInputChars = 100 })

	// Each rune arrives as a surrogate-pair escape, 12 wire bytes per rune.
	escaped := strings.Repeat(`😀`, 100)
	rec := env.do(http.MethodPost, "/v1/analyze", `{"conversation_text":"`+escaped+`"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	// One rune over the limit is still rejected after decode.
	escaped = strings.Repeat(`😀`, 101)
	rec = env.do(http.MethodPost, "/v1/analyze", `{"conversation_text":"`+escaped+`"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decodeErrorKind(t, rec))
}

func TestAnalyze_UnknownPayloadKeyRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/v1/analyze", `{"conversation_text":"hi","mood":"upbeat"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decodeErrorKind(t, rec))
}

func TestAnalyze_MissingConversationText(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/v1/analyze", `{"options":{}}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decodeErrorKind(t, rec))
}

func TestAuth_InvalidTokenRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/v1/analyze", `{"conversation_text":"hi"}`,
		map[string]string{"Authorization": "Bearer obs_wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_credential", decodeErrorKind(t, rec))
}

func TestAuth_ValidTokenAccepted(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/v1/analyze", `{"conversation_text":"hi"}`,
		map[string]string{"Authorization": "Bearer " + env.apiToken})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestRateLimit_PublicMinuteWindow(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.PublicPerMinute = 2 })
	hdr := map[string]string{"X-Forwarded-For": "198.51.100.21"}

	for i := 0; i < 2; i++ {
		rec := env.do(http.MethodPost, "/v1/analyze", `{"conversation_text":"hi"}`, hdr)
		require.Equal(t, http.StatusAccepted, rec.Code, "request %d", i+1)
	}

	rec := env.do(http.MethodPost, "/v1/analyze", `{"conversation_text":"hi"}`, hdr)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeErrorKind(t, rec))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

	// A different caller identity is unaffected.
	rec = env.do(http.MethodPost, "/v1/analyze", `{"conversation_text":"hi"}`,
		map[string]string{"X-Forwarded-For": "198.51.100.99"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestGet_OwnJobVisibleForeignJobHidden(t *testing.T) {
	env := newTestEnv(t, nil)
	hdr := map[string]string{"X-Forwarded-For": "198.51.100.31"}

	rec := env.do(http.MethodPost, "/v1/analyze", `{"conversation_text":"hi"}`, hdr)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var acc usecase.SubmitAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acc))

	rec = env.do(http.MethodGet, "/v1/analyze/"+acc.ID, "", hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	var view usecase.JobView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, acc.ID, view.ID)
	assert.Equal(t, domain.JobPending, view.Status)

	// Same id fetched by a different caller reads as absent.
	rec = env.do(http.MethodGet, "/v1/analyze/"+acc.ID, "",
		map[string]string{"X-Forwarded-For": "198.51.100.32"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeErrorKind(t, rec))
}

func TestCancel_OwnJob(t *testing.T) {
	env := newTestEnv(t, nil)
	hdr := map[string]string{"X-Forwarded-For": "198.51.100.41"}

	rec := env.do(http.MethodPost, "/v1/analyze", `{"conversation_text":"hi"}`, hdr)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var acc usecase.SubmitAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acc))

	rec = env.do(http.MethodPost, "/v1/analyze/"+acc.ID+"/cancel", "", hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	var out usecase.CancelOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, acc.ID, out.ID)
	assert.Equal(t, domain.JobPending, out.Status)

	// Idempotent: a second cancel reports the current status.
	rec = env.do(http.MethodPost, "/v1/analyze/"+acc.ID+"/cancel", "", hdr)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestList_RequiresAPIKey(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/v1/analyze", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "unauthorized", decodeErrorKind(t, rec))

	rec = env.do(http.MethodGet, "/v1/analyze", "",
		map[string]string{"Authorization": "Bearer " + env.apiToken})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUsage_ReportsBudgetWithoutSpendingIt(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.PublicPerMinute = 5 })
	hdr := map[string]string{"X-Forwarded-For": "198.51.100.61"}

	rec := env.do(http.MethodPost, "/v1/analyze", `{"conversation_text":"hi"}`, hdr)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var usage struct {
		Tier      string `json:"tier"`
		Limit     int    `json:"limit"`
		Remaining int    `json:"remaining"`
	}
	for i := 0; i < 3; i++ {
		rec = env.do(http.MethodGet, "/v1/usage", "", hdr)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
		assert.Equal(t, "public", usage.Tier)
		assert.Equal(t, 5, usage.Limit)
		assert.Equal(t, 4, usage.Remaining, "polling usage must not spend quota")
	}
}

func TestOperationalEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var rep usecase.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, "ok", rep.Status)

	rec = env.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/openapi.yaml", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "openapi:")
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}
