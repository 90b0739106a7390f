package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/observatory-hq/observatory/internal/domain"
	"github.com/observatory-hq/observatory/internal/service/credential"
	"github.com/observatory-hq/observatory/internal/service/ratelimit"
)

type identityKey struct{}

// IdentityFrom returns the resolved caller identity stored by Authenticate.
func IdentityFrom(r *http.Request) domain.Identity {
	if v := r.Context().Value(identityKey{}); v != nil {
		if id, ok := v.(domain.Identity); ok {
			return id
		}
	}
	return domain.Identity{Tier: domain.TierPublic, Anonymous: true}
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// clientIP derives the caller's network identity, honoring the first
// X-Forwarded-For hop when present.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Authenticate resolves the bearer credential (or the caller's network
// identity) into a domain.Identity and records credential usage. A presented
// but invalid token is rejected here with 401.
func Authenticate(resolver *credential.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident, err := resolver.Resolve(r.Context(), bearerToken(r), clientIP(r))
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			if !ident.Anonymous {
				resolver.Touch(ident.Fingerprint)
			}
			ctx := context.WithValue(r.Context(), identityKey{}, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimit admits or rejects the request against the caller's tier windows
// and stamps the rate-limit headers on every response. Limiter failures that
// are not denials (e.g. a misconfigured tier table) surface as 500, not 429.
func RateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident := IdentityFrom(r)
			dec, err := limiter.Allow(r.Context(), ident.Fingerprint, ident.Tier)
			if err != nil && !errors.Is(err, domain.ErrRateLimited) {
				writeError(w, r, err, nil)
				return
			}
			setRateHeaders(w, dec)
			if err != nil || !dec.Allowed {
				retry := int(dec.RetryAfter.Seconds())
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeError(w, r, domain.ErrRateLimited, map[string]any{
					"limit":    dec.Limit,
					"reset_at": dec.ResetAt.Unix(),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type usageReport struct {
	Tier      string `json:"tier"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	ResetAt   int64  `json:"reset_at"`
}

// UsageHandler reports the caller's current minute-window budget. It peeks
// the counters, so polling usage never spends quota.
func UsageHandler(limiter *ratelimit.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident := IdentityFrom(r)
		dec, err := limiter.State(r.Context(), ident.Fingerprint, ident.Tier)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, usageReport{
			Tier:      string(ident.Tier),
			Limit:     dec.Limit,
			Remaining: dec.Remaining,
			ResetAt:   dec.ResetAt.Unix(),
		})
	}
}

func setRateHeaders(w http.ResponseWriter, dec ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))
}
