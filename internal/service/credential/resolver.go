// Package credential resolves presented bearer tokens to identities.
//
// Tokens are never stored or compared in plaintext: the resolver derives a
// keyed blake2b-256 fingerprint from the presented token and looks the
// record up by that fingerprint. Anonymous callers get a stable fingerprint
// derived from their network identity so rate limits track per caller.
package credential

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/observatory-hq/observatory/internal/domain"
)

const anonPrefix = "anon:"

// Resolver maps bearer tokens (or their absence) to an identity + tier.
type Resolver struct {
	repo  domain.CredentialRepository
	cache *cache
	key   []byte
	now   func() time.Time
}

// NewResolver constructs a Resolver. cacheSize and cacheTTL bound the
// in-process credential cache; key seeds the fingerprint hash.
func NewResolver(repo domain.CredentialRepository, key string, cacheSize int, cacheTTL time.Duration) *Resolver {
	return &Resolver{
		repo:  repo,
		cache: newCache(cacheSize, cacheTTL),
		key:   []byte(key),
		now:   time.Now,
	}
}

// Fingerprint derives the stable keyed hash of a token. The same derivation
// is used at issuance time, so lookup is a single indexed read.
func (r *Resolver) Fingerprint(token string) string {
	h, err := blake2b.New256(r.key)
	if err != nil {
		// blake2b only rejects keys longer than 64 bytes; fall back unkeyed.
		h, _ = blake2b.New256(nil)
	}
	_, _ = h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

// AnonymousIdentity returns the public-tier identity for an unauthenticated
// caller keyed by its network identity.
func (r *Resolver) AnonymousIdentity(networkID string) domain.Identity {
	return domain.Identity{
		Fingerprint: anonPrefix + r.Fingerprint(networkID),
		Tier:        domain.TierPublic,
		Anonymous:   true,
	}
}

// Resolve converts a presented token into an identity. A missing token never
// fails: the caller becomes anonymous public tier, keyed by networkID. A
// presented token that matches no active, unexpired record fails with
// ErrInvalidCredential.
func (r *Resolver) Resolve(ctx context.Context, token, networkID string) (domain.Identity, error) {
	if token == "" {
		return r.AnonymousIdentity(networkID), nil
	}
	fp := r.Fingerprint(token)
	cred, ok := r.cache.get(fp)
	if !ok {
		var err error
		cred, err = r.repo.GetByFingerprint(ctx, fp)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.Identity{}, fmt.Errorf("op=credential.resolve: %w", domain.ErrInvalidCredential)
			}
			return domain.Identity{}, fmt.Errorf("op=credential.resolve: %w", domain.ErrInternal)
		}
		r.cache.put(fp, cred)
	}
	if cred.ExpiresAt != nil && !cred.ExpiresAt.After(r.now()) {
		return domain.Identity{}, fmt.Errorf("op=credential.resolve: expired: %w", domain.ErrInvalidCredential)
	}
	if !cred.Active {
		return domain.Identity{}, fmt.Errorf("op=credential.resolve: inactive: %w", domain.ErrInvalidCredential)
	}
	return domain.Identity{Fingerprint: cred.Fingerprint, Tier: cred.Tier, Label: cred.Label}, nil
}

// Touch records usage of a credential. Best-effort: runs detached from the
// request and swallows failures.
func (r *Resolver) Touch(fingerprint string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.repo.Touch(ctx, fingerprint); err != nil {
			slog.Debug("credential touch failed", slog.String("fingerprint", fingerprint), slog.Any("error", err))
		}
	}()
}

// Invalidate drops a cached credential, e.g. after deactivation.
func (r *Resolver) Invalidate(fingerprint string) { r.cache.drop(fingerprint) }

// Revoke deactivates the credential behind a raw token and evicts it from
// the cache so the change takes effect immediately, not at cache expiry.
func (r *Resolver) Revoke(ctx context.Context, token string) error {
	fp := r.Fingerprint(token)
	if err := r.repo.Deactivate(ctx, fp); err != nil {
		return fmt.Errorf("op=credential.revoke: %w", err)
	}
	r.Invalidate(fp)
	return nil
}
