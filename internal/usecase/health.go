package usecase

import (
	"context"
	"time"

	"github.com/observatory-hq/observatory/internal/domain"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// HealthService aggregates dependency probes into the /health shape.
type HealthService struct {
	StoreCheck func(ctx context.Context) error
	Backend    domain.Backend
}

// NewHealthService constructs a HealthService.
func NewHealthService(storeCheck func(ctx context.Context) error, be domain.Backend) HealthService {
	return HealthService{StoreCheck: storeCheck, Backend: be}
}

// HealthReport is the /health response body.
type HealthReport struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
	Store   string `json:"store"`
	Version string `json:"version"`
}

// Check probes the store and backend with a short deadline. A down store
// makes the service down; a down backend only degrades it, since submissions
// remain durable.
func (s HealthService) Check(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	rep := HealthReport{Status: "ok", Backend: "ok", Store: "ok", Version: Version}
	if s.StoreCheck == nil || s.StoreCheck(ctx) != nil {
		rep.Store = "down"
		rep.Status = "down"
	}
	if s.Backend == nil {
		rep.Backend = "down"
	} else if err := s.Backend.Healthy(ctx); err != nil {
		rep.Backend = "degraded"
	}
	if rep.Status == "ok" && rep.Backend != "ok" {
		rep.Status = "degraded"
	}
	return rep
}
