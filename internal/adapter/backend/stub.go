package backend

import (
	"encoding/json"

	"github.com/observatory-hq/observatory/internal/domain"
)

// Stub is a deterministic in-process backend used in dev and tests. It
// returns a minimal well-formed analysis for any prompt.
type Stub struct{}

// Generate returns a canned analysis body.
func (Stub) Generate(_ domain.Context, _ domain.GenerateRequest) (domain.GenerateResponse, error) {
	body, _ := json.Marshal(map[string]any{
		"patterns": []any{},
		"themes":   []string{"greeting"},
		"sentiment": map[string]float64{
			"polarity":  0.5,
			"intensity": 0.2,
		},
	})
	return domain.GenerateResponse{Text: string(body), Model: "stub-1", FinishReason: "stop"}, nil
}

// Healthy always succeeds.
func (Stub) Healthy(_ domain.Context) error { return nil }
