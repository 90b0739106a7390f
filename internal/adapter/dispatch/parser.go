package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/observatory-hq/observatory/internal/domain"
)

// rawResult mirrors the backend's JSON. Pointer fields distinguish missing
// required keys from present-but-zero values; unknown keys are dropped by
// the decoder.
type rawResult struct {
	Patterns  []rawPattern  `json:"patterns"`
	Themes    []string      `json:"themes"`
	Sentiment *rawSentiment `json:"sentiment"`
}

type rawPattern struct {
	Kind       *string  `json:"kind"`
	Span       string   `json:"span"`
	Confidence *float64 `json:"confidence"`
	Evidence   string   `json:"evidence"`
}

type rawSentiment struct {
	Polarity  *float64 `json:"polarity"`
	Intensity *float64 `json:"intensity"`
}

// ParseResult turns backend text into the structured result schema. Missing
// required fields are a parse error; out-of-range numerics are clamped and
// the result is annotated coerced.
func ParseResult(text string) (domain.AnalysisResult, error) {
	text = strings.TrimSpace(text)
	// Tolerate fenced output; models wrap JSON in markdown despite instructions.
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	var raw rawResult
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return domain.AnalysisResult{}, fmt.Errorf("backend output is not valid JSON: %w", err)
	}
	if raw.Sentiment == nil {
		return domain.AnalysisResult{}, fmt.Errorf("backend output missing required field: sentiment")
	}
	if raw.Sentiment.Polarity == nil || raw.Sentiment.Intensity == nil {
		return domain.AnalysisResult{}, fmt.Errorf("backend output missing required field: sentiment polarity/intensity")
	}

	out := domain.AnalysisResult{
		Patterns: make([]domain.Pattern, 0, len(raw.Patterns)),
		Themes:   raw.Themes,
	}
	if out.Themes == nil {
		out.Themes = []string{}
	}
	coerced := false
	for i, p := range raw.Patterns {
		if p.Kind == nil || *p.Kind == "" {
			return domain.AnalysisResult{}, fmt.Errorf("backend output pattern %d missing kind", i)
		}
		if p.Confidence == nil {
			return domain.AnalysisResult{}, fmt.Errorf("backend output pattern %d missing confidence", i)
		}
		conf, c := clamp(*p.Confidence, 0, 1)
		coerced = coerced || c
		out.Patterns = append(out.Patterns, domain.Pattern{
			Kind:       *p.Kind,
			Span:       p.Span,
			Confidence: conf,
			Evidence:   p.Evidence,
		})
	}
	pol, c1 := clamp(*raw.Sentiment.Polarity, -1, 1)
	inten, c2 := clamp(*raw.Sentiment.Intensity, 0, 1)
	out.Sentiment = domain.Sentiment{Polarity: pol, Intensity: inten}
	out.Coerced = coerced || c1 || c2
	return out, nil
}

func clamp(v, lo, hi float64) (float64, bool) {
	if v < lo {
		return lo, true
	}
	if v > hi {
		return hi, true
	}
	return v, false
}
