package dispatch

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/observatory-hq/observatory/internal/adapter/observability"
	"github.com/observatory-hq/observatory/pkg/textx"
)

// promptVersion tags the rendered instruction template. It is recorded in
// result.model_identifier so results can be traced back to the template that
// produced them.
const promptVersion = "p3"

const systemInstructions = `You analyze a human-AI conversation transcript and reply with a single JSON object, no prose.
The object has exactly these keys:
  "patterns": array of {"kind": string, "span": string, "confidence": number 0..1, "evidence": string optional}
  "themes": array of strings
  "sentiment": {"polarity": number -1..1, "intensity": number 0..1}
Only report pattern kinds you were asked for. Be conservative with confidence.`

// PromptBuilder renders the analysis prompt and records token accounting.
type PromptBuilder struct {
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewPromptBuilder constructs a PromptBuilder.
func NewPromptBuilder() *PromptBuilder { return &PromptBuilder{} }

// Version returns the current prompt template version.
func (b *PromptBuilder) Version() string { return promptVersion }

// Render assembles instructions, the requested pattern types and the
// transcript. Input length is enforced at submission; nothing is truncated
// here.
func (b *PromptBuilder) Render(patternTypes []string, conversation string) string {
	if len(patternTypes) == 0 {
		patternTypes = []string{"dialectic", "themes", "sentiment"}
	}
	var sb strings.Builder
	sb.WriteString(systemInstructions)
	sb.WriteString("\n\nRequested analyses: ")
	sb.WriteString(strings.Join(patternTypes, ", "))
	sb.WriteString("\n\nTranscript:\n")
	sb.WriteString(textx.NormalizeNewlines(conversation))
	prompt := sb.String()
	b.countTokens(prompt)
	return prompt
}

func (b *PromptBuilder) countTokens(prompt string) {
	b.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("token encoder unavailable; prompt token metrics disabled", slog.Any("error", err))
			return
		}
		b.enc = enc
	})
	if b.enc == nil {
		return
	}
	observability.PromptTokens.Observe(float64(len(b.enc.Encode(prompt, nil, nil))))
}
