package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/medassist/label-rag/internal/core/domain"
	"github.com/medassist/label-rag/internal/core/ports"
)

const (
	defaultTopK = 4
	maxBullets  = 6
)

const explainSystemInstruction = `You are a medical explanation assistant for consumers.
Requirements:
- Explain in plain language at ~8th-grade level.
- Summarize ONLY from the provided CONTEXT; if unknown, say so.
- Output 4-6 concise bullets.
- Add a brief cautionary bullet if applicable.
- Never give medical advice or dosing instructions; use a disclaimer tone.
- No hallucinations. If evidence is weak, say "uncertain".
- Return strict JSON with keys: bullets[], used_citation_ids[].`

type ExplainUseCase struct {
	retriever ports.Retriever
	generator ports.Generator
	cache     ports.ResponseCache
	topK      int
}

func NewExplainUseCase(retriever ports.Retriever, generator ports.Generator, cache ports.ResponseCache, topK int) *ExplainUseCase {
	if topK <= 0 {
		topK = defaultTopK
	}
	return &ExplainUseCase{
		retriever: retriever,
		generator: generator,
		cache:     cache,
		topK:      topK,
	}
}

// Explain retrieves label context for one drug and assembles a grounded
// bullet-point answer. The response is always well-formed: retrieval or
// generation failures downgrade to fallback bullets, never to an error.
// Only empty drugID is a caller error.
func (uc *ExplainUseCase) Explain(ctx context.Context, drugID, question string) (*domain.Explanation, error) {
	drugID = strings.TrimSpace(drugID)
	if drugID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "explain", errors.New("drug_id is required"))
	}
	question = strings.TrimSpace(question)

	cacheKey := explainCacheKey(drugID, question)
	if cached, ok := uc.cache.Get(cacheKey); ok {
		return cached, nil
	}

	retrievalQuery := question
	if retrievalQuery == "" {
		retrievalQuery = "key facts and warnings about " + drugID
	}

	citations, degraded, err := uc.retriever.Retrieve(ctx, retrievalQuery, uc.topK)
	if err != nil {
		slog.Warn("explain retrieval failed", "drug_id", drugID, "error", err)
		return uc.unavailable(drugID, question, nil, false), nil
	}

	if len(citations) == 0 {
		resp := &domain.Explanation{
			DrugID:     drugID,
			Question:   question,
			Summary:    []string{fmt.Sprintf("No context available for '%s'. Try refining your query.", drugID)},
			Citations:  []domain.Citation{},
			Degraded:   degraded,
			Disclaimer: domain.Disclaimer,
		}
		uc.cache.Set(cacheKey, resp)
		return resp, nil
	}

	raw, err := uc.generator.GenerateJSON(ctx, explainSystemInstruction, buildUserPrompt(drugID, question, citations))
	if err != nil {
		slog.Warn("explain generation failed", "drug_id", drugID, "error", err)
		return uc.unavailable(drugID, question, citations, degraded), nil
	}

	answer := parseGroundedAnswer(raw)
	usedIDs := intersectOffered(answer.UsedCitationIDs, len(citations))
	for _, id := range usedIDs {
		citations[id-1].Used = true
	}

	summary := answer.Bullets
	if len(summary) == 0 {
		summary = []string{fmt.Sprintf("%s: explanation unavailable from current context.", drugID)}
	}

	resp := &domain.Explanation{
		DrugID:          drugID,
		Question:        question,
		Summary:         summary,
		Citations:       citations,
		UsedCitationIDs: usedIDs,
		Degraded:        degraded,
		Disclaimer:      domain.Disclaimer,
	}
	uc.cache.Set(cacheKey, resp)
	return resp, nil
}

// unavailable is the answer of last resort. It is intentionally not
// cached so a transient backend failure does not pin a useless response
// for the whole TTL.
func (uc *ExplainUseCase) unavailable(drugID, question string, citations []domain.Citation, degraded bool) *domain.Explanation {
	if citations == nil {
		citations = []domain.Citation{}
	}
	return &domain.Explanation{
		DrugID:     drugID,
		Question:   question,
		Summary:    []string{fmt.Sprintf("%s: explanation unavailable from current context.", drugID)},
		Citations:  citations,
		Degraded:   degraded,
		Disclaimer: domain.Disclaimer,
	}
}

func explainCacheKey(drugID, question string) string {
	q := question
	if q == "" {
		q = "_"
	}
	return "explain:v2:" + drugID + ":" + q
}

func buildUserPrompt(drugID, question string, citations []domain.Citation) string {
	var context strings.Builder
	for _, c := range citations {
		snippet := strings.TrimSpace(strings.ReplaceAll(c.Snippet, "\n", " "))
		section := c.Section
		if section == "" {
			section = "unknown"
		}
		rxCUI := c.RxCUI
		if rxCUI == "" {
			rxCUI = "n/a"
		}
		fmt.Fprintf(&context, "[C%d] (%s, rx_cui=%s): %s\n", c.Index, section, rxCUI, snippet)
	}

	if question == "" {
		question = "key facts and warnings"
	}
	return fmt.Sprintf(`DRUG: %s
QUESTION: %s

CONTEXT (citations):
%s
INSTRUCTIONS:
- Use context verbatim for facts; do not invent.
- Refer to citations by [Ci] indices (we will map them).
- Return JSON: {"bullets": string[], "used_citation_ids": number[]} ONLY.`, drugID, question, context.String())
}

// parseGroundedAnswer decodes the model output, tolerating surrounding
// prose or markdown fences via a single balanced-brace recovery pass.
// Unusable output yields an empty answer, never an error.
func parseGroundedAnswer(text string) domain.GroundedAnswer {
	var raw struct {
		Bullets         []any `json:"bullets"`
		UsedCitationIDs []any `json:"used_citation_ids"`
		UsedIDs         []any `json:"usedIds"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		span := firstBalancedBraceSpan(text)
		if span == "" || json.Unmarshal([]byte(span), &raw) != nil {
			return domain.GroundedAnswer{}
		}
	}

	var bullets []string
	for _, b := range raw.Bullets {
		s, ok := b.(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			bullets = append(bullets, s)
		}
		if len(bullets) == maxBullets {
			break
		}
	}

	usedRaw := raw.UsedCitationIDs
	if len(usedRaw) == 0 {
		usedRaw = raw.UsedIDs
	}
	var used []int
	for _, v := range usedRaw {
		if id, ok := coerceInt(v); ok {
			used = append(used, id)
		}
	}

	return domain.GroundedAnswer{Bullets: bullets, UsedCitationIDs: used}
}

func coerceInt(v any) (int, bool) {
	switch x := v.(type) {
	case bool:
		return 0, false
	case float64:
		if x != float64(int(x)) {
			return 0, false
		}
		return int(x), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// intersectOffered keeps ids in [1, offered], deduplicated in first-seen
// order. Indices the model invented are dropped silently.
func intersectOffered(ids []int, offered int) []int {
	seen := make(map[int]bool, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if id < 1 || id > offered || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// firstBalancedBraceSpan returns the first top-level {...} span in text,
// respecting JSON string literals and escapes. Empty when no balanced
// span exists.
func firstBalancedBraceSpan(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
