package usecase

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/medassist/label-rag/internal/core/domain"
)

type fakeRetriever struct {
	citations []domain.Citation
	degraded  bool
	err       error

	calls     int
	lastQuery string
	lastK     int
}

func (f *fakeRetriever) Retrieve(_ context.Context, query string, k int) ([]domain.Citation, bool, error) {
	f.calls++
	f.lastQuery = query
	f.lastK = k
	// Hand out a copy so callers mutating Used flags don't leak between calls.
	out := make([]domain.Citation, len(f.citations))
	copy(out, f.citations)
	return out, f.degraded, f.err
}

type fakeGenerator struct {
	output string
	err    error

	calls      int
	lastSystem string
	lastUser   string
}

func (f *fakeGenerator) GenerateJSON(_ context.Context, system, user string) (string, error) {
	f.calls++
	f.lastSystem = system
	f.lastUser = user
	return f.output, f.err
}

type fakeCache struct {
	entries map[string]*domain.Explanation
	sets    []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]*domain.Explanation)}
}

func (f *fakeCache) Get(key string) (*domain.Explanation, bool) {
	v, ok := f.entries[key]
	return v, ok
}

func (f *fakeCache) Set(key string, value *domain.Explanation) {
	f.entries[key] = value
	f.sets = append(f.sets, key)
}

func sampleCitations() []domain.Citation {
	return []domain.Citation{
		{Index: 1, RxCUI: "6809", Section: "warnings_and_cautions", Snippet: "May cause lactic acidosis."},
		{Index: 2, RxCUI: "6809", Section: "indications_and_usage", Snippet: "Treats type 2 diabetes."},
		{Index: 3, RxCUI: "6809", Section: "adverse_reactions", Snippet: "Nausea is common."},
	}
}

func TestExplainGroundedAnswer(t *testing.T) {
	retriever := &fakeRetriever{citations: sampleCitations()}
	generator := &fakeGenerator{output: `{"bullets":["Helps control blood sugar.","May cause stomach upset."],"used_citation_ids":[2,3]}`}
	cache := newFakeCache()
	uc := NewExplainUseCase(retriever, generator, cache, 4)

	got, err := uc.Explain(context.Background(), "metformin", "what should I know?")
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}

	if len(got.Summary) != 2 {
		t.Fatalf("unexpected summary: %v", got.Summary)
	}
	if !reflect.DeepEqual(got.UsedCitationIDs, []int{2, 3}) {
		t.Fatalf("used ids = %v", got.UsedCitationIDs)
	}
	// Full citation set stays visible; used is an enrichment flag.
	if len(got.Citations) != 3 {
		t.Fatalf("citations must not be filtered, got %d", len(got.Citations))
	}
	if got.Citations[0].Used || !got.Citations[1].Used || !got.Citations[2].Used {
		t.Fatalf("used flags wrong: %+v", got.Citations)
	}
	if got.Disclaimer != domain.Disclaimer {
		t.Fatalf("disclaimer missing")
	}
	if retriever.lastQuery != "what should I know?" || retriever.lastK != 4 {
		t.Fatalf("retrieval call wrong: %q k=%d", retriever.lastQuery, retriever.lastK)
	}
}

func TestExplainDefaultRetrievalQuery(t *testing.T) {
	retriever := &fakeRetriever{citations: sampleCitations()}
	generator := &fakeGenerator{output: `{"bullets":["b"],"used_citation_ids":[]}`}
	uc := NewExplainUseCase(retriever, generator, newFakeCache(), 4)

	if _, err := uc.Explain(context.Background(), "metformin", ""); err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if retriever.lastQuery != "key facts and warnings about metformin" {
		t.Fatalf("default query wrong: %q", retriever.lastQuery)
	}
}

func TestExplainEmptyDrugID(t *testing.T) {
	uc := NewExplainUseCase(&fakeRetriever{}, &fakeGenerator{}, newFakeCache(), 4)
	_, err := uc.Explain(context.Background(), "  ", "q")
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestExplainEmptyContextSkipsGenerator(t *testing.T) {
	generator := &fakeGenerator{output: `{"bullets":["never"]}`}
	cache := newFakeCache()
	uc := NewExplainUseCase(&fakeRetriever{}, generator, cache, 4)

	got, err := uc.Explain(context.Background(), "obscuredrug", "")
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if generator.calls != 0 {
		t.Fatalf("generator must not be called without context")
	}
	if len(got.Summary) != 1 || !strings.Contains(got.Summary[0], "No context available for 'obscuredrug'") {
		t.Fatalf("fallback bullet wrong: %v", got.Summary)
	}
	if len(cache.sets) != 1 {
		t.Fatalf("empty-context answer should be cached")
	}
}

func TestExplainCacheHitSkipsPipeline(t *testing.T) {
	retriever := &fakeRetriever{citations: sampleCitations()}
	generator := &fakeGenerator{output: `{"bullets":["b"]}`}
	cache := newFakeCache()
	uc := NewExplainUseCase(retriever, generator, cache, 4)

	first, err := uc.Explain(context.Background(), "metformin", "q")
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	second, err := uc.Explain(context.Background(), "metformin", "q")
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if retriever.calls != 1 || generator.calls != 1 {
		t.Fatalf("second call must be served from cache: retriever=%d generator=%d", retriever.calls, generator.calls)
	}
	if first != second {
		t.Fatalf("expected the cached value back")
	}
}

func TestExplainGroundingContainment(t *testing.T) {
	// Out-of-range, duplicate, boolean and fractional ids must all be
	// dropped; only offered indices survive.
	retriever := &fakeRetriever{citations: sampleCitations()}
	generator := &fakeGenerator{output: `{"bullets":["b"],"used_citation_ids":[99,2,-1,2,true,2.5,"3",0]}`}
	uc := NewExplainUseCase(retriever, generator, newFakeCache(), 4)

	got, err := uc.Explain(context.Background(), "metformin", "q")
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if !reflect.DeepEqual(got.UsedCitationIDs, []int{2, 3}) {
		t.Fatalf("used ids = %v, want [2 3]", got.UsedCitationIDs)
	}
}

func TestExplainRecoversJSONFromProse(t *testing.T) {
	retriever := &fakeRetriever{citations: sampleCitations()}
	generator := &fakeGenerator{output: "Sure! Here is the answer:\n```json\n{\"bullets\":[\"Quoted \\\"brace {\\\" stays.\"],\"used_citation_ids\":[1]}\n```"}
	uc := NewExplainUseCase(retriever, generator, newFakeCache(), 4)

	got, err := uc.Explain(context.Background(), "metformin", "q")
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if len(got.Summary) != 1 || !strings.Contains(got.Summary[0], "stays") {
		t.Fatalf("recovery failed: %v", got.Summary)
	}
	if !reflect.DeepEqual(got.UsedCitationIDs, []int{1}) {
		t.Fatalf("used ids = %v", got.UsedCitationIDs)
	}
}

func TestExplainUnparseableOutputFallsBack(t *testing.T) {
	retriever := &fakeRetriever{citations: sampleCitations()}
	generator := &fakeGenerator{output: "no json here at all"}
	uc := NewExplainUseCase(retriever, generator, newFakeCache(), 4)

	got, err := uc.Explain(context.Background(), "metformin", "q")
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if len(got.Summary) != 1 || !strings.Contains(got.Summary[0], "explanation unavailable") {
		t.Fatalf("expected fallback bullet, got %v", got.Summary)
	}
	if len(got.Citations) != 3 {
		t.Fatalf("citations should still be offered: %d", len(got.Citations))
	}
}

func TestExplainBackendFailureNeverErrors(t *testing.T) {
	retriever := &fakeRetriever{citations: sampleCitations(), degraded: true}
	generator := &fakeGenerator{err: errors.New("rate limited")}
	cache := newFakeCache()
	uc := NewExplainUseCase(retriever, generator, cache, 4)

	got, err := uc.Explain(context.Background(), "metformin", "q")
	if err != nil {
		t.Fatalf("backend failures must not surface: %v", err)
	}
	if len(got.Summary) != 1 || !strings.Contains(got.Summary[0], "explanation unavailable") {
		t.Fatalf("expected fallback bullet, got %v", got.Summary)
	}
	if !got.Degraded {
		t.Fatalf("degraded flag lost")
	}
	if len(cache.sets) != 0 {
		t.Fatalf("transient failures must not be cached")
	}
}

func TestExplainRetrievalFailureFallsBack(t *testing.T) {
	retriever := &fakeRetriever{err: errors.New("db down")}
	uc := NewExplainUseCase(retriever, &fakeGenerator{}, newFakeCache(), 4)

	got, err := uc.Explain(context.Background(), "metformin", "q")
	if err != nil {
		t.Fatalf("retrieval failures must not surface: %v", err)
	}
	if len(got.Summary) != 1 || !strings.Contains(got.Summary[0], "explanation unavailable") {
		t.Fatalf("expected fallback bullet, got %v", got.Summary)
	}
}

func TestExplainBulletCapAndPromptShape(t *testing.T) {
	retriever := &fakeRetriever{citations: sampleCitations()}
	generator := &fakeGenerator{output: `{"bullets":["1","2","3","4","5","6","7","8"],"used_citation_ids":[1]}`}
	uc := NewExplainUseCase(retriever, generator, newFakeCache(), 4)

	got, err := uc.Explain(context.Background(), "metformin", "q")
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if len(got.Summary) != maxBullets {
		t.Fatalf("expected %d bullets, got %d", maxBullets, len(got.Summary))
	}
	if !strings.Contains(generator.lastUser, "[C1] (warnings_and_cautions, rx_cui=6809): May cause lactic acidosis.") {
		t.Fatalf("context line missing: %s", generator.lastUser)
	}
	if !strings.Contains(generator.lastSystem, "strict JSON") {
		t.Fatalf("system instruction missing")
	}
}

func TestExplainCacheKeyShape(t *testing.T) {
	tests := []struct {
		drugID, question, want string
	}{
		{"metformin", "", "explain:v2:metformin:_"},
		{"metformin", "side effects", "explain:v2:metformin:side effects"},
	}
	for _, tt := range tests {
		if got := explainCacheKey(tt.drugID, tt.question); got != tt.want {
			t.Fatalf("explainCacheKey(%q, %q) = %q, want %q", tt.drugID, tt.question, got, tt.want)
		}
	}
}

func TestFirstBalancedBraceSpan(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"prose around", `text {"a":{"b":2}} tail`, `{"a":{"b":2}}`},
		{"brace inside string", `{"a":"}"}`, `{"a":"}"}`},
		{"escaped quote", `{"a":"\"}"}`, `{"a":"\"}"}`},
		{"unbalanced", `{"a":1`, ""},
		{"no braces", "plain text", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := firstBalancedBraceSpan(tt.in); got != tt.want {
				t.Fatalf("firstBalancedBraceSpan(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
