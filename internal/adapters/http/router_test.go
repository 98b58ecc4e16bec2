package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/medassist/label-rag/internal/core/domain"
)

type fakeExplainer struct {
	explanation *domain.Explanation
	err         error
	lastDrugID  string
	lastQ       string
}

func (f *fakeExplainer) Explain(_ context.Context, drugID, question string) (*domain.Explanation, error) {
	f.lastDrugID = drugID
	f.lastQ = question
	return f.explanation, f.err
}

type fakeRetriever struct {
	citations []domain.Citation
	degraded  bool
	err       error
	lastK     int
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, k int) ([]domain.Citation, bool, error) {
	f.lastK = k
	return f.citations, f.degraded, f.err
}

type fakeIngestor struct {
	job *domain.IngestJob
	err error

	lastQuery    string
	lastLimit    int
	lastFilename string
	lastRxCUI    string
	lastBody     string
}

func (f *fakeIngestor) QueueOpenFDAIngest(_ context.Context, query string, limit int) (*domain.IngestJob, error) {
	f.lastQuery = query
	f.lastLimit = limit
	return f.job, f.err
}

func (f *fakeIngestor) QueueUpload(_ context.Context, filename, rxCUI, _, _ string, body io.Reader) (*domain.IngestJob, error) {
	f.lastFilename = filename
	f.lastRxCUI = rxCUI
	raw, _ := io.ReadAll(body)
	f.lastBody = string(raw)
	return f.job, f.err
}

func (f *fakeIngestor) RunJob(context.Context, domain.IngestJob) (*domain.IngestReport, error) {
	return nil, errors.New("not used by the api process")
}

func newTestRouter(explainer *fakeExplainer, retriever *fakeRetriever, ingestor *fakeIngestor) http.Handler {
	return NewRouter(explainer, retriever, ingestor, Options{}).Handler()
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestHealthz(t *testing.T) {
	handler := newTestRouter(&fakeExplainer{}, &fakeRetriever{}, &fakeIngestor{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", res.Code)
	}
	if res.Header().Get(requestIDHeader) == "" {
		t.Fatalf("request id header missing")
	}
}

func TestExplainEndpoint(t *testing.T) {
	explainer := &fakeExplainer{explanation: &domain.Explanation{
		DrugID:     "metformin",
		Summary:    []string{"Controls blood sugar."},
		Citations:  []domain.Citation{{Index: 1, Snippet: "s", Used: true}},
		Disclaimer: domain.Disclaimer,
	}}
	handler := newTestRouter(explainer, &fakeRetriever{}, &fakeIngestor{})

	res := postJSON(t, handler, "/v1/explain", `{"drug_id":"metformin","question":"what is it?"}`)
	if res.Code != http.StatusOK {
		t.Fatalf("explain status = %d, body %s", res.Code, res.Body.String())
	}

	var got domain.Explanation
	if err := json.Unmarshal(res.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.DrugID != "metformin" || got.Disclaimer != domain.Disclaimer {
		t.Fatalf("unexpected body: %+v", got)
	}
	if explainer.lastDrugID != "metformin" || explainer.lastQ != "what is it?" {
		t.Fatalf("usecase call wrong: %q %q", explainer.lastDrugID, explainer.lastQ)
	}
}

func TestExplainValidation(t *testing.T) {
	handler := newTestRouter(&fakeExplainer{}, &fakeRetriever{}, &fakeIngestor{})

	tests := []struct {
		name string
		body string
	}{
		{"missing drug_id", `{"question":"q"}`},
		{"blank drug_id", `{"drug_id":"  "}`},
		{"invalid json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := postJSON(t, handler, "/v1/explain", tt.body)
			if res.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", res.Code)
			}
		})
	}
}

func TestExplainMethodNotAllowed(t *testing.T) {
	handler := newTestRouter(&fakeExplainer{}, &fakeRetriever{}, &fakeIngestor{})
	req := httptest.NewRequest(http.MethodGet, "/v1/explain", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", res.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	retriever := &fakeRetriever{
		citations: []domain.Citation{{Index: 1, Snippet: "s1"}, {Index: 2, Snippet: "s2"}},
		degraded:  true,
	}
	handler := newTestRouter(&fakeExplainer{}, retriever, &fakeIngestor{})

	res := postJSON(t, handler, "/v1/search", `{"query":"warnings"}`)
	if res.Code != http.StatusOK {
		t.Fatalf("search status = %d", res.Code)
	}

	var got struct {
		K         int               `json:"k"`
		Citations []domain.Citation `json:"citations"`
		Degraded  bool              `json:"degraded"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.K != defaultSearchK || retriever.lastK != defaultSearchK {
		t.Fatalf("default k not applied: %d/%d", got.K, retriever.lastK)
	}
	if len(got.Citations) != 2 || !got.Degraded {
		t.Fatalf("unexpected body: %+v", got)
	}
}

func TestSearchClampsK(t *testing.T) {
	retriever := &fakeRetriever{}
	handler := newTestRouter(&fakeExplainer{}, retriever, &fakeIngestor{})

	res := postJSON(t, handler, "/v1/search", `{"query":"q","k":500}`)
	if res.Code != http.StatusOK {
		t.Fatalf("search status = %d", res.Code)
	}
	if retriever.lastK != maxSearchK {
		t.Fatalf("k not clamped: %d", retriever.lastK)
	}
}

func TestSearchErrorMapping(t *testing.T) {
	retriever := &fakeRetriever{err: domain.WrapError(domain.ErrInvalidInput, "retrieve", errors.New("empty query"))}
	handler := newTestRouter(&fakeExplainer{}, retriever, &fakeIngestor{})

	res := postJSON(t, handler, "/v1/search", `{"query":"x"}`)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.Code)
	}
}

func TestQueueOpenFDAEndpoint(t *testing.T) {
	ingestor := &fakeIngestor{job: &domain.IngestJob{ID: "job-1", Kind: domain.IngestJobOpenFDA}}
	handler := newTestRouter(&fakeExplainer{}, &fakeRetriever{}, ingestor)

	res := postJSON(t, handler, "/v1/labels/openfda", `{"query":"openfda.generic_name:\"ibuprofen\"","limit":20}`)
	if res.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", res.Code, res.Body.String())
	}
	if ingestor.lastQuery == "" || ingestor.lastLimit != 20 {
		t.Fatalf("usecase call wrong: %q %d", ingestor.lastQuery, ingestor.lastLimit)
	}

	var job domain.IngestJob
	if err := json.Unmarshal(res.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if job.ID != "job-1" {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestUploadLabelEndpoint(t *testing.T) {
	ingestor := &fakeIngestor{job: &domain.IngestJob{ID: "job-2", Kind: domain.IngestJobUpload}}
	handler := newTestRouter(&fakeExplainer{}, &fakeRetriever{}, ingestor)

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", "label.pdf")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("%PDF-1.4 body"))
	_ = form.WriteField("rx_cui", "6809")
	_ = form.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/labels", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", res.Code, res.Body.String())
	}
	if ingestor.lastFilename != "label.pdf" || ingestor.lastRxCUI != "6809" || ingestor.lastBody != "%PDF-1.4 body" {
		t.Fatalf("upload not forwarded: %+v", ingestor)
	}
}

func TestUploadLabelRequiresFile(t *testing.T) {
	handler := newTestRouter(&fakeExplainer{}, &fakeRetriever{}, &fakeIngestor{})
	res := postJSON(t, handler, "/v1/labels", `{"not":"multipart"}`)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.Code)
	}
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	handler := NewRouter(&fakeExplainer{}, &fakeRetriever{}, &fakeIngestor{}, Options{
		RateLimitRPS:   0.001,
		RateLimitBurst: 1,
	}).Handler()

	req1 := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res1 := httptest.NewRecorder()
	handler.ServeHTTP(res1, req1)
	if res1.Code != http.StatusOK {
		t.Fatalf("first request expected 200, got %d", res1.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res2 := httptest.NewRecorder()
	handler.ServeHTTP(res2, req2)
	if res2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request expected 429, got %d", res2.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid input", domain.WrapError(domain.ErrInvalidInput, "op", errors.New("bad")), http.StatusBadRequest},
		{"not found", domain.WrapError(domain.ErrNotFound, "op", errors.New("missing")), http.StatusNotFound},
		{"temporary", domain.WrapError(domain.ErrTemporary, "op", errors.New("later")), http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapErrorToHTTPStatus(tt.err); got != tt.want {
				t.Fatalf("mapErrorToHTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}
