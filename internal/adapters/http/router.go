package httpadapter

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/medassist/label-rag/internal/core/domain"
	"github.com/medassist/label-rag/internal/core/ports"
	"github.com/medassist/label-rag/internal/observability/metrics"
)

const (
	serviceName = "api"

	defaultSearchK = 4
	maxSearchK     = 20

	maxUploadBytes = 20 << 20
	maxJSONBytes   = 1 << 20
)

type Router struct {
	explainer ports.Explainer
	retriever ports.Retriever
	ingestor  ports.LabelIngestor
	metrics   *metrics.HTTPServerMetrics

	rateLimitRPS   float64
	rateLimitBurst int
}

type Options struct {
	Metrics        *metrics.HTTPServerMetrics
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(explainer ports.Explainer, retriever ports.Retriever, ingestor ports.LabelIngestor, options Options) *Router {
	return &Router{
		explainer:      explainer,
		retriever:      retriever,
		ingestor:       ingestor,
		metrics:        options.Metrics,
		rateLimitRPS:   options.RateLimitRPS,
		rateLimitBurst: options.RateLimitBurst,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/v1/explain", rt.explain)
	mux.HandleFunc("/v1/search", rt.search)
	mux.HandleFunc("/v1/labels", rt.uploadLabel)
	mux.HandleFunc("/v1/labels/openfda", rt.queueOpenFDA)
	if rt.metrics != nil {
		mux.Handle("/metrics", rt.metrics.Handler())
	}

	var handler http.Handler = mux
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = rateLimitMiddleware(rt.rateLimitRPS, rt.rateLimitBurst, handler)
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) explain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req struct {
		DrugID   string `json:"drug_id"`
		Question string `json:"question"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.DrugID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "drug_id is required"})
		return
	}

	start := time.Now()
	explanation, err := rt.explainer.Explain(r.Context(), req.DrugID, req.Question)
	if err != nil {
		writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
		return
	}

	if rt.metrics != nil {
		outcome := "answered"
		if len(explanation.UsedCitationIDs) == 0 && len(explanation.Citations) == 0 {
			outcome = "no_context"
		}
		rt.metrics.RecordExplain(serviceName, outcome, time.Since(start))
		rt.metrics.RecordRetrieval(serviceName, "explain", len(explanation.Citations), explanation.Degraded)
	}

	writeJSON(w, http.StatusOK, explanation)
}

func (rt *Router) search(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req struct {
		Query string `json:"query"`
		K     int    `json:"k"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}
	k := req.K
	if k <= 0 {
		k = defaultSearchK
	}
	if k > maxSearchK {
		k = maxSearchK
	}

	citations, degraded, err := rt.retriever.Retrieve(r.Context(), req.Query, k)
	if err != nil {
		writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
		return
	}
	if citations == nil {
		citations = []domain.Citation{}
	}

	if rt.metrics != nil {
		rt.metrics.RecordRetrieval(serviceName, "search", len(citations), degraded)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":     req.Query,
		"k":         k,
		"citations": citations,
		"degraded":  degraded,
	})
}

func (rt *Router) uploadLabel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	job, err := rt.ingestor.QueueUpload(
		r.Context(),
		fileHeader.Filename,
		r.FormValue("rx_cui"),
		r.FormValue("section"),
		r.FormValue("source_url"),
		file,
	)
	if err != nil {
		writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

func (rt *Router) queueOpenFDA(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	job, err := rt.ingestor.QueueOpenFDAIngest(r.Context(), req.Query, req.Limit)
	if err != nil {
		writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
