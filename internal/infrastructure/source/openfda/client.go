package openfda

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/medassist/label-rag/internal/core/domain"
)

const (
	defaultBaseURL = "https://api.fda.gov"
	labelPath      = "/drug/label.json"

	pageSize       = 25
	maxPageSize    = 100
	rateLimitPause = 2 * time.Second
)

// sectionNames are the structured product label sections worth
// retrieving over, in the order they are ingested.
var sectionNames = []string{
	"indications_and_usage",
	"warnings_and_cautions",
	"boxed_warning",
	"adverse_reactions",
	"drug_interactions",
	"dosage_and_administration",
	"contraindications",
	"description",
}

// Client wraps the openFDA Drug Labeling API. Requests are paced by a
// local limiter so bulk ingestion stays inside the published quota.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RequestsPerMinute caps outbound request pacing. openFDA allows
	// 240/min with an API key and 40/min without.
	RequestsPerMinute int
}

func New(options Options) *Client {
	baseURL := strings.TrimRight(options.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	perMinute := options.RequestsPerMinute
	if perMinute <= 0 {
		if options.APIKey != "" {
			perMinute = 240
		} else {
			perMinute = 40
		}
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     options.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

type labelRecord struct {
	ID      string `json:"id"`
	OpenFDA struct {
		RxCUI []string `json:"rxcui"`
	} `json:"openfda"`
	Sections map[string]json.RawMessage `json:"-"`
}

type searchResponse struct {
	Results []json.RawMessage `json:"results"`
}

// SearchLabels fetches one page of label records matching an openFDA
// search expression, e.g. `openfda.generic_name:"ibuprofen"`.
func (c *Client) SearchLabels(ctx context.Context, query string, limit, skip int) ([]json.RawMessage, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	params := url.Values{}
	params.Set("search", query)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("skip", strconv.Itoa(skip))
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}
	endpoint := c.baseURL + labelPath + "?" + params.Encode()

	body, status, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if status == http.StatusTooManyRequests {
		// One polite retry after a pause, matching the upstream quota window.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(rateLimitPause):
		}
		body, status, err = c.get(ctx, endpoint)
		if err != nil {
			return nil, err
		}
	}
	if status == http.StatusNotFound {
		// openFDA reports an empty result set as 404.
		return nil, nil
	}
	if status >= 300 {
		return nil, fmt.Errorf("openfda search status %d: %s", status, strings.TrimSpace(string(body)))
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode openfda response: %w", err)
	}
	return parsed.Results, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create openfda request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("openfda request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("read openfda response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// FetchSections pages through labels matching the query and flattens
// them into per-section rows ready for chunking. Labels without an
// RxCUI mapping are skipped.
func (c *Client) FetchSections(ctx context.Context, query string, limit int) ([]domain.LabelSection, error) {
	if strings.TrimSpace(query) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "openfda fetch", fmt.Errorf("empty query"))
	}
	if limit <= 0 {
		limit = 50
	}

	var rows []domain.LabelSection
	fetched := 0
	skip := 0
	for fetched < limit {
		toFetch := pageSize
		if remaining := limit - fetched; remaining < toFetch {
			toFetch = remaining
		}
		results, err := c.SearchLabels(ctx, query, toFetch, skip)
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			break
		}

		for _, raw := range results {
			rows = append(rows, c.labelSections(raw)...)
		}
		fetched += len(results)
		skip += len(results)
	}
	return rows, nil
}

func (c *Client) labelSections(raw json.RawMessage) []domain.LabelSection {
	var meta labelRecord
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil
	}
	rxCUI := firstRxCUI(meta.OpenFDA.RxCUI)
	if rxCUI == "" {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}

	sourceURL := ""
	if meta.ID != "" {
		sourceURL = c.baseURL + labelPath + "?search=id:" + url.QueryEscape(meta.ID)
	}

	var rows []domain.LabelSection
	for _, section := range sectionNames {
		text := sectionText(fields[section])
		if text == "" {
			continue
		}
		rows = append(rows, domain.LabelSection{
			RxCUI:     rxCUI,
			Section:   section,
			Text:      text,
			SourceURL: sourceURL,
		})
	}
	return rows
}

// sectionText handles the two shapes openFDA uses for section fields:
// a single string or a list of paragraphs.
func sectionText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return strings.TrimSpace(single)
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return strings.TrimSpace(strings.Join(many, "\n\n"))
	}
	return ""
}

func firstRxCUI(rxcuis []string) string {
	for _, r := range rxcuis {
		if strings.TrimSpace(r) != "" {
			return strings.TrimSpace(r)
		}
	}
	return ""
}
