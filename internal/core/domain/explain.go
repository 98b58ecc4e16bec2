package domain

// Citation is a request-scoped numbered reference to a retrieved chunk.
// Index is assigned per retrieval call in result order (nearest = 1);
// it is not the chunk's storage id and must never be persisted.
type Citation struct {
	Index     int    `json:"id"`
	RxCUI     string `json:"rx_cui,omitempty"`
	Section   string `json:"section,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
	Snippet   string `json:"snippet"`
	Used      bool   `json:"used"`
}

// GroundedAnswer is the structured output requested from the generation
// backend. UsedCitationIDs is only trusted after intersection with the
// citation indices actually offered.
type GroundedAnswer struct {
	Bullets         []string `json:"bullets"`
	UsedCitationIDs []int    `json:"used_citation_ids"`
}

// Explanation is the user-facing answer object. It is always well-formed:
// generation or retrieval failures downgrade Summary to fallback bullets
// instead of surfacing an error.
type Explanation struct {
	DrugID          string     `json:"drug_id"`
	Question        string     `json:"question,omitempty"`
	Summary         []string   `json:"summary"`
	Citations       []Citation `json:"citations"`
	UsedCitationIDs []int      `json:"used_citation_ids"`
	Degraded        bool       `json:"degraded,omitempty"`
	Disclaimer      string     `json:"disclaimer"`
}

const Disclaimer = "Educational use only. Not medical advice."
