package domain

import "time"

type IngestJobKind string

const (
	IngestJobOpenFDA IngestJobKind = "openfda"
	IngestJobUpload  IngestJobKind = "upload"
)

// IngestJob is the queue payload connecting the api process to the
// ingestion worker. Exactly one of (Query) or (StorageKey) is set,
// depending on Kind.
type IngestJob struct {
	ID   string        `json:"id"`
	Kind IngestJobKind `json:"kind"`

	// openfda jobs
	Query string `json:"query,omitempty"`
	Limit int    `json:"limit,omitempty"`

	// upload jobs
	StorageKey string `json:"storage_key,omitempty"`
	Filename   string `json:"filename,omitempty"`
	RxCUI      string `json:"rx_cui,omitempty"`
	Section    string `json:"section,omitempty"`
	SourceURL  string `json:"source_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IngestReport summarizes one completed ingestion job.
type IngestReport struct {
	JobID          string `json:"job_id"`
	LabelsFetched  int    `json:"labels_fetched"`
	ChunksInserted int    `json:"chunks_inserted"`
}
