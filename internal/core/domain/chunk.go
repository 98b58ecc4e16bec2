package domain

import "time"

// LabelSection is one raw section of a drug label as delivered by an
// ingestion source. After chunking, Text holds a single chunk's text
// while the metadata fields are carried through unchanged.
type LabelSection struct {
	RxCUI     string
	Section   string
	Text      string
	SourceURL string
}

// Chunk is a stored retrieval unit: snippet text plus its embedding.
type Chunk struct {
	ID        int64
	RxCUI     string
	Section   string
	SourceURL string
	Snippet   string
	Embedding []float32
	CreatedAt time.Time
}

// EmbeddingDim is the fixed dimensionality of all stored vectors.
// The store and the embedding model must agree on it; mixing models
// with different spaces corrupts ranking silently.
const EmbeddingDim = 384
