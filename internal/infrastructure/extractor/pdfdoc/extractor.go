package pdfdoc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/medassist/label-rag/internal/core/domain"
	"github.com/medassist/label-rag/internal/core/ports"
)

// Extractor pulls plain text out of uploaded label documents. PDFs go
// through the pdf library; anything else must be valid UTF-8 text.
type Extractor struct {
	storage ports.ObjectStorage
}

func NewExtractor(storage ports.ObjectStorage) *Extractor {
	return &Extractor{storage: storage}
}

func (e *Extractor) Extract(ctx context.Context, storageKey, filename string) (string, error) {
	reader, err := e.storage.Open(ctx, storageKey)
	if err != nil {
		return "", fmt.Errorf("open uploaded label: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read uploaded label: %w", err)
	}

	if isPDF(filename, raw) {
		return extractPDF(raw)
	}

	if !utf8.Valid(raw) {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract text",
			fmt.Errorf("unsupported binary format: %s", filename))
	}
	return strings.TrimSpace(string(raw)), nil
}

func isPDF(filename string, raw []byte) bool {
	if strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return true
	}
	return bytes.HasPrefix(raw, []byte("%PDF-"))
}

func extractPDF(raw []byte) (string, error) {
	doc, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract text",
			fmt.Errorf("parse pdf: %w", err))
	}

	textReader, err := doc.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	text, err := io.ReadAll(textReader)
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return strings.TrimSpace(string(text)), nil
}
