package chunking

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/medassist/label-rag/internal/core/domain"
)

type Config struct {
	MaxTokens        int
	MinTokens        int
	OverlapSentences int
	PreferChars      bool
	MaxChars         int
}

func DefaultConfig() Config {
	return Config{
		MaxTokens:        280,
		MinTokens:        90,
		OverlapSentences: 2,
		MaxChars:         900,
	}
}

type Chunker struct {
	cfg Config
}

func New(cfg Config) *Chunker {
	def := DefaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.MinTokens <= 0 || cfg.MinTokens > cfg.MaxTokens {
		cfg.MinTokens = def.MinTokens
	}
	if cfg.OverlapSentences < 0 {
		cfg.OverlapSentences = def.OverlapSentences
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = def.MaxChars
	}
	return &Chunker{cfg: cfg}
}

// Chunk packs label sections into overlapping chunks. Sentence mode packs
// whole sentences under an approximate token budget; char mode slides a
// fixed character window. Output is deduplicated across the whole batch
// by content hash, keeping the first occurrence.
func (c *Chunker) Chunk(rows []domain.LabelSection) []domain.LabelSection {
	var out []domain.LabelSection
	for _, row := range rows {
		text := strings.TrimSpace(row.Text)
		if text == "" {
			continue
		}
		if c.cfg.PreferChars {
			out = append(out, c.chunkByChars(row, text)...)
			continue
		}
		out = append(out, c.chunkBySentences(row, text)...)
	}
	return dedupeByHash(out)
}

func (c *Chunker) chunkBySentences(row domain.LabelSection, text string) []domain.LabelSection {
	sents := SplitSentences(text)
	var out []domain.LabelSection

	i := 0
	for i < len(sents) {
		tokens := 0
		var buf []string
		j := i
		for j < len(sents) {
			t := approxTokens(sents[j])
			if len(buf) > 0 && tokens+t > c.cfg.MaxTokens {
				break
			}
			buf = append(buf, sents[j])
			tokens += t
			j++
		}

		// Merge a short trailing chunk with one more sentence while the
		// total stays within the 15% slack over the budget.
		if tokens < c.cfg.MinTokens && j < len(sents) {
			t := approxTokens(sents[j])
			if float64(tokens+t) <= float64(c.cfg.MaxTokens)*1.15 {
				buf = append(buf, sents[j])
				tokens += t
				j++
			}
		}

		if chunk := Normalize(strings.Join(buf, " ")); chunk != "" {
			out = append(out, domain.LabelSection{
				RxCUI:     row.RxCUI,
				Section:   row.Section,
				Text:      chunk,
				SourceURL: row.SourceURL,
			})
		}

		if j >= len(sents) {
			break
		}
		// Overlap the next chunk, clamped so the starting index always
		// advances.
		next := j - c.cfg.OverlapSentences
		if next <= i {
			next = i + 1
		}
		i = next
	}
	return out
}

func (c *Chunker) chunkByChars(row domain.LabelSection, text string) []domain.LabelSection {
	runes := []rune(text)
	n := len(runes)
	size := c.cfg.MaxChars
	overlap := size * 15 / 100
	if overlap < 120 {
		overlap = 120
	}

	var out []domain.LabelSection
	start := 0
	for start < n {
		end := start + size
		if end > n {
			end = n
		}
		window := runes[start:end]
		// Snap the window end back to the last sentence ender, but only
		// if it lies past the window midpoint.
		if snap := lastEnder(window); snap != -1 && snap > len(window)/2 {
			end = start + snap + 1
		}
		if chunk := Normalize(string(runes[start:end])); chunk != "" {
			out = append(out, domain.LabelSection{
				RxCUI:     row.RxCUI,
				Section:   row.Section,
				Text:      chunk,
				SourceURL: row.SourceURL,
			})
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

func lastEnder(window []rune) int {
	for i := len(window) - 1; i >= 0; i-- {
		switch window[i] {
		case '.', '?', '!':
			return i
		}
	}
	return -1
}

func dedupeByHash(rows []domain.LabelSection) []domain.LabelSection {
	seen := make(map[string]struct{}, len(rows))
	out := rows[:0]
	for _, r := range rows {
		h := hashText(r.Text)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, r)
	}
	return out
}

func hashText(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
