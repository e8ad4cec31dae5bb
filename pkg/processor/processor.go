package processor

import (
	"regexp"
	"strings"

	"github.com/xhad/capture/internal/types"
)

type ProcessorConfig struct {
	ChunkSize      int // word budget per chunk
	ChunkOverlap   int // words carried over between consecutive chunks
	MinChunkLength int // minimum words for a standalone chunk
}

// Processor cleans raw content and splits it into chunks. Process is a pure
// function of (content, docType) and the configuration, so retries after a
// transient failure reproduce identical chunk boundaries and tags.
type Processor struct {
	config     ProcessorConfig
	strategies map[string]chunkStrategy
}

func NewWithConfig(config ProcessorConfig) *Processor {
	if config.ChunkSize == 0 {
		config.ChunkSize = 200
	}
	if config.ChunkOverlap == 0 {
		config.ChunkOverlap = 40
	}
	if config.MinChunkLength == 0 {
		config.MinChunkLength = 10
	}

	p := &Processor{config: config}
	p.strategies = map[string]chunkStrategy{
		"interview":  p.chunkByTurns,
		"transcript": p.chunkByTurns,
		"job_post":   p.chunkBySections,
	}
	return p
}

func (p *Processor) Process(content, docType string) ([]string, []string, error) {
	clean := cleanText(content)
	if clean == "" {
		return nil, nil, types.Validationf("content is empty after cleaning")
	}

	strategy := p.strategies[docType]
	if strategy == nil {
		strategy = p.chunkByParagraphs
	}

	chunks := strategy(clean)
	if len(chunks) == 0 {
		// Content shorter than one chunk budget still yields one chunk.
		chunks = []string{clean}
	}

	tags := extractTags(clean, docType)
	return chunks, tags, nil
}

var controlChars = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)

// cleanText normalizes whitespace within paragraphs while keeping blank
// lines, which the paragraph strategy relies on as boundaries.
func cleanText(text string) string {
	text = controlChars.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var paragraphs []string
	for _, para := range strings.Split(text, "\n\n") {
		var lines []string
		for _, line := range strings.Split(para, "\n") {
			line = strings.Join(strings.Fields(line), " ")
			if line != "" {
				lines = append(lines, line)
			}
		}
		if len(lines) > 0 {
			paragraphs = append(paragraphs, strings.Join(lines, "\n"))
		}
	}

	return strings.TrimSpace(strings.Join(paragraphs, "\n\n"))
}
