package processor

import (
	"regexp"
	"strings"
)

// chunkStrategy splits cleaned content into chunks. Strategies are selected
// by doc_type, falling back to paragraph packing.
type chunkStrategy func(text string) []string

// chunkByParagraphs packs whole paragraphs into chunks up to the word
// budget, carrying a fixed word overlap into the next chunk so a concept
// spanning a boundary stays retrievable from either side. A paragraph
// larger than the budget is split on the budget directly.
func (p *Processor) chunkByParagraphs(text string) []string {
	var units []string
	for _, para := range strings.Split(text, "\n\n") {
		words := strings.Fields(para)
		for len(words) > p.config.ChunkSize {
			units = append(units, strings.Join(words[:p.config.ChunkSize], " "))
			words = words[p.config.ChunkSize-p.config.ChunkOverlap:]
		}
		if len(words) > 0 {
			units = append(units, strings.Join(words, " "))
		}
	}
	return p.packUnits(units)
}

var turnMarker = regexp.MustCompile(`(?m)^(?:[A-Z][\w .'-]{0,40}:|Q:|A:|Q\d+[.:)]|A\d+[.:)])\s`)

// chunkByTurns splits transcripts and interview notes on speaker turns or
// Q/A markers so one chunk holds a coherent exchange.
func (p *Processor) chunkByTurns(text string) []string {
	locs := turnMarker.FindAllStringIndex(text, -1)
	if len(locs) < 2 {
		return p.chunkByParagraphs(text)
	}

	var units []string
	prev := 0
	for _, loc := range locs {
		if loc[0] > prev {
			if unit := strings.TrimSpace(text[prev:loc[0]]); unit != "" {
				units = append(units, unit)
			}
		}
		prev = loc[0]
	}
	if unit := strings.TrimSpace(text[prev:]); unit != "" {
		units = append(units, unit)
	}

	return p.packUnits(units)
}

var sectionHeader = regexp.MustCompile(`(?m)^(?:#{1,4}\s+.+|[A-Z][A-Z &/-]{2,40}:?|(?:Requirements|Responsibilities|Qualifications|Benefits|About(?: Us| the Role)?|Skills|Experience|Compensation)\s*:?)\s*$`)

// chunkBySections splits structured posts on section headers; each section
// header stays attached to its body.
func (p *Processor) chunkBySections(text string) []string {
	locs := sectionHeader.FindAllStringIndex(text, -1)
	if len(locs) < 2 {
		return p.chunkByParagraphs(text)
	}

	var units []string
	prev := 0
	for _, loc := range locs {
		if loc[0] > prev {
			if unit := strings.TrimSpace(text[prev:loc[0]]); unit != "" {
				units = append(units, unit)
			}
		}
		prev = loc[0]
	}
	if unit := strings.TrimSpace(text[prev:]); unit != "" {
		units = append(units, unit)
	}

	return p.packUnits(units)
}

// packUnits greedily packs units into chunks within the word budget. Units
// that would overflow the running chunk start a new one, seeded with the
// tail words of the previous chunk so consecutive chunks overlap; a
// trailing chunk below the minimum length is merged back into its
// predecessor.
func (p *Processor) packUnits(units []string) []string {
	var chunks []string
	var current []string
	currentWords := 0

	for _, unit := range units {
		unitWords := len(strings.Fields(unit))
		if currentWords > 0 && currentWords+unitWords > p.config.ChunkSize {
			chunk := strings.Join(current, "\n\n")
			chunks = append(chunks, chunk)

			words := strings.Fields(chunk)
			if p.config.ChunkOverlap > 0 && len(words) > p.config.ChunkOverlap {
				tail := strings.Join(words[len(words)-p.config.ChunkOverlap:], " ")
				current = []string{tail}
				currentWords = p.config.ChunkOverlap
			} else {
				current = nil
				currentWords = 0
			}
		}
		current = append(current, unit)
		currentWords += unitWords
	}

	if currentWords > 0 {
		if currentWords < p.config.MinChunkLength && len(chunks) > 0 {
			chunks[len(chunks)-1] += "\n\n" + strings.Join(current, "\n\n")
		} else {
			chunks = append(chunks, strings.Join(current, "\n\n"))
		}
	}

	return chunks
}
