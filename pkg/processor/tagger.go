package processor

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Auto-tagging is advisory metadata for retrieval filtering, never
// authoritative classification.

const maxFrequencyTags = 5

var techTerms = []string{
	"go", "golang", "python", "rust", "java", "javascript", "typescript",
	"kubernetes", "docker", "terraform", "postgres", "postgresql", "sqlite",
	"redis", "kafka", "grpc", "graphql", "react", "aws", "gcp", "azure",
	"linux", "sql", "ollama", "llm",
}

var experiencePattern = regexp.MustCompile(`(?i)\b(\d{1,2})\+?\s*years?(?:\s+of)?\s+experience\b`)

var wordPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9'-]{2,}`)

func extractTags(content, docType string) []string {
	seen := make(map[string]bool)
	var tags []string

	add := func(tag string) {
		if tag != "" && !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}

	if docType != "" {
		add("type:" + docType)
	}

	lower := strings.ToLower(content)

	// Pattern-matched domain terms
	for _, term := range techTerms {
		if containsWord(lower, term) {
			add(term)
		}
	}

	for _, m := range experiencePattern.FindAllStringSubmatch(content, -1) {
		add(fmt.Sprintf("experience:%s+years", m[1]))
	}

	// Frequency-based keywords after stop-word removal
	counts := make(map[string]int)
	for _, word := range wordPattern.FindAllString(lower, -1) {
		if !stopwords[word] {
			counts[word]++
		}
	}

	type wordCount struct {
		word  string
		count int
	}
	var ranked []wordCount
	for word, count := range counts {
		if count >= 2 {
			ranked = append(ranked, wordCount{word, count})
		}
	}
	// Deterministic order: count desc, then alphabetical.
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})

	for i := 0; i < len(ranked) && i < maxFrequencyTags; i++ {
		add(ranked[i].word)
	}

	return tags
}

func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// Common English stopwords
var stopwords = map[string]bool{
	"the": true, "and": true, "are": true, "for": true, "was": true,
	"were": true, "will": true, "with": true, "that": true, "this": true,
	"from": true, "has": true, "have": true, "had": true, "its": true,
	"not": true, "but": true, "you": true, "your": true, "they": true,
	"their": true, "our": true, "can": true, "all": true, "about": true,
	"who": true, "which": true, "would": true, "there": true, "been": true,
	"also": true, "into": true, "more": true, "when": true, "what": true,
	"out": true, "than": true, "them": true, "then": true, "these": true,
	"some": true, "such": true, "over": true, "other": true, "how": true,
}
