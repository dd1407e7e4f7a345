package spawner

import "strings"

// stopWords is the filter list for keyword extraction. Kept short and
// unexported: this is a coordination heuristic, not a linguistic
// subsystem.
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "with": true,
	"this": true, "from": true, "have": true, "you": true, "are": true,
	"was": true, "but": true, "not": true, "can": true, "will": true,
	"all": true, "has": true, "into": true, "out": true, "about": true,
	"your": true, "they": true, "what": true, "when": true, "make": true,
	"use": true, "should": true, "would": true, "could": true, "its": true,
}

const maxKeywords = 8

// extractKeywords pulls up to maxKeywords candidate words from prompt:
// lower-cased, stop-word filtered, length > 2, first-seen order preserved.
func extractKeywords(prompt string) []string {
	fields := strings.FieldsFunc(prompt, func(r rune) bool {
		return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
	})

	seen := make(map[string]bool)
	out := make([]string, 0, maxKeywords)
	for _, f := range fields {
		w := strings.ToLower(f)
		if len(w) <= 2 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) >= maxKeywords {
			break
		}
	}
	return out
}

// retrieveLearnings returns up to limit entries from candidates whose text
// contains at least one of the given keywords, preserving candidate order.
func retrieveLearnings(candidates []string, keywords []string, limit int) []string {
	if len(keywords) == 0 {
		return nil
	}
	var out []string
	for _, c := range candidates {
		lower := strings.ToLower(c)
		for _, k := range keywords {
			if strings.Contains(lower, k) {
				out = append(out, c)
				break
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out
}
