package types

// englishStopWords are the default terms the fulltext tokenizer strips
// before indexing (spec §4.6: "strip English stop words (configurable)").
var englishStopWords = []string{
	"a", "an", "the", "and", "or", "but", "nor", "is", "are", "was", "were",
	"be", "been", "being", "in", "on", "at", "to", "for", "of", "with", "by",
	"from", "as", "this", "that", "these", "those", "it", "its", "not",
}

// DefaultStopWords returns a fresh copy of the default English stop-word set.
func DefaultStopWords() map[string]bool {
	m := make(map[string]bool, len(englishStopWords))
	for _, w := range englishStopWords {
		m[w] = true
	}
	return m
}
