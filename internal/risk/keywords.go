package risk

import (
	"strings"
	"time"
	"unicode"

	"github.com/mindcare/mindcare/internal/domain/history"
)

// DefaultCrisisKeywords is the word list used by NewKeywordCounter when none
// is given.
var DefaultCrisisKeywords = []string{"suicide", "kill", "end", "hopeless", "worthless", "die", "death"}

// KeywordCounter counts crisis words in mood notes. It is a coarse stand-in
// for text analysis and is only used when explicitly wired.
type KeywordCounter struct {
	words map[string]bool
}

func NewKeywordCounter(words ...string) *KeywordCounter {
	if len(words) == 0 {
		words = DefaultCrisisKeywords
	}
	k := &KeywordCounter{words: make(map[string]bool, len(words))}
	for _, w := range words {
		k.words[strings.ToLower(w)] = true
	}
	return k
}

// Count returns the number of keyword tokens in text. Matching is on whole
// words, case-insensitive.
func (k *KeywordCounter) Count(text string) int {
	var n int
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		if k.words[tok] {
			n++
		}
	}
	return n
}

// Annotate sets h.CrisisKeywordCount from the notes of mood entries in the
// window ending at asOf. An existing count is left alone.
func (k *KeywordCounter) Annotate(h *history.PatientHistory, asOf time.Time) {
	if h == nil || h.CrisisKeywordCount != nil {
		return
	}
	from := asOf.Add(-history.Window)
	var n int
	for _, m := range h.Moods {
		if m.Note == nil || m.RecordedAt.Before(from) || m.RecordedAt.After(asOf) {
			continue
		}
		n += k.Count(*m.Note)
	}
	h.CrisisKeywordCount = &n
}
