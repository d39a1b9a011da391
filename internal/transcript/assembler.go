package transcript

import (
	"strings"
)

// DefaultLanguage is the only language committed unless configured otherwise
const DefaultLanguage = "en"

// mergePunctuation lists trailing characters that already separate utterances
const mergePunctuation = ".,:;—"

// Assembler folds transcript events into an append-only transcript
type Assembler struct {
	language string
}

// NewAssembler creates an assembler that accepts events in language
func NewAssembler(language string) *Assembler {
	if language == "" {
		language = DefaultLanguage
	}
	return &Assembler{language: language}
}

// Language returns the accepted language code
func (a *Assembler) Language() string {
	return a.language
}

// Accepts reports whether an event may update the live line or the transcript
func (a *Assembler) Accepts(ev Event) bool {
	return ev.Language == a.language
}

// Apply returns the accumulated transcript after ev and whether ev was committed.
// Only final events in the accepted language are committed.
func (a *Assembler) Apply(ev Event, accumulated string) (string, bool) {
	if !a.Accepts(ev) || !ev.IsFinal {
		return accumulated, false
	}
	return Merge(accumulated, ev.Text), true
}

// Merge appends text to accumulated, inserting "; " unless the trimmed
// accumulated text already ends in punctuation, in which case a space is used.
func Merge(accumulated, text string) string {
	if accumulated == "" {
		return text
	}

	trimmed := strings.TrimSpace(accumulated)
	if trimmed != "" && strings.ContainsRune(mergePunctuation, lastRune(trimmed)) {
		return accumulated + " " + text
	}
	return accumulated + "; " + text
}

func lastRune(s string) rune {
	r := []rune(s)
	return r[len(r)-1]
}
