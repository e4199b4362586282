// Package phonetic corrects speech recognition output toward the learner's
// active vocabulary.
//
// Recognizers routinely misspell the very words a drill is about ("leverege",
// "touch bass"). [Corrector] walks the transcript with word windows and
// replaces a window by a vocabulary entry when the two sound alike:
//
//  1. Phonetic candidates: the Double Metaphone codes of the window and the
//     entry share at least one code. The candidate is accepted when its
//     Jaro-Winkler similarity reaches the phonetic threshold (default 0.70).
//  2. Fuzzy fallback: without a phonetic overlap the similarity must reach the
//     higher fuzzy threshold (default 0.85).
//
// Windows are compared with spaces and punctuation removed, so "touchbase"
// still matches "Touch base". A window never spans more words than the entry
// it is compared with, and its letter count must be close to the entry's.
// Double Metaphone codes are only four characters long, so without these
// limits a drill word would absorb the words that follow it.
package phonetic

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	defaultMinLetters        = 4

	// minLengthRatio is the smallest accepted ratio between the letter counts
	// of a window and a vocabulary entry.
	minLengthRatio = 0.8
)

// Option configures a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a phonetic
// candidate. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no phonetic
// code overlaps. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// WithMinLetters sets the shortest window, in letters, that may be
// corrected. Default: 4.
func WithMinLetters(n int) Option {
	return func(c *Corrector) { c.minLetters = n }
}

// Correction records one replacement.
type Correction struct {
	Original   string  `json:"original"`
	Corrected  string  `json:"corrected"`
	Confidence float64 `json:"confidence"`

	// Phonetic is false for matches accepted by the fuzzy fallback.
	Phonetic bool `json:"phonetic"`
}

// Corrector is read-only after construction and safe for concurrent use.
type Corrector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	minLetters        int
}

// New returns a Corrector with the supplied options applied over defaults.
func New(opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		minLetters:        defaultMinLetters,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// entry is a vocabulary item prepared for comparison.
type entry struct {
	text    string
	key     string // lower-case letters only
	words   int
	primary string
	second  string
}

func prepare(vocab []string) ([]entry, int) {
	out := make([]entry, 0, len(vocab))
	maxWords := 0
	for _, v := range vocab {
		v = strings.TrimSpace(v)
		key := letters(v)
		if key == "" {
			continue
		}
		p, s := matchr.DoubleMetaphone(key)
		e := entry{text: v, key: key, words: len(strings.Fields(v)), primary: p, second: s}
		maxWords = max(maxWords, e.words)
		out = append(out, e)
	}
	return out, maxWords
}

// letters lower-cases s and drops everything but letters and digits.
func letters(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// Match returns the vocabulary entry that phrase most likely stands for.
// When matched is false, corrected equals phrase and confidence is 0. An
// exact match (ignoring case and punctuation) returns confidence 1.
func (c *Corrector) Match(phrase string, vocab []string) (corrected string, confidence float64, matched bool) {
	entries, _ := prepare(vocab)
	e, score, _, ok := c.match(letters(phrase), len(strings.Fields(phrase)), entries)
	if !ok {
		return phrase, 0, false
	}
	return e.text, score, true
}

// match compares the letters of a window of n words against entries.
func (c *Corrector) match(key string, n int, entries []entry) (best entry, score float64, phonetic, ok bool) {
	if utf8.RuneCountInString(key) < c.minLetters {
		return entry{}, 0, false, false
	}
	p, s := matchr.DoubleMetaphone(key)
	keyLen := utf8.RuneCountInString(key)

	for _, e := range entries {
		if n > e.words {
			continue
		}
		if e.key == key {
			return e, 1, true, true
		}
		eLen := utf8.RuneCountInString(e.key)
		if float64(min(keyLen, eLen))/float64(max(keyLen, eLen)) < minLengthRatio {
			continue
		}
		jw := matchr.JaroWinkler(key, e.key, false)
		overlap := codesOverlap(p, s, e.primary, e.second)
		switch {
		case overlap && jw >= c.phoneticThreshold:
			if !phonetic || jw > score {
				best, score, phonetic, ok = e, jw, true, true
			}
		case !overlap && !phonetic && jw >= c.fuzzyThreshold && jw > score:
			best, score, ok = e, jw, true
		}
	}
	return best, score, phonetic, ok
}

func codesOverlap(p1, s1, p2, s2 string) bool {
	for _, a := range []string{p1, s1} {
		if a == "" {
			continue
		}
		if a == p2 || a == s2 {
			return true
		}
	}
	return false
}

// Correct rewrites text toward vocab and returns the corrected text together
// with every replacement made. Words that already match an entry are left
// as they are. Longer windows are tried first so multi-word entries win over
// partial single-word matches.
func (c *Corrector) Correct(text string, vocab []string) (string, []Correction) {
	entries, maxWords := prepare(vocab)
	tokens := strings.Fields(text)
	if len(entries) == 0 || len(tokens) == 0 {
		return text, nil
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		consumed := 0
		for n := min(maxWords, len(tokens)-i); n >= 1; n-- {
			window := tokens[i : i+n]
			e, score, phonetic, ok := c.match(letters(strings.Join(window, "")), n, entries)
			if !ok {
				continue
			}
			if score == 1 {
				out = append(out, window...)
			} else {
				original := strings.Join(window, " ")
				lead, core, trail := splitPunct(original)
				replacement := matchCase(core, e.text)
				out = append(out, lead+replacement+trail)
				corrections = append(corrections, Correction{
					Original:   core,
					Corrected:  replacement,
					Confidence: score,
					Phonetic:   phonetic,
				})
			}
			consumed = n
			break
		}
		if consumed == 0 {
			out = append(out, tokens[i])
			consumed = 1
		}
		i += consumed
	}
	return strings.Join(out, " "), corrections
}

// splitPunct separates leading and trailing punctuation from s.
func splitPunct(s string) (lead, core, trail string) {
	isWord := func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }
	start := strings.IndexFunc(s, isWord)
	if start < 0 {
		return "", s, ""
	}
	end := strings.LastIndexFunc(s, isWord)
	_, size := utf8.DecodeRuneInString(s[end:])
	return s[:start], s[start : end+size], s[end+size:]
}

// matchCase adapts repl to the capitalisation of orig: all lower-case input
// yields lower-case output, a leading capital is kept.
func matchCase(orig, repl string) string {
	if orig == strings.ToLower(orig) {
		return strings.ToLower(repl)
	}
	if r, _ := utf8.DecodeRuneInString(orig); !unicode.IsUpper(r) {
		return repl
	}
	r, size := utf8.DecodeRuneInString(repl)
	return string(unicode.ToUpper(r)) + repl[size:]
}
