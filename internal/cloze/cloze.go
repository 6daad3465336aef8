// Package cloze extracts cloze deletions from Markdown bodies.
//
// Two syntaxes are recognized: Anki-style {{c1::answer}} / {{c1::answer::hint}}
// spans, and legacy ==highlight== spans. Legacy spans are assigned numeric ids
// continuing after the highest Anki id found in the same pass, so the two id
// spaces never collide.
//
// Extraction never fails. Unclosed openers, malformed cloze attempts, and
// dangling closers are reported as independent diagnostic spans over the same
// text; all three may fire for one region.
package cloze

import (
	"strconv"
	"strings"
)

// Cloze is one cloze occurrence in a body. The same ID may appear more than
// once in a note; that is a supported state, not an error.
type Cloze struct {
	ID     int    `json:"id"`
	Answer string `json:"answer"`
	Hint   string `json:"hint,omitempty"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Legacy bool   `json:"legacy,omitempty"`
}

// Span is a half-open byte range [Start, End) into the scanned body.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Result is the full output of one extraction pass.
type Result struct {
	Clozes          []Cloze `json:"clozes"`
	MaxAnkiID       int     `json:"max_anki_id"`
	Unclosed        []Span  `json:"unclosed,omitempty"`
	Malformed       []Span  `json:"malformed,omitempty"`
	DanglingClosers []Span  `json:"dangling_closers,omitempty"`
}

// Extract scans body once, left to right, classifying every cloze-relevant
// span. An opener is unclosed when another "{{" or end-of-text arrives before
// its "}}"; this is what stops a missing closer from swallowing a following
// well-formed cloze. A "}}" not consumed by a valid or malformed span is a
// dangling closer.
func Extract(body string) Result {
	var res Result
	var legacySpans []Span

	n := len(body)
	i := 0
	for i < n {
		switch {
		case strings.HasPrefix(body[i:], "{{"):
			rest := body[i+2:]
			closeIdx := strings.Index(rest, "}}")
			openIdx := strings.Index(rest, "{{")

			if closeIdx < 0 || (openIdx >= 0 && openIdx < closeIdx) {
				// No closer before the next opener or end of text.
				end := n
				if openIdx >= 0 {
					end = i + 2 + openIdx
				}
				res.Unclosed = append(res.Unclosed, Span{Start: i, End: end})
				i = end
				continue
			}

			end := i + 2 + closeIdx + 2
			inner := rest[:closeIdx]

			if !isClozeAttempt(inner) {
				// Plain text braces; leave the closer for dangling detection.
				i += 2
				continue
			}

			if c, ok := parseAnki(inner); ok {
				c.Start = i
				c.End = end
				res.Clozes = append(res.Clozes, c)
				if c.ID > res.MaxAnkiID {
					res.MaxAnkiID = c.ID
				}
			} else {
				res.Malformed = append(res.Malformed, Span{Start: i, End: end})
			}
			i = end

		case strings.HasPrefix(body[i:], "}}"):
			res.DanglingClosers = append(res.DanglingClosers, Span{Start: i, End: i + 2})
			i += 2

		case strings.HasPrefix(body[i:], "=="):
			if end, ok := legacyEnd(body, i); ok {
				legacySpans = append(legacySpans, Span{Start: i, End: end})
				i = end
			} else {
				i += 2
			}

		default:
			i++
		}
	}

	// Legacy highlights take ids above the max Anki id, in document order.
	// Collision-free by construction: they always start above the max.
	next := res.MaxAnkiID
	for _, s := range legacySpans {
		next++
		res.Clozes = append(res.Clozes, Cloze{
			ID:     next,
			Answer: body[s.Start+2 : s.End-2],
			Start:  s.Start,
			End:    s.End,
			Legacy: true,
		})
	}
	if len(legacySpans) > 0 {
		sortByOffset(res.Clozes)
	}

	return res
}

// Renumber rewrites all Anki-style cloze ids sequentially from 1 in order of
// first appearance and returns the rewritten body plus the id-remap table.
// This is an explicit normalization pass, never applied implicitly.
func Renumber(body string) (string, map[int]int) {
	res := Extract(body)

	remap := make(map[int]int)
	next := 0
	for _, c := range res.Clozes {
		if c.Legacy {
			continue
		}
		if _, ok := remap[c.ID]; !ok {
			next++
			remap[c.ID] = next
		}
	}

	var b strings.Builder
	prev := 0
	for _, c := range res.Clozes {
		if c.Legacy {
			continue
		}
		b.WriteString(body[prev:c.Start])
		b.WriteString("{{c")
		b.WriteString(strconv.Itoa(remap[c.ID]))
		b.WriteString("::")
		b.WriteString(c.Answer)
		if c.Hint != "" {
			b.WriteString("::")
			b.WriteString(c.Hint)
		}
		b.WriteString("}}")
		prev = c.End
	}
	b.WriteString(body[prev:])
	return b.String(), remap
}

// isClozeAttempt reports whether inner looks like the start of an Anki cloze,
// i.e. "c" followed by at least one digit. Only attempts are ever flagged
// malformed; other brace spans are plain text.
func isClozeAttempt(inner string) bool {
	return len(inner) >= 2 && inner[0] == 'c' && inner[1] >= '0' && inner[1] <= '9'
}

// parseAnki parses "c<digits>::answer" or "c<digits>::answer::hint".
func parseAnki(inner string) (Cloze, bool) {
	j := 1
	id := 0
	for j < len(inner) && inner[j] >= '0' && inner[j] <= '9' {
		id = id*10 + int(inner[j]-'0')
		j++
	}
	if !strings.HasPrefix(inner[j:], "::") {
		return Cloze{}, false
	}
	payload := inner[j+2:]
	answer, hint := payload, ""
	if k := strings.Index(payload, "::"); k >= 0 {
		answer, hint = payload[:k], payload[k+2:]
	}
	if answer == "" {
		return Cloze{}, false
	}
	return Cloze{ID: id, Answer: answer, Hint: hint}, true
}

// legacyEnd finds the closer of a ==highlight== starting at i. The content
// must be non-empty and single-line.
func legacyEnd(body string, i int) (int, bool) {
	rest := body[i+2:]
	k := strings.Index(rest, "==")
	if k <= 0 {
		return 0, false
	}
	content := rest[:k]
	if strings.ContainsAny(content, "\n") {
		return 0, false
	}
	return i + 2 + k + 2, true
}

func sortByOffset(cs []Cloze) {
	// Insertion sort; cloze counts per note are small.
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && cs[j].Start < cs[j-1].Start; j-- {
			cs[j], cs[j-1] = cs[j-1], cs[j]
		}
	}
}
