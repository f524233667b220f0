// Package redact masks personally identifiable information in text before it
// reaches the inference engine. Detection is pattern-based and best-effort:
// free-form PII such as names and street addresses is out of reach for
// regexes and is a documented limitation, not a bug.
package redact

import (
	"regexp"
	"sort"
)

// Rule matches one kind of sensitive span and the token that replaces it.
type Rule struct {
	Kind        string
	Pattern     *regexp.Regexp
	Placeholder string
}

// Match records where a rule fired. Only the span bounds and kind are kept;
// the matched substring itself is never retained.
type Match struct {
	Kind  string `json:"kind"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Redactor applies an ordered rule list. Rule order decides the winner when
// two rules overlap on the same region: the rule configured first wins.
type Redactor struct {
	rules []Rule
}

// DefaultRules returns the built-in rule set: email, phone, IPv4, SSN, and
// 16-digit card-like numbers. Card precedes phone so that grouped card
// digits are not half-claimed by the phone pattern.
func DefaultRules() []Rule {
	return []Rule{
		{
			Kind:        "email",
			Pattern:     regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
			Placeholder: "[EMAIL_REDACTED]",
		},
		{
			Kind:        "credit_card",
			Pattern:     regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`),
			Placeholder: "[CARD_REDACTED]",
		},
		{
			Kind:        "ssn",
			Pattern:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Placeholder: "[ID_REDACTED]",
		},
		{
			Kind:        "phone",
			Pattern:     regexp.MustCompile(`\b(?:\+?\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`),
			Placeholder: "[PHONE_REDACTED]",
		},
		{
			Kind:        "ipv4",
			Pattern:     regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
			Placeholder: "[IP_REDACTED]",
		},
	}
}

// New creates a Redactor with the given ordered rules. An empty rule list is
// valid and produces a pass-through redactor.
func New(rules []Rule) *Redactor {
	return &Redactor{rules: rules}
}

// NewDefault creates a Redactor with the built-in rule set.
func NewDefault() *Redactor {
	return New(DefaultRules())
}

type span struct {
	start, end int
	rule       int // index into r.rules; lower wins on overlap
}

// Redact returns the text with every matched span replaced by its rule's
// placeholder, plus the match list for audit. It never fails: text with no
// matches comes back unchanged with an empty match list.
func (r *Redactor) Redact(text string) (string, []Match) {
	if text == "" || len(r.rules) == 0 {
		return text, nil
	}

	// Collect leftmost non-overlapping matches per rule, independently.
	var spans []span
	for i, rule := range r.rules {
		for _, loc := range rule.Pattern.FindAllStringIndex(text, -1) {
			spans = append(spans, span{start: loc[0], end: loc[1], rule: i})
		}
	}
	if len(spans) == 0 {
		return text, nil
	}

	// Resolve cross-rule overlaps: earlier-configured rule wins, then the
	// earlier span. Survivors stay sorted by start offset.
	sort.Slice(spans, func(a, b int) bool {
		if spans[a].start != spans[b].start {
			return spans[a].start < spans[b].start
		}
		return spans[a].rule < spans[b].rule
	})
	kept := spans[:0]
	for _, s := range spans {
		if n := len(kept); n > 0 {
			last := kept[n-1]
			if s.start < last.end {
				if s.rule < last.rule {
					kept[n-1] = s
				}
				continue
			}
		}
		kept = append(kept, s)
	}

	// Replace by descending start offset so earlier replacements do not
	// shift offsets still waiting to be processed.
	matches := make([]Match, 0, len(kept))
	cleaned := text
	for i := len(kept) - 1; i >= 0; i-- {
		s := kept[i]
		rule := r.rules[s.rule]
		cleaned = cleaned[:s.start] + rule.Placeholder + cleaned[s.end:]
		matches = append(matches, Match{Kind: rule.Kind, Start: s.start, End: s.end})
	}

	// Report matches in text order.
	for i, j := 0, len(matches)-1; i < j; i, j = i+1, j-1 {
		matches[i], matches[j] = matches[j], matches[i]
	}
	return cleaned, matches
}
