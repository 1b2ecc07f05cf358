// Package resolve maps free-text anatomical mentions onto the canonical
// concept graph and maintains that graph: hint review, concept and
// subtopic merges.
package resolve

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agext/levenshtein"

	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/store"
	"github.com/sells-group/studyforge/internal/textnorm"
)

// Default thresholds for fuzzy matching.
const (
	DefaultMatchThreshold   = 0.88
	DefaultSuggestThreshold = 0.6

	// ambiguityMargin is how far the best fuzzy candidate must lead the
	// runner-up from a different concept to be accepted.
	ambiguityMargin = 0.02
)

// Normalize is the canonical form used for every alias and hint
// comparison.
func Normalize(s string) string { return textnorm.Normalize(s) }

// Mention is one free-text concept reference produced by extraction.
// Type, when set, restricts candidates to concepts of that type.
type Mention struct {
	Text string            `json:"text"`
	Type model.ConceptType `json:"type,omitempty"`
}

// MatchKind says how a mention was resolved.
type MatchKind string

const (
	MatchExact MatchKind = "exact"
	MatchFuzzy MatchKind = "fuzzy"
	MatchNone  MatchKind = "none"
)

// Match is the read-only resolution of one mention. Unmatched mentions
// carry the hint occurrence to record.
type Match struct {
	Mention   Mention           `json:"mention"`
	Kind      MatchKind         `json:"kind"`
	ConceptID string            `json:"concept_id,omitempty"`
	Score     float64           `json:"score"`
	Hint      model.HintMention `json:"hint"`
}

// Matcher resolves mentions against a snapshot of live aliases. It never
// writes; the hint occurrences it reports are recorded by the caller's
// completion transaction.
type Matcher struct {
	matchThreshold   float64
	suggestThreshold float64
	byNormalized     map[string][]store.AliasEntry
	entries          []store.AliasEntry
}

// NewMatcher indexes the alias snapshot.
func NewMatcher(entries []store.AliasEntry, cfg Config) *Matcher {
	cfg = cfg.withDefaults()
	m := &Matcher{
		matchThreshold:   cfg.MatchThreshold,
		suggestThreshold: cfg.SuggestThreshold,
		byNormalized:     make(map[string][]store.AliasEntry, len(entries)),
		entries:          entries,
	}
	for _, e := range entries {
		if e.Normalized == "" {
			e.Normalized = Normalize(e.Label)
		}
		m.byNormalized[e.Normalized] = append(m.byNormalized[e.Normalized], e)
	}
	return m
}

// MatchAll resolves every mention in order.
func (m *Matcher) MatchAll(mentions []Mention) []Match {
	out := make([]Match, 0, len(mentions))
	for _, mention := range mentions {
		out = append(out, m.Match(mention))
	}
	return out
}

// Match resolves one mention: exact alias hit first, then an unambiguous
// fuzzy candidate above the match threshold, else a hint. Fuzzy
// candidates above the suggest threshold ride along on the hint.
func (m *Matcher) Match(mention Mention) Match {
	norm := Normalize(mention.Text)
	res := Match{Mention: mention, Kind: MatchNone}
	if norm == "" {
		return res
	}
	hint := model.HintMention{Normalized: norm, RawText: strings.TrimSpace(mention.Text)}

	exact := conceptsOf(filterType(m.byNormalized[norm], mention.Type))
	switch len(exact) {
	case 1:
		res.Kind, res.ConceptID, res.Score = MatchExact, exact[0], 1
		return res
	case 0:
	default:
		hint.SuggestedConceptID, hint.SuggestedScore = exact[0], 1
		res.Hint = hint
		return res
	}

	best, runnerUp := m.fuzzy(norm, mention.Type)
	if best.conceptID != "" && best.score >= m.matchThreshold && best.score-runnerUp.score >= ambiguityMargin {
		res.Kind, res.ConceptID, res.Score = MatchFuzzy, best.conceptID, best.score
		return res
	}
	if best.conceptID != "" && best.score >= m.suggestThreshold {
		hint.SuggestedConceptID, hint.SuggestedScore = best.conceptID, best.score
	}
	res.Score = best.score
	res.Hint = hint
	return res
}

type candidate struct {
	conceptID string
	score     float64
}

// fuzzy returns the best candidate and the best candidate belonging to a
// different concept.
func (m *Matcher) fuzzy(norm string, typ model.ConceptType) (best, runnerUp candidate) {
	perConcept := make(map[string]float64)
	for _, e := range m.entries {
		if typ != "" && e.ConceptType != typ {
			continue
		}
		if s := Score(norm, e.Normalized); s > perConcept[e.ConceptID] {
			perConcept[e.ConceptID] = s
		}
	}
	ranked := make([]candidate, 0, len(perConcept))
	for id, s := range perConcept {
		ranked = append(ranked, candidate{conceptID: id, score: s})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].conceptID < ranked[j].conceptID
	})
	if len(ranked) > 0 {
		best = ranked[0]
	}
	if len(ranked) > 1 {
		runnerUp = ranked[1]
	}
	return best, runnerUp
}

// Score rates two normalized strings in [0,1]: the larger of edit-distance
// similarity and whole-word containment of the shorter in the longer.
func Score(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	sim := levenshtein.Similarity(a, b, nil)
	if c := containment(a, b); c > sim {
		return c
	}
	return sim
}

func containment(a, b string) float64 {
	short, long := a, b
	if utf8.RuneCountInString(short) > utf8.RuneCountInString(long) {
		short, long = long, short
	}
	if !strings.Contains(" "+long+" ", " "+short+" ") {
		return 0
	}
	return float64(utf8.RuneCountInString(short)) / float64(utf8.RuneCountInString(long))
}

func filterType(entries []store.AliasEntry, typ model.ConceptType) []store.AliasEntry {
	if typ == "" {
		return entries
	}
	var out []store.AliasEntry
	for _, e := range entries {
		if e.ConceptType == typ {
			out = append(out, e)
		}
	}
	return out
}

func conceptsOf(entries []store.AliasEntry) []string {
	seen := make(map[string]bool, len(entries))
	var out []string
	for _, e := range entries {
		if !seen[e.ConceptID] {
			seen[e.ConceptID] = true
			out = append(out, e.ConceptID)
		}
	}
	sort.Strings(out)
	return out
}

// Split turns matches into the concept ids to link and the hint
// occurrences to record, dropping duplicate concepts.
func Split(matches []Match) (conceptIDs []string, hints []model.HintMention) {
	seen := make(map[string]bool)
	for _, m := range matches {
		switch {
		case m.ConceptID != "":
			if !seen[m.ConceptID] {
				seen[m.ConceptID] = true
				conceptIDs = append(conceptIDs, m.ConceptID)
			}
		case m.Hint.Normalized != "":
			hints = append(hints, m.Hint)
		}
	}
	return conceptIDs, hints
}
