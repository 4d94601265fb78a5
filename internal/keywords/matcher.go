package keywords

import (
	"sort"
	"strings"
	"sync"
	"unicode"

	ahocorasick "github.com/cloudflare/ahocorasick"

	"supportpulse/internal/domain"
)

// Match is one topic found in a text.
type Match struct {
	Topic      string
	Hits       int
	Keywords   []string
	Confidence float64
}

type owner struct {
	topic   int
	keyword string
}

// Matcher finds every topic of a table in a single pass over the text.
type Matcher struct {
	mu       sync.Mutex
	ac       *ahocorasick.Matcher
	patterns []string
	owners   [][]owner
	topics   domain.Taxonomy
	descs    map[string]string
}

// NewMatcher validates the table and builds its automaton. Whole words are
// stored padded with spaces and the text is padded the same way, so they only
// match between word boundaries.
func NewMatcher(table *Table) (*Matcher, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	m := &Matcher{topics: table.Taxonomy(), descs: table.Descriptions()}
	index := make(map[string]int)
	add := func(pattern string, topic int, keyword string) {
		i, ok := index[pattern]
		if !ok {
			i = len(m.patterns)
			index[pattern] = i
			m.patterns = append(m.patterns, pattern)
			m.owners = append(m.owners, nil)
		}
		m.owners[i] = append(m.owners[i], owner{topic: topic, keyword: keyword})
	}
	for ti, topic := range table.Topics {
		for _, kw := range topic.Keywords {
			n := normalize(kw)
			add(n, ti, n)
		}
		for _, kw := range topic.WholeWords {
			n := normalize(kw)
			add(" "+n+" ", ti, n)
		}
	}
	if len(m.patterns) > 0 {
		m.ac = ahocorasick.NewStringMatcher(m.patterns)
	}
	return m, nil
}

// Taxonomy returns the topics known to the matcher, in table order.
func (m *Matcher) Taxonomy() domain.Taxonomy {
	return m.topics
}

// Descriptions returns the prompt descriptions of the table the matcher was
// built from.
func (m *Matcher) Descriptions() map[string]string {
	return m.descs
}

// Match returns every topic with at least one distinct keyword hit, sorted by
// confidence and then table order. No hit yields an empty slice.
func (m *Matcher) Match(text string) []Match {
	if m.ac == nil {
		return []Match{}
	}
	normalized := " " + normalize(text) + " "
	if strings.TrimSpace(normalized) == "" {
		return []Match{}
	}

	m.mu.Lock()
	hits := m.ac.Match([]byte(normalized))
	m.mu.Unlock()

	distinct := make(map[int]map[string]bool)
	for _, h := range hits {
		if h < 0 || h >= len(m.owners) {
			continue
		}
		for _, o := range m.owners[h] {
			if distinct[o.topic] == nil {
				distinct[o.topic] = make(map[string]bool)
			}
			distinct[o.topic][o.keyword] = true
		}
	}

	out := make([]Match, 0, len(distinct))
	for ti, kws := range distinct {
		words := make([]string, 0, len(kws))
		for kw := range kws {
			words = append(words, kw)
		}
		sort.Strings(words)
		out = append(out, Match{
			Topic:      m.topics[ti],
			Hits:       len(words),
			Keywords:   words,
			Confidence: domain.KeywordConfidence(len(words)),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return m.topics.Index(out[i].Topic) < m.topics.Index(out[j].Topic)
	})
	return out
}

// Top returns the best match, if any.
func (m *Matcher) Top(text string) (Match, bool) {
	matches := m.Match(text)
	if len(matches) == 0 {
		return Match{}, false
	}
	return matches[0], true
}

// Matches reports whether any keyword of the given topic occurs in text.
func (m *Matcher) Matches(text, topic string) bool {
	for _, match := range m.Match(text) {
		if match.Topic == topic {
			return true
		}
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
