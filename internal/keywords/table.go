package keywords

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"supportpulse/internal/domain"
)

// MinSubstringKeywordLen is the shortest single-word entry allowed in the
// substring list. Shorter words collide with unrelated words across languages
// and must be listed under whole_words instead.
const MinSubstringKeywordLen = 4

var ErrInvalidTable = errors.New("invalid keyword table")

type Table struct {
	Topics []TopicKeywords `yaml:"topics"`
}

// TopicKeywords lists the phrases that signal one topic. Keywords match as
// case-insensitive substrings; WholeWords only match on word boundaries.
type TopicKeywords struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Keywords    []string `yaml:"keywords"`
	WholeWords  []string `yaml:"whole_words,omitempty"`
}

// NewTopicKeywords builds an entry from free-form phrases, routing short
// single words to WholeWords so the result always validates.
func NewTopicKeywords(name string, phrases []string) TopicKeywords {
	tk := TopicKeywords{Name: name}
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if isShortSingleWord(p) {
			tk.WholeWords = append(tk.WholeWords, p)
		} else {
			tk.Keywords = append(tk.Keywords, p)
		}
	}
	return tk
}

func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyword table: %w", err)
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse keyword table yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadTableOrDefault loads path when set, else the built-in table.
func LoadTableOrDefault(path string) (*Table, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultTable(), nil
	}
	return LoadTable(path)
}

func (t *Table) Save(path string) error {
	data, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal keyword table: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate enforces the authoring rules and reports every violation at once.
func (t *Table) Validate() error {
	var problems []string
	seen := make(map[string]bool)
	if len(t.Topics) == 0 {
		problems = append(problems, "no topics defined")
	}
	for i, topic := range t.Topics {
		name := strings.TrimSpace(topic.Name)
		switch {
		case name == "":
			problems = append(problems, fmt.Sprintf("topic #%d has no name", i+1))
			continue
		case strings.EqualFold(name, domain.Unknown):
			problems = append(problems, fmt.Sprintf("topic %q is reserved", name))
		case seen[strings.ToLower(name)]:
			problems = append(problems, fmt.Sprintf("duplicate topic %q", name))
		}
		seen[strings.ToLower(name)] = true

		for _, kw := range topic.Keywords {
			if normalize(kw) == "" {
				problems = append(problems, fmt.Sprintf("%s: empty keyword", name))
				continue
			}
			if isShortSingleWord(kw) {
				problems = append(problems, fmt.Sprintf("%s: keyword %q is shorter than %d characters, move it to whole_words", name, kw, MinSubstringKeywordLen))
			}
		}
		for _, kw := range topic.WholeWords {
			if normalize(kw) == "" {
				problems = append(problems, fmt.Sprintf("%s: empty whole word", name))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTable, strings.Join(problems, "; "))
	}
	return nil
}

// Taxonomy returns the topic names in table order.
func (t *Table) Taxonomy() domain.Taxonomy {
	out := make(domain.Taxonomy, 0, len(t.Topics))
	for _, topic := range t.Topics {
		out = append(out, strings.TrimSpace(topic.Name))
	}
	return out
}

// Descriptions maps topic names to their prompt descriptions, skipping
// topics without one.
func (t *Table) Descriptions() map[string]string {
	out := make(map[string]string)
	for _, topic := range t.Topics {
		if d := strings.TrimSpace(topic.Description); d != "" {
			out[strings.TrimSpace(topic.Name)] = d
		}
	}
	return out
}

// AppendKeyword adds a phrase to a topic in the table at path, creating the
// file from the built-in table when it does not exist yet. Existing phrases
// are left untouched.
func AppendKeyword(path, topic, phrase string) error {
	topic = strings.TrimSpace(topic)
	phrase = strings.TrimSpace(phrase)
	if topic == "" || phrase == "" {
		return fmt.Errorf("topic and phrase are required")
	}

	table := DefaultTable()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		table = &Table{}
		if err := yaml.Unmarshal(data, table); err != nil {
			return fmt.Errorf("parse existing keyword table: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("read keyword table: %w", err)
	}

	idx := -1
	for i, tk := range table.Topics {
		if strings.EqualFold(strings.TrimSpace(tk.Name), topic) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("unknown topic %q", topic)
	}

	target := normalize(phrase)
	tk := &table.Topics[idx]
	for _, existing := range append(append([]string{}, tk.Keywords...), tk.WholeWords...) {
		if normalize(existing) == target {
			return nil // already exists
		}
	}
	if isShortSingleWord(phrase) {
		tk.WholeWords = append(tk.WholeWords, phrase)
	} else {
		tk.Keywords = append(tk.Keywords, phrase)
	}

	if err := table.Validate(); err != nil {
		return err
	}
	return table.Save(path)
}

func isShortSingleWord(s string) bool {
	n := normalize(s)
	return n != "" && !strings.Contains(n, " ") && utf8.RuneCountInString(n) < MinSubstringKeywordLen
}

// normalize lowercases, NFC-normalizes, turns every non-alphanumeric rune into
// a space and collapses runs of spaces.
func normalize(s string) string {
	s = strings.ToLower(norm.NFC.String(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isWordRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
