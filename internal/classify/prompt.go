package classify

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"supportpulse/internal/domain"
	"supportpulse/internal/keywords"
)

func buildSystemPrompt(taxonomy domain.Taxonomy, descriptions map[string]string) string {
	var topicLines strings.Builder
	for _, topic := range taxonomy {
		if desc := strings.TrimSpace(descriptions[topic]); desc != "" {
			topicLines.WriteString(fmt.Sprintf("- %s: %s\n", topic, desc))
		} else {
			topicLines.WriteString(fmt.Sprintf("- %s\n", topic))
		}
	}
	topicLines.WriteString(fmt.Sprintf("- %s: empty or unintelligible conversation, or no customer request at all\n", domain.Unknown))

	return fmt.Sprintf(`You classify customer support conversations into exactly one topic.

Topics:
%s
The conversation may come with hints: a label set by the support system and topics suggested by keyword matching.
Hints are advisory only and are frequently wrong. Decide from the conversation text itself and override any hint the text does not support.

Respond with the topic name only, exactly as listed above. No explanation, no punctuation.`, topicLines.String())
}

func buildUserPrompt(text, sourceHint string, matches []keywords.Match, maxChars int) string {
	var b strings.Builder
	if sourceHint != "" {
		b.WriteString(fmt.Sprintf("Support system label (advisory): %s\n", sourceHint))
	}
	if len(matches) > 0 {
		topics := make([]string, 0, len(matches))
		for _, m := range matches {
			topics = append(topics, m.Topic)
		}
		b.WriteString(fmt.Sprintf("Keyword matches (advisory): %s\n", strings.Join(topics, ", ")))
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString("Conversation:\n")
	b.WriteString(truncateRunes(text, maxChars))
	return b.String()
}

// truncateRunes keeps the first n runes of s.
func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// parseTopic matches a model answer against the taxonomy. It tolerates code
// fences, quotes, markdown emphasis, a "Topic:" prefix and trailing
// punctuation; anything else is not a taxonomy answer.
func parseTopic(response string, taxonomy domain.Taxonomy) (string, bool) {
	s := strings.TrimSpace(response)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			s = line
			break
		}
	}
	s = trimDecoration(s)
	for _, prefix := range []string{"topic:", "category:", "answer:"} {
		if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
			s = trimDecoration(s[len(prefix):])
		}
	}
	s = strings.TrimSpace(strings.Trim(s, ":"))
	if s == "" {
		return "", false
	}
	return taxonomy.Lookup(s)
}

func trimDecoration(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsSymbol(r) || unicode.IsPunct(r) && r != ':'
	})
}
