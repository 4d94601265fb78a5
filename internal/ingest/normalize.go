package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"supportpulse/internal/domain"
)

// DefaultHintAttribute is the custom attribute read as the upstream topic hint.
const DefaultHintAttribute = "topic"

const blockElements = "p, div, li, tr, td, th, h1, h2, h3, h4, h5, h6, blockquote, pre, table, ul, ol"

// Normalizer turns raw Intercom records into conversations. It never fails:
// malformed pieces are logged and contribute no text.
type Normalizer struct {
	logger        *zap.Logger
	hintAttribute string
}

func NewNormalizer(logger *zap.Logger, hintAttribute string) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(hintAttribute) == "" {
		hintAttribute = DefaultHintAttribute
	}
	return &Normalizer{logger: logger, hintAttribute: hintAttribute}
}

// Normalize extracts the plain text of the initial message and every reply,
// keeping the original casing and language.
func (n *Normalizer) Normalize(raw RawConversation) domain.Conversation {
	id := string(raw.ID)
	log := n.logger.With(zap.String("conversation_id", id))
	if raw.Malformed {
		log.Warn("malformed conversation record, classifying as empty")
	}

	var pieces []string
	if source, ok := n.decodeSource(raw.Source, log); ok {
		pieces = append(pieces, CleanHTML(source.Subject), CleanHTML(source.Body))
	}
	for _, part := range n.replyParts(raw.Parts.Container, log) {
		pieces = append(pieces, CleanHTML(part.Body))
	}
	if raw.Tags.Malformed != nil {
		log.Warn("malformed tags, ignoring", zap.Error(raw.Tags.Malformed))
	}

	return domain.Conversation{
		ID:         id,
		CreatedAt:  raw.CreatedAt.Time,
		UpdatedAt:  raw.UpdatedAt.Time,
		RawText:    joinNonEmpty(pieces),
		SourceHint: n.sourceHint(raw.CustomAttributes, log),
		Tags:       cleanTags(raw.Tags.Names),
	}
}

// NormalizeAll normalizes a batch, giving positional ids to records without
// one. A record repeating an earlier id is the same conversation exported
// twice and is skipped, so every id in the result is unique.
func (n *Normalizer) NormalizeAll(raws []RawConversation) []domain.Conversation {
	out := make([]domain.Conversation, 0, len(raws))
	seen := make(map[string]bool, len(raws))
	for i, raw := range raws {
		conv := n.Normalize(raw)
		if conv.ID == "" {
			conv.ID = fmt.Sprintf("row-%d", i+1)
			for k := 2; seen[conv.ID]; k++ {
				conv.ID = fmt.Sprintf("row-%d-%d", i+1, k)
			}
		} else if seen[conv.ID] {
			n.logger.Warn("duplicate conversation id, keeping the first record",
				zap.String("conversation_id", conv.ID), zap.Int("row", i+1))
			continue
		}
		seen[conv.ID] = true
		out = append(out, conv)
	}
	return out
}

func (n *Normalizer) decodeSource(raw json.RawMessage, log *zap.Logger) (RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return RawMessage{}, false
	}
	var msg RawMessage
	_ = json.Unmarshal(raw, &msg)
	if msg.Malformed {
		log.Warn("malformed initial message, using recoverable fields only")
	}
	return msg, true
}

func (n *Normalizer) replyParts(container ReplyContainer, log *zap.Logger) []RawMessage {
	var parts []RawMessage
	switch c := container.(type) {
	case nil:
		return nil
	case ReplyList:
		parts = c
	case WrappedReplies:
		parts = c.Parts
	case MalformedReplies:
		log.Warn("malformed reply thread, ignoring replies", zap.Error(c.Err))
		return nil
	}
	bad := 0
	for _, p := range parts {
		if p.Malformed {
			bad++
		}
	}
	if bad > 0 {
		log.Warn("malformed reply parts", zap.Int("count", bad))
	}
	return parts
}

func (n *Normalizer) sourceHint(raw json.RawMessage, log *zap.Logger) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var attrs map[string]any
	if err := json.Unmarshal(raw, &attrs); err != nil {
		log.Warn("malformed custom attributes", zap.Error(err))
		return ""
	}
	v, ok := attrs[n.hintAttribute].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// CleanHTML strips tags, decodes entities, NFC-normalizes and collapses
// whitespace. Block elements and <br> become separators.
func CleanHTML(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	text := s
	if strings.ContainsAny(s, "<&") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
		if err == nil {
			doc.Find("script, style, head").Remove()
			doc.Find("br").ReplaceWithHtml("\n")
			doc.Find(blockElements).AppendHtml("\n")
			text = doc.Text()
		}
	}
	return collapseWhitespace(norm.NFC.String(text))
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func joinNonEmpty(pieces []string) string {
	var kept []string
	for _, p := range pieces {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

func cleanTags(names []string) []string {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, name := range names {
		name = collapseWhitespace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// LoadFile reads a JSON export: either an array of conversations or an object
// with a "conversations" array, as returned by the Intercom list endpoints.
func LoadFile(path string) ([]RawConversation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read conversations: %w", err)
	}
	return Decode(data)
}

// Decode parses the same formats as LoadFile from memory. Only a broken
// envelope is an error; a record that cannot be read is kept as an empty
// record with Malformed set.
func Decode(data []byte) ([]RawConversation, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	var records []json.RawMessage
	if data[0] == '[' {
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("parse conversations: %w", err)
		}
	} else {
		var wrapped struct {
			Conversations []json.RawMessage `json:"conversations"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("parse conversations: %w", err)
		}
		records = wrapped.Conversations
	}

	raws := make([]RawConversation, len(records))
	for i, rec := range records {
		if err := json.Unmarshal(rec, &raws[i]); err != nil {
			raws[i] = RawConversation{Malformed: true}
			// keep the id when the record is an object with a readable one
			var idOnly struct {
				ID FlexibleID `json:"id"`
			}
			if json.Unmarshal(rec, &idOnly) == nil {
				raws[i].ID = idOnly.ID
			}
		}
	}
	return raws, nil
}
