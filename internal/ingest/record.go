package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"supportpulse/internal/domain"
)

// RawConversation is one conversation record as exported by Intercom. Only
// the fields the pipeline reads are decoded; every field is optional.
type RawConversation struct {
	ID               FlexibleID       `json:"id"`
	CreatedAt        domain.Timestamp `json:"created_at"`
	UpdatedAt        domain.Timestamp `json:"updated_at"`
	Source           json.RawMessage  `json:"source"`
	Parts            Replies          `json:"conversation_parts"`
	Tags             Tags             `json:"tags"`
	CustomAttributes json.RawMessage  `json:"custom_attributes"`

	// Malformed is set by Decode when the record itself could not be read.
	Malformed bool `json:"-"`
}

// RawMessage is the initial message or one reply part. A part that is not an
// object, or whose text fields are not strings, decodes with Malformed set
// and whatever text could be recovered.
type RawMessage struct {
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	PartType  string `json:"part_type,omitempty"`
	Malformed bool   `json:"-"`
}

func (m *RawMessage) UnmarshalJSON(data []byte) error {
	*m = RawMessage{}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		m.Malformed = !bytes.Equal(bytes.TrimSpace(data), []byte("null"))
		return nil
	}
	m.Subject = m.stringField(fields["subject"])
	m.Body = m.stringField(fields["body"])
	m.PartType = m.stringField(fields["part_type"])
	return nil
}

func (m *RawMessage) stringField(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		m.Malformed = true
		return ""
	}
	return s
}

// FlexibleID accepts string and numeric ids. Any other shape decodes to an
// empty id and the normalizer assigns a positional one.
type FlexibleID string

func (id *FlexibleID) UnmarshalJSON(data []byte) error {
	*id = ""
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			*id = FlexibleID(s)
		}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return nil
	}
	if i, err := n.Int64(); err == nil {
		*id = FlexibleID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = FlexibleID(n.String())
	return nil
}

// ReplyContainer is the decoded reply thread. Intercom sometimes returns the
// parts as a bare list and sometimes wrapped in a conversation_part.list
// object; anything else decodes to MalformedReplies.
type ReplyContainer interface {
	replyContainer()
}

type ReplyList []RawMessage

type WrappedReplies struct {
	Type       string       `json:"type"`
	Parts      []RawMessage `json:"conversation_parts"`
	TotalCount int          `json:"total_count"`
}

type MalformedReplies struct {
	Raw json.RawMessage
	Err error
}

func (ReplyList) replyContainer()        {}
func (WrappedReplies) replyContainer()   {}
func (MalformedReplies) replyContainer() {}

// Replies decodes the reply thread once into a ReplyContainer. A missing or
// null thread leaves Container nil, which reads as an empty thread.
type Replies struct {
	Container ReplyContainer
}

func (r *Replies) UnmarshalJSON(data []byte) error {
	r.Container = decodeReplies(data)
	return nil
}

func decodeReplies(data []byte) ReplyContainer {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '[':
		var list ReplyList
		if err := json.Unmarshal(data, &list); err != nil {
			return MalformedReplies{Raw: data, Err: err}
		}
		return list
	case '{':
		var wrapped WrappedReplies
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return MalformedReplies{Raw: data, Err: err}
		}
		return wrapped
	default:
		return MalformedReplies{Raw: data, Err: fmt.Errorf("unexpected reply thread shape")}
	}
}

// Tags accepts a plain list or the tag.list wrapper, with entries given as
// strings or objects carrying a name.
type Tags struct {
	Names     []string
	Malformed error
}

func (t *Tags) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	t.Names = nil
	t.Malformed = nil
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	var items []json.RawMessage
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &items); err != nil {
			t.Malformed = err
			return nil
		}
	case '{':
		var wrapped struct {
			Tags []json.RawMessage `json:"tags"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			t.Malformed = err
			return nil
		}
		items = wrapped.Tags
	default:
		t.Malformed = fmt.Errorf("unexpected tags shape")
		return nil
	}
	for _, item := range items {
		var name string
		if err := json.Unmarshal(item, &name); err == nil {
			t.Names = append(t.Names, name)
			continue
		}
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(item, &obj); err == nil {
			t.Names = append(t.Names, obj.Name)
		}
	}
	return nil
}
