package ingest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func decodeOne(t *testing.T, raw string) RawConversation {
	t.Helper()
	var rc RawConversation
	require.NoError(t, json.Unmarshal([]byte(raw), &rc))
	return rc
}

func TestNormalizeWrappedReplies(t *testing.T) {
	rc := decodeOne(t, `{
		"id": 12345,
		"created_at": 1709634600,
		"updated_at": "2024-03-05T11:00:00Z",
		"source": {"subject": "Refund", "body": "<p>I was charged&nbsp;<b>twice</b></p><p>Please help</p>"},
		"conversation_parts": {
			"type": "conversation_part.list",
			"conversation_parts": [
				{"part_type": "comment", "body": "<p>Sorry about that!</p>"},
				{"part_type": "assignment", "body": null}
			],
			"total_count": 2
		},
		"tags": {"type": "tag.list", "tags": [{"id": "1", "name": "refund"}, {"id": "2", "name": "vip"}]},
		"custom_attributes": {"topic": " Billing "}
	}`)

	n := NewNormalizer(zaptest.NewLogger(t), "")
	conv := n.Normalize(rc)

	assert.Equal(t, "12345", conv.ID)
	assert.Equal(t, "Refund I was charged twice Please help Sorry about that!", conv.RawText)
	assert.Equal(t, "Billing", conv.SourceHint)
	assert.Equal(t, []string{"refund", "vip"}, conv.Tags)
	assert.True(t, conv.CreatedAt.Equal(time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC)))
	assert.True(t, conv.UpdatedAt.Equal(time.Date(2024, 3, 5, 11, 0, 0, 0, time.UTC)))
}

func TestNormalizeListReplies(t *testing.T) {
	rc := decodeOne(t, `{
		"id": "abc",
		"source": {"body": "Hola, la app se cierra"},
		"conversation_parts": [{"body": "¿Qué versión usas?"}, {"body": "La última"}],
		"tags": ["crash", "android", "crash"]
	}`)

	conv := NewNormalizer(zaptest.NewLogger(t), "").Normalize(rc)

	_, isList := rc.Parts.Container.(ReplyList)
	assert.True(t, isList)
	assert.Equal(t, "Hola, la app se cierra ¿Qué versión usas? La última", conv.RawText)
	assert.Equal(t, []string{"crash", "android"}, conv.Tags)
}

func TestNormalizeToleratesMalformedParts(t *testing.T) {
	rc := decodeOne(t, `{
		"id": {"weird": true},
		"source": {"subject": 7, "body": "Still readable"},
		"conversation_parts": "not a thread",
		"tags": 42,
		"custom_attributes": ["nope"]
	}`)

	_, malformed := rc.Parts.Container.(MalformedReplies)
	require.True(t, malformed)

	conv := NewNormalizer(zaptest.NewLogger(t), "topic").Normalize(rc)
	assert.Equal(t, "", conv.ID)
	assert.Equal(t, "Still readable", conv.RawText)
	assert.Empty(t, conv.SourceHint)
	assert.Empty(t, conv.Tags)
}

func TestNormalizeMissingEverything(t *testing.T) {
	rc := decodeOne(t, `{"id": 9}`)
	assert.Nil(t, rc.Parts.Container)

	conv := NewNormalizer(nil, "").Normalize(rc)
	assert.Equal(t, "9", conv.ID)
	assert.Empty(t, conv.RawText)
}

func TestNormalizeMalformedListEntries(t *testing.T) {
	rc := decodeOne(t, `{"source": {"body": "first"}, "conversation_parts": ["junk", {"body": "second"}, {"body": ["x"]}]}`)

	conv := NewNormalizer(zaptest.NewLogger(t), "").Normalize(rc)
	assert.Equal(t, "first second", conv.RawText)
}

func TestCleanHTML(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: ""},
		{in: "plain   text\n\twith  gaps", want: "plain text with gaps"},
		{in: "Line one<br>Line two", want: "Line one Line two"},
		{in: "<div>a</div><div>b</div>", want: "a b"},
		{in: "Tom &amp; Jerry &lt;3", want: "Tom & Jerry <3"},
		{in: "<style>p{color:red}</style><p>Visible</p><script>alert(1)</script>", want: "Visible"},
		{in: "Café", want: "Café"},
		{in: "<ul><li>one</li><li>two</li></ul>", want: "one two"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CleanHTML(tt.in), "input %q", tt.in)
	}
}

func TestNormalizeAllAssignsPositionalIDs(t *testing.T) {
	raws, err := Decode([]byte(`{"type": "conversation.list", "conversations": [{"id": "a"}, {}, {"id": 3}]}`))
	require.NoError(t, err)

	convs := NewNormalizer(zaptest.NewLogger(t), "").NormalizeAll(raws)
	require.Len(t, convs, 3)
	assert.Equal(t, "a", convs[0].ID)
	assert.Equal(t, "row-2", convs[1].ID)
	assert.Equal(t, "3", convs[2].ID)
}

func TestDecodeKeepsMalformedRecords(t *testing.T) {
	raws, err := Decode([]byte(`[{"id": "1", "source": {"body": "refund please"}}, "garbage", 42, [1, 2], {"id": 7, "source": {"body": "ok"}}]`))
	require.NoError(t, err)
	require.Len(t, raws, 5)
	assert.False(t, raws[0].Malformed)
	assert.True(t, raws[1].Malformed)
	assert.True(t, raws[2].Malformed)
	assert.True(t, raws[3].Malformed)
	assert.False(t, raws[4].Malformed)

	convs := NewNormalizer(zaptest.NewLogger(t), "").NormalizeAll(raws)
	require.Len(t, convs, 5)
	assert.Equal(t, "refund please", convs[0].RawText)
	assert.Equal(t, "row-2", convs[1].ID)
	assert.Empty(t, convs[1].RawText)
	assert.Equal(t, "7", convs[4].ID)

	raws, err = Decode([]byte(`{"conversations": [{"id": "a"}, true]}`))
	require.NoError(t, err)
	require.Len(t, raws, 2)
	assert.True(t, raws[1].Malformed)
}

func TestNormalizeAllSkipsDuplicateIDs(t *testing.T) {
	raws, err := Decode([]byte(`[
		{"id": "1", "source": {"body": "first"}},
		{"id": "row-2"},
		{},
		{"id": 1, "source": {"body": "again"}}
	]`))
	require.NoError(t, err)

	convs := NewNormalizer(zaptest.NewLogger(t), "").NormalizeAll(raws)
	require.Len(t, convs, 3)
	assert.Equal(t, "first", convs[0].RawText)
	assert.Equal(t, "row-2", convs[1].ID)
	assert.Equal(t, "row-3", convs[2].ID)

	raws, err = Decode([]byte(`[{"id": "row-2"}, {}]`))
	require.NoError(t, err)
	convs = NewNormalizer(zaptest.NewLogger(t), "").NormalizeAll(raws)
	require.Len(t, convs, 2)
	assert.Equal(t, "row-2-2", convs[1].ID)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "export.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id": 1, "source": {"body": "hi"}}, {"id": 2}]`), 0o644))

	raws, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, raws, 2)
	assert.Equal(t, FlexibleID("1"), raws[0].ID)

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"conversations": 5}`), 0o644))
	_, err = LoadFile(bad)
	require.Error(t, err)
}
