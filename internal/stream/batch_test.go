package stream

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
)

// batchBody wraps payload the way the RPC endpoint frames its reply.
func batchBody(t *testing.T, payload any) string {
	t.Helper()
	inner, err := json.Marshal(payload)
	require.NoError(t, err)
	line, err := json.Marshal([]any{[]any{BatchSentinel, nil, string(inner)}})
	require.NoError(t, err)
	return fmt.Sprintf(")]}'\n\n%d\n%s\n25\n[[\"di\",59],[\"af.httprm\",58,\"-1\",1]]\n", len(line), line)
}

func validPayload(text string, images any) []any {
	candidate := []any{"rc_choice", []any{text}, nil, nil, images}
	return []any{
		nil,
		[]any{"c_conv", "r_resp"},
		nil,
		nil,
		[]any{candidate},
	}
}

func TestParseBatch(t *testing.T) {
	reply, err := ParseBatch(batchBody(t, validPayload("Hello there", nil)))
	require.NoError(t, err)
	assert.Equal(t, "Hello there", reply.Text)
	assert.Equal(t, [3]string{"c_conv", "r_resp", "rc_choice"}, reply.ContextIDs())
	assert.Empty(t, reply.Images)
}

func TestParseBatch_SplicesImages(t *testing.T) {
	images := []any{
		[]any{
			[]any{[]any{"https://img/1.png"}, nil, nil, nil, "a cat"},
			[]any{[]any{"https://source/cat"}},
			"[Image of a cat]",
		},
	}
	reply, err := ParseBatch(batchBody(t, validPayload("Look: [Image of a cat] nice", images)))
	require.NoError(t, err)
	assert.Equal(t, "Look: [![a cat](https://img/1.png)](https://source/cat) nice", reply.Text)
	require.Len(t, reply.Images, 1)
}

func TestParseBatch_UnnestedSentinelLine(t *testing.T) {
	inner, _ := json.Marshal(validPayload("ok", nil))
	line, _ := json.Marshal([]any{BatchSentinel, nil, string(inner)})
	reply, err := ParseBatch("junk\n" + string(line) + "\n")
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Text)
}

func TestParseBatch_FailsClosed(t *testing.T) {
	brokenImage := []any{[]any{[]any{"https://img"}, nil, nil, nil, "alt"}, "not-an-array", "[ph]"}

	tests := []struct {
		name string
		body string
	}{
		{"no sentinel", ")]}'\n\n12\n[[\"di\",59]]\n"},
		{"empty body", ""},
		{"null payload", `[["wrb.fr",null,null,null,null,[9]]]`},
		{"payload not array", batchBody(t, map[string]any{"x": 1})},
		{"text missing", batchBody(t, []any{nil, []any{"c", "r"}, nil, nil, []any{[]any{"rc", []any{}}}})},
		{"text wrong type", batchBody(t, []any{nil, []any{"c", "r"}, nil, nil, []any{[]any{"rc", []any{42}}}})},
		{"ids missing", batchBody(t, []any{nil, []any{"c"}, nil, nil, []any{[]any{"rc", []any{"t"}}}})},
		{"choice id missing", batchBody(t, []any{nil, []any{"c", "r"}, nil, nil, []any{[]any{nil, []any{"t"}}}})},
		{"short payload", batchBody(t, []any{nil, []any{"c", "r"}})},
		{"images not array", batchBody(t, validPayload("t", "nope"))},
		{"image shape", batchBody(t, validPayload("t [ph]", []any{brokenImage}))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := ParseBatch(tt.body)
			assert.Nil(t, reply)
			assert.True(t, aierr.IsKind(err, aierr.ResponseParsingError), "got %v", err)
		})
	}
}
