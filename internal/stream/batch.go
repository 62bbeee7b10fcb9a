package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
)

// BatchSentinel marks the envelope carrying the generation payload in a batched RPC reply.
const BatchSentinel = "wrb.fr"

// BatchImage is an inline image descriptor returned alongside the answer.
type BatchImage struct {
	URL         string
	Alt         string
	Source      string
	Placeholder string
}

// Markdown renders the image as a linked markdown image.
func (i BatchImage) Markdown() string {
	return fmt.Sprintf("[![%s](%s)](%s)", i.Alt, i.URL, i.Source)
}

// BatchReply is the positional payload of a batched RPC reply, extracted by name.
type BatchReply struct {
	Text           string
	ConversationID string
	ResponseID     string
	ChoiceID       string
	Images         []BatchImage
}

// ContextIDs returns the three ids the next request must echo back.
func (r *BatchReply) ContextIDs() [3]string {
	return [3]string{r.ConversationID, r.ResponseID, r.ChoiceID}
}

// ParseBatch finds the sentinel line in body, decodes its embedded JSON string and
// extracts the answer. Every positional access is checked; any mismatch fails with
// RESPONSE_PARSING_ERROR instead of returning partial text.
func ParseBatch(body string) (*BatchReply, error) {
	inner, err := findEnvelope(body)
	if err != nil {
		return nil, err
	}

	var payload []any
	if err := json.Unmarshal([]byte(inner), &payload); err != nil {
		return nil, parseErr("embedded payload is not a JSON array", err)
	}

	reply := &BatchReply{}
	var ok bool
	if reply.Text, ok = stringAt(payload, 4, 0, 1, 0); !ok {
		return nil, parseErr("answer text missing at [4][0][1][0]", nil)
	}
	if reply.ConversationID, ok = stringAt(payload, 1, 0); !ok {
		return nil, parseErr("conversation id missing at [1][0]", nil)
	}
	if reply.ResponseID, ok = stringAt(payload, 1, 1); !ok {
		return nil, parseErr("response id missing at [1][1]", nil)
	}
	if reply.ChoiceID, ok = stringAt(payload, 4, 0, 0); !ok {
		return nil, parseErr("choice id missing at [4][0][0]", nil)
	}

	raw, present := at(payload, 4, 0, 4)
	if present && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return nil, parseErr("image list at [4][0][4] is not an array", nil)
		}
		for i, item := range list {
			img, err := parseImage(item)
			if err != nil {
				return nil, parseErr(fmt.Sprintf("image %d: %s", i, err), nil)
			}
			reply.Images = append(reply.Images, img)
		}
	}

	for _, img := range reply.Images {
		if img.Placeholder != "" {
			reply.Text = strings.Replace(reply.Text, img.Placeholder, img.Markdown(), 1)
		}
	}
	return reply, nil
}

// findEnvelope returns the third element of the sentinel array. The sentinel array is
// either a line itself or nested as the first element of a line.
func findEnvelope(body string) (string, error) {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") || !strings.Contains(line, BatchSentinel) {
			continue
		}
		var outer []any
		if err := json.Unmarshal([]byte(line), &outer); err != nil {
			continue
		}
		candidates := []any{outer}
		for _, el := range outer {
			candidates = append(candidates, el)
		}
		for _, c := range candidates {
			arr, ok := c.([]any)
			if !ok || len(arr) < 3 {
				continue
			}
			if tag, _ := arr[0].(string); tag != BatchSentinel {
				continue
			}
			inner, ok := arr[2].(string)
			if !ok || inner == "" {
				return "", parseErr("sentinel envelope carries no payload", nil)
			}
			return inner, nil
		}
	}
	return "", parseErr("no "+BatchSentinel+" line in response", nil)
}

func parseImage(item any) (BatchImage, error) {
	var img BatchImage
	var ok bool
	if img.URL, ok = stringAt(item, 0, 0, 0); !ok {
		return img, fmt.Errorf("url missing at [0][0][0]")
	}
	if img.Alt, ok = stringAt(item, 0, 4); !ok {
		return img, fmt.Errorf("alt text missing at [0][4]")
	}
	if img.Source, ok = stringAt(item, 1, 0, 0); !ok {
		return img, fmt.Errorf("source missing at [1][0][0]")
	}
	if img.Placeholder, ok = stringAt(item, 2); !ok {
		return img, fmt.Errorf("placeholder missing at [2]")
	}
	return img, nil
}

func at(v any, path ...int) (any, bool) {
	cur := v
	for _, i := range path {
		arr, ok := cur.([]any)
		if !ok || i < 0 || i >= len(arr) {
			return nil, false
		}
		cur = arr[i]
	}
	return cur, true
}

func stringAt(v any, path ...int) (string, bool) {
	x, ok := at(v, path...)
	if !ok {
		return "", false
	}
	s, ok := x.(string)
	return s, ok
}

func parseErr(msg string, cause error) error {
	if cause != nil {
		return aierr.Raise(aierr.ResponseParsingError, msg, aierr.WithCause(cause))
	}
	return aierr.Raise(aierr.ResponseParsingError, msg)
}
