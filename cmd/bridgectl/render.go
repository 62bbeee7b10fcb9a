package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/capitalize-ai/conversation-bridge/internal/model"
)

// renderer prints cumulative answer updates as deltas.
type renderer struct {
	out         io.Writer
	reasoning   string
	text        string
	title       string
	suggestions []string
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

func (r *renderer) handle(ev model.StatusEvent) {
	switch ev.Type {
	case model.EventUpdateAnswer:
		if ev.Answer == nil {
			return
		}
		r.reasoning = r.write(r.reasoning, ev.Answer.ReasoningContent, "thinking: ")
		if ev.Answer.Text != "" && r.text == "" && r.reasoning != "" {
			fmt.Fprint(r.out, "\n\n")
		}
		r.text = r.write(r.text, ev.Answer.Text, "")
	case model.EventTitleUpdate:
		r.title = ev.Title
	case model.EventSuggestedResponses:
		r.suggestions = ev.Suggestions
	}
}

// write prints what next adds to printed and returns next. A non-extending update
// reprints the whole text on a new line.
func (r *renderer) write(printed, next, label string) string {
	if next == printed {
		return printed
	}
	switch {
	case printed == "":
		fmt.Fprint(r.out, label+next)
	case strings.HasPrefix(next, printed):
		fmt.Fprint(r.out, next[len(printed):])
	default:
		fmt.Fprint(r.out, "\n"+label+next)
	}
	return next
}

func (r *renderer) finish() {
	if r.text != "" || r.reasoning != "" {
		fmt.Fprintln(r.out)
	}
	if r.title != "" {
		fmt.Fprintf(r.out, "[title] %s\n", r.title)
	}
	for _, s := range r.suggestions {
		fmt.Fprintf(r.out, "  > %s\n", s)
	}
}
