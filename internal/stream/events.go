package stream

import (
	"context"
	"io"
	"strings"
)

// Event is one blank-line-delimited block of an event stream.
type Event struct {
	Name string
	Data string
}

// EventDecoder splits a byte stream into (event, data) blocks. Multiple data lines in
// one block are joined with newlines. A block without an event line has an empty Name.
type EventDecoder struct {
	lines lineBuffer
	name  string
	data  []string
	open  bool
}

// Feed consumes chunk and calls fn for every completed block.
func (d *EventDecoder) Feed(chunk []byte, fn func(Event) error) error {
	return d.lines.feed(chunk, d.line(fn))
}

// Flush dispatches a block left open at end of input.
func (d *EventDecoder) Flush(fn func(Event) error) error {
	if err := d.lines.flush(d.line(fn)); err != nil {
		return err
	}
	return d.dispatch(fn)
}

func (d *EventDecoder) line(fn func(Event) error) func(string) error {
	return func(line string) error {
		switch {
		case line == "":
			return d.dispatch(fn)
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			d.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			d.open = true
		default:
			if payload, ok := dataField(line); ok {
				d.data = append(d.data, payload)
				d.open = true
			}
		}
		return nil
	}
}

func (d *EventDecoder) dispatch(fn func(Event) error) error {
	if !d.open {
		return nil
	}
	ev := Event{Name: d.name, Data: strings.Join(d.data, "\n")}
	d.name, d.data, d.open = "", nil, false
	return fn(ev)
}

// ReadEvents reads r until EOF or a handler returning ErrStop.
func ReadEvents(ctx context.Context, r io.Reader, fn func(Event) error) error {
	var d EventDecoder
	return pump(ctx, r, func(chunk []byte) error {
		return d.Feed(chunk, fn)
	}, func() error {
		return d.Flush(fn)
	})
}
