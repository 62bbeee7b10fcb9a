// Package stream turns the raw wire formats of conversation backends into ordered
// payloads. Every decoder is chunk-boundary invariant: splitting the input at any
// byte offset produces the same callbacks.
package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
)

// DoneSentinel is the SSE payload that ends a stream early.
const DoneSentinel = "[DONE]"

// ErrStop may be returned by a handler to end reading without error.
var ErrStop = errors.New("stream: stop")

const readChunk = 4096

// lineBuffer accumulates bytes and yields complete lines, keeping the trailing partial
// line for the next chunk.
type lineBuffer struct {
	buf []byte
}

func (b *lineBuffer) feed(chunk []byte, fn func(line string) error) error {
	b.buf = append(b.buf, chunk...)
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			return nil
		}
		line := strings.TrimSuffix(string(b.buf[:i]), "\r")
		b.buf = b.buf[i+1:]
		if err := fn(line); err != nil {
			return err
		}
	}
}

func (b *lineBuffer) flush(fn func(line string) error) error {
	if len(b.buf) == 0 {
		return nil
	}
	line := strings.TrimSuffix(string(b.buf), "\r")
	b.buf = nil
	return fn(line)
}

func dataField(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "), true
}

// SSEDecoder extracts `data:` payloads from a server-sent-events byte stream.
type SSEDecoder struct {
	lines lineBuffer
	done  bool
}

// Done reports whether the [DONE] sentinel has been seen.
func (d *SSEDecoder) Done() bool { return d.done }

// Feed consumes chunk and calls fn for every complete data payload. Input after the
// [DONE] sentinel is ignored.
func (d *SSEDecoder) Feed(chunk []byte, fn func(payload string) error) error {
	if d.done {
		return nil
	}
	return d.lines.feed(chunk, d.line(fn))
}

// Flush processes an unterminated final line at end of input.
func (d *SSEDecoder) Flush(fn func(payload string) error) error {
	if d.done {
		return nil
	}
	return d.lines.flush(d.line(fn))
}

func (d *SSEDecoder) line(fn func(string) error) func(string) error {
	return func(line string) error {
		if d.done {
			return nil
		}
		payload, ok := dataField(line)
		if !ok || payload == "" {
			return nil
		}
		if payload == DoneSentinel {
			d.done = true
			return ErrStop
		}
		return fn(payload)
	}
}

// ReadSSE reads r until EOF, the [DONE] sentinel, or a handler returning ErrStop.
func ReadSSE(ctx context.Context, r io.Reader, fn func(payload string) error) error {
	var d SSEDecoder
	return pump(ctx, r, func(chunk []byte) error {
		return d.Feed(chunk, fn)
	}, func() error {
		return d.Flush(fn)
	})
}

// pump drives feed with chunks read from r and calls flush at EOF.
func pump(ctx context.Context, r io.Reader, feed func([]byte) error, flush func() error) error {
	buf := make([]byte, readChunk)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := feed(buf[:n]); err != nil {
				if errors.Is(err, ErrStop) {
					return nil
				}
				return err
			}
		}
		if rerr == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(rerr, io.EOF) {
			return aierr.Wrap(rerr)
		}
		if err := flush(); err != nil && !errors.Is(err, ErrStop) {
			return err
		}
		return nil
	}
}
