// Package frame implements the Content-Length framing debug adapters speak on
// their standard streams.
package frame

import (
	"bytes"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/google/go-dap"
)

const (
	// MaxContentLength is the largest payload the decoder accepts (10MB).
	MaxContentLength = 10 * 1024 * 1024

	// MaxHeaderBytes bounds the header block of a single frame.
	MaxHeaderBytes = 4096

	contentLengthHeader = "content-length"
)

var headerSeparator = []byte("\r\n\r\n")

// DecodeError reports a malformed frame header. It is fatal to the stream that produced it.
type DecodeError struct {
	Header string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed frame header %q: %v", e.Header, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode returns the wire representation of payload: a Content-Length header,
// the blank-line separator, then the payload bytes.
func Encode(payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(payload) + 32)
	// Writes to a bytes.Buffer cannot fail.
	_ = dap.WriteBaseMessage(&buf, payload)
	return buf.Bytes()
}

// Decoder is a streaming frame decoder. Bytes are pushed in with Feed in
// whatever chunks the underlying reader produced; complete payloads come out.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
	err error
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the decoder's buffer and returns a sequence of the
// complete payloads available so far. The sequence is lazy: payloads the caller
// does not consume stay buffered and are produced by the next Feed. An incomplete
// trailing frame is kept until more bytes arrive.
//
// Once a malformed header is seen the decoder is poisoned and every sequence it
// returns yields that *DecodeError.
func (d *Decoder) Feed(chunk []byte) iter.Seq2[[]byte, error] {
	if d.err == nil {
		d.buf = append(d.buf, chunk...)
	}

	return func(yield func([]byte, error) bool) {
		for {
			if d.err != nil {
				yield(nil, d.err)
				return
			}

			payload, ok, nextErr := d.next()
			if nextErr != nil {
				d.err = nextErr
				d.buf = nil
				yield(nil, nextErr)
				return
			}
			if !ok {
				return
			}
			if !yield(payload, nil) {
				return
			}
		}
	}
}

// Buffered returns the number of bytes held for a frame that is not complete yet.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Err returns the decode error that poisoned the decoder, if any.
func (d *Decoder) Err() error {
	return d.err
}

// next extracts one complete frame from the buffer. ok is false when more bytes are needed.
func (d *Decoder) next() (payload []byte, ok bool, err error) {
	headerEnd := bytes.Index(d.buf, headerSeparator)
	if headerEnd < 0 {
		if len(d.buf) > MaxHeaderBytes {
			return nil, false, &DecodeError{
				Header: truncate(d.buf, 64),
				Err:    fmt.Errorf("header exceeds %d bytes", MaxHeaderBytes),
			}
		}
		return nil, false, nil
	}
	if headerEnd > MaxHeaderBytes {
		return nil, false, &DecodeError{
			Header: truncate(d.buf[:headerEnd], 64),
			Err:    fmt.Errorf("header exceeds %d bytes", MaxHeaderBytes),
		}
	}

	length, parseErr := parseHeader(string(d.buf[:headerEnd]))
	if parseErr != nil {
		return nil, false, parseErr
	}

	start := headerEnd + len(headerSeparator)
	end := start + length
	if len(d.buf) < end {
		return nil, false, nil
	}

	payload = make([]byte, length)
	copy(payload, d.buf[start:end])

	if rest := d.buf[end:]; len(rest) == 0 {
		d.buf = d.buf[:0]
	} else {
		d.buf = rest
	}

	return payload, true, nil
}

// parseHeader returns the declared content length of a header block.
func parseHeader(header string) (int, error) {
	length := -1
	for _, line := range strings.Split(header, "\r\n") {
		name, value, found := strings.Cut(line, ":")
		if !found {
			return 0, &DecodeError{Header: header, Err: fmt.Errorf("invalid header line %q", line)}
		}
		if !strings.EqualFold(strings.TrimSpace(name), contentLengthHeader) {
			continue
		}

		n, atoiErr := strconv.Atoi(strings.TrimSpace(value))
		if atoiErr != nil {
			return 0, &DecodeError{Header: header, Err: fmt.Errorf("invalid content length: %w", atoiErr)}
		}
		if n < 0 || n > MaxContentLength {
			return 0, &DecodeError{Header: header, Err: fmt.Errorf("content length %d out of range [0, %d]", n, MaxContentLength)}
		}
		length = n
	}

	if length < 0 {
		return 0, &DecodeError{Header: header, Err: fmt.Errorf("missing Content-Length header")}
	}
	return length, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
