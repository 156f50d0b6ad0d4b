package conformance

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/infra/op-conform/types"
)

// Format identifies the encoding of a suite's result stream
type Format string

const (
	// FormatJSON is one test2json-style event per line
	FormatJSON Format = "json"
	// FormatTAP is TAP version 13
	FormatTAP Format = "tap"
)

// MaxLineBytes caps how much of a single stream line is kept. Longer lines
// are truncated rather than failing the whole stream.
const MaxLineBytes = 1 << 20

// ParseFormat validates a format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatTAP:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported result format %q (supported: %s, %s)", s, FormatJSON, FormatTAP)
	}
}

// decoder turns stream lines into cases. Implementations keep any cases that
// are still open between lines.
type decoder interface {
	// decode consumes one line and returns the cases it completed
	decode(line string) []types.ConformanceCase
	// flush closes whatever is still open at end of stream
	flush() []types.ConformanceCase
	// complete reports whether the completion marker was seen
	complete() bool
	// bailed returns the reason the suite gave for aborting, if it did
	bailed() (string, bool)
	// records counts the lines that were recognised as part of the format
	records() int
}

func newDecoder(format Format) (decoder, error) {
	switch format {
	case FormatJSON:
		return newJSONDecoder(), nil
	case FormatTAP:
		return newTAPDecoder(), nil
	default:
		return nil, fmt.Errorf("unsupported result format %q", format)
	}
}

// Termination describes how a stream ended
type Termination struct {
	Complete bool   // the completion marker was seen and the suite did not bail out
	Reason   string // why the stream is not complete; empty when Complete
	Lines    int    // lines read
	Records  int    // lines recognised as part of the format
	Err      error  // read error, if the stream broke rather than ended
}

// Stream lazily decodes a suite's result stream into cases. It is finite and
// cannot be restarted: once Next reports false, Termination describes the end.
type Stream struct {
	r   *bufio.Reader
	dec decoder

	pending []types.ConformanceCase
	lines   int
	ended   bool
	readErr error
}

// NewStream creates a stream reading from r in the given format
func NewStream(r io.Reader, format Format) (*Stream, error) {
	dec, err := newDecoder(format)
	if err != nil {
		return nil, err
	}
	return &Stream{
		r:   bufio.NewReaderSize(r, 64*1024),
		dec: dec,
	}, nil
}

// Next returns the next completed case. It returns false once the
// underlying reader is exhausted and every open case has been flushed.
func (s *Stream) Next() (types.ConformanceCase, bool) {
	for len(s.pending) == 0 {
		if s.ended {
			return types.ConformanceCase{}, false
		}
		line, err := s.readLine()
		if line != "" || err == nil {
			s.lines++
			s.pending = append(s.pending, s.dec.decode(stripansi.Strip(line))...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.readErr = err
			}
			s.ended = true
			s.pending = append(s.pending, s.dec.flush()...)
		}
	}
	next := s.pending[0]
	s.pending = s.pending[1:]
	return next, true
}

// readLine reads one line without its terminator. A final line without a
// newline is still returned, together with io.EOF.
func (s *Stream) readLine() (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := s.r.ReadLine()
		if room := MaxLineBytes - sb.Len(); room > 0 {
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			sb.Write(chunk)
		}
		if err != nil {
			return sb.String(), err
		}
		if !isPrefix {
			return strings.TrimSuffix(sb.String(), "\r"), nil
		}
	}
}

// Termination reports how the stream ended. It is only meaningful after
// Next has returned false.
func (s *Stream) Termination() Termination {
	t := Termination{
		Lines:   s.lines,
		Records: s.dec.records(),
		Err:     s.readErr,
	}
	switch reason, bailed := s.dec.bailed(); {
	case bailed:
		t.Reason = "suite bailed out"
		if reason != "" {
			t.Reason += ": " + reason
		}
	case s.readErr != nil:
		t.Reason = fmt.Sprintf("reading result stream: %v", s.readErr)
	case !s.dec.complete():
		t.Reason = "result stream ended without a completion marker"
	default:
		t.Complete = true
	}
	return t
}
