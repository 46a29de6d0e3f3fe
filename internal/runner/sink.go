package runner

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// OutputSink receives live phase output. PhaseWriter is called once per
// executed phase; the returned writer may be written to from the phase's
// goroutine until the phase ends.
type OutputSink interface {
	PhaseWriter(environment, phase string) io.Writer
}

type discardSink struct{}

func (discardSink) PhaseWriter(string, string) io.Writer { return io.Discard }

// DiscardSink drops all phase output.
func DiscardSink() OutputSink { return discardSink{} }

// PrefixSink writes phase output to a single writer, prefixing every
// line with the environment and phase it came from. Writers for
// different phases are safe to use concurrently.
type PrefixSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewPrefixSink(w io.Writer) *PrefixSink {
	return &PrefixSink{w: w}
}

func (s *PrefixSink) PhaseWriter(environment, phase string) io.Writer {
	return &prefixWriter{
		sink:   s,
		prefix: fmt.Sprintf("[%s/%s] ", environment, phase),
	}
}

// prefixWriter buffers partial lines so the prefix lands exactly once
// per line even when writes split mid-line.
type prefixWriter struct {
	sink   *PrefixSink
	prefix string
	rest   []byte
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.sink.mu.Lock()
	defer p.sink.mu.Unlock()

	data := append(p.rest, b...)
	p.rest = nil
	for {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			break
		}
		if _, err := fmt.Fprintf(p.sink.w, "%s%s\n", p.prefix, data[:nl]); err != nil {
			return len(b), err
		}
		data = data[nl+1:]
	}
	if len(data) > 0 {
		p.rest = append(p.rest, data...)
	}
	return len(b), nil
}

// captureWriter keeps the tail of the output up to limit bytes. CI
// failures show up at the end of the output, so the head is what gets
// dropped.
type captureWriter struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newCaptureWriter(limit int) *captureWriter {
	return &captureWriter{limit: limit}
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, b...)
	if len(c.buf) > c.limit {
		trimmed := make([]byte, c.limit)
		copy(trimmed, c.buf[len(c.buf)-c.limit:])
		c.buf = trimmed
		c.truncated = true
	}
	return len(b), nil
}

func (c *captureWriter) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return "[output truncated]\n" + string(c.buf)
	}
	return string(c.buf)
}
