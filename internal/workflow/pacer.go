package workflow

import (
	"strings"
	"time"

	"github.com/ocx/gateway/internal/core"
)

// Pacer turns raw backend deltas into word-grouped chunks for streaming
// clients. When the producer outpaces the interval floor, deltas coalesce
// into bigger chunks instead of being throttled with sleeps; a slow producer
// passes through at word boundaries untouched.
type Pacer struct {
	emit        func(core.Chunk) error
	minInterval time.Duration
	buf         strings.Builder
	lastFlush   time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewPacer wraps a chunk sink. minInterval <= 0 disables coalescing.
func NewPacer(emit func(core.Chunk) error, minInterval time.Duration) *Pacer {
	return &Pacer{
		emit:        emit,
		minInterval: minInterval,
		now:         time.Now,
	}
}

// Push ingests one producer delta, flushing complete words when the interval
// floor has elapsed.
func (p *Pacer) Push(delta string) error {
	p.buf.WriteString(delta)

	if p.minInterval > 0 && p.now().Sub(p.lastFlush) < p.minInterval {
		return nil
	}
	return p.flushWords()
}

// flushWords emits everything up to the last whitespace boundary.
func (p *Pacer) flushWords() error {
	s := p.buf.String()
	cut := strings.LastIndexAny(s, " \t\n")
	if cut < 0 {
		return nil
	}
	out := s[:cut+1]
	rest := s[cut+1:]
	p.buf.Reset()
	p.buf.WriteString(rest)
	p.lastFlush = p.now()
	return p.emit(core.Chunk{Delta: out})
}

// Close flushes any buffered tail. It does not send a done frame; the
// caller owns stream termination.
func (p *Pacer) Close() error {
	if p.buf.Len() == 0 {
		return nil
	}
	out := p.buf.String()
	p.buf.Reset()
	p.lastFlush = p.now()
	return p.emit(core.Chunk{Delta: out})
}
