package dispatch

import (
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
)

// CoalesceConfig bounds streamed-chunk sizes. Widths are visible-character
// widths, so CJK text fills a chunk at half the rune count.
type CoalesceConfig struct {
	MinChars int `json:"minChars"`
	MaxChars int `json:"maxChars"`
	IdleMs   int `json:"idleMs"`
}

func (c CoalesceConfig) withDefaults() CoalesceConfig {
	if c.MinChars <= 0 {
		c.MinChars = 200
	}
	if c.MaxChars <= 0 {
		c.MaxChars = 1200
	}
	if c.MaxChars < c.MinChars {
		c.MaxChars = c.MinChars
	}
	if c.IdleMs <= 0 {
		c.IdleMs = 800
	}
	return c
}

// Coalescer accumulates streamed text fragments and emits human-sized
// chunks: it cuts when the buffer exceeds MaxChars, preferring paragraph,
// then newline, then sentence boundaries, and flushes whatever is pending
// once the stream goes idle for IdleMs.
type Coalescer struct {
	cfg   CoalesceConfig
	flush func(chunk string)

	mu     sync.Mutex
	buf    string
	timer  *time.Timer
	closed bool
}

func NewCoalescer(cfg CoalesceConfig, flush func(chunk string)) *Coalescer {
	return &Coalescer{cfg: cfg.withDefaults(), flush: flush}
}

// Write appends a streamed fragment, emitting full chunks as they form.
func (c *Coalescer) Write(fragment string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.buf += fragment

	var chunks []string
	for runewidth.StringWidth(c.buf) > c.cfg.MaxChars {
		chunk, rest := splitChunk(c.buf, c.cfg.MinChars, c.cfg.MaxChars)
		chunks = append(chunks, chunk)
		c.buf = rest
	}

	if c.timer != nil {
		c.timer.Stop()
	}
	if c.buf != "" {
		c.timer = time.AfterFunc(time.Duration(c.cfg.IdleMs)*time.Millisecond, c.idleFlush)
	}
	c.mu.Unlock()

	for _, chunk := range chunks {
		c.emit(chunk)
	}
}

// Close flushes the remaining buffer and rejects further writes.
func (c *Coalescer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	rest := c.buf
	c.buf = ""
	c.mu.Unlock()

	c.emit(rest)
}

func (c *Coalescer) idleFlush() {
	c.mu.Lock()
	if c.closed || c.buf == "" {
		c.mu.Unlock()
		return
	}
	rest := c.buf
	c.buf = ""
	c.mu.Unlock()

	c.emit(rest)
}

func (c *Coalescer) emit(chunk string) {
	chunk = strings.TrimSpace(chunk)
	if chunk != "" {
		c.flush(chunk)
	}
}

// splitChunk cuts s into a leading chunk of at most max visible width and
// the remainder. It prefers the last paragraph break inside the window,
// then the last newline, then the last sentence end, accepting a boundary
// only when the resulting chunk is at least min wide; otherwise it cuts hard
// at the width limit.
func splitChunk(s string, min, max int) (chunk, rest string) {
	cut := widthCut(s, max)
	if cut >= len(s) {
		return s, ""
	}
	window := s[:cut]

	for _, sep := range []string{"\n\n", "\n"} {
		if i := strings.LastIndex(window, sep); i > 0 && runewidth.StringWidth(window[:i]) >= min {
			return window[:i], strings.TrimLeft(s[i:], "\n")
		}
	}
	if i := lastSentenceEnd(window); i > 0 && runewidth.StringWidth(window[:i]) >= min {
		return window[:i], strings.TrimLeft(s[i:], " ")
	}
	return window, s[cut:]
}

// widthCut returns the byte index where s's visible width reaches max.
func widthCut(s string, max int) int {
	width := 0
	for i, r := range s {
		width += runewidth.RuneWidth(r)
		if width > max {
			return i
		}
	}
	return len(s)
}

// lastSentenceEnd returns the index just past the last sentence terminator
// in s, or -1 when none is followed by whitespace (or ends a CJK sentence).
func lastSentenceEnd(s string) int {
	best := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 < len(s) && (s[i+1] == ' ' || s[i+1] == '\n') {
				best = i + 1
			}
		}
	}
	if i := strings.LastIndex(s, "。"); i >= 0 { // ideographic full stop
		if end := i + len("。"); end > best {
			best = end
		}
	}
	return best
}
