package dispatch

import (
	"strings"
	"sync"
	"testing"
	"time"
)

type chunkCollector struct {
	mu     sync.Mutex
	chunks []string
}

func (c *chunkCollector) add(chunk string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, chunk)
}

func (c *chunkCollector) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.chunks...)
}

func TestCoalescerSmallInputFlushesOnClose(t *testing.T) {
	col := &chunkCollector{}
	co := NewCoalescer(CoalesceConfig{MinChars: 10, MaxChars: 100, IdleMs: 60_000}, col.add)

	co.Write("hello ")
	co.Write("world")
	if got := col.get(); len(got) != 0 {
		t.Fatalf("flushed before close: %v", got)
	}
	co.Close()
	if got := col.get(); len(got) != 1 || got[0] != "hello world" {
		t.Errorf("chunks = %v, want [hello world]", got)
	}
}

func TestCoalescerIdleFlush(t *testing.T) {
	col := &chunkCollector{}
	co := NewCoalescer(CoalesceConfig{MinChars: 10, MaxChars: 100, IdleMs: 20}, col.add)
	defer co.Close()

	co.Write("partial sentence")

	deadline := time.Now().Add(500 * time.Millisecond)
	for len(col.get()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle flush never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := col.get(); got[0] != "partial sentence" {
		t.Errorf("chunk = %q", got[0])
	}
}

func TestCoalescerCutsAtMaxWidth(t *testing.T) {
	col := &chunkCollector{}
	co := NewCoalescer(CoalesceConfig{MinChars: 5, MaxChars: 40, IdleMs: 60_000}, col.add)

	co.Write(strings.Repeat("abcdefghij", 10)) // 100 chars, no boundaries
	co.Close()

	got := col.get()
	if len(got) < 3 {
		t.Fatalf("chunks = %d, want at least 3", len(got))
	}
	for i, chunk := range got[:len(got)-1] {
		if len(chunk) > 40 {
			t.Errorf("chunk %d width %d exceeds max", i, len(chunk))
		}
	}
	if strings.Join(got, "") != strings.Repeat("abcdefghij", 10) {
		t.Error("content lost or reordered across chunks")
	}
}

func TestCoalescerWriteAfterCloseDropped(t *testing.T) {
	col := &chunkCollector{}
	co := NewCoalescer(CoalesceConfig{MinChars: 5, MaxChars: 40, IdleMs: 60_000}, col.add)
	co.Close()
	co.Write("late")
	co.Close()
	if got := col.get(); len(got) != 0 {
		t.Errorf("chunks after close = %v, want none", got)
	}
}

func TestSplitChunkBoundaryPreference(t *testing.T) {
	cases := []struct {
		name      string
		input     string
		min, max  int
		wantChunk string
	}{
		{
			name:      "paragraph break preferred",
			input:     "first paragraph here\n\nsecond part. more text follows after the cut point for sure",
			min:       5, max: 50,
			wantChunk: "first paragraph here",
		},
		{
			name:      "newline when no paragraph",
			input:     "first line of output\nsecond line. more text follows after the cut point okay",
			min:       5, max: 50,
			wantChunk: "first line of output",
		},
		{
			name:      "sentence end as last resort",
			input:     "A complete sentence ends here. then more words continue past the cut point",
			min:       5, max: 50,
			wantChunk: "A complete sentence ends here.",
		},
		{
			name:      "hard cut with no boundary",
			input:     strings.Repeat("x", 80),
			min:       5, max: 50,
			wantChunk: strings.Repeat("x", 50),
		},
		{
			name:      "boundary below min ignored",
			input:     "Hi.\n" + strings.Repeat("y", 80),
			min:       20, max: 50,
			wantChunk: "Hi.\n" + strings.Repeat("y", 47),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chunk, rest := splitChunk(tc.input, tc.min, tc.max)
			if chunk != tc.wantChunk {
				t.Errorf("chunk = %q, want %q", chunk, tc.wantChunk)
			}
			if tc.name != "paragraph break preferred" && tc.name != "newline when no paragraph" {
				if chunk+rest != tc.input && !strings.HasPrefix(tc.input, chunk) {
					t.Errorf("rest = %q does not continue input", rest)
				}
			}
		})
	}
}

func TestSplitChunkFitsWhole(t *testing.T) {
	chunk, rest := splitChunk("short", 5, 50)
	if chunk != "short" || rest != "" {
		t.Errorf("chunk = %q rest = %q", chunk, rest)
	}
}

func TestWidthCutWideRunes(t *testing.T) {
	// CJK runes are double width, so eight of them hit a width budget of 16.
	s := strings.Repeat("汉", 10)
	cut := widthCut(s, 16)
	if got := len([]rune(s[:cut])); got != 8 {
		t.Errorf("runes before cut = %d, want 8", got)
	}
}
