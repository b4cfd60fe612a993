package followup

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

func mkRun(prompt, msgID string) Run {
	return Run{
		Prompt:    prompt,
		MessageID: msgID,
		Descriptor: Descriptor{
			SessionKey: "agent:main:telegram:direct:42",
			Routing:    Routing{Channel: "telegram", To: "42"},
		},
	}
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	reg := NewRegistry()
	key := "k1"
	st := Settings{Cap: 10, Drop: DropOld}

	for i := 0; i < 5; i++ {
		if !reg.Enqueue(key, mkRun(fmt.Sprintf("msg %d", i), fmt.Sprintf("m%d", i)), st) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	if got := reg.Depth(key); got != 5 {
		t.Fatalf("depth = %d, want 5", got)
	}
	for i := 0; i < 5; i++ {
		run, ok := reg.Dequeue(key)
		if !ok {
			t.Fatalf("dequeue %d: empty", i)
		}
		if want := fmt.Sprintf("msg %d", i); run.Prompt != want {
			t.Errorf("dequeue %d: prompt = %q, want %q", i, run.Prompt, want)
		}
	}
	if _, ok := reg.Dequeue(key); ok {
		t.Error("dequeue on empty queue returned ok")
	}
}

func TestEnqueueCapDropOld(t *testing.T) {
	reg := NewRegistry()
	key := "k1"
	st := Settings{Cap: 3, Drop: DropOld}

	for i := 0; i < 5; i++ {
		reg.Enqueue(key, mkRun(fmt.Sprintf("msg %d", i), fmt.Sprintf("m%d", i)), st)
	}
	if got := reg.Depth(key); got != 3 {
		t.Fatalf("depth = %d, want cap 3", got)
	}
	run, _ := reg.Dequeue(key)
	if run.Prompt != "msg 2" {
		t.Errorf("front after eviction = %q, want %q", run.Prompt, "msg 2")
	}
	if got := reg.DroppedCount(key); got != 2 {
		t.Errorf("dropped count = %d, want 2", got)
	}
}

func TestEnqueueCapDropNew(t *testing.T) {
	reg := NewRegistry()
	key := "k1"
	st := Settings{Cap: 2, Drop: DropNew}

	reg.Enqueue(key, mkRun("a", "m1"), st)
	reg.Enqueue(key, mkRun("b", "m2"), st)
	if reg.Enqueue(key, mkRun("c", "m3"), st) {
		t.Fatal("enqueue over cap accepted under drop=new")
	}
	if got := reg.Depth(key); got != 2 {
		t.Fatalf("depth = %d, want 2", got)
	}
	// The rejected run left no dedupe trace: the same message id is
	// admitted once room frees up.
	reg.Dequeue(key)
	if !reg.Enqueue(key, mkRun("c", "m3"), st) {
		t.Error("re-enqueue of previously rejected run was refused")
	}
}

func TestEnqueueCapDropSummarize(t *testing.T) {
	reg := NewRegistry()
	key := "k1"
	st := Settings{Cap: 5, Drop: DropSummarize}

	for i := 0; i < 10; i++ {
		reg.Enqueue(key, mkRun(fmt.Sprintf("task number %d", i), fmt.Sprintf("m%d", i)), st)
	}
	if got := reg.Depth(key); got != 5 {
		t.Fatalf("depth = %d, want cap 5", got)
	}
	lines := reg.DrainSummaries(key)
	if len(lines) != 5 {
		t.Fatalf("summary lines = %d, want 5 (bounded by cap)", len(lines))
	}
	// Oldest summaries are discarded first when the line buffer overflows.
	if lines[len(lines)-1] != "task number 4" {
		t.Errorf("newest summary = %q, want %q", lines[len(lines)-1], "task number 4")
	}
	if got := reg.DrainSummaries(key); got != nil {
		t.Errorf("second drain returned %v, want nil", got)
	}
}

func TestEnqueueDedupeMessageID(t *testing.T) {
	reg := NewRegistry()
	key := "k1"
	st := Settings{Cap: 10, Dedupe: DedupeMessageID}

	if !reg.Enqueue(key, mkRun("hello", "m1"), st) {
		t.Fatal("first enqueue rejected")
	}
	if reg.Enqueue(key, mkRun("hello again", "m1"), st) {
		t.Error("duplicate message id accepted")
	}
	if got := reg.Depth(key); got != 1 {
		t.Errorf("depth = %d, want 1", got)
	}
	// Empty message ids never match each other.
	if !reg.Enqueue(key, mkRun("x", ""), st) || !reg.Enqueue(key, mkRun("y", ""), st) {
		t.Error("runs without message ids should always be admitted")
	}
}

func TestEnqueueDedupePrompt(t *testing.T) {
	reg := NewRegistry()
	key := "k1"
	st := Settings{Cap: 10, Dedupe: DedupePrompt}

	reg.Enqueue(key, mkRun("same text", "m1"), st)
	if reg.Enqueue(key, mkRun("same text", "m2"), st) {
		t.Error("duplicate prompt accepted")
	}
	if !reg.Enqueue(key, mkRun("different text", "m3"), st) {
		t.Error("distinct prompt rejected")
	}
}

func TestEnqueueDedupeScopedToRouting(t *testing.T) {
	reg := NewRegistry()
	key := "k1"
	st := Settings{Cap: 10, Dedupe: DedupeMessageID}

	a := mkRun("hi", "m1")
	b := mkRun("hi", "m1")
	b.Descriptor.Routing = Routing{Channel: "discord", To: "99"}

	reg.Enqueue(key, a, st)
	if !reg.Enqueue(key, b, st) {
		t.Error("same message id on a different route should not dedupe")
	}
}

func TestEnqueueDedupeNone(t *testing.T) {
	reg := NewRegistry()
	key := "k1"
	st := Settings{Cap: 10, Dedupe: DedupeNone}

	reg.Enqueue(key, mkRun("hi", "m1"), st)
	if !reg.Enqueue(key, mkRun("hi", "m1"), st) {
		t.Error("dedupe=none still rejected a duplicate")
	}
}

func TestClearAndIsolation(t *testing.T) {
	reg := NewRegistry()
	st := Settings{Cap: 10}

	reg.Enqueue("a", mkRun("1", "m1"), st)
	reg.Enqueue("a", mkRun("2", "m2"), st)
	reg.Enqueue("b", mkRun("3", "m3"), st)

	if got := reg.Clear("a"); got != 2 {
		t.Errorf("clear returned %d, want 2", got)
	}
	if got := reg.Depth("a"); got != 0 {
		t.Errorf("depth after clear = %d, want 0", got)
	}
	if got := reg.Depth("b"); got != 1 {
		t.Errorf("other key affected by clear: depth = %d, want 1", got)
	}
	if got := reg.Clear("missing"); got != 0 {
		t.Errorf("clear on unknown key returned %d, want 0", got)
	}
}

func TestSummarizeLine(t *testing.T) {
	long := strings.Repeat("word ", 40)
	cases := []struct {
		name string
		run  Run
		want func(string) bool
	}{
		{"explicit summary wins", Run{Prompt: "ignored", SummaryLine: "short"}, func(s string) bool { return s == "short" }},
		{"newlines collapse", Run{Prompt: "line one\nline two"}, func(s string) bool { return s == "line one line two" }},
		{"long prompts truncate", Run{Prompt: long}, func(s string) bool {
			return len(s) == summaryLineMaxChars+3 && strings.HasSuffix(s, "...")
		}},
		{"multibyte prompt cut stays valid utf-8", Run{Prompt: strings.Repeat("é", summaryLineMaxChars)}, func(s string) bool {
			return utf8.ValidString(s) && strings.HasSuffix(s, "...")
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := summarize(tc.run); !tc.want(got) {
				t.Errorf("summarize = %q", got)
			}
		})
	}
}
