package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/convogate/convogate/internal/agent"
	"github.com/convogate/convogate/internal/bus"
	"github.com/convogate/convogate/internal/channels"
	"github.com/convogate/convogate/internal/config"
	"github.com/convogate/convogate/internal/dispatch"
	"github.com/convogate/convogate/internal/followup"
	"github.com/convogate/convogate/internal/reply"
	"github.com/convogate/convogate/internal/sessions"
	"github.com/convogate/convogate/internal/store"
)

func TestStripResetTrigger(t *testing.T) {
	triggers := []string{"/new", "/reset"}

	tests := []struct {
		name string
		body string
		want string
	}{
		{"bare trigger", "/new", ""},
		{"trigger with prompt", "/new plan my week", "plan my week"},
		{"second trigger", "/reset", ""},
		{"prefix without space is not stripped", "/newfoo", "/newfoo"},
		{"surrounding whitespace", "  /new   hello  ", "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripResetTrigger(tt.body, triggers); got != tt.want {
				t.Errorf("stripResetTrigger(%q) = %q, want %q", tt.body, got, tt.want)
			}
		})
	}
}

func TestIsStopDirective(t *testing.T) {
	if !isStopDirective("/stop") || !isStopDirective("  /stop ") {
		t.Error("/stop should be recognized")
	}
	if isStopDirective("/stopping") || isStopDirective("please /stop") {
		t.Error("only a bare /stop counts")
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://x.example/pic.PNG", "image/png"},
		{"https://x.example/photo.jpg?sig=abc", "image/jpeg"},
		{"https://x.example/doc.pdf", "application/pdf"},
		{"https://x.example/mystery", ""},
	}
	for _, tt := range tests {
		if got := contentTypeFor(tt.url); got != tt.want {
			t.Errorf("contentTypeFor(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestDrainRegistrySingleFlight(t *testing.T) {
	d := newDrainRegistry()

	var active, maxActive, total int32
	var wg sync.WaitGroup

	drain := func(string) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&total, 1)
		atomic.AddInt32(&active, -1)
		wg.Done()
	}

	// Every kick results in at least one more drain pass, but never two
	// concurrent passes for the same key.
	wg.Add(2)
	d.kick("k", drain)
	d.kick("k", drain)
	wg.Wait()

	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Errorf("max concurrent drains = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&total); got != 2 {
		t.Errorf("total drain passes = %d, want 2", got)
	}
}

func TestCollectRegistryMergesBurst(t *testing.T) {
	c := newCollectRegistry()
	defer c.stopAll()

	flushed := make(chan followup.Run, 1)
	flush := func(_ string, run followup.Run, _ followup.Settings) {
		flushed <- run
	}
	settings := followup.Settings{Mode: followup.ModeCollect, DebounceMs: 30}

	c.add("k", followup.Run{Prompt: "first", MessageID: "m1"}, settings, flush)
	c.add("k", followup.Run{Prompt: "second", MessageID: "m2"}, settings, flush)

	select {
	case run := <-flushed:
		if run.Prompt != "first\nsecond" {
			t.Errorf("merged prompt = %q", run.Prompt)
		}
		if run.MessageID != "m2" {
			t.Errorf("newest message id should win, got %q", run.MessageID)
		}
	case <-time.After(time.Second):
		t.Fatal("collect window never flushed")
	}
}

func TestCollectRegistryZeroWindowFlushesImmediately(t *testing.T) {
	c := newCollectRegistry()
	defer c.stopAll()

	called := false
	c.add("k", followup.Run{Prompt: "now"}, followup.Settings{DebounceMs: 0},
		func(string, followup.Run, followup.Settings) { called = true })

	if !called {
		t.Error("zero debounce should flush synchronously")
	}
}

// stubChannel records sends for end-to-end admission tests.
type stubChannel struct {
	*channels.BaseChannel
	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func newStubChannel(name string, msgBus *bus.MessageBus) *stubChannel {
	ch := &stubChannel{BaseChannel: channels.NewBaseChannel(name, msgBus, nil)}
	ch.SetRunning(true)
	return ch
}

func (c *stubChannel) Start(context.Context) error { return nil }
func (c *stubChannel) Stop(context.Context) error  { return nil }

func (c *stubChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func TestSendChunkMarksPartial(t *testing.T) {
	msgBus := bus.New()
	manager := channels.NewManager(msgBus, 0)
	ch := newStubChannel("webchat", msgBus)
	manager.Register(ch)
	sink := &managerSink{manager: manager, bus: msgBus}

	route := followup.Routing{Channel: "webchat", To: "web-1"}
	if err := sink.SendChunk(context.Background(), route, "run-1", "partial text"); err != nil {
		t.Fatalf("send chunk: %v", err)
	}
	if err := sink.SendReply(context.Background(), route, reply.Payload{Text: "final"}); err != nil {
		t.Fatalf("send reply: %v", err)
	}

	got := ch.messages()
	if len(got) != 2 {
		t.Fatalf("sends = %d, want 2", len(got))
	}
	if !got[0].Partial || got[0].Content != "partial text" {
		t.Errorf("chunk send = %+v, want partial marked", got[0])
	}
	if got[1].Partial {
		t.Errorf("final send = %+v, want partial unset", got[1])
	}
}

func (c *stubChannel) messages() []bus.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.OutboundMessage(nil), c.sent...)
}

// scriptedAgent returns one text block per invocation and records prompts.
type scriptedAgent struct {
	mu      sync.Mutex
	prompts []string
	reply   string
}

func (a *scriptedAgent) Invoke(_ context.Context, inv agent.Invocation, stream agent.StreamFunc) (*agent.Result, error) {
	a.mu.Lock()
	a.prompts = append(a.prompts, inv.Prompt)
	a.mu.Unlock()

	block := reply.Block{Kind: reply.BlockText, Text: a.reply}
	if stream != nil {
		stream(block)
	}
	return &agent.Result{
		Blocks: []reply.Block{block},
		Meta:   agent.Meta{SessionID: inv.SessionID},
	}, nil
}

func (a *scriptedAgent) Steer(string, string) bool { return false }

func newTestService(t *testing.T, cfg *config.Config) (*Service, *stubChannel, *scriptedAgent) {
	t.Helper()

	st, err := store.Open(store.Config{Backend: "file", Path: t.TempDir()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	msgBus := bus.New()
	queues := followup.NewRegistry()
	aborts := followup.NewAbortController(queues, st)
	ag := &scriptedAgent{reply: "done"}

	manager := channels.NewManager(msgBus, 0)
	stub := newStubChannel("webchat", msgBus)
	manager.Register(stub)

	sink := &managerSink{manager: manager, bus: msgBus}
	disp := dispatch.New(dispatchConfig(cfg), sink, sink)

	svc := &Service{
		cfg:      cfg,
		bus:      msgBus,
		store:    st,
		resolver: sessions.NewResolver(st, sessions.ResolverConfig{IdleMinutes: 60, ResetTriggers: cfg.Sessions.ResetTriggers}),
		queues:   queues,
		aborts:   aborts,
		agent:    ag,
		disp:     disp,
		manager:  manager,
		dedupe:   bus.NewDedupeCache(time.Minute, 100),
		drains:   newDrainRegistry(),
		collects: newCollectRegistry(),
	}
	svc.runner = followup.NewRunner(ag, st, aborts, disp, followup.RunnerConfig{})
	t.Cleanup(svc.collects.stopAll)

	return svc, stub, ag
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestHandleInboundRunsAgentAndDelivers(t *testing.T) {
	cfg := config.Default()
	svc, stub, ag := newTestService(t, cfg)

	svc.handleInbound(bus.InboundMessage{
		Channel:   "webchat",
		SenderID:  "u1",
		ChatID:    "u1",
		ChatType:  "direct",
		MessageID: "m1",
		Content:   "hello agent",
	})

	waitFor(t, func() bool { return len(stub.messages()) > 0 })

	ag.mu.Lock()
	prompts := append([]string(nil), ag.prompts...)
	ag.mu.Unlock()
	if len(prompts) != 1 || prompts[0] != "hello agent" {
		t.Errorf("agent prompts = %v", prompts)
	}

	sent := stub.messages()
	if sent[0].Content != "done" {
		t.Errorf("delivered content = %q, want done", sent[0].Content)
	}
	if sent[0].ChatID != "u1" {
		t.Errorf("delivered chat = %q, want u1", sent[0].ChatID)
	}
}

func TestHandleInboundDedupesByMessageID(t *testing.T) {
	cfg := config.Default()
	svc, stub, _ := newTestService(t, cfg)

	msg := bus.InboundMessage{
		Channel: "webchat", SenderID: "u1", ChatID: "u1",
		ChatType: "direct", MessageID: "m1", Content: "once",
	}
	svc.handleInbound(msg)
	svc.handleInbound(msg)

	waitFor(t, func() bool { return len(stub.messages()) >= 1 })
	time.Sleep(50 * time.Millisecond)

	if got := len(stub.messages()); got != 1 {
		t.Errorf("deliveries = %d, want 1 (duplicate dropped)", got)
	}
}

func TestHandleInboundTruncatesLongBody(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.MaxMessageChars = 10
	svc, stub, ag := newTestService(t, cfg)

	svc.handleInbound(bus.InboundMessage{
		Channel: "webchat", SenderID: "u1", ChatID: "u1",
		ChatType: "direct", MessageID: "m1",
		Content: "0123456789abcdef",
	})

	waitFor(t, func() bool { return len(stub.messages()) > 0 })

	ag.mu.Lock()
	defer ag.mu.Unlock()
	if ag.prompts[0] != "0123456789" {
		t.Errorf("prompt = %q, want truncated to 10 chars", ag.prompts[0])
	}
}

func TestHandleInboundTruncationKeepsValidUTF8(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.MaxMessageChars = 9
	svc, stub, ag := newTestService(t, cfg)

	// 5 two-byte runes: a byte cut at 9 would land mid-rune.
	svc.handleInbound(bus.InboundMessage{
		Channel: "webchat", SenderID: "u1", ChatID: "u1",
		ChatType: "direct", MessageID: "m1",
		Content: "ééééé",
	})

	waitFor(t, func() bool { return len(stub.messages()) > 0 })

	ag.mu.Lock()
	defer ag.mu.Unlock()
	if got := ag.prompts[0]; got != "éééé" || !utf8.ValidString(got) {
		t.Errorf("prompt = %q, want éééé cut on a rune boundary", got)
	}
}

func TestBareResetTriggerAcksWithoutRun(t *testing.T) {
	cfg := config.Default()
	svc, _, ag := newTestService(t, cfg)

	svc.handleInbound(bus.InboundMessage{
		Channel: "webchat", SenderID: "u1", ChatID: "u1",
		ChatType: "direct", MessageID: "m1", Content: "/new",
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, ok := svc.bus.ConsumeOutbound(ctx)
	if !ok {
		t.Fatal("expected reset acknowledgment on outbound bus")
	}
	if out.Content != "Started a new conversation." {
		t.Errorf("ack = %q", out.Content)
	}

	ag.mu.Lock()
	defer ag.mu.Unlock()
	if len(ag.prompts) != 0 {
		t.Errorf("bare reset should not invoke the agent, got %v", ag.prompts)
	}
}

func TestResetTriggerWithPromptRunsStripped(t *testing.T) {
	cfg := config.Default()
	svc, stub, ag := newTestService(t, cfg)

	svc.handleInbound(bus.InboundMessage{
		Channel: "webchat", SenderID: "u1", ChatID: "u1",
		ChatType: "direct", MessageID: "m1", Content: "/new plan the day",
	})

	waitFor(t, func() bool { return len(stub.messages()) > 0 })

	ag.mu.Lock()
	defer ag.mu.Unlock()
	if len(ag.prompts) != 1 || ag.prompts[0] != "plan the day" {
		t.Errorf("prompts = %v, want [plan the day]", ag.prompts)
	}
}

func TestStopDirectiveAcksIdleSession(t *testing.T) {
	cfg := config.Default()
	svc, _, ag := newTestService(t, cfg)

	svc.handleInbound(bus.InboundMessage{
		Channel: "webchat", SenderID: "u1", ChatID: "u1",
		ChatType: "direct", MessageID: "m1", Content: "/stop",
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, ok := svc.bus.ConsumeOutbound(ctx)
	if !ok {
		t.Fatal("expected stop acknowledgment")
	}
	if out.Content != "Nothing is running." {
		t.Errorf("ack = %q", out.Content)
	}

	ag.mu.Lock()
	defer ag.mu.Unlock()
	if len(ag.prompts) != 0 {
		t.Error("/stop should never reach the agent")
	}
}

func TestDeliveryTargetRecordedOnEntry(t *testing.T) {
	cfg := config.Default()
	svc, stub, _ := newTestService(t, cfg)

	svc.handleInbound(bus.InboundMessage{
		Channel: "webchat", SenderID: "u1", ChatID: "chat-7",
		ChatType: "direct", MessageID: "m1", Content: "hi",
	})
	waitFor(t, func() bool { return len(stub.messages()) > 0 })

	infos := svc.store.List()
	if len(infos) != 1 {
		t.Fatalf("sessions = %d, want 1", len(infos))
	}
	entry, ok := svc.store.Get(infos[0].Key)
	if !ok {
		t.Fatal("entry missing")
	}
	if entry.LastChannel != "webchat" || entry.LastTo != "chat-7" {
		t.Errorf("delivery target = %q/%q", entry.LastChannel, entry.LastTo)
	}
}
