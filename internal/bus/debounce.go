package bus

import (
	"strings"
	"sync"
	"time"
)

// InboundDebouncer merges rapid messages from the same sender in the same
// chat into a single inbound message before processing, so a burst of short
// texts becomes one agent turn. Each arrival restarts the sender's window;
// the merged message flushes when the window elapses with no new input.
type InboundDebouncer struct {
	window time.Duration
	flush  func(InboundMessage)

	mu      sync.Mutex
	pending map[string]*pendingMerge
	stopped bool
}

type pendingMerge struct {
	msg   InboundMessage
	timer *time.Timer
}

func NewInboundDebouncer(window time.Duration, flush func(InboundMessage)) *InboundDebouncer {
	return &InboundDebouncer{
		window:  window,
		flush:   flush,
		pending: make(map[string]*pendingMerge),
	}
}

// Add admits one inbound message. With a non-positive window the message
// flushes immediately, preserving strict arrival order.
func (d *InboundDebouncer) Add(msg InboundMessage) {
	if d.window <= 0 {
		d.flush(msg)
		return
	}

	key := debounceKey(msg)

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.flush(msg)
		return
	}
	if p, ok := d.pending[key]; ok {
		p.msg = merge(p.msg, msg)
		p.timer.Reset(d.window)
		d.mu.Unlock()
		return
	}
	p := &pendingMerge{msg: msg}
	p.timer = time.AfterFunc(d.window, func() { d.fire(key) })
	d.pending[key] = p
	d.mu.Unlock()
}

// Stop flushes every pending merge and makes further Adds pass through.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	var flushes []InboundMessage
	for key, p := range d.pending {
		p.timer.Stop()
		flushes = append(flushes, p.msg)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, msg := range flushes {
		d.flush(msg)
	}
}

func (d *InboundDebouncer) fire(key string) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	d.flush(p.msg)
}

// merge folds next into base: bodies join with newlines, media accumulates,
// and the newest message id wins so replies thread to the latest message.
func merge(base, next InboundMessage) InboundMessage {
	if next.Content != "" {
		if base.Content == "" {
			base.Content = next.Content
		} else {
			base.Content = base.Content + "\n" + next.Content
		}
	}
	base.Media = append(base.Media, next.Media...)
	if next.MessageID != "" {
		base.MessageID = next.MessageID
	}
	return base
}

func debounceKey(msg InboundMessage) string {
	return strings.Join([]string{msg.Channel, msg.AccountID, msg.SenderID, msg.ChatID, msg.ThreadID}, "|")
}
