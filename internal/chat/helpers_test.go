package chat_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/eduzmena/chatbot/internal/chat"
	"github.com/eduzmena/chatbot/internal/models"
)

type renderedMessage struct {
	Sender  chat.Sender
	Text    string
	Removed bool
	Sets    int
}

// recordingRenderer keeps every rendered message and an ordered log of operations shared with
// opsRecorder.
type recordingRenderer struct {
	mu       sync.Mutex
	messages []renderedMessage
	statuses []string
	ops      *opsLog
}

type opsLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opsLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, fmt.Sprintf(format, args...))
}

func (l *opsLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func newRecordingRenderer() *recordingRenderer {
	return &recordingRenderer{ops: &opsLog{}}
}

func (r *recordingRenderer) CreateMessagePlaceholder(sender chat.Sender) chat.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, renderedMessage{Sender: sender})
	h := chat.Handle(len(r.messages))
	r.ops.add("create %d %s", h, sender)
	return h
}

func (r *recordingRenderer) AppendText(h chat.Handle, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[h-1].Text += text
	r.ops.add("append %d %q", h, text)
}

func (r *recordingRenderer) SetText(h chat.Handle, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[h-1].Text = text
	r.messages[h-1].Sets++
	r.ops.add("set %d %q", h, text)
}

func (r *recordingRenderer) RemovePlaceholder(h chat.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[h-1].Removed = true
	r.ops.add("remove %d", h)
}

func (r *recordingRenderer) ShowStatus(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, text)
	r.ops.add("status %q", text)
}

// visible returns the messages still on screen from the given sender.
func (r *recordingRenderer) visible(sender chat.Sender) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.messages {
		if m.Sender == sender && !m.Removed {
			out = append(out, m.Text)
		}
	}
	return out
}

func (r *recordingRenderer) message(h chat.Handle) renderedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages[h-1]
}

func (r *recordingRenderer) statusList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

type opsRecorder struct {
	mu   sync.Mutex
	msgs []models.Message
	ops  *opsLog
}

func (r *opsRecorder) Record(msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	if r.ops != nil {
		r.ops.add("record %s %q", msg.Role, msg.Text())
	}
}

func (r *opsRecorder) messages() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Message(nil), r.msgs...)
}

// manualClock runs scheduled callbacks only when Advance is called.
type manualClock struct {
	mu    sync.Mutex
	now   time.Duration
	tasks []*manualTask
}

type manualTask struct {
	clock   *manualClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) chat.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTask{clock: c, at: c.now + d, f: f}
	c.tasks = append(c.tasks, t)
	return t
}

func (t *manualTask) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs the callbacks that became due, outside the lock.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due, rest []*manualTask
	for _, t := range c.tasks {
		switch {
		case t.stopped:
		case t.at <= c.now:
			t.fired = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	c.tasks = rest
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, t := range due {
		t.f()
	}
}

// Pending counts tasks that are neither stopped nor fired.
func (c *manualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tasks {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

var errRefused = errors.New("connection refused")

// fakeDialer hands out connections queued by the test; when none is queued the dial fails.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) queue(c *fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, c)
}

func (d *fakeDialer) Dial(context.Context, string) (chat.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, errRefused
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeConn struct {
	in      chan []byte
	failR   chan error
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	written []string
	failW   error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), failR: make(chan error, 1), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case err := <-c.failR:
		return nil, err
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failW != nil {
		return c.failW
	}
	c.written = append(c.written, string(data))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
