// Package console renders a chat session on a terminal.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/eduzmena/chatbot/internal/chat"
	"github.com/muesli/termenv"
)

// Renderer writes chat messages to w, one prefixed block per message. It implements chat.Renderer.
//
// Only the message written last can be changed in place. With rewrites enabled it is erased using
// cursor movement; without them, replacements are printed as new lines and removals end the line.
type Renderer struct {
	mu      sync.Mutex
	w       io.Writer
	rewrite bool
	profile termenv.Profile
	width   func() int
	prefix  map[chat.Sender]string
	status  lipgloss.Style

	next     chat.Handle
	messages map[chat.Handle]*entry

	// tail is the message occupying the end of the output, zero when the cursor starts a fresh line.
	tail chat.Handle
}

type entry struct {
	sender chat.Sender
	text   string
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithColorProfile selects the colors used for prefixes and status lines. termenv.Ascii disables them.
func WithColorProfile(p termenv.Profile) Option {
	return func(r *Renderer) {
		r.profile = p
	}
}

// WithRewrite enables in-place rewrites of the last message through cursor movement.
func WithRewrite(enabled bool) Option {
	return func(r *Renderer) {
		r.rewrite = enabled
	}
}

// WithWidth reports the terminal width, so that erasing accounts for wrapped lines. Zero means
// unknown.
func WithWidth(width func() int) Option {
	return func(r *Renderer) {
		r.width = width
	}
}

var senderLabel = map[chat.Sender]string{
	chat.SenderUser:   "you>",
	chat.SenderBot:    "bot>",
	chat.SenderSystem: "*",
	chat.SenderError:  "!",
}

var senderColor = map[chat.Sender]lipgloss.Color{
	chat.SenderUser:   lipgloss.Color("6"),
	chat.SenderSystem: lipgloss.Color("3"),
	chat.SenderError:  lipgloss.Color("1"),
}

var clearDown = termenv.CSI + fmt.Sprintf(termenv.EraseDisplaySeq, 0)

// NewRenderer creates a renderer writing to w. By default it uses no colors and no rewrites.
func NewRenderer(w io.Writer, opts ...Option) *Renderer {
	r := &Renderer{
		w:        w,
		width:    func() int { return 0 },
		messages: make(map[chat.Handle]*entry),
		profile:  termenv.Ascii,
	}
	for _, opt := range opts {
		opt(r)
	}

	lr := lipgloss.NewRenderer(w)
	lr.SetColorProfile(r.profile)
	r.prefix = make(map[chat.Sender]string, len(senderLabel))
	for sender, label := range senderLabel {
		style := lr.NewStyle()
		if c, ok := senderColor[sender]; ok {
			style = style.Foreground(c).Bold(true)
		}
		r.prefix[sender] = style.Render(label) + " "
	}
	r.status = lr.NewStyle().Faint(true)
	return r
}

// CreateMessagePlaceholder starts an empty message on a new line.
func (r *Renderer) CreateMessagePlaceholder(sender chat.Sender) chat.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	h := r.next
	r.messages[h] = &entry{sender: sender}

	r.endLine()
	r.write(r.prefix[sender])
	r.tail = h
	return h
}

// AppendText adds text to a message. A message that is no longer last is printed again in full.
func (r *Renderer) AppendText(h chat.Handle, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.messages[h]
	if !ok {
		return
	}
	e.text += text

	if h == r.tail {
		r.write(text)
		return
	}
	r.reprint(h, e)
}

// SetText replaces the text of a message.
func (r *Renderer) SetText(h chat.Handle, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.messages[h]
	if !ok {
		return
	}
	old := e.text
	e.text = text

	switch {
	case h != r.tail:
		r.reprint(h, e)
	case r.rewrite:
		r.erase(e.sender, old)
		r.write(r.prefix[e.sender] + text)
	case strings.HasPrefix(text, old):
		r.write(text[len(old):])
	default:
		r.reprint(h, e)
	}
}

// RemovePlaceholder deletes a message. Only the last message can be erased from the output.
func (r *Renderer) RemovePlaceholder(h chat.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.messages[h]
	if !ok {
		return
	}
	delete(r.messages, h)

	if h != r.tail {
		return
	}
	if r.rewrite {
		r.erase(e.sender, e.text)
		r.tail = 0
		return
	}
	r.endLine()
}

// ShowStatus prints a connection status line.
func (r *Renderer) ShowStatus(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.endLine()
	r.write(r.status.Render(fmt.Sprintf("[%s]", text)) + "\n")
}

// Close ends the last line.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.endLine()
	return nil
}

func (r *Renderer) reprint(h chat.Handle, e *entry) {
	r.endLine()
	r.write(r.prefix[e.sender] + e.text)
	r.tail = h
}

// erase moves the cursor back to the first row of the tail message and clears everything below.
func (r *Renderer) erase(sender chat.Sender, text string) {
	if up := rows(r.prefix[sender]+text, r.width()) - 1; up > 0 {
		r.write(termenv.CSI + fmt.Sprintf(termenv.CursorUpSeq, up))
	}
	r.write("\r" + clearDown)
}

// rows counts the terminal rows s occupies, wrapping lines wider than width.
func rows(s string, width int) int {
	n := 0
	for _, line := range strings.Split(s, "\n") {
		w := lipgloss.Width(line)
		if width <= 0 || w <= width {
			n++
			continue
		}
		n += (w + width - 1) / width
	}
	return n
}

func (r *Renderer) endLine() {
	if r.tail == 0 {
		return
	}
	r.write("\n")
	r.tail = 0
}

func (r *Renderer) write(s string) {
	// Terminal output is best effort.
	_, _ = io.WriteString(r.w, s)
}
