package chat

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eduzmena/chatbot/internal/models"
	"github.com/google/uuid"
)

// State is the assembler's position in a reply turn.
type State int

const (
	// StateIdle means no reply is pending.
	StateIdle State = iota
	// StateThinking means a query was sent and the Thinking placeholder is shown.
	StateThinking
	// StateStreaming means a bot message is open and receiving chunks.
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateThinking:
		return "thinking"
	case StateStreaming:
		return "streaming"
	default:
		return "idle"
	}
}

// StreamingMessage is one bot message being assembled from streamed chunks.
type StreamingMessage struct {
	ID        string
	Role      string
	Text      string
	Finalized bool
	StartedAt time.Time

	toolsShown bool
}

// Assembler reconciles decoded frames into rendered bot messages. At most one message is open at a
// time; it is finalized on stream end, on a role change, on an error frame and when the user starts a
// new turn.
//
// An Assembler is safe for concurrent use. Inside a Session every call, including the Thinking
// animation ticks, runs on the session's event loop; used alone, ticks arrive on clock goroutines.
type Assembler struct {
	mu sync.Mutex

	renderer         Renderer
	recorder         Recorder
	clock            Clock
	interval         time.Duration
	toolsPlaceholder string
	logger           *slog.Logger

	// dispatch runs timer callbacks; the session points it at its event loop.
	dispatch func(func())

	thinking      Handle
	thinkingShown bool
	dots          int
	tick          scheduled
	tickGen       int

	current *StreamingMessage
	handle  Handle
}

// NewAssembler creates an idle assembler rendering into renderer.
func NewAssembler(cfg Config, renderer Renderer, opts ...Option) *Assembler {
	cfg = cfg.withDefaults()
	o := buildOptions(opts)
	return &Assembler{
		renderer:         renderer,
		recorder:         o.recorder,
		clock:            o.clock,
		interval:         cfg.ThinkingInterval,
		toolsPlaceholder: cfg.ToolsPlaceholder,
		logger:           o.logger.With(slog.String("module", "assembler")),
		dispatch:         func(f func()) { f() },
	}
}

// State reports the current turn state.
func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.current != nil:
		return StateStreaming
	case a.thinkingShown:
		return StateThinking
	default:
		return StateIdle
	}
}

// Current returns a copy of the open message, if any.
func (a *Assembler) Current() (StreamingMessage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == nil {
		return StreamingMessage{}, false
	}
	return *a.current, true
}

// BeginTurn renders a user message and shows the Thinking placeholder. Any message still streaming is
// finalized first and receives no further chunks.
func (a *Assembler) BeginTurn(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.endTurn()

	h := a.renderer.CreateMessagePlaceholder(SenderUser)
	a.renderer.SetText(h, text)
	a.record(models.RoleUser, text, uuid.New().String(), time.Now())

	a.startThinking()
}

// Handle applies one decoded frame.
func (a *Assembler) Handle(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch f.Kind {
	case FrameChunk:
		a.chunk(f.Role, f.Text)
	case FrameToolsNotice:
		a.chunk(RoleTools, "")
	case FrameStreamEnd:
		a.endTurn()
	case FrameError:
		a.endTurn()
		h := a.renderer.CreateMessagePlaceholder(SenderError)
		a.renderer.SetText(h, f.Text)
	}
}

// Notice renders a local message that is not part of any turn, such as a failed send.
func (a *Assembler) Notice(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	h := a.renderer.CreateMessagePlaceholder(SenderSystem)
	a.renderer.SetText(h, text)
}

// Stop cancels the Thinking animation without touching the open message.
func (a *Assembler) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopTick()
}

// abort ends the turn when its connection is gone: the Thinking placeholder is removed and the open
// message keeps what it received.
func (a *Assembler) abort() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.endTurn()
}

func (a *Assembler) stopTick() {
	a.tick.cancel()
	a.tickGen++
}

func (a *Assembler) chunk(role, text string) {
	a.stopThinking()

	if a.current != nil && a.current.Role != role {
		a.finalize()
	}
	if a.current == nil {
		a.current = &StreamingMessage{
			ID:        uuid.New().String(),
			Role:      role,
			StartedAt: time.Now(),
		}
		a.handle = a.renderer.CreateMessagePlaceholder(SenderBot)
	}

	if role == RoleTools {
		if !a.current.toolsShown {
			a.current.toolsShown = true
			a.current.Text = a.toolsPlaceholder
			a.renderer.SetText(a.handle, a.toolsPlaceholder)
		}
		return
	}

	a.current.Text += text
	a.renderer.AppendText(a.handle, text)
}

func (a *Assembler) endTurn() {
	a.stopThinking()
	a.finalize()
}

func (a *Assembler) finalize() {
	if a.current == nil {
		return
	}
	a.current.Finalized = true
	msg := *a.current
	a.current = nil
	a.handle = 0

	role := models.Role(msg.Role)
	if role == "" {
		role = models.RoleAssistant
	}
	a.record(role, msg.Text, msg.ID, msg.StartedAt)
	a.logger.Debug("Message finalized",
		slog.String("id", msg.ID),
		slog.String("role", msg.Role),
		slog.Int("length", len(msg.Text)))
}

func (a *Assembler) record(role models.Role, text, id string, ts time.Time) {
	if a.recorder == nil {
		return
	}
	a.recorder.Record(models.Message{
		ID:   id,
		Role: role,
		Contents: []models.Content{
			{Type: models.ContentTypeText, Text: text},
		},
		Timestamp: ts,
	})
}

func (a *Assembler) startThinking() {
	a.thinking = a.renderer.CreateMessagePlaceholder(SenderBot)
	a.thinkingShown = true
	a.dots = 1
	a.renderer.SetText(a.thinking, thinkingLabel(a.dots))
	a.scheduleTick()
}

func (a *Assembler) stopThinking() {
	a.stopTick()
	if a.thinkingShown {
		a.renderer.RemovePlaceholder(a.thinking)
		a.thinkingShown = false
	}
}

func (a *Assembler) scheduleTick() {
	gen := a.tickGen
	a.tick.set(a.clock.AfterFunc(a.interval, func() {
		a.dispatch(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.onTick(gen)
		})
	}))
}

func (a *Assembler) onTick(gen int) {
	// A tick queued before the animation stopped belongs to an older generation.
	if gen != a.tickGen || !a.thinkingShown {
		return
	}
	a.dots = a.dots%3 + 1
	a.renderer.SetText(a.thinking, thinkingLabel(a.dots))
	a.scheduleTick()
}

func thinkingLabel(dots int) string {
	return thinkingText + strings.Repeat(".", dots)
}
