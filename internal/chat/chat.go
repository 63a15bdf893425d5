// Package chat implements the client side of the streaming chat protocol: a websocket session that
// reconnects with a fixed linear policy, a decoder that classifies inbound frames, and an assembler
// that reconciles streamed chunks into one mutable bot message per turn.
package chat

import (
	"errors"
	"time"

	"github.com/eduzmena/chatbot/internal/models"
)

// Sender identifies who a rendered message belongs to.
type Sender string

const (
	// SenderUser is a message typed by the user.
	SenderUser Sender = "user"
	// SenderBot is a message streamed by the bot, including the Thinking placeholder.
	SenderBot Sender = "bot"
	// SenderSystem is a local notice, such as a send attempted while disconnected.
	SenderSystem Sender = "system"
	// SenderError is an error reported by the server.
	SenderError Sender = "error"
)

// Handle refers to a message previously created by a Renderer.
type Handle int

// Renderer is the UI collaborator of a Session. The session never renders structure itself, it only
// creates message placeholders and mutates their text.
//
// All methods are called from the session's event loop, never concurrently.
type Renderer interface {
	CreateMessagePlaceholder(sender Sender) Handle
	AppendText(h Handle, text string)
	SetText(h Handle, text string)
	RemovePlaceholder(h Handle)
	ShowStatus(text string)
}

// Recorder receives every message that reaches its final form: user messages when they are sent and
// bot messages when they are finalized. It is called from the session's event loop.
type Recorder interface {
	Record(msg models.Message)
}

// Config holds the fixed parameters of a session.
type Config struct {
	URL                  string        `yaml:"url"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts"`
	ReconnectDelay       time.Duration `yaml:"reconnectDelay"`
	ThinkingInterval     time.Duration `yaml:"thinkingInterval"`
	ToolsPlaceholder     string        `yaml:"toolsPlaceholder"`
	WriteTimeout         time.Duration `yaml:"writeTimeout"`
}

const (
	defaultURL                  = "ws://localhost:8000/ws/chat"
	defaultMaxReconnectAttempts = 5
	defaultReconnectDelay       = 3000 * time.Millisecond
	defaultThinkingInterval     = 500 * time.Millisecond
	defaultToolsPlaceholder     = "Searching documents..."
	defaultWriteTimeout         = 10 * time.Second

	thinkingText = "Thinking"
)

// DefaultConfig returns the configuration used by the portal's chat widget.
func DefaultConfig() Config {
	return Config{
		URL:                  defaultURL,
		MaxReconnectAttempts: defaultMaxReconnectAttempts,
		ReconnectDelay:       defaultReconnectDelay,
		ThinkingInterval:     defaultThinkingInterval,
		ToolsPlaceholder:     defaultToolsPlaceholder,
		WriteTimeout:         defaultWriteTimeout,
	}
}

// withDefaults fills every zero field from DefaultConfig. A negative MaxReconnectAttempts disables
// automatic reconnects.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.ThinkingInterval <= 0 {
		c.ThinkingInterval = d.ThinkingInterval
	}
	if c.ToolsPlaceholder == "" {
		c.ToolsPlaceholder = d.ToolsPlaceholder
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

var (
	// ErrDecode marks a frame whose payload could not be parsed. It is never fatal: the payload is
	// displayed as plain text.
	ErrDecode = errors.New("chat: undecodable frame")
	// ErrConnection marks a socket-level failure: a failed dial, read or write.
	ErrConnection = errors.New("chat: connection error")
	// ErrReconnectExhausted is reported once every automatic reconnect attempt has failed.
	ErrReconnectExhausted = errors.New("chat: reconnect attempts exhausted")
)

const errLoggerKey = "err"
