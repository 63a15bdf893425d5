package services

import (
	"context"
	"log/slog"

	"github.com/eduzmena/chatbot/internal/models"
)

// MessageAdder is the part of a store a Transcript writes to.
type MessageAdder interface {
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)
}

// Transcript records the messages of one chat session into a store. It implements chat.Recorder;
// failures are logged, never returned, so a broken store cannot stall the session.
type Transcript struct {
	store  MessageAdder
	chatID string
	logger *slog.Logger
}

// NewTranscript creates a transcript appending to chatID.
func NewTranscript(store MessageAdder, chatID string, logger *slog.Logger) Transcript {
	return Transcript{
		store:  store,
		chatID: chatID,
		logger: logger.With(slog.String("module", "transcript"), slog.String("chatID", chatID)),
	}
}

// Record appends msg to the chat.
func (t Transcript) Record(msg models.Message) {
	if _, err := t.store.AddMessage(context.Background(), t.chatID, msg); err != nil {
		t.logger.Error("Failed to record message",
			slog.String("role", string(msg.Role)),
			slog.String(errLoggerKey, err.Error()))
	}
}
