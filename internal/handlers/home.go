package handlers

import (
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/eduzmena/chatbot/internal/models"
)

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time
}

type homePageData struct {
	Chats         []chat
	CurrentChatID string
	CurrentTitle  string
	Messages      []message
}

// HandleHome renders the chat history. The chat_id query parameter selects the conversation shown
// next to the list of chats.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chats, err := m.store.Chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := homePageData{
		CurrentChatID: r.URL.Query().Get("chat_id"),
	}
	for _, ch := range chats {
		active := ch.ID == data.CurrentChatID
		if active {
			data.CurrentTitle = ch.DisplayTitle()
		}
		data.Chats = append(data.Chats, chat{ID: ch.ID, Title: ch.DisplayTitle(), Active: active})
	}

	if data.CurrentChatID != "" {
		messages, err := m.store.Messages(r.Context(), data.CurrentChatID)
		if err != nil {
			m.logger.Error("Failed to get messages",
				slog.String("chatID", data.CurrentChatID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, msg := range messages {
			if len(msg.Contents) == 0 {
				continue
			}
			content, err := m.renderMarkdown(models.RenderContents(msg.Contents))
			if err != nil {
				m.logger.Error("Failed to render contents",
					slog.String("messageID", msg.ID),
					slog.String(errLoggerKey, err.Error()))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			data.Messages = append(data.Messages, message{
				ID:        msg.ID,
				Role:      string(msg.Role),
				Content:   content,
				Timestamp: msg.Timestamp,
			})
		}
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// renderMessage writes one stored message as the message partial.
func (m Main) renderMessage(w io.Writer, msg models.Message) error {
	content, err := m.renderMarkdown(models.RenderContents(msg.Contents))
	if err != nil {
		return err
	}
	return m.templates.ExecuteTemplate(w, "message", message{
		ID:        msg.ID,
		Role:      string(msg.Role),
		Content:   content,
		Timestamp: msg.Timestamp,
	})
}
