package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/eduzmena/chatbot/internal/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tmaxmax/go-sse"
)

// frame is one message written to a chat websocket.
type frame struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	Event   string `json:"event,omitempty"`
	Error   string `json:"error,omitempty"`
}

const (
	roleAssistant = "assistant"
	roleTools     = "tools"
	eventDone     = "done"
)

var doneFrame = frame{Event: eventDone}

type chat struct {
	ID    string
	Title string

	Active bool
}

// HandleChat upgrades the request to a websocket and runs one chat over it. Every text message is a
// query; the reply is streamed as role/content frames and always terminated by a done event. A new
// chat is stored for each connection.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		m.logger.Error("Failed to upgrade connection", slog.String(errLoggerKey, err.Error()))
		return
	}
	defer conn.Close()

	ctx := r.Context()

	chatID, err := m.newChat(ctx)
	if err != nil {
		m.logger.Error("Failed to create new chat", slog.String(errLoggerKey, err.Error()))
		_ = conn.WriteJSON(frame{Error: "Failed to create chat"})
		_ = conn.WriteJSON(doneFrame)
		return
	}
	logger := m.logger.With(slog.String("chatID", chatID))
	logger.Info("Chat connected", slog.String("remote", r.RemoteAddr))

	first := true
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Chat connection lost", slog.String(errLoggerKey, err.Error()))
			} else {
				logger.Info("Chat disconnected")
			}
			return
		}

		query := strings.TrimSpace(string(data))
		if query == "" {
			continue
		}

		if err := m.reply(ctx, conn, chatID, query); err != nil {
			logger.Error("Failed to write reply", slog.String(errLoggerKey, err.Error()))
			return
		}

		if first {
			first = false
			go m.generateChatTitle(chatID, query)
		}
	}
}

// maxToolRounds bounds how many tool calls a single reply may chain.
const maxToolRounds = 5

// reply stores the query, streams the LLM answer to conn and stores it. Tool calls requested by the LLM
// are executed on the MCP server offering the tool; the call and its result are streamed as tools
// frames and the LLM is asked again with the result. LLM and storage failures are reported to the
// client as error frames; only write failures are returned.
func (m Main) reply(ctx context.Context, conn *websocket.Conn, chatID, query string) error {
	um := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Contents:  []models.Content{{Type: models.ContentTypeText, Text: query}},
		Timestamp: time.Now(),
	}
	if _, err := m.store.AddMessage(ctx, chatID, um); err != nil {
		m.logger.Error("Failed to add user message",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		return m.fail(conn, "Failed to store message")
	}
	m.publishMessage(chatID, um)

	history, err := m.store.Messages(ctx, chatID)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		return m.fail(conn, "Failed to load conversation")
	}

	// The reply is stored empty first so that it keeps its place after the query.
	am := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Timestamp: time.Now(),
	}
	am.ID, err = m.store.AddMessage(ctx, chatID, am)
	if err != nil {
		m.logger.Error("Failed to add AI message",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		return m.fail(conn, "Failed to store message")
	}

	writeErr := m.stream(ctx, conn, chatID, history, &am)
	if writeErr == nil {
		writeErr = conn.WriteJSON(doneFrame)
	}

	// Whatever was streamed is kept, even when the client went away.
	if err := m.store.UpdateMessage(context.Background(), chatID, am); err != nil {
		m.logger.Error("Failed to update AI message",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
	}
	m.publishMessage(chatID, am)

	return writeErr
}

// stream runs the LLM over history followed by am, appending what it yields to am, until the LLM
// answers without calling a tool. Only write failures are returned.
func (m Main) stream(ctx context.Context, conn *websocket.Conn, chatID string, history []models.Message,
	am *models.Message,
) error {
	for round := 0; ; round++ {
		// The last round offers no tools, so the LLM has to answer.
		var tools []mcp.Tool
		if round < maxToolRounds {
			tools = m.tools
		}

		var call *models.Content
		var badInput json.RawMessage
		for content, err := range m.llm.Chat(ctx, append(slices.Clone(history), *am), tools) {
			if err != nil {
				m.logger.Error("Error from llm provider",
					slog.String("chatID", chatID),
					slog.String(errLoggerKey, err.Error()))
				return conn.WriteJSON(frame{Error: err.Error()})
			}

			var f frame
			switch content.Type {
			case models.ContentTypeText:
				if content.Text == "" {
					continue
				}
				f = frame{Role: roleAssistant, Content: content.Text}
			case models.ContentTypeToolCall:
				f = frame{Role: roleTools, Content: fmt.Sprintf("Calling tool: %s", content.ToolName)}
			default:
				continue
			}

			if content.Type == models.ContentTypeToolCall && !json.Valid(content.ToolInput) {
				// Invalid input can't be stored; the model is told about it instead.
				badInput = content.ToolInput
				content.ToolInput = json.RawMessage("{}")
			}
			am.Contents = appendContent(am.Contents, content)

			if err := conn.WriteJSON(f); err != nil {
				return err
			}
			if content.Type == models.ContentTypeToolCall {
				call = &content
				break
			}
		}

		if call == nil || round >= maxToolRounds {
			return nil
		}

		result := models.Content{
			Type:       models.ContentTypeToolResult,
			CallToolID: call.CallToolID,
		}
		if badInput != nil {
			result.ToolResult = fmt.Sprintf("tool input %s is not valid json", string(badInput))
			result.CallToolFailed = true
		} else {
			result.ToolResult, result.CallToolFailed = m.callTool(ctx, *call)
		}
		am.Contents = append(am.Contents, result)

		if err := conn.WriteJSON(frame{Role: roleTools, Content: result.ToolResult}); err != nil {
			return err
		}
	}
}

// callTool executes call on the MCP server offering the tool. It returns the text of the result and
// whether the call failed.
func (m Main) callTool(ctx context.Context, call models.Content) (string, bool) {
	clientIdx, ok := m.toolsMap[call.ToolName]
	if !ok {
		m.logger.Error("Tool not found", slog.String("toolName", call.ToolName))
		return fmt.Sprintf("tool %s is not found", call.ToolName), true
	}

	res, err := m.mcpClients[clientIdx].CallTool(ctx, mcp.CallToolParams{
		Name:      call.ToolName,
		Arguments: call.ToolInput,
	})
	if err != nil {
		m.logger.Error("Tool call failed",
			slog.String("toolName", call.ToolName),
			slog.String(errLoggerKey, err.Error()))
		return fmt.Sprintf("tool call failed: %s", err), true
	}

	var texts []string
	for _, c := range res.Content {
		if c.Type == mcp.ContentTypeText {
			texts = append(texts, c.Text)
		}
	}
	text := strings.Join(texts, "\n")
	m.logger.Debug("Tool result",
		slog.String("toolName", call.ToolName),
		slog.String("toolResult", text))

	return text, res.IsError
}

func (m Main) fail(conn *websocket.Conn, text string) error {
	if err := conn.WriteJSON(frame{Error: text}); err != nil {
		return err
	}
	return conn.WriteJSON(doneFrame)
}

// appendContent merges consecutive text contents.
func appendContent(contents []models.Content, c models.Content) []models.Content {
	if n := len(contents); n > 0 && c.Type == models.ContentTypeText && contents[n-1].Type == models.ContentTypeText {
		contents[n-1].Text += c.Text
		return contents
	}
	return append(contents, c)
}

// publishMessage sends a stored message to the feed subscribers of its chat.
func (m Main) publishMessage(chatID string, msg models.Message) {
	if len(msg.Contents) == 0 {
		return
	}

	var sb strings.Builder
	if err := m.renderMessage(&sb, msg); err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	e := sse.Message{Type: messageSSEType(chatID)}
	e.AppendData(sb.String())
	if err := m.sseSrv.Publish(&e); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) newChat(ctx context.Context) (string, error) {
	newChat := models.Chat{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
	}
	newChatID, err := m.store.AddChat(ctx, newChat)
	if err != nil {
		return "", fmt.Errorf("failed to add chat: %w", err)
	}

	m.publishChats()
	return newChatID, nil
}

func (m Main) generateChatTitle(chatID string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	title, err := m.titleGenerator.GenerateTitle(ctx, message)
	if err != nil {
		m.logger.Error("Error generating chat title",
			slog.String("message", message),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	if title == "" {
		return
	}

	c, ok, err := m.store.Chat(ctx, chatID)
	if err != nil {
		m.logger.Error("Failed to get chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	if !ok {
		m.logger.Warn("Chat vanished before its title was generated", slog.String("chatID", chatID))
		return
	}
	c.Title = title
	if err := m.store.UpdateChat(ctx, c); err != nil {
		m.logger.Error("Failed to update chat title",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	m.publishChats()
}

// publishChats sends the refreshed chat list to feed subscribers. No chat is marked active; each page
// keeps its own selection.
func (m Main) publishChats() {
	divs, err := m.chatDivs()
	if err != nil {
		m.logger.Error("Failed to generate chat divs",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: chatsSSEType}
	msg.AppendData(divs)
	if err := m.sseSrv.Publish(&msg); err != nil {
		m.logger.Error("Failed to publish chats",
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) chatDivs() (string, error) {
	chats, err := m.store.Chats(context.Background())
	if err != nil {
		return "", fmt.Errorf("failed to get chats: %w", err)
	}

	var sb strings.Builder
	for _, ch := range chats {
		err := m.templates.ExecuteTemplate(&sb, "chat_title", chat{
			ID:    ch.ID,
			Title: ch.DisplayTitle(),
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}
