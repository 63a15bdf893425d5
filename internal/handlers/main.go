package handlers

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/eduzmena/chatbot"
	"github.com/eduzmena/chatbot/internal/models"
	"github.com/gorilla/websocket"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// LLM streams the reply to a conversation, offering the model tools. A requested tool call is yielded
// as a ContentTypeToolCall content.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message, tools []mcp.Tool) iter.Seq2[models.Content, error]
}

// MCPClient is a connected MCP server. Its tools are offered to the LLM and the calls it requests are
// executed through it.
type MCPClient interface {
	ListTools(ctx context.Context, params mcp.ListToolsParams) (mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error)
}

// TitleGenerator produces a short title for a chat from its first message.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// Store defines the interface for chat and message persistence.
type Store interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	Chat(ctx context.Context, chatID string) (models.Chat, bool, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	UpdateChat(ctx context.Context, chat models.Chat) error

	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)
	UpdateMessage(ctx context.Context, chatID string, message models.Message) error
}

// feed is the live feed of chats and messages.
type feed interface {
	http.Handler
	Publish(msg *sse.Message, topics ...string) error
	Shutdown(ctx context.Context) error
}

// Main serves the chat websocket, the history pages and the live feed of stored messages.
type Main struct {
	upgrader  websocket.Upgrader
	sseSrv    feed
	templates *template.Template
	markdown  goldmark.Markdown

	llm            LLM
	titleGenerator TitleGenerator
	store          Store

	mcpClients []MCPClient
	tools      []mcp.Tool
	toolsMap   map[string]int

	logger *slog.Logger
}

const errLoggerKey = "err"

var chatsSSEType = sse.Type("chats")

const listToolsTimeout = 30 * time.Second

// NewMain creates the handlers. Templates are parsed from the embedded filesystem, and the tools of
// every MCP client are listed once. When two servers offer a tool with the same name, the first one
// wins.
func NewMain(
	llm LLM,
	titleGen TitleGenerator,
	store Store,
	mcpClients []MCPClient,
	logger *slog.Logger,
) (Main, error) {
	tmpl, err := template.ParseFS(
		chatbot.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(highlighting.WithStyle("github")),
		),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)

	logger = logger.With(slog.String("module", "main"))

	ctx, cancel := context.WithTimeout(context.Background(), listToolsTimeout)
	defer cancel()

	var tools []mcp.Tool
	toolsMap := make(map[string]int)
	for i, cli := range mcpClients {
		res, err := cli.ListTools(ctx, mcp.ListToolsParams{})
		if err != nil {
			return Main{}, fmt.Errorf("failed to list tools of mcp client %d: %w", i, err)
		}
		for _, tool := range res.Tools {
			if _, ok := toolsMap[tool.Name]; ok {
				logger.Warn("Duplicate tool name, keeping the first", slog.String("toolName", tool.Name))
				continue
			}
			toolsMap[tool.Name] = i
			tools = append(tools, tool)
		}
	}
	logger.Info("Tools available", slog.Int("count", len(tools)))

	return Main{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		sseSrv:         &sse.Server{},
		templates:      tmpl,
		markdown:       md,
		llm:            llm,
		titleGenerator: titleGen,
		store:          store,
		mcpClients:     mcpClients,
		tools:          tools,
		toolsMap:       toolsMap,
		logger:         logger,
	}, nil
}

// messageSSEType is the event type under which the stored messages of a chat are published.
func messageSSEType(chatID string) sse.EventType {
	return sse.Type(fmt.Sprintf("message-%s", chatID))
}

func (m Main) renderMarkdown(src string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return template.HTML(buf.String()), nil
}

// HandleSSE subscribes the client to the live feed.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown tells feed subscribers the server is going away and closes their connections, waiting at
// most 5 seconds.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	e.AppendData("bye")

	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
