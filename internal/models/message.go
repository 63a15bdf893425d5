package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message is one entry of a chat transcript.
type Message struct {
	ID        string
	Role      Role
	Contents  []Content
	Timestamp time.Time
}

// Content is a piece of a message.
type Content struct {
	Type ContentType

	// Text would be filled if Type is ContentTypeText.
	Text string

	// ToolName, ToolInput and CallToolID would be filled if Type is ContentTypeToolCall. CallToolID is
	// also set on the matching ContentTypeToolResult.
	ToolName   string
	ToolInput  json.RawMessage
	CallToolID string

	// ToolResult and CallToolFailed would be filled if Type is ContentTypeToolResult.
	ToolResult     string
	CallToolFailed bool
}

// Role is the author of a message. Bot roles mirror the role field of streamed frames.
type Role string

// ContentType represents the type of content in messages.
type ContentType string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents model output, and bot output streamed without a role.
	RoleAssistant Role = "assistant"
	// RoleTools represents tool activity reported while a reply is produced.
	RoleTools Role = "tools"

	// ContentTypeText represents text content.
	ContentTypeText ContentType = "text"
	// ContentTypeToolCall represents a tool invoked by the model.
	ContentTypeToolCall ContentType = "tool_call"
	// ContentTypeToolResult represents the output of a tool call, sent back to the model.
	ContentTypeToolResult ContentType = "tool_result"
)

// Text concatenates the text contents of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, c := range m.Contents {
		if c.Type == ContentTypeText {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

// RenderContents renders contents as markdown. Tool calls become a one-line note; tool results are
// left out.
func RenderContents(contents []Content) string {
	var sb strings.Builder
	for _, content := range contents {
		switch content.Type {
		case ContentTypeText:
			sb.WriteString(content.Text)
		case ContentTypeToolCall:
			sb.WriteString(fmt.Sprintf("  \n\n_Calling tool: %s_  \n\n", content.ToolName))
		}
	}
	return sb.String()
}
