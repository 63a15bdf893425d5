package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/eduzmena/chatbot/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI streams replies from the OpenAI chat completion API, or any endpoint compatible with it.
type OpenAI struct {
	model        string
	systemPrompt string
	params       LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a client for model. An empty baseURL selects the OpenAI API.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

func (o OpenAI) messages(history []models.Message) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(history)+1)
	if o.systemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: o.systemPrompt,
		})
	}
	for _, msg := range history {
		role, ok := historyRole(msg.Role)
		if !ok {
			continue
		}
		if msg.Role == models.RoleUser {
			if text := msg.Text(); text != "" {
				msgs = append(msgs, goopenai.ChatCompletionMessage{Role: role, Content: text})
			}
			continue
		}

		for _, ct := range msg.Contents {
			switch ct.Type {
			case models.ContentTypeText:
				if ct.Text != "" {
					msgs = append(msgs, goopenai.ChatCompletionMessage{Role: role, Content: ct.Text})
				}
			case models.ContentTypeToolCall:
				msgs = append(msgs, goopenai.ChatCompletionMessage{
					Role: role,
					ToolCalls: []goopenai.ToolCall{
						{
							Type: goopenai.ToolTypeFunction,
							ID:   ct.CallToolID,
							Function: goopenai.FunctionCall{
								Name:      ct.ToolName,
								Arguments: string(ct.ToolInput),
							},
						},
					},
				})
			case models.ContentTypeToolResult:
				msgs = append(msgs, goopenai.ChatCompletionMessage{
					Role:       goopenai.ChatMessageRoleTool,
					Content:    ct.ToolResult,
					ToolCallID: ct.CallToolID,
				})
			}
		}
	}
	return msgs
}

func openAITools(tools []mcp.Tool) []goopenai.Tool {
	if len(tools) == 0 {
		return nil
	}
	oTools := make([]goopenai.Tool, len(tools))
	for i, tool := range tools {
		oTools[i] = goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		}
	}
	return oTools
}

// Chat streams the reply to the conversation in history, offering the model tools. A requested tool call
// is yielded once the stream ends, with its arguments assembled from the streamed fragments. Only the
// first call of a reply is kept.
func (o OpenAI) Chat(ctx context.Context, history []models.Message, tools []mcp.Tool) iter.Seq2[models.Content, error] {
	return func(yield func(models.Content, error) bool) {
		req := o.chatRequest(o.messages(history), openAITools(tools), true)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield(models.Content{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		toolUse := false
		toolArgs := ""
		callToolContent := models.Content{Type: models.ContentTypeToolCall}
		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.Content{}, fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			delta := response.Choices[0].Delta
			if delta.Content != "" {
				if !yield(models.Content{Type: models.ContentTypeText, Text: delta.Content}, nil) {
					return
				}
			}
			if len(delta.ToolCalls) == 0 {
				continue
			}
			call := delta.ToolCalls[0]
			if call.Index != nil && *call.Index > 0 {
				o.logger.Warn("Ignoring additional tool call", slog.Int("index", *call.Index))
				continue
			}
			toolArgs += call.Function.Arguments
			if !toolUse {
				toolUse = true
				callToolContent.ToolName = call.Function.Name
				callToolContent.CallToolID = call.ID
			}
		}

		if !toolUse {
			return
		}
		if toolArgs == "" {
			toolArgs = "{}"
		}
		o.logger.Debug("Tool call",
			slog.String("name", callToolContent.ToolName),
			slog.String("args", toolArgs))
		callToolContent.ToolInput = json.RawMessage(toolArgs)
		yield(callToolContent, nil)
	}
}

// GenerateTitle asks the model for a short title summarizing message.
func (o OpenAI) GenerateTitle(ctx context.Context, message string) (string, error) {
	msgs := []goopenai.ChatCompletionMessage{
		{Role: goopenai.ChatMessageRoleSystem, Content: titlePrompt},
		{Role: goopenai.ChatMessageRoleUser, Content: message},
	}

	resp, err := o.client.CreateChatCompletion(ctx, o.chatRequest(msgs, nil, false))
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return cleanTitle(resp.Choices[0].Message.Content), nil
}

func (o OpenAI) chatRequest(
	messages []goopenai.ChatCompletionMessage,
	tools []goopenai.Tool,
	stream bool,
) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   stream,
		Tools:    tools,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}

	return req
}
