package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/eduzmena/chatbot/internal/models"
	"github.com/google/uuid"
	"github.com/ollama/ollama/api"
)

// Ollama streams replies from a model served by an Ollama instance.
type Ollama struct {
	model        string
	systemPrompt string
	params       LLMParameters

	client *api.Client
}

// NewOllama creates a client for model on the server at host.
func NewOllama(host, model, systemPrompt string, params LLMParameters) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("failed to parse ollama host: %w", err)
	}

	return Ollama{
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       api.NewClient(u, &http.Client{}),
	}, nil
}

func (o Ollama) messages(history []models.Message) ([]api.Message, error) {
	msgs := make([]api.Message, 0, len(history)+1)
	if o.systemPrompt != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: o.systemPrompt})
	}
	for _, msg := range history {
		role, ok := historyRole(msg.Role)
		if !ok {
			continue
		}
		if msg.Role == models.RoleUser {
			msgs = append(msgs, api.Message{Role: role, Content: msg.Text()})
			continue
		}

		for _, ct := range msg.Contents {
			switch ct.Type {
			case models.ContentTypeText:
				if ct.Text != "" {
					msgs = append(msgs, api.Message{Role: role, Content: ct.Text})
				}
			case models.ContentTypeToolCall:
				var args api.ToolCallFunctionArguments
				if len(ct.ToolInput) > 0 {
					if err := json.Unmarshal(ct.ToolInput, &args); err != nil {
						return nil, fmt.Errorf("invalid input of tool %s: %w", ct.ToolName, err)
					}
				}
				msgs = append(msgs, api.Message{
					Role: role,
					ToolCalls: []api.ToolCall{
						{Function: api.ToolCallFunction{Name: ct.ToolName, Arguments: args}},
					},
				})
			case models.ContentTypeToolResult:
				msgs = append(msgs, api.Message{Role: "tool", Content: ct.ToolResult})
			}
		}
	}
	return msgs, nil
}

func ollamaTools(tools []mcp.Tool) (api.Tools, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	res := make(api.Tools, 0, len(tools))
	for _, tool := range tools {
		t := api.Tool{Type: "function"}
		t.Function.Name = tool.Name
		t.Function.Description = tool.Description

		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("invalid input schema of tool %s: %w", tool.Name, err)
		}
		if err := json.Unmarshal(schema, &t.Function.Parameters); err != nil {
			return nil, fmt.Errorf("invalid input schema of tool %s: %w", tool.Name, err)
		}
		res = append(res, t)
	}
	return res, nil
}

func (o Ollama) options() map[string]any {
	opts := make(map[string]any)
	if o.params.Temperature != nil {
		opts["temperature"] = *o.params.Temperature
	}
	if o.params.TopP != nil {
		opts["top_p"] = *o.params.TopP
	}
	if o.params.Seed != nil {
		opts["seed"] = *o.params.Seed
	}
	if len(o.params.Stop) > 0 {
		opts["stop"] = o.params.Stop
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

// Chat streams the reply to the conversation in history, offering the model tools. Tool calls requested
// by the model are yielded as ContentTypeToolCall contents. Breaking out of the iteration cancels the
// request.
func (o Ollama) Chat(ctx context.Context, history []models.Message, tools []mcp.Tool) iter.Seq2[models.Content, error] {
	return func(yield func(models.Content, error) bool) {
		msgs, err := o.messages(history)
		if err != nil {
			yield(models.Content{}, fmt.Errorf("error creating ollama messages: %w", err))
			return
		}
		oTools, err := ollamaTools(tools)
		if err != nil {
			yield(models.Content{}, fmt.Errorf("error creating ollama tools: %w", err))
			return
		}

		stream := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &stream,
			Tools:    oTools,
			Options:  o.options(),
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		err = o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped {
				return nil
			}
			if res.Message.Content != "" {
				if !yield(models.Content{Type: models.ContentTypeText, Text: res.Message.Content}, nil) {
					stopped = true
					cancel()
					return nil
				}
			}
			for _, call := range res.Message.ToolCalls {
				args, err := json.Marshal(call.Function.Arguments)
				if err != nil {
					return fmt.Errorf("error marshaling arguments of tool %s: %w", call.Function.Name, err)
				}
				if !yield(models.Content{
					Type:       models.ContentTypeToolCall,
					ToolName:   call.Function.Name,
					ToolInput:  args,
					CallToolID: uuid.New().String(),
				}, nil) {
					stopped = true
					cancel()
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Content{}, fmt.Errorf("error sending request: %w", err))
		}
	}
}

// GenerateTitle asks the model for a short title summarizing message.
func (o Ollama) GenerateTitle(ctx context.Context, message string) (string, error) {
	stream := false
	req := api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{Role: "system", Content: titlePrompt},
			{Role: "user", Content: message},
		},
		Stream: &stream,
	}

	var title string
	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		title += res.Message.Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	return cleanTitle(title), nil
}
