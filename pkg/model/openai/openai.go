package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/openai/openai-go/v3/shared"

	"github.com/sshh12/prompt-stack/pkg/domain"
	"github.com/sshh12/prompt-stack/pkg/model"
)

// Provider implements model.Provider using the OpenAI chat completions API.
// Any OpenAI-compatible endpoint works when a base URL is supplied.
type Provider struct {
	client openai.Client
}

// Verify interface compliance.
var _ model.Provider = (*Provider)(nil)

// New creates a new OpenAI provider.
func New(apiKey, baseURL string) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Provider{client: openai.NewClient(opts...)}
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "openai" }

// Stream starts a streamed chat completion.
func (p *Provider) Stream(ctx context.Context, req model.Request) (model.Stream, error) {
	slog.Debug("OpenAI.Stream", "model", req.Model, "messageCount", len(req.Messages), "toolCount", len(req.Tools))

	if len(req.Messages) == 0 {
		return nil, errors.New("at least one message is required")
	}

	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: convertMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	s := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := s.Err(); err != nil {
		s.Close()
		return nil, fmt.Errorf("creating completion stream: %w", err)
	}
	return &stream{s: s}, nil
}

// Complete runs a non-streaming completion with a system and a user message.
func (p *Provider) Complete(ctx context.Context, modelName, instructions, prompt string) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if instructions != "" {
		messages = append(messages, openai.SystemMessage(instructions))
	}
	messages = append(messages, openai.UserMessage(prompt))

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    modelName,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("completing: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		var m openai.ChatCompletionMessageParamUnion
		switch msg.Role {
		case domain.RoleSystem:
			m = openai.SystemMessage(msg.Content)
		case domain.RoleUser:
			m = openai.UserMessage(msg.Content)
		case domain.RoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = param.NewOpt(msg.Content)
			}
			if len(msg.ToolCalls) > 0 {
				calls := make([]openai.ChatCompletionMessageToolCallUnionParam, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					calls[i] = openai.ChatCompletionMessageToolCallUnionParam{
						OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
							ID: tc.ID,
							Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
								Name:      tc.Name,
								Arguments: tc.Arguments,
							},
						},
					}
				}
				assistant.ToolCalls = calls
			}
			m.OfAssistant = &assistant
		case domain.RoleTool:
			tool := openai.ChatCompletionToolMessageParam{ToolCallID: msg.ToolCallID}
			tool.Content.OfString = param.NewOpt(msg.Content)
			m.OfTool = &tool
		default:
			slog.Warn("Skipping message with unknown role", "role", msg.Role)
			continue
		}
		out = append(out, m)
	}
	return out
}

func convertTools(defs []model.ToolDefinition) []openai.ChatCompletionToolUnionParam {
	tools := make([]openai.ChatCompletionToolUnionParam, len(defs))
	for i, def := range defs {
		tools[i] = openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        def.Name,
			Description: openai.String(def.Description),
			Parameters:  shared.FunctionParameters(def.Parameters),
		})
	}
	return tools
}

// stream adapts the SSE chunk stream to model.Stream.
type stream struct {
	s *ssestream.Stream[openai.ChatCompletionChunk]
}

func (s *stream) Recv() (model.Event, error) {
	if !s.s.Next() {
		if err := s.s.Err(); err != nil {
			return model.Event{}, err
		}
		return model.Event{}, io.EOF
	}

	chunk := s.s.Current()
	if len(chunk.Choices) == 0 {
		return model.Event{}, nil
	}
	choice := chunk.Choices[0]

	ev := model.Event{
		Content:      choice.Delta.Content,
		FinishReason: model.FinishReason(choice.FinishReason),
	}
	for _, tc := range choice.Delta.ToolCalls {
		ev.ToolCalls = append(ev.ToolCalls, model.ToolCallFragment{
			Index:     int(tc.Index),
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return ev, nil
}

func (s *stream) Close() error {
	return s.s.Close()
}
