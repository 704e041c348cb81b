package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/sshh12/prompt-stack/pkg/domain"
	"github.com/sshh12/prompt-stack/pkg/model"
)

// Provider implements model.Provider using the Google Gen AI SDK.
type Provider struct {
	client *genai.Client
}

// Verify interface compliance.
var _ model.Provider = (*Provider)(nil)

// New creates a new Gemini provider.
func New(ctx context.Context, apiKey string) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "gemini" }

// Stream sends a conversation context to the LLM and returns a stream.
// Gemini delivers function calls whole, so each one surfaces as a single
// fragment with its own index.
func (p *Provider) Stream(ctx context.Context, req model.Request) (model.Stream, error) {
	slog.Debug("Gemini.Stream", "model", req.Model, "messageCount", len(req.Messages))

	system, contents, err := convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	config := &genai.GenerateContentConfig{SystemInstruction: system}
	if len(req.Tools) > 0 {
		config.Tools = buildToolDeclarations(req.Tools)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	next, stop := iter.Pull2(p.client.Models.GenerateContentStream(streamCtx, req.Model, contents, config))
	closeFn := func() {
		stop()
		cancel()
	}
	return &geminiStream{next: next, cancel: closeFn}, nil
}

// Complete runs a single non-streaming generation.
func (p *Provider) Complete(ctx context.Context, modelName, instructions, prompt string) (string, error) {
	config := &genai.GenerateContentConfig{}
	if instructions != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: instructions}}}
	}
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: prompt}}}}

	resp, err := p.client.Models.GenerateContent(ctx, modelName, contents, config)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}
	return responseText(resp), nil
}

// convertMessages splits system messages into the system instruction and
// maps the rest onto genai contents.
func convertMessages(messages []model.Message) (*genai.Content, []*genai.Content, error) {
	var system []string
	var contents []*genai.Content

	for _, msg := range messages {
		var parts []*genai.Part
		role := "user"

		switch msg.Role {
		case domain.RoleSystem:
			system = append(system, msg.Content)
			continue
		case domain.RoleUser:
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
		case domain.RoleAssistant:
			role = "model"
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				args := map[string]any{}
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
						return nil, nil, fmt.Errorf("decoding arguments of tool call %s: %w", tc.ID, err)
					}
				}
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
				})
			}
		case domain.RoleTool:
			parts = append(parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     msg.Name,
					Response: map[string]any{"result": msg.Content},
				},
			})
		}

		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}

	var instruction *genai.Content
	if len(system) > 0 {
		instruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
	}
	return instruction, contents, nil
}

func buildToolDeclarations(defs []model.ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, len(defs))
	for i, def := range defs {
		decls[i] = &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  toSchema(def.Parameters),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toSchema converts the JSON-schema subset used by our tools.
func toSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, v := range props {
			if pm, ok := v.(map[string]any); ok {
				s.Properties[name] = toSchema(pm)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = toSchema(items)
	}
	switch req := m["required"].(type) {
	case []string:
		s.Required = req
	case []any:
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	return s
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

// geminiStream wraps the Gemini streaming iterator.
type geminiStream struct {
	next   func() (*genai.GenerateContentResponse, error, bool)
	cancel func()

	calls    int
	finished bool
}

func (s *geminiStream) Recv() (model.Event, error) {
	if s.finished {
		return model.Event{}, io.EOF
	}

	resp, err, ok := s.next()
	if !ok {
		s.finished = true
		reason := model.FinishStop
		if s.calls > 0 {
			reason = model.FinishToolCalls
		}
		return model.Event{FinishReason: reason}, nil
	}
	if err != nil {
		return model.Event{}, err
	}
	if resp == nil {
		return model.Event{}, nil
	}

	var ev model.Event
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.Text != "" && !part.Thought {
				ev.Content += part.Text
			}
			if fc := part.FunctionCall; fc != nil {
				id := fc.ID
				if id == "" {
					id = "call-" + uuid.New().String()
				}
				args, err := json.Marshal(fc.Args)
				if err != nil {
					return model.Event{}, fmt.Errorf("encoding arguments of %s: %w", fc.Name, err)
				}
				ev.ToolCalls = append(ev.ToolCalls, model.ToolCallFragment{
					Index:     s.calls,
					ID:        id,
					Name:      fc.Name,
					Arguments: string(args),
				})
				s.calls++
			}
		}
	}
	return ev, nil
}

func (s *geminiStream) Close() error {
	s.cancel()
	return nil
}
