// Package agent drives one streamed conversation turn against a completion
// provider, executing tool calls mid-turn.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/sshh12/prompt-stack/pkg/domain"
	"github.com/sshh12/prompt-stack/pkg/model"
)

// Sandbox is the part of a sandbox session the agent uses.
type Sandbox interface {
	RunCommand(ctx context.Context, command, workdir string) string
	GetFilePaths(ctx context.Context) ([]string, error)
}

// Options configures an Agent.
type Options struct {
	// Model is used for the streamed conversation.
	Model string
	// FollowUpModel is used for follow-up suggestions. Defaults to Model.
	FollowUpModel string
	Project       domain.Project
	Pack          domain.StackPack
}

// Agent runs conversation steps for a single chat. One sandbox may be
// attached at any time; until then the run_command tool reports that the
// environment is booting.
type Agent struct {
	provider model.Provider
	opts     Options

	mu      sync.RWMutex
	sandbox Sandbox
}

// New creates a new Agent.
func New(provider model.Provider, opts Options) *Agent {
	if opts.FollowUpModel == "" {
		opts.FollowUpModel = opts.Model
	}
	return &Agent{provider: provider, opts: opts}
}

// SetSandbox attaches sb to the agent. It applies to steps started afterwards.
func (a *Agent) SetSandbox(sb Sandbox) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sandbox = sb
}

// Sandbox returns the attached sandbox, or nil.
func (a *Agent) Sandbox() Sandbox {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sandbox
}

// Step runs one turn over transcript. The sequence yields assistant deltas
// as they arrive and a "\n" separator after each round of tool calls. A
// non-nil error ends the sequence.
func (a *Agent) Step(ctx context.Context, transcript []domain.ChatMessage) iter.Seq2[domain.PartialChatMessage, error] {
	return func(yield func(domain.PartialChatMessage, error) bool) {
		sb := a.Sandbox()
		tools := NewRegistry(RunCommandTool(sb))

		messages := make([]model.Message, 0, len(transcript)+1)
		messages = append(messages, model.Message{
			Role:    domain.RoleSystem,
			Content: buildInstructions(ctx, a.opts.Project, a.opts.Pack, sb),
		})
		for _, m := range transcript {
			messages = append(messages, model.Message{Role: m.Role, Content: m.Content})
		}

		for {
			req := model.Request{
				Model:    a.opts.Model,
				Messages: messages,
				Tools:    tools.Definitions(),
			}

			calls, more, err := a.request(ctx, req, yield)
			if err != nil {
				yield(domain.PartialChatMessage{}, err)
				return
			}
			if !more {
				return
			}

			messages = append(messages, model.Message{Role: domain.RoleAssistant, ToolCalls: calls})
			for _, call := range calls {
				result, err := tools.Dispatch(ctx, call)
				if err != nil {
					yield(domain.PartialChatMessage{}, err)
					return
				}
				messages = append(messages, model.Message{
					Role:       domain.RoleTool,
					Content:    result,
					Name:       call.Name,
					ToolCallID: call.ID,
				})
			}

			if !yield(domain.PartialChatMessage{Role: domain.RoleAssistant, DeltaContent: "\n"}, nil) {
				return
			}
		}
	}
}

// request issues one streamed completion and forwards its content. It
// reports whether the model asked for tool calls, and which ones. A false
// more with a nil error means the turn is over, either because the model
// stopped or because the consumer stopped iterating.
func (a *Agent) request(ctx context.Context, req model.Request, yield func(domain.PartialChatMessage, error) bool) (calls []model.ToolCall, more bool, err error) {
	stream, err := a.provider.Stream(ctx, req)
	if err != nil {
		return nil, false, fmt.Errorf("streaming completion: %w", err)
	}
	defer stream.Close()

	var acc accumulator
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			slog.Debug("Completion stream ended without a finish reason", "model", req.Model)
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("receiving completion: %w", err)
		}

		for _, frag := range ev.ToolCalls {
			acc.add(frag)
		}

		if ev.Content != "" {
			if !yield(domain.PartialChatMessage{Role: domain.RoleAssistant, DeltaContent: ev.Content}, nil) {
				return nil, false, nil
			}
		}

		switch ev.FinishReason {
		case model.FinishNone:
		case model.FinishToolCalls:
			calls := acc.calls()
			if len(calls) == 0 {
				slog.Warn("Model finished for tool calls without sending any", "model", req.Model)
				return nil, false, nil
			}
			return calls, true, nil
		default:
			return nil, false, nil
		}
	}
}

// accumulator assembles streamed tool-call fragments. Builders are created
// on first sight of an index and kept in that order.
type accumulator struct {
	builders []toolCallBuilder
	slots    map[int]int
}

type toolCallBuilder struct {
	id   string
	name string
	args []byte
}

func (a *accumulator) add(frag model.ToolCallFragment) {
	if a.slots == nil {
		a.slots = make(map[int]int)
	}
	slot, ok := a.slots[frag.Index]
	if !ok {
		slot = len(a.builders)
		a.slots[frag.Index] = slot
		a.builders = append(a.builders, toolCallBuilder{})
	}

	b := &a.builders[slot]
	if frag.ID != "" {
		b.id = frag.ID
	}
	if frag.Name != "" {
		b.name = frag.Name
	}
	b.args = append(b.args, frag.Arguments...)
}

func (a *accumulator) calls() []model.ToolCall {
	out := make([]model.ToolCall, len(a.builders))
	for i, b := range a.builders {
		out[i] = model.ToolCall{ID: b.id, Name: b.name, Arguments: string(b.args)}
	}
	return out
}
