package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/sshh12/prompt-stack/pkg/model"
)

// ErrUnknownTool is returned when the model calls a tool that is not in the
// registry. It aborts the step.
var ErrUnknownTool = errors.New("unknown tool")

// bootingMessage is returned by run_command while no sandbox is attached.
const bootingMessage = "This environment is still booting up! Try again in a minute."

// Tool is a named capability the model can invoke.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON schema of the arguments object.
	Parameters map[string]any
	Handler    func(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry maps tool names to tools.
type Registry map[string]Tool

// NewRegistry builds a registry from the given tools. Later tools replace
// earlier ones with the same name.
func NewRegistry(tools ...Tool) Registry {
	r := make(Registry, len(tools))
	for _, t := range tools {
		r[t.Name] = t
	}
	return r
}

// Definitions returns the provider-facing tool descriptions, sorted by name.
func (r Registry) Definitions() []model.ToolDefinition {
	defs := make([]model.ToolDefinition, 0, len(r))
	for _, t := range r {
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Dispatch runs the named tool. Handler failures are rendered into the
// returned text; only an unknown tool name yields an error.
func (r Registry) Dispatch(ctx context.Context, call model.ToolCall) (string, error) {
	tool, ok := r[call.Name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}

	args := json.RawMessage(call.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	out, err := tool.Handler(ctx, args)
	if err != nil {
		slog.Warn("Tool failed", "tool", call.Name, "callID", call.ID, "error", err)
		return "Error: " + err.Error(), nil
	}
	return out, nil
}

type runCommandArgs struct {
	Command string `json:"command"`
	Workdir string `json:"workdir,omitempty"`
}

// RunCommandTool runs shell commands in sb. A nil sandbox answers with a
// booting notice instead of blocking.
func RunCommandTool(sb Sandbox) Tool {
	return Tool{
		Name:        "run_command",
		Description: "Run a command in the project sandbox",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string"},
				"workdir": map[string]any{"type": "string"},
			},
			"required": []string{"command"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args runCommandArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("decoding run_command arguments: %w", err)
			}
			if args.Command == "" {
				return "", errors.New("'command' parameter is required")
			}
			if sb == nil {
				return bootingMessage, nil
			}

			out := sb.RunCommand(ctx, args.Command, args.Workdir)
			slog.Debug("Ran command", "command", args.Command, "workdir", args.Workdir, "output", out)
			if out == "" {
				out = "<empty response>"
			}
			return out, nil
		},
	}
}
