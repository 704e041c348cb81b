package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sshh12/prompt-stack/pkg/domain"
)

const (
	maxFollowUps = 3
	// followUpWindow is how many trailing messages are shown to the model.
	followUpWindow = 6
)

const followUpInstructions = `You suggest what the user of a coding assistant might say next.

Given the recent <conversation>, respond with a JSON array of at most 3 short follow-up messages the user could send. Each entry must be under 10 words and written from the user's point of view.

Respond ONLY with the JSON array (no code blocks or other formatting).`

// SuggestFollowUps proposes short next messages for the user. Failures are
// logged and yield an empty list.
func (a *Agent) SuggestFollowUps(ctx context.Context, transcript []domain.ChatMessage) []string {
	if len(transcript) > followUpWindow {
		transcript = transcript[len(transcript)-followUpWindow:]
	}

	var b strings.Builder
	b.WriteString("<conversation>\n")
	for _, m := range transcript {
		fmt.Fprintf(&b, "%s: %s\n\n", m.Role, m.Content)
	}
	b.WriteString("</conversation>")

	out, err := a.provider.Complete(ctx, a.opts.FollowUpModel, followUpInstructions, b.String())
	if err != nil {
		slog.Warn("Suggesting follow-ups", "projectID", a.opts.Project.ID, "error", err)
		return []string{}
	}

	followUps, err := parseFollowUps(out)
	if err != nil {
		slog.Warn("Parsing follow-ups", "projectID", a.opts.Project.ID, "response", out, "error", err)
		return []string{}
	}
	return followUps
}

func parseFollowUps(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	// Models sometimes wrap the array in a code fence anyway.
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSuffix(raw, "```")
		raw = strings.TrimSpace(raw)
	}

	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decoding follow-ups: %w", err)
	}

	out := make([]string, 0, maxFollowUps)
	for _, s := range items {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == maxFollowUps {
			break
		}
	}
	return out, nil
}
