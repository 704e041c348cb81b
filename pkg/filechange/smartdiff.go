package filechange

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/sshh12/prompt-stack/pkg/domain"
	"github.com/sshh12/prompt-stack/pkg/model"
)

// missingFile stands in for the original content of a file that cannot be read.
const missingFile = "(file does not yet exist)"

// continuationMarkers signal that a body omits unchanged regions.
var continuationMarkers = []string{
	"... keep",
	"... existing",
	"... rest",
	"the same...",
}

// Tip is a correction applied during reconciliation whenever Pattern
// matches a body.
type Tip struct {
	Pattern *regexp.Regexp
	Text    string
}

// DefaultTips holds framework rules for the built-in stack packs.
var DefaultTips = []Tip{
	{regexp.MustCompile(`<Link[^>]*>[\S\s]*?<a[^>]*>`), "All <Link> tags should be free of <a> tags. Remove all <a> tags from <Link> tags."},
	{regexp.MustCompile(`<CardBody`), "Ensure in Shadcn UI, <Card>s use <CardContent> instead of <CardBody>."},
	{regexp.MustCompile(`<Slider`), "Ensure <Slider />s in Shadcn have at least values= or a min= and a max= attribute."},
	{regexp.MustCompile(`Layout\(`), "Ensure Layouts in Next.js retain <html> and <body> tags."},
	{regexp.MustCompile(`use-toast`), `Ensure the import is from "@/hooks/use-toast" (rather than components)`},
}

const mergeInstructions = `You are a senior software engineer that applies code changes to a file. Given the <original-content>, the <diff>, and the <adjustments>, apply the changes to the content.

- You must apply the <adjustments> provided even if this conflicts with the original diff
- You must follow instructions from within comments in <diff> (e.g. <!-- remove this -->)
- You must maintain the layout of the file especially in languages/formats where it matters
- Ensure you maintain sections of the original file IF the diff denotes them with "... existing code ..." or other similar comment-based instructions

Respond ONLY with the updated content (no code blocks or other formatting).`

// FileReader reads the current content of a file.
type FileReader interface {
	ReadFileContents(ctx context.Context, path string) (string, error)
}

// Applier resolves extracted changes into final file contents.
type Applier struct {
	provider model.Provider
	model    string
	tips     []Tip
	limit    int
}

// NewApplier creates an Applier that reconciles partial edits with modelName.
// A limit of zero or less runs every reconciliation in the batch at once.
func NewApplier(provider model.Provider, modelName string, tips []Tip, limit int) *Applier {
	if tips == nil {
		tips = DefaultTips
	}
	return &Applier{provider: provider, model: modelName, tips: tips, limit: limit}
}

// NeedsReconciliation reports whether body is a partial edit, returning the
// text of every tip whose pattern matches.
func (a *Applier) NeedsReconciliation(body string) ([]string, bool) {
	var matched []string
	for _, tip := range a.tips {
		if tip.Pattern.MatchString(body) {
			matched = append(matched, tip.Text)
		}
	}
	if len(matched) > 0 {
		return matched, true
	}
	for _, marker := range continuationMarkers {
		if strings.Contains(body, marker) {
			return nil, true
		}
	}
	return nil, false
}

// Apply resolves every change concurrently. Complete bodies pass through;
// partial ones are merged against the file read from r. Results keep the
// input order. Any merge failure fails the batch.
func (a *Applier) Apply(ctx context.Context, r FileReader, changes []domain.FileChange) ([]domain.FileChange, error) {
	out := make([]domain.FileChange, len(changes))

	g, ctx := errgroup.WithContext(ctx)
	if a.limit > 0 {
		g.SetLimit(a.limit)
	}
	for i, change := range changes {
		g.Go(func() error {
			resolved, err := a.resolve(ctx, r, change)
			if err != nil {
				return err
			}
			out[i] = resolved
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Applier) resolve(ctx context.Context, r FileReader, change domain.FileChange) (domain.FileChange, error) {
	tips, ok := a.NeedsReconciliation(change.Diff)
	if !ok {
		change.Content = change.Diff
		return change, nil
	}

	original, err := r.ReadFileContents(ctx, change.Path)
	if err != nil {
		slog.Debug("Reading file for merge", "path", change.Path, "error", err)
		original = missingFile
	}

	adjustments := make([]string, len(tips))
	for i, t := range tips {
		adjustments[i] = " - " + t
	}

	slog.Info("Applying smart diff", "path", change.Path, "tips", len(tips))
	prompt := fmt.Sprintf("<original-content>\n%s\n</original-content>\n\n<diff>\n%s\n</diff>\n\n<adjustments>\n%s\n</adjustments>",
		original, change.Diff, strings.Join(adjustments, "\n"))

	merged, err := a.provider.Complete(ctx, a.model, mergeInstructions, prompt)
	if err != nil {
		return domain.FileChange{}, fmt.Errorf("merging %s: %w", change.Path, err)
	}
	change.Content = merged
	return change, nil
}
