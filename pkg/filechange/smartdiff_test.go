package filechange

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshh12/prompt-stack/pkg/domain"
	"github.com/sshh12/prompt-stack/pkg/model/modeltest"
)

type mapReader map[string]string

func (m mapReader) ReadFileContents(ctx context.Context, path string) (string, error) {
	content, ok := m[path]
	if !ok {
		return "", errors.New("no such file")
	}
	return content, nil
}

func change(path, body string) domain.FileChange {
	return domain.FileChange{Path: path, Diff: body, Content: body}
}

func TestApplyPassesThroughCompleteFiles(t *testing.T) {
	p := &modeltest.Provider{}
	a := NewApplier(p, "merge-model", nil, 0)

	got, err := a.Apply(context.Background(), mapReader{}, []domain.FileChange{
		change("/app/a.js", "export const a = 1"),
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.FileChange{change("/app/a.js", "export const a = 1")}, got)
	assert.Empty(t, p.Completions())
}

func TestApplyReconcilesMarkers(t *testing.T) {
	p := &modeltest.Provider{
		CompleteFunc: func(ctx context.Context, call modeltest.CompleteCall) (string, error) {
			return "merged", nil
		},
	}
	a := NewApplier(p, "merge-model", nil, 0)
	body := "// ... keep existing imports\nexport const b = 2"

	got, err := a.Apply(context.Background(), mapReader{"/app/a.js": "import x\nexport const a = 1"}, []domain.FileChange{
		change("/app/a.js", body),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "merged", got[0].Content)
	assert.Equal(t, body, got[0].Diff)

	calls := p.Completions()
	require.Len(t, calls, 1)
	assert.Equal(t, "merge-model", calls[0].Model)
	assert.Equal(t, mergeInstructions, calls[0].Instructions)
	assert.Contains(t, calls[0].Prompt, "<original-content>\nimport x\nexport const a = 1\n</original-content>")
	assert.Contains(t, calls[0].Prompt, "<diff>\n"+body+"\n</diff>")
}

func TestApplyReconcilesTips(t *testing.T) {
	p := &modeltest.Provider{
		CompleteFunc: func(ctx context.Context, call modeltest.CompleteCall) (string, error) {
			return "fixed", nil
		},
	}
	a := NewApplier(p, "merge-model", nil, 0)

	got, err := a.Apply(context.Background(), mapReader{}, []domain.FileChange{
		change("/app/card.jsx", "<Card><CardBody>hi</CardBody></Card>"),
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed", got[0].Content)

	calls := p.Completions()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, " - Ensure in Shadcn UI, <Card>s use <CardContent> instead of <CardBody>.")
	assert.Contains(t, calls[0].Prompt, missingFile)
}

func TestNeedsReconciliation(t *testing.T) {
	a := NewApplier(&modeltest.Provider{}, "m", nil, 0)

	tests := []struct {
		body     string
		want     bool
		wantTips int
	}{
		{body: "plain content", want: false},
		{body: "# ... existing code ...", want: true},
		{body: "// ... rest of file", want: true},
		{body: "stays the same...", want: true},
		{body: "<Link href='/'><a>home</a></Link>", want: true, wantTips: 1},
		{body: "import { toast } from 'use-toast'\n<Slider />", want: true, wantTips: 2},
	}
	for _, tt := range tests {
		tips, ok := a.NeedsReconciliation(tt.body)
		assert.Equal(t, tt.want, ok, tt.body)
		assert.Len(t, tips, tt.wantTips, tt.body)
	}
}

func TestApplyCustomTips(t *testing.T) {
	a := NewApplier(&modeltest.Provider{}, "m", []Tip{}, 0)
	_, ok := a.NeedsReconciliation("<CardBody>")
	assert.False(t, ok)
}

func TestApplyFailsBatchOnProviderError(t *testing.T) {
	p := &modeltest.Provider{
		CompleteFunc: func(ctx context.Context, call modeltest.CompleteCall) (string, error) {
			return "", errors.New("upstream unavailable")
		},
	}
	a := NewApplier(p, "m", nil, 0)

	_, err := a.Apply(context.Background(), mapReader{}, []domain.FileChange{
		change("/ok.js", "complete"),
		change("/partial.js", "// ... keep"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/partial.js")
}

func TestApplyRunsConcurrently(t *testing.T) {
	const n = 4
	var wg sync.WaitGroup
	wg.Add(n)

	p := &modeltest.Provider{
		CompleteFunc: func(ctx context.Context, call modeltest.CompleteCall) (string, error) {
			// Every call blocks until all n have started.
			wg.Done()
			wg.Wait()
			return "merged", nil
		},
	}
	a := NewApplier(p, "m", nil, 0)

	var changes []domain.FileChange
	for i := 0; i < n; i++ {
		changes = append(changes, change("/f"+string(rune('0'+i)), "... keep"))
	}

	done := make(chan struct{})
	var got []domain.FileChange
	var err error
	go func() {
		got, err = a.Apply(context.Background(), mapReader{}, changes)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reconciliations did not run concurrently")
	}
	require.NoError(t, err)
	for i, c := range got {
		assert.Equal(t, changes[i].Path, c.Path)
		assert.Equal(t, "merged", c.Content)
	}
}

func TestApplyRespectsLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	p := &modeltest.Provider{
		CompleteFunc: func(ctx context.Context, call modeltest.CompleteCall) (string, error) {
			cur := inFlight.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return strings.ToUpper(call.Model), nil
		},
	}
	a := NewApplier(p, "m", nil, 2)

	var changes []domain.FileChange
	for i := 0; i < 6; i++ {
		changes = append(changes, change("/f"+string(rune('a'+i)), "... rest"))
	}
	got, err := a.Apply(context.Background(), mapReader{}, changes)
	require.NoError(t, err)
	require.Len(t, got, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Len(t, p.Completions(), 6)
}
