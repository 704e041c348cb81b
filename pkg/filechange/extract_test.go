package filechange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshh12/prompt-stack/pkg/domain"
)

func TestExtractHashComment(t *testing.T) {
	text := "Sure:\n```python\n# /a/b.py\nprint(1)\n```\n"
	assert.Equal(t, []domain.FileChange{{Path: "/a/b.py", Diff: "print(1)", Content: "print(1)"}}, Extract(text))
}

func TestExtractLastOccurrenceWins(t *testing.T) {
	text := "First try:\n```python\n# /a/b.py\nprint(1)\n```\n" +
		"Actually:\n```python\n# /a/b.py\nprint(2)\n```\n"

	changes := Extract(text)
	require.Len(t, changes, 1)
	assert.Equal(t, "/a/b.py", changes[0].Path)
	assert.Equal(t, "print(2)", changes[0].Content)
}

func TestExtractCommentSyntaxes(t *testing.T) {
	text := "```js\n// /app/src/App.js\nexport default App\n```\n\n" +
		"```css\n/* /app/src/index.css */\nbody { margin: 0; }\n```\n\n" +
		"```html\n<!-- /app/public/index.html -->\n<div id=\"root\"></div>\n```\n"

	changes := Extract(text)
	require.Len(t, changes, 3)
	assert.Equal(t, "/app/src/App.js", changes[0].Path)
	assert.Equal(t, "export default App", changes[0].Content)
	assert.Equal(t, "/app/src/index.css", changes[1].Path)
	assert.Equal(t, "body { margin: 0; }", changes[1].Content)
	assert.Equal(t, "/app/public/index.html", changes[2].Path)
	assert.Equal(t, `<div id="root"></div>`, changes[2].Content)
}

func TestExtractDedupesAcrossSyntaxes(t *testing.T) {
	text := "```css\n/* /app/x.css */\na {}\n```\n" +
		"```css\n// /app/x.css\nb {}\n```\n"

	changes := Extract(text)
	require.Len(t, changes, 1)
	assert.Equal(t, "b {}", changes[0].Content)
}

func TestExtractKeepsFirstAppearanceOrder(t *testing.T) {
	text := "```py\n# /one.py\n1\n```\n```py\n# /two.py\n2\n```\n```py\n# /one.py\n3\n```\n"

	changes := Extract(text)
	require.Len(t, changes, 2)
	assert.Equal(t, "/one.py", changes[0].Path)
	assert.Equal(t, "3", changes[0].Content)
	assert.Equal(t, "/two.py", changes[1].Path)
}

func TestExtractIgnoresPlainBlocks(t *testing.T) {
	text := "Run this:\n```bash\nnpm install\n```\nand a bare fence:\n```\n# /a.py\nx\n```\n"
	assert.Empty(t, Extract(text))
}

func TestStripFileChanges(t *testing.T) {
	text := "Updated the app.\n```js\n// /app/src/App.js\nexport default App\n```\nDone."
	assert.Equal(t, "Updated the app.\n\nDone.", StripFileChanges(text))
}
