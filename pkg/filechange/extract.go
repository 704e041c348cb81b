// Package filechange parses file edits out of assistant replies and
// reconciles partial edits against the current file contents.
package filechange

import (
	"regexp"
	"sort"
	"strings"

	"github.com/sshh12/prompt-stack/pkg/domain"
)

// blockPatterns match fenced code blocks whose first line is a comment
// holding only a file path. Group 1 is the path, group 2 the body.
var blockPatterns = []*regexp.Regexp{
	// # path or // path
	regexp.MustCompile("```[\\w.]+\\n[#/]+ (\\S+)\\n([\\s\\S]+?)```"),
	// /* path */
	regexp.MustCompile("```[\\w.]+\\n[/*]+ (\\S+) \\*/\\n([\\s\\S]+?)```"),
	// <!-- path -->
	regexp.MustCompile("```[\\w.]+\\n<!-- (\\S+) -->\\n([\\s\\S]+?)```"),
}

type match struct {
	offset int
	path   string
	body   string
}

// Extract returns one change per path found in text, with Diff and Content
// both set to the trimmed block body. When a path appears more than once the
// last block in the text wins; changes are ordered by first appearance.
func Extract(text string) []domain.FileChange {
	var matches []match
	for _, re := range blockPatterns {
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			matches = append(matches, match{
				offset: loc[0],
				path:   text[loc[2]:loc[3]],
				body:   strings.TrimSpace(text[loc[4]:loc[5]]),
			})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].offset < matches[j].offset })

	var changes []domain.FileChange
	index := make(map[string]int)
	for _, m := range matches {
		if i, ok := index[m.path]; ok {
			changes[i].Diff = m.body
			changes[i].Content = m.body
			continue
		}
		index[m.path] = len(changes)
		changes = append(changes, domain.FileChange{Path: m.path, Diff: m.body, Content: m.body})
	}
	return changes
}

// StripFileChanges removes every recognized file block from text.
func StripFileChanges(text string) string {
	for _, re := range blockPatterns {
		text = re.ReplaceAllString(text, "")
	}
	return text
}
