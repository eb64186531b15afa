package agent

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/randalmurphal/codexd/internal/job"
)

// maxContextFiles caps how many matched files a prompt may reference, so a
// careless glob doesn't produce an enormous prompt.
const maxContextFiles = 50

// RenderPrompt builds the full prompt for a job: the spec prompt followed
// by the context file list, with glob patterns expanded relative to the
// working directory. Patterns that match nothing are kept verbatim so the
// agent still sees what the submitter intended.
func RenderPrompt(workDir string, spec *job.Spec) (string, error) {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(spec.Prompt))

	if len(spec.ContextFiles) == 0 {
		return b.String(), nil
	}

	var files []string
	seen := make(map[string]bool)
	for _, pattern := range spec.ContextFiles {
		matches, err := doublestar.Glob(os.DirFS(workDir), pattern)
		if err != nil {
			return "", fmt.Errorf("expand context pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			matches = []string{pattern}
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	sort.Strings(files)
	if len(files) > maxContextFiles {
		files = files[:maxContextFiles]
	}

	b.WriteString("\n\nRelevant files:\n")
	for _, f := range files {
		b.WriteString("- ")
		b.WriteString(f)
		b.WriteByte('\n')
	}
	return b.String(), nil
}
