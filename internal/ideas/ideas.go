// Package ideas keeps the ideas backlog file in sync with completed work.
// Everything here is best effort: the orchestrator logs failures and moves
// on, an ideas file is never worth blocking the pipeline for.
package ideas

import (
	"fmt"
	"os"
	"regexp"
	"sync"
)

// Marker rewrites checklist entries in a markdown ideas file
type Marker struct {
	path string
	mu   sync.Mutex
}

// New creates a Marker for the given ideas file
func New(path string) *Marker {
	return &Marker{path: path}
}

// MarkImplemented checks off the backlog entry matching the job name.
// Matches lines like "- [ ] discount-codes: short description" and flips
// the checkbox. A missing entry is not an error.
func (m *Marker) MarkImplemented(jobName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	content, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}

	pattern, err := regexp.Compile(fmt.Sprintf(`(?m)^(\s*[-*] )\[ \]( +%s(?:[:\s].*)?)$`, regexp.QuoteMeta(jobName)))
	if err != nil {
		return err
	}

	updated := pattern.ReplaceAll(content, []byte("${1}[x]${2}"))
	if string(updated) == string(content) {
		return nil
	}

	return os.WriteFile(m.path, updated, 0644)
}
