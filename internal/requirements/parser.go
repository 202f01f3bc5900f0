// Package requirements discovers requirement artifacts: markdown files
// with YAML frontmatter that describe one job each. The directory layout
// is <requirements-dir>/<project>/<requirement>.md.
package requirements

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hochfrequenz/claude-task-runner/internal/domain"
	"gopkg.in/yaml.v3"
)

// Frontmatter is the YAML header of a requirement file
type Frontmatter struct {
	ProjectPath string `yaml:"project_path"`
	Session     bool   `yaml:"session"`
	Batch       string `yaml:"batch"`
	Implemented bool   `yaml:"implemented"`
}

// Requirement is one parsed requirement artifact
type Requirement struct {
	ID          domain.JobID
	ProjectPath string
	Prompt      string
	Session     bool
	Batch       string
	Implemented bool
	FilePath    string
}

// ParseFrontmatter extracts YAML frontmatter from markdown content.
// Returns the frontmatter, remaining content, and any error. Content
// without a frontmatter block parses to zero-value frontmatter.
func ParseFrontmatter(content []byte) (*Frontmatter, []byte, error) {
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return &Frontmatter{}, content, nil
	}

	rest := content[4:]
	endIdx := bytes.Index(rest, []byte("\n---"))
	if endIdx == -1 {
		return &Frontmatter{}, content, nil
	}

	fmData := rest[:endIdx]
	remaining := rest[endIdx+4:] // skip \n---

	var fm Frontmatter
	if err := yaml.Unmarshal(fmData, &fm); err != nil {
		return nil, nil, err
	}

	return &fm, bytes.TrimLeft(remaining, "\n"), nil
}

// ParseFile parses a single requirement markdown file. The markdown body
// below the frontmatter is the job prompt.
func ParseFile(path string) (*Requirement, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	id, err := jobIDFromPath(path)
	if err != nil {
		return nil, err
	}

	fm, body, err := ParseFrontmatter(content)
	if err != nil {
		return nil, fmt.Errorf("parsing frontmatter: %w", err)
	}

	prompt := strings.TrimSpace(string(body))
	if prompt == "" {
		return nil, fmt.Errorf("requirement %s has an empty prompt", id)
	}

	return &Requirement{
		ID:          id,
		ProjectPath: fm.ProjectPath,
		Prompt:      prompt,
		Session:     fm.Session,
		Batch:       fm.Batch,
		Implemented: fm.Implemented,
		FilePath:    path,
	}, nil
}

// ParseDir parses all requirement files under a requirements directory.
// Project subdirectories map to the project half of the job ID. Files that
// fail to parse are skipped with their error collected, so one broken
// artifact never hides the rest.
func ParseDir(dir string) ([]*Requirement, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{err}
	}

	var reqs []*Requirement
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		projectDir := filepath.Join(dir, entry.Name())
		files, err := os.ReadDir(projectDir)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".md") {
				continue
			}
			req, err := ParseFile(filepath.Join(projectDir, f.Name()))
			if err != nil {
				errs = append(errs, fmt.Errorf("parsing %s/%s: %w", entry.Name(), f.Name(), err))
				continue
			}
			reqs = append(reqs, req)
		}
	}

	return reqs, errs
}

// Job converts a requirement into a job ready for the runner
func (r *Requirement) Job() *domain.Job {
	return &domain.Job{
		ID:          r.ID,
		Prompt:      r.Prompt,
		ProjectPath: r.ProjectPath,
	}
}

// jobIDFromPath derives <project>/<requirement> from the file location:
// the parent directory is the project, the filename stem the requirement.
func jobIDFromPath(path string) (domain.JobID, error) {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	project := filepath.Base(filepath.Dir(path))
	return domain.ParseJobID(project + "/" + name)
}
