// Package skills discovers and loads skill definitions. A skill is a
// directory containing a SKILL.md file with YAML frontmatter (name,
// description) followed by the skill instructions.
package skills

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"
)

const skillFileName = "SKILL.md"

// Skill is one discovered skill.
type Skill struct {
	Name        string
	Description string
	Path        string
}

// Discovery scans configured directories for skills.
type Discovery struct {
	skillDirs []string
}

// NewDiscovery creates a discovery over the given directories.
func NewDiscovery(dirs ...string) *Discovery {
	return &Discovery{skillDirs: dirs}
}

// List returns all discovered skills sorted by name. Unreadable directories
// are skipped.
func (d *Discovery) List() []Skill {
	seen := map[string]bool{}
	var out []Skill
	for _, dir := range d.skillDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name(), skillFileName)
			skill, err := parseSkillFile(path)
			if err != nil {
				continue
			}
			if seen[skill.Name] {
				continue
			}
			seen[skill.Name] = true
			out = append(out, skill)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Load returns the full instructions of a named skill.
func (d *Discovery) Load(name string) (string, error) {
	for _, skill := range d.List() {
		if skill.Name == name {
			data, err := os.ReadFile(skill.Path)
			if err != nil {
				return "", errors.Wrapf(err, "failed to read skill %s", name)
			}
			return string(data), nil
		}
	}
	return "", errors.Errorf("skill %q not found", name)
}

func parseSkillFile(path string) (Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, err
	}

	markdown := goldmark.New(goldmark.WithExtensions(meta.Meta))
	pctx := parser.NewContext()
	var buf bytes.Buffer
	if err := markdown.Convert(data, &buf, parser.WithContext(pctx)); err != nil {
		return Skill{}, errors.Wrapf(err, "failed to parse %s", path)
	}

	frontmatter := meta.Get(pctx)
	name, _ := frontmatter["name"].(string)
	if name == "" {
		return Skill{}, errors.Errorf("skill at %s has no name", path)
	}
	description, _ := frontmatter["description"].(string)
	return Skill{Name: name, Description: description, Path: path}, nil
}
