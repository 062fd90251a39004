package skills

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSkill(t *testing.T, dir, folder, name, description, body string) {
	t.Helper()
	skillDir := filepath.Join(dir, folder)
	require.NoError(t, os.MkdirAll(skillDir, 0o755))
	content := "---\nname: " + name + "\ndescription: " + description + "\n---\n\n" + body
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(content), 0o644))
}

func TestListAndLoad(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "pdf", "pdf-extraction", "Extract text from PDFs", "Use the pdf tool.")
	writeSkill(t, dir, "csv", "csv-analysis", "Analyse CSV files", "Use the csv tool.")

	d := NewDiscovery(dir)
	skills := d.List()
	require.Len(t, skills, 2)
	assert.Equal(t, "csv-analysis", skills[0].Name)
	assert.Equal(t, "pdf-extraction", skills[1].Name)
	assert.Equal(t, "Extract text from PDFs", skills[1].Description)

	body, err := d.Load("pdf-extraction")
	require.NoError(t, err)
	assert.Contains(t, body, "Use the pdf tool.")

	_, err = d.Load("missing")
	assert.Error(t, err)
}

func TestListSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	skillDir := filepath.Join(dir, "broken")
	require.NoError(t, os.MkdirAll(skillDir, 0o755))
	// No frontmatter name.
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte("just text"), 0o644))
	writeSkill(t, dir, "good", "works", "A valid skill", "body")

	skills := NewDiscovery(dir).List()
	require.Len(t, skills, 1)
	assert.Equal(t, "works", skills[0].Name)
}

func TestListDeduplicatesAcrossDirs(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeSkill(t, first, "a", "dup", "from first dir", "first body")
	writeSkill(t, second, "b", "dup", "from second dir", "second body")

	d := NewDiscovery(first, second)
	skills := d.List()
	require.Len(t, skills, 1)
	assert.Equal(t, "from first dir", skills[0].Description)
}
