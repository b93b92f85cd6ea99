package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/pkg/schema"
)

func newLoader(t *testing.T) (*Catalog, *Loader) {
	t.Helper()
	c := New()
	return c, NewLoader(c, newValidator(t, nil), nil)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadBuiltins(t *testing.T) {
	c, l := newLoader(t)
	n, err := l.LoadBuiltins()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	chain, err := c.Get("echo-chain")
	require.NoError(t, err)
	require.Len(t, chain.Steps, 2)
	assert.True(t, chain.Steps[1].UsePreviousOutput)
	assert.Equal(t, schema.InputStructured, chain.Steps[0].Input.Kind())

	digest, err := c.Get("digest")
	require.NoError(t, err)
	assert.True(t, digest.Steps[0].Parallel)
	assert.True(t, digest.Settings.Optimization.TruncateSteps)
}

func TestLoadDir_ReplacesBuiltins(t *testing.T) {
	c, l := newLoader(t)
	_, err := l.LoadBuiltins()
	require.NoError(t, err)

	dir := t.TempDir()
	writeFile(t, dir, "chain.yml", `
name: echo-chain
steps:
  - name: only
    tool: echo
    input: "just ${query}"
`)
	writeFile(t, dir, "review.json", `{"name":"review","steps":[{"name":"read","tool":"echo","max_tokens":200}]}`)
	writeFile(t, dir, "notes.txt", "ignored")

	n, err := l.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	chain, err := c.Get("echo-chain")
	require.NoError(t, err)
	require.Len(t, chain.Steps, 1)
	assert.Equal(t, schema.InputText, chain.Steps[0].Input.Kind())

	review, err := c.Get("review")
	require.NoError(t, err)
	assert.Equal(t, 200, review.Steps[0].MaxTokens)
}

func TestLoadDir_InvalidFilesReported(t *testing.T) {
	c, l := newLoader(t)
	dir := t.TempDir()
	writeFile(t, dir, "good.yaml", "name: good\nsteps:\n  - name: a\n    tool: echo\n")
	writeFile(t, dir, "dup.yaml", "name: dup\nsteps:\n  - name: a\n    tool: echo\n  - name: a\n    tool: echo\n")
	writeFile(t, dir, "unknown.yaml", "name: unknown\nretries: 3\nsteps:\n  - name: a\n    tool: echo\n")
	writeFile(t, dir, "broken.json", "{")

	n, err := l.LoadDir(dir)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "3 workflow file(s) rejected")
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"good"}, c.Names())
}

func TestLoadDir_Missing(t *testing.T) {
	_, l := newLoader(t)
	n, err := l.LoadDir(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = l.LoadDir("")
	require.NoError(t, err)
	assert.Zero(t, n)
}
