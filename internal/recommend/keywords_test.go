package recommend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefops/relief-engine/internal/model"
)

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `
- type: water
  terms: [flood, contaminated]
- type: fuel
  terms: [stranded]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, model.ResourceWater, rules[0].Type)

	m := NewMatcher(rules)
	got, ok := m.Infer("wells contaminated after the flood")
	require.True(t, ok)
	assert.Equal(t, model.ResourceWater, got)
}

func TestLoadRulesErrors(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o644))
	_, err = LoadRules(path)
	assert.Error(t, err)
}
