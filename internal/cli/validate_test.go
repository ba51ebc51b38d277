package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeValidate(t *testing.T, format string, path string) (*bytes.Buffer, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{path})
	return buf, cmd.Execute()
}

func writeTopology(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tree.cue")
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
	return path
}

func TestValidate_ValidTopology(t *testing.T) {
	buf, err := executeValidate(t, "text", treeTopology)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "✓ Topology valid: 6 node(s), 4 bound")
	assert.Contains(t, buf.String(), "  grand_elder\n")
}

func TestValidate_ValidTopologyJSON(t *testing.T) {
	buf, err := executeValidate(t, "json", treeTopology)
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.Equal(t, 6, resp.Data.Nodes)
	require.NotEmpty(t, resp.Data.Order)
	assert.Equal(t, "grand_elder", resp.Data.Order[0])
}

func TestValidate_RankViolation(t *testing.T) {
	path := writeTopology(t, `package tree

node: root: {rank: "GrandElder"}
node: w: {rank: "Workers", parent: "root"}
`)

	buf, err := executeValidate(t, "text", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, buf.String(), "✗ Topology invalid")
	assert.Contains(t, buf.String(), "node.w.rank")
}

func TestValidate_UndeclaredParentJSON(t *testing.T) {
	path := writeTopology(t, `package tree

node: root: {rank: "GrandElder"}
node: sage: {rank: "FourSages", sage: "TaskSage", parent: "claude"}
`)

	buf, err := executeValidate(t, "json", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeTopology, resp.Error.Code)
}

func TestValidate_MissingPath(t *testing.T) {
	buf, err := executeValidate(t, "text", filepath.Join(t.TempDir(), "missing.cue"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "topology not found")
}

func TestValidate_RequiresArgument(t *testing.T) {
	cmd := NewValidateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}
