package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/zjy-dev/ropsynth/internal/challenge"
	"github.com/zjy-dev/ropsynth/internal/config"
	"github.com/zjy-dev/ropsynth/internal/round"
	"github.com/zjy-dev/ropsynth/internal/state"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRopsynthCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInspect(t *testing.T) {
	blob, err := challenge.NewGenerator(21, 3).Generate()
	require.NoError(t, err)

	dir := t.TempDir()
	rawPath := filepath.Join(dir, "gadgets.bin")
	require.NoError(t, os.WriteFile(rawPath, blob.Code, 0644))
	b64Path := filepath.Join(dir, "stage.txt")
	require.NoError(t, os.WriteFile(b64Path, []byte(base64.StdEncoding.EncodeToString(blob.Code)+"\n"), 0644))

	t.Run("guards only", func(t *testing.T) {
		out, err := runCommand(t, "inspect", rawPath)
		require.NoError(t, err)

		var v inspectView
		require.NoError(t, yaml.Unmarshal([]byte(out), &v))
		assert.Equal(t, len(blob.Gadgets), v.Functions)
		assert.Len(t, v.Guards, len(blob.Gadgets))
		assert.Empty(t, v.Chains)
		assert.Empty(t, v.Payload)
	})

	t.Run("base64 with chains", func(t *testing.T) {
		out, err := runCommand(t, "inspect", "--base64", "--chains", b64Path)
		require.NoError(t, err)

		var v inspectView
		require.NoError(t, yaml.Unmarshal([]byte(out), &v))
		require.Len(t, v.Chains, 4)
		assert.Equal(t, "open", v.Chains[0].Name)
		for _, c := range v.Chains {
			assert.Equal(t, c.Stitched-c.Raw, c.Guards, c.Name)
		}
		_, err = base64.StdEncoding.DecodeString(v.Payload)
		assert.NoError(t, err)
	})

	t.Run("bad base64", func(t *testing.T) {
		_, err := runCommand(t, "inspect", "--base64", rawPath)
		assert.Error(t, err)
	})
}

func TestSolve_InvalidMode(t *testing.T) {
	_, err := runCommand(t, "solve", "--mode", "smoke-signals")
	assert.Error(t, err)
}

func TestCheckChains(t *testing.T) {
	blob, err := challenge.NewGenerator(21, 3).Generate()
	require.NoError(t, err)
	runner, err := round.NewRunner(config.Default(), nil, nil)
	require.NoError(t, err)
	res, err := runner.Round(context.Background(), "-", blob.Code)
	require.NoError(t, err)

	require.NoError(t, checkChains(res))

	c := &res.Chains[0]
	c.Stitched = append([]byte(nil), c.Stitched...)
	c.Stitched[len(c.Stitched)-1] ^= 0xff
	assert.Error(t, checkChains(res))
}

func TestPreviousRun(t *testing.T) {
	dir := t.TempDir()
	_, ok := previousRun(dir)
	assert.False(t, ok)

	m := state.NewMachine(dir)
	require.NoError(t, m.Transition(state.BuildImage))
	m.Fail(errors.New("stage 2 rejected"))
	require.NoError(t, m.Save())

	desc, ok := previousRun(dir)
	require.True(t, ok)
	assert.Contains(t, desc, "FAILED")
	assert.Contains(t, desc, "stage 2 rejected")
}
