package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestKeygen(t *testing.T) {
	out, err := execute(t, "keygen")
	require.NoError(t, err)

	key, err := hex.DecodeString(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestRunsStatusNeedsOneSelector(t *testing.T) {
	_, err := execute(t, "runs", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of")

	_, err = execute(t, "runs", "status", "--project", "p", "--run", "r")
	require.Error(t, err)
}

func TestTranscriptsGetRequiresFlags(t *testing.T) {
	_, err := execute(t, "transcripts", "get", "--project", "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run")
}

func TestCommandTree(t *testing.T) {
	root := newRootCommand()
	for _, path := range [][]string{
		{"migrate"},
		{"migrate", "status"},
		{"keygen"},
		{"secrets", "reencrypt"},
		{"runs", "status"},
		{"runs", "watch"},
		{"transcripts", "get"},
		{"transcripts", "url"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
