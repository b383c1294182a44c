package commands

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestAsk(t *testing.T) {
	for in, want := range map[string]bool{
		"y\n":     true,
		"YES\n":   true,
		" yes ":   true,
		"n\n":     false,
		"\n":      false,
		"maybe\n": false,
	} {
		var out bytes.Buffer
		got, err := ask(strings.NewReader(in), &out, "? ")
		require.NoError(t, err)
		require.Equal(t, want, got, "input %q", in)
		require.Equal(t, "? ", out.String())
	}
}

func TestPasswordPrompt(t *testing.T) {
	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)

	cmd.SetIn(strings.NewReader("hunter2\r\n"))
	pw, err := password(cmd, "")
	require.NoError(t, err)
	require.Equal(t, "hunter2", string(pw))

	pw, err = password(cmd, "flag")
	require.NoError(t, err)
	require.Equal(t, "flag", string(pw))

	cmd.SetIn(strings.NewReader("\n"))
	_, err = password(cmd, "")
	require.Error(t, err)
}

func TestCommandTree(t *testing.T) {
	root := newRoot()
	for _, path := range [][]string{
		{"init"}, {"send"}, {"recv"}, {"group", "members"}, {"group", "forward"},
		{"verify", "accept"}, {"trust", "revoke"}, {"backup", "restore"}, {"device", "regenerate"},
	} {
		c, _, err := root.Find(path)
		require.NoError(t, err)
		require.Equal(t, path[len(path)-1], c.Name())
	}
}
