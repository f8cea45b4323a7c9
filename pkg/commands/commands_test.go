package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&out)
	RootCmd.SetArgs(append([]string{"--log-level", "disabled"}, args...))
	defer RootCmd.SetArgs(nil)

	err := RootCmd.Execute()
	return out.String(), err
}

func TestPackListExtract(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("b"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "lib.node"), []byte("native"), 0755))

	archivePath := filepath.Join(t.TempDir(), "app.asar")
	_, err := execute(t, "pack", "-i", src, "-o", archivePath, "--unpack", "*.node", "--block-size", "1024", "--workers", "2")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(archivePath+".unpacked", "sub", "lib.node"))
	require.NoError(t, err)

	out, err := execute(t, "list", "-i", archivePath)
	require.NoError(t, err)
	assert.Equal(t, "a.txt\nsub\nsub/b.txt\nsub/lib.node\n", out)

	out, err = execute(t, "list", "-i", archivePath, "--contains", "sub/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "sub/b.txt\n", out)

	_, err = execute(t, "list", "-i", archivePath, "--contains", "missing.txt")
	assert.Error(t, err)
	listOpts.contains = ""

	dest := t.TempDir()
	_, err = execute(t, "extract", "-i", archivePath, "-o", dest, "--verify")
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(content))
	content, err = os.ReadFile(filepath.Join(dest, "sub", "lib.node"))
	require.NoError(t, err)
	assert.Equal(t, "native", string(content))
}

func TestInvalidLogLevel(t *testing.T) {
	RootCmd.SetArgs([]string{"--log-level", "loud", "list", "-i", "missing.asar"})
	defer RootCmd.SetArgs(nil)
	RootCmd.SetOut(&bytes.Buffer{})
	RootCmd.SetErr(&bytes.Buffer{})

	err := RootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	p, err := expandPath("~/archives/app.asar")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "archives", "app.asar"), p)

	p, err = expandPath("/abs/app.asar")
	require.NoError(t, err)
	assert.Equal(t, "/abs/app.asar", p)

	p, err = expandPath("")
	require.NoError(t, err)
	assert.Equal(t, "", p)
}
