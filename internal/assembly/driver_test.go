package assembly

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEncoder writes a placeholder file at its last argument (the output
// path) and exits 0, standing in for ffmpeg so these tests don't depend on
// it being installed.
func fakeEncoder(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake encoder script is POSIX shell only")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-ffmpeg.sh")
	script := `#!/bin/sh
for out; do :; done
echo "fake encode" > "$out"
exit 0
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestAssemble_MissingInputsIsRetryable(t *testing.T) {
	d := New(fakeEncoder(t), nil)
	_, err := d.Assemble(context.Background(), Job{
		SessionID: "a_20251002_sunrise",
		VideoRoot: t.TempDir(),
	})
	require.Error(t, err)
	var retryable *RetryableError
	require.ErrorAs(t, err, &retryable)
}

func TestAssemble_UnknownPresetIsTerminal(t *testing.T) {
	d := New(fakeEncoder(t), nil)
	_, err := d.Assemble(context.Background(), Job{
		SessionID:  "a_20251002_sunrise",
		InputPaths: []string{"/tmp/a_001.jpg"},
		Preset:     "ultra",
		VideoRoot:  t.TempDir(),
	})
	require.Error(t, err)
	var terminal *TerminalError
	require.ErrorAs(t, err, &terminal)
}

func TestContentHash_StableAcrossOrdering(t *testing.T) {
	h1 := ContentHash([]string{"a.jpg", "b.jpg", "c.jpg"})
	h2 := ContentHash([]string{"c.jpg", "a.jpg", "b.jpg"})
	assert.Equal(t, h1, h2)
}

func TestContentHash_DiffersOnDifferentInputs(t *testing.T) {
	h1 := ContentHash([]string{"a.jpg", "b.jpg"})
	h2 := ContentHash([]string{"a.jpg", "b.jpg", "c.jpg"})
	assert.NotEqual(t, h1, h2)
}
