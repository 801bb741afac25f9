package cli

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCompletion(t *testing.T) {
	for _, shell := range []string{"bash", "zsh", "fish"} {
		var buf bytes.Buffer
		require.NoError(t, GenerateCompletion(&buf, shell))
		assert.Contains(t, buf.String(), "dwsctl")
		assert.Contains(t, buf.String(), "wait-leader")
	}
	assert.Error(t, GenerateCompletion(&bytes.Buffer{}, "tcsh"))
}

func TestInstallCompletion(t *testing.T) {
	home := t.TempDir()
	path, err := InstallCompletion(home, "zsh")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ZshCompletion, string(data))
}

func TestPrinterWithoutTerminal(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	p.Success("deployed")
	p.Error("failed")
	assert.Equal(t, "✓ deployed\n✗ failed\n", buf.String())

	s := NewSpinner(p, "waiting")
	s.Start()
	s.Success("leader elected")
	assert.Contains(t, buf.String(), "✓ leader elected")
	s.Stop()
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "< 1s", FormatDuration(500*time.Millisecond))
	assert.Equal(t, "42s", FormatDuration(42*time.Second))
	assert.Equal(t, "2m5s", FormatDuration(125*time.Second))
	assert.Equal(t, "1h30m", FormatDuration(90*time.Minute))
}
