package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marknotgeorge/SpeedAndCadence/internal/config"
)

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "csc.log")

	logger, closer, err := New(config.LogConfig{File: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1})
	require.NoError(t, err)
	logger.Printf("Connection: status -> %s", "Connected")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Connection: status -> Connected")
}

func TestNew_Mirrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "csc.log")
	var mirror bytes.Buffer

	logger, closer, err := New(config.LogConfig{File: path}, &mirror)
	require.NoError(t, err)
	defer closer.Close()

	logger.Println("hello")
	assert.Contains(t, mirror.String(), "hello")
}

func TestNew_RequiresFile(t *testing.T) {
	_, _, err := New(config.LogConfig{})
	assert.Error(t, err)
}
