// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

package logging

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pdvss-agent/config"
)

func TestNewWriter_DefaultsToStdoutWhenNoLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.LogFile = ""
	w, err := NewWriter(cfg)
	require.NoError(t, err)
	require.NotNil(t, w)
}

func TestNewWriter_CreatesLogDirectory(t *testing.T) {
	cfg := config.Default()
	cfg.LogFile = filepath.Join(t.TempDir(), "nested", "agent.log")
	w, err := NewWriter(cfg)
	require.NoError(t, err)
	require.NotNil(t, w)
}

func TestLogger_DebugfSilencedByDefault(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "test", false)
	l.Debugf("should not appear")
	require.Empty(t, buf.String())
}

func TestLogger_DebugfWritesWhenEnabled(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "test", true)
	l.Debugf("trace %d", 42)
	require.Contains(t, buf.String(), "trace 42")
	require.Contains(t, buf.String(), "DEBUG:")
}
