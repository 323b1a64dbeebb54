// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := ParseConfig(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestParseConfig_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := ParseConfig("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestValidate_RejectsEmptyEventLogSource(t *testing.T) {
	cfg := Default()
	cfg.EventLogSource = ""
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveScanLimit(t *testing.T) {
	cfg := Default()
	cfg.AdapterScanLimit = 0
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveCacheSize(t *testing.T) {
	cfg := Default()
	cfg.SeenOperationCacheSize = 0
	require.Error(t, cfg.Validate())
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	require.NoError(t, Default().Validate())
}
