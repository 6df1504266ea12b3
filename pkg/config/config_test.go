// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithNoFileOrEnv(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, defaultListenAddr, cfg.ListenAddr)
	require.Equal(t, "http", cfg.ServerType)
	require.Equal(t, defaultAnonymizerLowPort, cfg.AnonymizerPortLow)
	require.Equal(t, defaultAnonymizerHiPort, cfg.AnonymizerPortHigh)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, defaultListenAddr, cfg.ListenAddr)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxychain.yaml")
	content := `
listen_addr: "0.0.0.0:9999"
realm: "corp-proxy"
anonymizer_port_low: 30000
anonymizer_port_high: 30010
dial_timeout: "5s"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", cfg.ListenAddr)
	require.Equal(t, "corp-proxy", cfg.Realm)
	require.Equal(t, 30000, cfg.AnonymizerPortLow)
	require.Equal(t, 30010, cfg.AnonymizerPortHigh)
	require.Equal(t, 5*time.Second, cfg.DialTimeout)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxychain.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \"0.0.0.0:9999\"\n"), 0o644))

	t.Setenv(envListenAddr, "127.0.0.1:7777")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7777", cfg.ListenAddr)
}

func TestLoadRejectsInvalidServerType(t *testing.T) {
	t.Setenv(envServerType, "ftp")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadRejectsHTTPSWithoutCertAndKey(t *testing.T) {
	t.Setenv(envServerType, "https")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadRejectsEmptyAnonymizerPortRange(t *testing.T) {
	t.Setenv(envAnonymizerLowPort, "20100")
	t.Setenv(envAnonymizerHiPort, "20000")
	_, err := Load("")
	require.Error(t, err)
}
