package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(nil))

	c, err := Load("", fs)
	require.NoError(t, err)
	require.Equal(t, Default.PeerPort, c.PeerPort)
	require.Equal(t, Default.MaxPeers, c.MaxPeers)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leech.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_peers: 10\nlog_level: debug\n"), 0o644))

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(nil))

	c, err := Load(path, fs)
	require.NoError(t, err)
	require.Equal(t, 10, c.MaxPeers)
	require.Equal(t, "debug", c.LogLevel)
}

func TestFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leech.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_peers: 10\n"), 0o644))

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-max-peers=5"}))

	c, err := Load(path, fs)
	require.NoError(t, err)
	require.Equal(t, 5, c.MaxPeers)
}

func TestLoadExpandsHomeDir(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(nil))

	c, err := Load("", fs)
	require.NoError(t, err)
	require.NotContains(t, c.OutDir, "~")
}
