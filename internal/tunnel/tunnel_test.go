package tunnel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfPath(t *testing.T) {
	e := NewExecutor(nil, "/etc/fabric-agent/tunnels")
	assert.Equal(t, "/etc/fabric-agent/tunnels/dn42-4242420337.conf", e.confPath("dn42-4242420337"))
}

func TestWriteConfigFileAtomicMode0600(t *testing.T) {
	dir := t.TempDir()
	e := NewExecutor(nil, dir)
	cfg := Config{Ifname: "dn42-4242420337", ConfigText: "[Interface]\nListenPort = 30337\n"}

	require.NoError(t, e.writeConfigFile(cfg))

	path := filepath.Join(dir, "dn42-4242420337.conf")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.ConfigText, string(data))

	// No leftover temp files in the directory.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteConfigFileOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	e := NewExecutor(nil, dir)
	cfg := Config{Ifname: "dn42-1", ConfigText: "v1"}
	require.NoError(t, e.writeConfigFile(cfg))
	cfg.ConfigText = "v2"
	require.NoError(t, e.writeConfigFile(cfg))

	data, err := os.ReadFile(filepath.Join(dir, "dn42-1.conf"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}
