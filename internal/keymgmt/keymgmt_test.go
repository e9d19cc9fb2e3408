package keymgmt

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dn42fabric/fabric-agent/internal/execctl"
)

func TestLoadOrCreateLoadsExistingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ebgp_private_key")
	require.NoError(t, os.WriteFile(path, []byte("existingkey==\n"), 0o600))

	runner := execctl.NewFakeRunner()
	key, err := LoadOrCreate(context.Background(), runner, path)
	require.NoError(t, err)
	assert.Equal(t, "existingkey==", key)
	assert.Empty(t, runner.Calls, "must not shell out when a key file already exists")
}

func TestLoadOrCreateGeneratesAndPersistsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ebgp_private_key")
	runner := execctl.NewFakeRunner()
	runner.Responses["wg genkey"] = execctl.FakeResponse{Stdout: "generatedkey==\n"}

	key, err := LoadOrCreate(context.Background(), runner, path)
	require.NoError(t, err)
	assert.Equal(t, "generatedkey==", key)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "generatedkey==\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	key2, err := LoadOrCreate(context.Background(), runner, path)
	require.NoError(t, err)
	assert.Equal(t, key, key2, "second call must load the persisted key, not regenerate")
}
