// Package keymgmt loads or generates the node-wide WireGuard private keys
// used by the tunnel executor. Grounded on the original agent's
// WireGuardExecutor._load_or_create_key: read an existing key file verbatim,
// or generate one via `wg genkey` and persist it at 0600 so it survives
// restarts.
package keymgmt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dn42fabric/fabric-agent/internal/execctl"
)

// LoadOrCreate returns the private key at path, generating and persisting
// one via `wg genkey` if path does not yet exist.
func LoadOrCreate(ctx context.Context, runner execctl.Runner, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("keymgmt: read %s: %w", path, err)
	}

	stdout, stderr, err := execctl.Run(ctx, runner, "wg", "genkey")
	if err != nil {
		return "", fmt.Errorf("keymgmt: wg genkey: %w (%s)", err, stderr)
	}
	key := strings.TrimSpace(stdout)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("keymgmt: mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("keymgmt: write %s: %w", path, err)
	}
	return key, nil
}
