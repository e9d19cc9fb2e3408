package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dn42fabric/fabric-agent/internal/meshlayout"
	"github.com/dn42fabric/fabric-agent/internal/model"
	"github.com/dn42fabric/fabric-agent/internal/netnsutil"
	"github.com/dn42fabric/fabric-agent/internal/peerconf"
	"github.com/dn42fabric/fabric-agent/internal/tunnel"
)

// applyPeer implements apply_peer(p) from spec.md §4.3. It returns whether
// the routing-daemon peer file changed, which the caller uses to decide
// whether a reload is needed.
func (m *Manager) applyPeer(ctx context.Context, p model.PeerSpec) (birdChanged bool, err error) {
	ifname := meshlayout.TunnelIfname(p.ASN)
	port := p.Tunnel.ListenPort
	if port == 0 {
		port = meshlayout.EBGPListenPort(p.ASN)
	}

	expectedTunnelText := peerconf.RenderTunnelConfig(p)
	expectedBirdText := peerconf.RenderBirdPeerConfig(p)

	tunnelPath := m.tunnels.ConfPath(ifname)
	tunnelDigestChanged := peerconf.Digest(expectedTunnelText) != peerconf.Digest(readFileOrEmpty(tunnelPath))

	birdPath := m.birdPeerPath(p.ASN)
	birdDigestChanged := peerconf.Digest(expectedBirdText) != peerconf.Digest(readFileOrEmpty(birdPath))

	err = netnsutil.Run(m.cfg.NetworkNamespace, func() error {
		if tunnelDigestChanged {
			if err := m.firewall.AllowPort(port); err != nil {
				return fmt.Errorf("open firewall port %d: %w", port, err)
			}
		}

		// "Bring up" runs unconditionally, digest-changed or not: it is
		// idempotent and heals post-reboot/manual-deletion state.
		cfg := tunnel.Config{
			Ifname:     ifname,
			ConfigText: expectedTunnelText,
			PrivateKey: m.cfg.EBGPPrivateKey,
			ListenPort: port,
			MTU:        1420,
			Address:    p.BGP.LocalIPv4,
		}
		if err := m.tunnels.Up(ctx, cfg); err != nil {
			return fmt.Errorf("bring up tunnel %s: %w", ifname, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if birdDigestChanged {
		if err := writeAtomic(birdPath, expectedBirdText); err != nil {
			return false, fmt.Errorf("write routing-daemon peer file: %w", err)
		}
	}

	return birdDigestChanged, nil
}

// retractPeer implements retract_peer(asn) from spec.md §4.3: close the
// firewall port, tear down the interface, delete both files.
func (m *Manager) retractPeer(asn uint32) error {
	ifname := meshlayout.TunnelIfname(asn)
	port := meshlayout.EBGPListenPort(asn)

	err := netnsutil.Run(m.cfg.NetworkNamespace, func() error {
		if err := m.firewall.RemovePort(port); err != nil {
			return fmt.Errorf("close firewall port %d: %w", port, err)
		}
		if err := m.tunnels.Down(ifname); err != nil {
			return fmt.Errorf("tear down tunnel %s: %w", ifname, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	_ = os.Remove(m.tunnels.ConfPath(ifname))
	_ = os.Remove(m.birdPeerPath(asn))
	return nil
}

func readFileOrEmpty(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func writeAtomic(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

