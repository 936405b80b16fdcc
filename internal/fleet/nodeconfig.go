package fleet

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// nodeConfig is the client's TOML configuration file. Paths are relative to
// the fleet base directory, which is the working directory of every node.
type nodeConfig struct {
	Parity     parityConfig     `toml:"parity"`
	Network    networkConfig    `toml:"network"`
	RPC        rpcConfig        `toml:"rpc"`
	Websockets websocketsConfig `toml:"websockets"`
	Account    *accountConfig   `toml:"account,omitempty"`
	Mining     *miningConfig    `toml:"mining,omitempty"`
}

type parityConfig struct {
	Chain    string `toml:"chain"`
	BasePath string `toml:"base_path"`
}

type networkConfig struct {
	Port          int    `toml:"port"`
	ID            int    `toml:"id"`
	ReservedOnly  bool   `toml:"reserved_only"`
	ReservedPeers string `toml:"reserved_peers,omitempty"`
}

type rpcConfig struct {
	Port int      `toml:"port"`
	APIs []string `toml:"apis"`
}

type websocketsConfig struct {
	Disable bool `toml:"disable"`
	Port    int  `toml:"port"`
}

type accountConfig struct {
	Password []string `toml:"password"`
	Unlock   []string `toml:"unlock"`
}

type miningConfig struct {
	ResealOnTxs  string `toml:"reseal_on_txs"`
	ForceSealing bool   `toml:"force_sealing"`
	Author       string `toml:"author"`
	EngineSigner string `toml:"engine_signer"`
}

const passwordFile = "password.txt"

func (m *Manager) buildNodeConfig(n *NodeDescriptor) nodeConfig {
	cfg := nodeConfig{
		Parity:     parityConfig{Chain: m.cfg.Chain.Spec, BasePath: n.Name},
		Network:    networkConfig{Port: n.P2PPort, ID: m.cfg.Chain.NetworkID, ReservedPeers: m.cfg.Fleet.ReservedPeers},
		RPC:        rpcConfig{Port: n.RPCPort, APIs: []string{"all"}},
		Websockets: websocketsConfig{Port: n.WSPort},
	}
	if n.Address != "" {
		cfg.Account = &accountConfig{
			Password: []string{filepath.Join(n.Name, passwordFile)},
			Unlock:   []string{n.Address},
		}
	}
	if n.Role == RoleSealer {
		cfg.Mining = &miningConfig{
			ResealOnTxs:  "none",
			ForceSealing: true,
			Author:       n.Address,
			EngineSigner: n.Address,
		}
	}
	return cfg
}

// writeNodeFiles creates the node's data directory, password file and
// configuration file.
func (m *Manager) writeNodeFiles(n *NodeDescriptor) error {
	if err := os.MkdirAll(n.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(n.LogPath), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(n.DataDir, passwordFile), []byte(n.Name), 0o600); err != nil {
		return fmt.Errorf("write password: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m.buildNodeConfig(n)); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(n.ConfigPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
