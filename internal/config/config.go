// Package config handles harness configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/gateway-fm/sealerbench/internal/profile"
)

// Error reports an invalid configuration value. No partial execution follows it.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// Config holds the static configuration of one harness run.
type Config struct {
	Chain        ChainConfig              `toml:"chain"`
	Fleet        FleetConfig              `toml:"fleet"`
	Profiles     map[string]ProfileConfig `toml:"profiles"`
	Inject       InjectConfig             `toml:"inject"`
	Scrape       ScrapeConfig             `toml:"scrape"`
	RegistryPath string                   `toml:"registry_path"` // SQLite fleet registry
	ListenAddr   string                   `toml:"listen_addr"`   // HTTP API for `serve`
	NotifyURLs   []string                 `toml:"notify_urls"`   // shoutrrr URLs for fairness alerts
	LogLevel     string                   `toml:"log_level"`
}

// ChainConfig describes the PoA chain under test.
type ChainConfig struct {
	StepPeriodSec int64    `toml:"step_period"` // AuRa step duration in seconds
	Validators    []string `toml:"validators"`  // turn order
	Spec          string   `toml:"spec"`        // chain spec file handed to every node
	NetworkID     int      `toml:"network_id"`
}

// FleetConfig describes node layout and launch policy.
type FleetConfig struct {
	ID              string            `toml:"id"`
	BaseDir         string            `toml:"base_dir"`
	Host            string            `toml:"host"`
	SealerRPCBase   int               `toml:"sealer_rpc_base"`
	SealerP2PBase   int               `toml:"sealer_p2p_base"`
	SealerWSBase    int               `toml:"sealer_ws_base"`
	Users           []string          `toml:"users"` // user accounts, one node per account
	UserRPCBase     int               `toml:"user_rpc_base"`
	UserP2PBase     int               `toml:"user_p2p_base"`
	UserWSBase      int               `toml:"user_ws_base"`
	Adversary       string            `toml:"adversary"`       // profile of the adversarial sealer ("" = none)
	AdversaryIndex  int               `toml:"adversary_index"` // sealer ordinal running Adversary
	NodeProfiles    map[string]string `toml:"node_profiles"`   // node name -> profile override
	StopTimeoutSec  int               `toml:"stop_timeout"`
	ReadyTimeoutSec int               `toml:"ready_timeout"`
	ReservedPeers   string            `toml:"reserved_peers"`
}

// ProfileConfig overrides or adds a client profile.
type ProfileConfig struct {
	Binary      string   `toml:"binary"`
	Adversarial bool     `toml:"adversarial"`
	Description string   `toml:"description"`
	Args        []string `toml:"args"`
}

// InjectConfig controls transaction load.
type InjectConfig struct {
	Count        int    `toml:"count"`
	IntervalMS   int    `toml:"interval_ms"`
	Gas          string `toml:"gas"`
	GasPrice     string `toml:"gas_price"`
	Value        string `toml:"value"`
	TargetOffset int    `toml:"target_offset"` // user i sends to user (i+offset) mod len(users)
}

// ScrapeConfig controls chain scraping and report output.
type ScrapeConfig struct {
	Endpoints    []string `toml:"endpoints"`
	Concurrency  int      `toml:"concurrency"`
	MaxAttempts  int      `toml:"max_attempts"`
	OutputDir    string   `toml:"output_dir"`
	OutputPrefix string   `toml:"output_prefix"`
}

// Defaults reproduce the 21-sealer / 5-user reference deployment.
const (
	DefaultStepPeriodSec  = 5
	DefaultNetworkID      = 2025
	DefaultChainSpec      = "21chain.json"
	DefaultFleetID        = "testchain"
	DefaultBaseDir        = "./testchain"
	DefaultHost           = "127.0.0.1"
	DefaultSealerRPCBase  = 8650
	DefaultSealerP2PBase  = 30300
	DefaultSealerWSBase   = 8750
	DefaultUserRPCBase    = 8671
	DefaultUserP2PBase    = 30321
	DefaultUserWSBase     = 8771
	DefaultStopTimeoutSec = 10
	DefaultReadyTimeout   = 60
	DefaultInjectCount    = 1000
	DefaultInjectInterval = 0
	DefaultGas            = "0x21000"
	DefaultGasPrice       = "0x20"
	DefaultValue          = "0x22"
	DefaultTargetOffset   = 2
	DefaultConcurrency    = 8
	DefaultMaxAttempts    = 4
	DefaultOutputDir      = "./results"
	DefaultRegistryPath   = "./testchain/registry.db"
	DefaultListenAddr     = ":3002"
	DefaultLogLevel       = "info"
)

// DefaultValidators are the sealer accounts of the reference chain, in turn order.
var DefaultValidators = []string{
	"0x00bd138abd70e2f00903268f3db08f2d25677c9e",
	"0x00aa39d30f0d20ff03a22ccfc30b7efbfca597c2",
	"0x002e28950558fbede1a9675cb113f0bd20912019",
	"0x00a94ac799442fb13de8302026fd03068ba6a428",
	"0x00d4f0e12020c15487b2a525abcb27de647c12de",
	"0x001f477a48a01d2561e324f874782b2dd8167772",
	"0x006137d98307ab6691ccedb7a10b295da8ae1035",
	"0x003f3b1f635b2dd9a4518c33098e5f72214d6a1e",
	"0x008272a8cfd2d3d0f3edc823b1bb729cb73f09db",
	"0x001ce0f63558e2fe10806d132d64d2b2f63ef64e",
	"0x0038658156bcb555c1aa24d1adabb57c36fbcd6d",
	"0x006a8e26c9653d22f1cadb22a81428deaa8554be",
	"0x00c3ca2fd819f4d2ea30c9fd99bf80c7c86f1f25",
	"0x00734b960d1edd54e50192e47acfdc8af0fbbd20",
	"0x002db24c08ed9397bc77a554e55f80d56be7b15f",
	"0x004f49d9267bce6bdefc0fe9065269fa5d24ead9",
	"0x00da2f656d0ae044234479e93d2006798046d6cd",
	"0x004edc8b40e4c8210e7c25cd9236f2461bbf1ada",
	"0x00a6a2655ad6707e925bb6949a933f05690288bb",
	"0x002d7b6716b90ef6a10c9ecbf4bf1056cd62a41c",
	"0x0049555fbcd81a300481f8bab352f2bd0679140e",
}

// DefaultUsers are the user accounts that generate load.
var DefaultUsers = []string{
	"0x005b0fbe9a9a53e66aca408e9dc2f9c53cbd6665",
	"0x00e46a5a194748871d4d17ac88d657f63b1c50e3",
	"0x00379d1ae3b1def5241a44369397a4dadb1dff64",
	"0x0054076b6784fc25baf961db2ebc760a49a14379",
	"0x0032d84dff7be846333990d48d05db2a670089ad",
}

// Default returns the reference configuration.
func Default() *Config {
	return &Config{
		Chain: ChainConfig{
			StepPeriodSec: DefaultStepPeriodSec,
			Validators:    append([]string(nil), DefaultValidators...),
			Spec:          DefaultChainSpec,
			NetworkID:     DefaultNetworkID,
		},
		Fleet: FleetConfig{
			ID:              DefaultFleetID,
			BaseDir:         DefaultBaseDir,
			Host:            DefaultHost,
			SealerRPCBase:   DefaultSealerRPCBase,
			SealerP2PBase:   DefaultSealerP2PBase,
			SealerWSBase:    DefaultSealerWSBase,
			Users:           append([]string(nil), DefaultUsers...),
			UserRPCBase:     DefaultUserRPCBase,
			UserP2PBase:     DefaultUserP2PBase,
			UserWSBase:      DefaultUserWSBase,
			Adversary:       profile.Sleep3s,
			AdversaryIndex:  0,
			StopTimeoutSec:  DefaultStopTimeoutSec,
			ReadyTimeoutSec: DefaultReadyTimeout,
		},
		Inject: InjectConfig{
			Count:        DefaultInjectCount,
			IntervalMS:   DefaultInjectInterval,
			Gas:          DefaultGas,
			GasPrice:     DefaultGasPrice,
			Value:        DefaultValue,
			TargetOffset: DefaultTargetOffset,
		},
		Scrape: ScrapeConfig{
			// The reference runs scraped through sealer 1, the honest neighbour of the adversary.
			Endpoints:   []string{fmt.Sprintf("http://%s:%d", DefaultHost, DefaultSealerRPCBase+1)},
			Concurrency: DefaultConcurrency,
			MaxAttempts: DefaultMaxAttempts,
			OutputDir:   DefaultOutputDir,
		},
		RegistryPath: DefaultRegistryPath,
		ListenAddr:   DefaultListenAddr,
		LogLevel:     DefaultLogLevel,
	}
}

// Load builds the configuration: defaults, then the TOML file at path (if
// non-empty), then environment overrides. Command-line flags are applied by
// the caller afterwards, followed by Validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return &Error{Field: "file", Reason: fmt.Sprintf("%s: %v", path, err)}
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return &Error{Field: "file", Reason: fmt.Sprintf("%s: unknown keys %s", path, strings.Join(keys, ", "))}
	}
	return nil
}

// ApplyEnv applies environment variable overrides.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("REGISTRY_PATH"); v != "" {
		c.RegistryPath = v
	}
	if v := os.Getenv("FLEET_BASE_DIR"); v != "" {
		c.Fleet.BaseDir = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("STEP_PERIOD"); v != "" {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return &Error{Field: "STEP_PERIOD", Reason: fmt.Sprintf("not an integer: %q", v)}
		}
		c.Chain.StepPeriodSec = secs
	}
	if v := os.Getenv("NOTIFY_URLS"); v != "" {
		c.NotifyURLs = splitList(v)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Chain.StepPeriodSec <= 0 {
		return &Error{Field: "chain.step_period", Reason: fmt.Sprintf("must be positive, got %d", c.Chain.StepPeriodSec)}
	}
	if len(c.Chain.Validators) == 0 {
		return &Error{Field: "chain.validators", Reason: "validator set is empty"}
	}
	seen := make(map[string]int, len(c.Chain.Validators))
	for i, v := range c.Chain.Validators {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			return &Error{Field: "chain.validators", Reason: fmt.Sprintf("validator %d is blank", i)}
		}
		if prev, dup := seen[key]; dup {
			return &Error{Field: "chain.validators", Reason: fmt.Sprintf("%s listed at %d and %d", v, prev, i)}
		}
		seen[key] = i
	}

	f := c.Fleet
	if f.ID == "" {
		return &Error{Field: "fleet.id", Reason: "fleet id is required"}
	}
	if f.BaseDir == "" {
		return &Error{Field: "fleet.base_dir", Reason: "base directory is required"}
	}
	n, u := len(c.Chain.Validators), len(f.Users)
	ranges := []struct {
		name  string
		base  int
		count int
	}{
		{"fleet.sealer_rpc_base", f.SealerRPCBase, n},
		{"fleet.sealer_p2p_base", f.SealerP2PBase, n},
		{"fleet.sealer_ws_base", f.SealerWSBase, n},
		{"fleet.user_rpc_base", f.UserRPCBase, u},
		{"fleet.user_p2p_base", f.UserP2PBase, u},
		{"fleet.user_ws_base", f.UserWSBase, u},
	}
	for _, r := range ranges {
		if r.count > 0 && (r.base <= 0 || r.base+r.count-1 > 65535) {
			return &Error{Field: r.name, Reason: fmt.Sprintf("port range %d..%d is invalid", r.base, r.base+r.count-1)}
		}
	}
	for i := range ranges {
		for j := i + 1; j < len(ranges); j++ {
			a, b := ranges[i], ranges[j]
			if a.count > 0 && b.count > 0 && rangesOverlap(a.base, a.count, b.base, b.count) {
				return &Error{Field: b.name, Reason: fmt.Sprintf("port range overlaps %s", a.name)}
			}
		}
	}

	reg := c.ProfileRegistry()
	if f.Adversary != "" {
		if reg.Get(f.Adversary) == nil {
			return &Error{Field: "fleet.adversary", Reason: fmt.Sprintf("unknown profile %q (known: %s)", f.Adversary, strings.Join(reg.Names(), ", "))}
		}
		if f.AdversaryIndex < 0 || f.AdversaryIndex >= n {
			return &Error{Field: "fleet.adversary_index", Reason: fmt.Sprintf("must be in [0, %d), got %d", n, f.AdversaryIndex)}
		}
	}
	for node, name := range f.NodeProfiles {
		if reg.Get(name) == nil {
			return &Error{Field: "fleet.node_profiles", Reason: fmt.Sprintf("node %s: unknown profile %q", node, name)}
		}
	}
	if f.StopTimeoutSec <= 0 {
		return &Error{Field: "fleet.stop_timeout", Reason: "must be positive"}
	}

	if c.Inject.Count <= 0 {
		return &Error{Field: "inject.count", Reason: "must be positive"}
	}
	if c.Inject.IntervalMS < 0 {
		return &Error{Field: "inject.interval_ms", Reason: "cannot be negative"}
	}
	if c.Scrape.Concurrency <= 0 {
		return &Error{Field: "scrape.concurrency", Reason: "must be positive"}
	}
	if c.Scrape.MaxAttempts <= 0 {
		return &Error{Field: "scrape.max_attempts", Reason: "must be positive"}
	}
	return nil
}

// StepPeriod returns the chain step period.
func (c *Config) StepPeriod() time.Duration {
	return time.Duration(c.Chain.StepPeriodSec) * time.Second
}

// InjectInterval returns the spacing between injected transactions.
func (c *Config) InjectInterval() time.Duration {
	return time.Duration(c.Inject.IntervalMS) * time.Millisecond
}

// StopTimeout returns the graceful stop window.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Fleet.StopTimeoutSec) * time.Second
}

// ReadyTimeout returns the readiness wait bound.
func (c *Config) ReadyTimeout() time.Duration {
	return time.Duration(c.Fleet.ReadyTimeoutSec) * time.Second
}

// ProfileRegistry returns the built-in profiles merged with configured ones.
func (c *Config) ProfileRegistry() *profile.Registry {
	reg := profile.DefaultRegistry()
	for name, pc := range c.Profiles {
		p := &profile.Profile{
			Name:        name,
			Binary:      pc.Binary,
			Adversarial: pc.Adversarial,
			Description: pc.Description,
			ExtraArgs:   pc.Args,
		}
		if base := reg.Get(name); base != nil {
			if p.Binary == "" {
				p.Binary = base.Binary
			}
			if p.Description == "" {
				p.Description = base.Description
			}
			p.Adversarial = p.Adversarial || base.Adversarial
		}
		reg.Register(p)
	}
	return reg
}

// SealerRPCURL returns the RPC endpoint of sealer i.
func (f FleetConfig) SealerRPCURL(i int) string {
	return fmt.Sprintf("http://%s:%d", f.Host, f.SealerRPCBase+i)
}

// UserRPCURL returns the RPC endpoint of user node i.
func (f FleetConfig) UserRPCURL(i int) string {
	return fmt.Sprintf("http://%s:%d", f.Host, f.UserRPCBase+i)
}

// SealerWSURL returns the websocket endpoint of sealer i.
func (f FleetConfig) SealerWSURL(i int) string {
	return fmt.Sprintf("ws://%s:%d", f.Host, f.SealerWSBase+i)
}

func rangesOverlap(aBase, aCount, bBase, bCount int) bool {
	return aBase < bBase+bCount && bBase < aBase+aCount
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
