package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/templewallet/walletd/backup"
	"github.com/templewallet/walletd/intercom"
)

// Config holds the daemon configuration
type Config struct {
	// DevMode enables development mode (TCP instead of vsock)
	DevMode bool `yaml:"dev_mode"`

	// Storage configuration
	Storage StorageConfig `yaml:"storage"`

	// Intercom port configuration
	Intercom IntercomConfig `yaml:"intercom"`

	// NATS dApp relay configuration; empty URL disables the relay
	NATS intercom.RelayConfig `yaml:"nats"`

	// Remote backup configuration
	Backup BackupConfig `yaml:"backup"`

	// Built-in networks
	Networks NetworksConfig `yaml:"networks"`
}

// StorageConfig locates the sqlite KV store
type StorageConfig struct {
	Path string `yaml:"path"`
}

// IntercomConfig holds frontend port settings
type IntercomConfig struct {
	TCPAddr   string `yaml:"tcp_addr"`
	VsockPort uint32 `yaml:"vsock_port"`
}

// BackupConfig holds remote backup settings
type BackupConfig struct {
	Enabled   bool            `yaml:"enabled"`
	KeyPrefix string          `yaml:"key_prefix"`
	S3        backup.S3Config `yaml:"s3"`
}

// NetworksConfig lists the networks available out of the box. Custom
// networks added at runtime persist in storage, not here.
type NetworksConfig struct {
	Tezos []TezosNetwork `yaml:"tezos"`
	Evm   []EvmChain     `yaml:"evm"`
}

// TezosNetwork names one Tezos network and its node
type TezosNetwork struct {
	Name   string `yaml:"name"`
	RPCURL string `yaml:"rpc_url"`
}

// EvmChain names one EVM chain by its hex chain id
type EvmChain struct {
	ChainID string `yaml:"chain_id"`
	RPCURL  string `yaml:"rpc_url"`
}

// LoadConfig loads configuration from a YAML file, falling back to defaults
// when the file does not exist
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DevMode: false,
		Storage: StorageConfig{
			Path: "/var/lib/walletd/wallet.db",
		},
		Intercom: IntercomConfig{
			TCPAddr:   "127.0.0.1:9725",
			VsockPort: 5000,
		},
		NATS: intercom.RelayConfig{
			URL:           "",
			ReconnectWait: 2000,
			MaxReconnects: -1, // Unlimited
		},
		Backup: BackupConfig{
			Enabled:   false,
			KeyPrefix: "snapshots",
			S3: backup.S3Config{
				Region: "us-east-1",
			},
		},
		Networks: NetworksConfig{
			Tezos: []TezosNetwork{
				{Name: "mainnet", RPCURL: "https://mainnet.tezos.ecadinfra.com"},
				{Name: "ghostnet", RPCURL: "https://rpc.ghostnet.teztnets.com"},
			},
			Evm: []EvmChain{
				{ChainID: "0x1", RPCURL: "https://cloudflare-eth.com"},
				{ChainID: "0xaa36a7", RPCURL: "https://ethereum-sepolia-rpc.publicnode.com"},
			},
		},
	}
}
