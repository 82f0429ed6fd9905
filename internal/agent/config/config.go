// Package config holds the node agent's JSON configuration file.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

type Config struct {
	ListenAddr string `json:"listen_addr"`
	// APIPort is where the core's API inbound is exposed to the master.
	APIPort int `json:"api_port"`

	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
	// MasterCertFile is the PEM certificate the master presents as client.
	MasterCertFile string `json:"master_cert_file"`

	XrayBinary     string `json:"xray_binary"`
	XrayAssetsPath string `json:"xray_assets_path"`
	InstallPath    string `json:"install_path"`

	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":62050"
	}
	if c.APIPort == 0 {
		c.APIPort = 62051
	}
	if c.CertFile == "" {
		c.CertFile = "/var/lib/xray-node/node.crt"
	}
	if c.KeyFile == "" {
		c.KeyFile = "/var/lib/xray-node/node.key"
	}
	if c.InstallPath == "" {
		c.InstallPath = "/usr/local/bin"
	}
	if c.XrayBinary == "" {
		c.XrayBinary = c.InstallPath + "/xray"
	}
	if c.XrayAssetsPath == "" {
		c.XrayAssetsPath = "/usr/local/share/xray"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) Validate() error {
	if c.MasterCertFile == "" {
		return errors.New("master_cert_file is required")
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("api_port %d out of range", c.APIPort)
	}
	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf("listen=%s api_port=%d xray=%s", c.ListenAddr, c.APIPort, c.XrayBinary)
}
