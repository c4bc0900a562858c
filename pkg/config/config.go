package config

// Package config provides a reusable loader for a storage-network node's
// configuration file and environment variable overrides. Grounded on the
// teacher's pkg/config/config.go viper-based loader; the Config struct
// itself is redrawn for this domain (node identity/storage/listen address,
// bootstrap contacts, metrics endpoint) in place of the teacher's
// network/consensus/VM blockchain fields, and the package-global AppConfig
// is dropped: Load returns a *Config the caller threads through
// constructors explicitly, per the ambient-stack decision that
// NetworkKnowledge's single-writer discipline and testability both need
// constructed-not-global state.
//
// Version: v0.1.0

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"stornet/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a storage-network node.
type Config struct {
	Node struct {
		KeyPath           string `mapstructure:"key_path" json:"key_path"`
		DataDir           string `mapstructure:"data_dir" json:"data_dir"`
		ListenAddr        string `mapstructure:"listen_addr" json:"listen_addr"`
		First             bool   `mapstructure:"first" json:"first"`
		BootstrapContacts string `mapstructure:"bootstrap_contacts" json:"bootstrap_contacts"`
		MaxCapacityBytes  uint64 `mapstructure:"max_capacity_bytes" json:"max_capacity_bytes"`
	} `mapstructure:"node" json:"node"`

	Storage struct {
		EncryptAtRest bool   `mapstructure:"encrypt_at_rest" json:"encrypt_at_rest"`
		KeyHex        string `mapstructure:"key_hex" json:"key_hex"`
	} `mapstructure:"storage" json:"storage"`

	Metrics struct {
		Enabled    bool   `mapstructure:"enabled" json:"enabled"`
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"metrics" json:"metrics"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig is retained only as the zero-value the CLI unmarshals flags
// onto before merging a config file; unlike the teacher's AppConfig, it is
// never read by package-level code elsewhere, only assigned to and handed
// off by cmd/node.
var AppConfig Config

// Load reads configFile (when non-empty) and merges STORNET_-prefixed
// environment variable overrides on top of built-in defaults, returning the
// resulting Config. It never mutates a package global other than the
// scratch AppConfig value used as the unmarshal target.
func Load(configFile string) (*Config, error) {
	// Load .env into the process environment first, matching the
	// teacher's config loaders: a missing .env is not an error (most
	// deployments set real environment variables instead), but one that's
	// present should win over built-in defaults via AutomaticEnv below.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, utils.Wrap(err, "load .env")
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("stornet")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("node.data_dir", "./data")
	v.SetDefault("node.listen_addr", "0.0.0.0:0")
	v.SetDefault("node.key_path", "./data/node.key")
	v.SetDefault("logging.level", "info")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("read config %s", configFile))
		}
	}

	if err := v.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}
