// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ffutop/twain-bridge/internal/driver/virtual"
	"github.com/ffutop/twain-bridge/internal/pdfraster"
	"github.com/ffutop/twain-bridge/transport/serial"
)

// EnvPrefix prefixes environment overrides, e.g. TWAINBRIDGE_IPC_ADDRESS.
const EnvPrefix = "TWAINBRIDGE"

// Config defines the global configuration structure
type Config struct {
	Log          LogConfig        `mapstructure:"log"`
	IPC          IPCConfig        `mapstructure:"ipc"`
	ImagesFolder string           `mapstructure:"images_folder"`
	Scanner      string           `mapstructure:"scanner"`
	RegisterFile string           `mapstructure:"register_file"`
	Capture      CaptureConfig    `mapstructure:"capture"`
	Developer    DeveloperConfig  `mapstructure:"developer"`
	Encryption   EncryptionConfig `mapstructure:"encryption"`
	Metrics      MetricsConfig    `mapstructure:"metrics"`
	Driver       DriverConfig     `mapstructure:"driver"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path, empty or "-" for stdout
}

// IPCConfig defines the channel to the controlling process
type IPCConfig struct {
	Type        string        `mapstructure:"type"`    // "tcp", "serial"
	Address     string        `mapstructure:"address"` // Used if Type is "tcp"
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// ParentPID is watched; the bridge disconnects when it exits. 0 disables.
	ParentPID       int           `mapstructure:"parent_pid"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	Serial          serial.Config `mapstructure:"serial"` // Used if Type is "serial"
}

type CaptureConfig struct {
	TransferMechanism string `mapstructure:"transfer_mechanism"` // "", "memory", "memfile"
	ShowIndicators    bool   `mapstructure:"show_indicators"`
	PlatformPrefix    string `mapstructure:"platform_prefix"`
}

// DeveloperConfig holds fault injection hooks.
type DeveloperConfig struct {
	ForceDrainedStatus string `mapstructure:"force_drained_status"`
}

// EncryptionConfig selects the profile signing generated pages.
type EncryptionConfig struct {
	Profile  string                       `mapstructure:"profile"`
	Profiles map[string]EncryptionProfile `mapstructure:"profiles"`
}

type EncryptionProfile struct {
	Key      string `mapstructure:"key"`
	Password string `mapstructure:"password"`
}

type MetricsConfig struct {
	Address string `mapstructure:"address"` // e.g. "127.0.0.1:9464", empty disables
}

// DriverConfig selects the TWAIN driver.
type DriverConfig struct {
	Type    string           `mapstructure:"type"` // "virtual"
	Virtual virtual.Settings `mapstructure:"virtual"`
}

// setDefaults also registers every key environment overrides may target:
// viper only unmarshals keys it knows about.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("ipc.type", "tcp")
	v.SetDefault("ipc.address", "")
	v.SetDefault("ipc.parent_pid", 0)
	v.SetDefault("ipc.serial.device", "")
	v.SetDefault("ipc.dial_timeout", 30*time.Second)
	v.SetDefault("ipc.monitor_interval", time.Second)
	v.SetDefault("ipc.serial.baud_rate", 115200)
	v.SetDefault("ipc.serial.data_bits", 8)
	v.SetDefault("ipc.serial.parity", "N")
	v.SetDefault("ipc.serial.stop_bits", 1)
	v.SetDefault("ipc.serial.timeout", 500*time.Millisecond)
	v.SetDefault("images_folder", "images")
	v.SetDefault("scanner", "")
	v.SetDefault("register_file", "")
	v.SetDefault("capture.transfer_mechanism", "")
	v.SetDefault("capture.show_indicators", false)
	v.SetDefault("capture.platform_prefix", "1")
	v.SetDefault("developer.force_drained_status", "")
	v.SetDefault("encryption.profile", "")
	v.SetDefault("metrics.address", "")
	v.SetDefault("driver.type", "virtual")

	d := virtual.DefaultSettings()
	v.SetDefault("driver.virtual.product_name", d.ProductName)
	v.SetDefault("driver.virtual.manufacturer", d.Manufacturer)
	v.SetDefault("driver.virtual.tier", d.Tier)
	v.SetDefault("driver.virtual.sheets", d.Sheets)
	v.SetDefault("driver.virtual.page_width", d.PageWidth)
	v.SetDefault("driver.virtual.page_height", d.PageHeight)
	v.SetDefault("driver.virtual.resolution", d.Resolution)
	v.SetDefault("driver.virtual.buffer_size", d.BufferSize)
	v.SetDefault("driver.virtual.page_side", d.PageSide)
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":       "log.level",
	"log-file":        "log.file",
	"ipc":             "ipc.type",
	"ipc-address":     "ipc.address",
	"serial-device":   "ipc.serial.device",
	"parent-pid":      "ipc.parent_pid",
	"images-folder":   "images_folder",
	"scanner":         "scanner",
	"register-file":   "register_file",
	"metrics-address": "metrics.address",
}

// LoadConfig loads configuration from file, environment and flags, in
// increasing priority. Without configFile the usual locations are searched
// and a missing file is not an error.
func LoadConfig(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/twainbridge/")
		v.AddConfigPath("$HOME/.twainbridge")
		v.AddConfigPath(".")
	}

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	c.IPC.Serial.Parity = strings.ToUpper(c.IPC.Serial.Parity)
	switch c.IPC.Type {
	case "tcp":
		if c.IPC.Address == "" {
			return errors.New("ipc.address is required for the tcp channel")
		}
	case "serial":
		if c.IPC.Serial.Device == "" {
			return errors.New("ipc.serial.device is required for the serial channel")
		}
	default:
		return fmt.Errorf("unknown ipc.type %q", c.IPC.Type)
	}
	switch c.Capture.TransferMechanism {
	case "", "memory", "memfile":
	default:
		return fmt.Errorf("unknown capture.transfer_mechanism %q", c.Capture.TransferMechanism)
	}
	if c.Driver.Type != "virtual" {
		return fmt.Errorf("unknown driver.type %q", c.Driver.Type)
	}
	// Map keys come back lower case from viper.
	c.Encryption.Profile = strings.ToLower(c.Encryption.Profile)
	if c.Encryption.Profile != "" {
		if _, ok := c.Encryption.Profiles[c.Encryption.Profile]; !ok {
			return fmt.Errorf("encryption profile %q is not defined", c.Encryption.Profile)
		}
	}
	return nil
}

// Signer returns the page signer of the selected encryption profile, or nil.
func (c *Config) Signer() *pdfraster.Signer {
	if c.Encryption.Profile == "" {
		return nil
	}
	p := c.Encryption.Profiles[c.Encryption.Profile]
	return pdfraster.NewSigner(c.Encryption.Profile, p.Key, p.Password)
}
