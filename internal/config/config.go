// Package config resolves run settings from defaults, an optional YAML
// file, BLFLASH_* environment variables and command-line flags, in that
// order of precedence.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bigbag/stm32-bl-flasher/internal/boot"
	"github.com/bigbag/stm32-bl-flasher/internal/flasher"
	"github.com/bigbag/stm32-bl-flasher/internal/logging"
	"github.com/bigbag/stm32-bl-flasher/internal/serial"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "BLFLASH"

// DefaultWriteAddress is the first byte of sector 2, where the
// application image lives.
const DefaultWriteAddress = "0x08008000"

// Config is the effective configuration.
type Config struct {
	Port    string        `mapstructure:"port" yaml:"port"`
	Baud    int           `mapstructure:"baud" yaml:"baud"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	Flash Flash `mapstructure:"flash" yaml:"flash"`
	Log   Log   `mapstructure:"log" yaml:"log"`
	Boot  Boot  `mapstructure:"boot" yaml:"boot"`
}

// Flash holds the update parameters. Addresses are strings so they can be
// written in hex.
type Flash struct {
	SectorStart   int    `mapstructure:"sector_start" yaml:"sector_start"`
	SectorCount   int    `mapstructure:"sector_count" yaml:"sector_count"`
	WriteAddress  string `mapstructure:"write_address" yaml:"write_address"`
	EntryAddress  string `mapstructure:"entry_address" yaml:"entry_address"`
	OnDeviceError string `mapstructure:"on_device_error" yaml:"on_device_error"`
}

// Log mirrors logging.Options.
type Log struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Boot holds the optional GPIO numbers, -1 when unused.
type Boot struct {
	Boot0GPIO int `mapstructure:"boot0_gpio" yaml:"boot0_gpio"`
	ResetGPIO int `mapstructure:"reset_gpio" yaml:"reset_gpio"`
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"port":            "port",
	"baud":            "baud",
	"timeout":         "timeout",
	"sector":          "flash.sector_start",
	"count":           "flash.sector_count",
	"address":         "flash.write_address",
	"entry":           "flash.entry_address",
	"on-device-error": "flash.on_device_error",
	"log-level":       "log.level",
	"log-file":        "log.file",
	"boot0-gpio":      "boot.boot0_gpio",
	"reset-gpio":      "boot.reset_gpio",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "")
	v.SetDefault("baud", serial.DefaultBaudRate)
	v.SetDefault("timeout", serial.DefaultReadTimeout)

	v.SetDefault("flash.sector_start", 0)
	v.SetDefault("flash.sector_count", 0)
	v.SetDefault("flash.write_address", DefaultWriteAddress)
	v.SetDefault("flash.entry_address", "")
	v.SetDefault("flash.on_device_error", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.compress", false)

	v.SetDefault("boot.boot0_gpio", boot.Disabled)
	v.SetDefault("boot.reset_gpio", boot.Disabled)
}

// Load builds the configuration. cfgFile may be empty, in which case
// blflash.yaml is looked up in the working directory and is optional.
// Flags that were not set on the command line do not override lower
// layers.
func Load(flags *pflag.FlagSet, cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config %s", cfgFile)
		}
	} else {
		v.SetConfigName("blflash")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "failed to read config")
			}
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errors.Wrapf(err, "failed to bind flag --%s", name)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	return cfg, nil
}

// ParseAddress parses a 32-bit address in decimal, 0x hex or 0 octal.
// An empty string yields zero.
func ParseAddress(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid address %q", s)
	}
	return uint32(n), nil
}

// Params converts the configuration into run parameters for imagePath.
// Mandatory values are checked by flasher.Params.Validate.
func (c *Config) Params(imagePath string) (flasher.Params, error) {
	write, err := ParseAddress(c.Flash.WriteAddress)
	if err != nil {
		return flasher.Params{}, errors.Wrap(err, "write address")
	}
	entry, err := ParseAddress(c.Flash.EntryAddress)
	if err != nil {
		return flasher.Params{}, errors.Wrap(err, "entry address")
	}
	if c.Flash.SectorStart < 0 || c.Flash.SectorStart > 0xFF {
		return flasher.Params{}, errors.Errorf("sector start %d out of range", c.Flash.SectorStart)
	}

	p := flasher.Params{
		Port:          c.Port,
		BaudRate:      c.Baud,
		ReadTimeout:   c.Timeout,
		ImagePath:     imagePath,
		SectorStart:   byte(c.Flash.SectorStart),
		SectorCount:   c.Flash.SectorCount,
		WriteAddress:  write,
		EntryAddress:  entry,
		OnDeviceError: flasher.DeviceErrorPolicy(strings.ToLower(strings.TrimSpace(c.Flash.OnDeviceError))),
	}
	return p, nil
}

// Logging returns the logger options.
func (c *Config) Logging() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxAgeDays: c.Log.MaxAgeDays,
		MaxBackups: c.Log.MaxBackups,
		Compress:   c.Log.Compress,
	}
}

// BootLines returns the GPIO wiring.
func (c *Config) BootLines() boot.Config {
	return boot.Config{
		Boot0GPIO: c.Boot.Boot0GPIO,
		ResetGPIO: c.Boot.ResetGPIO,
	}
}

// Dump renders the configuration as YAML.
func (c *Config) Dump() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode config")
	}
	return out, nil
}
