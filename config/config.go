// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

const (
	// DefaultConfigFile is the default path to the agent config, used
	// when no -config flag is passed. The only other command-line flags
	// are -debug and -version.
	DefaultConfigFile = `C:\ProgramData\PDVSSAgent\config.toml`

	// DefaultEventLogSource is the Windows Event Log source name the
	// agent registers completion events and lifecycle notices under.
	DefaultEventLogSource = "PDVSSAgent"

	// DefaultIOCTLTimeout is the timeout hint carried in every framed
	// IOCTL (spec §6.1). The vioscsi-style driver does not currently
	// enforce it, but it is always sent.
	DefaultIOCTLTimeout = 10 * time.Second

	// DefaultAdapterScanLimit bounds the adapter-discovery scan (spec
	// §4.1: "bounded scan, say 0..15").
	DefaultAdapterScanLimit = 16

	// DefaultSeenOperationCacheSize bounds the in-flight (target,lun)
	// de-duplication cache the processor keeps (SPEC_FULL §4.5).
	DefaultSeenOperationCacheSize = 128
)

// ParseConfig parses the file passed in as cfgFile and returns a *Config.
// A missing file is not an error: the agent runs with defaults, since it
// has no mandatory external configuration (no user-facing API, no DB).
func ParseConfig(cfgFile string) (*Config, error) {
	config := Default()
	if cfgFile == "" {
		return config, nil
	}

	if _, err := os.Stat(cfgFile); err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, errors.Wrap(err, "statting config file")
	}

	if _, err := toml.DecodeFile(cfgFile, config); err != nil {
		return nil, errors.Wrap(err, "decoding toml")
	}

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	return config, nil
}

// Default returns a Config populated with the package defaults.
func Default() *Config {
	return &Config{
		LogFile:                DefaultEventLogSource + ".log",
		EventLogSource:         DefaultEventLogSource,
		AdapterScanLimit:       DefaultAdapterScanLimit,
		IOCTLTimeoutSeconds:    int(DefaultIOCTLTimeout.Seconds()),
		SeenOperationCacheSize: DefaultSeenOperationCacheSize,
		DiscardOnStart:         true,
	}
}

// Config is the pdvss-agent config. There is intentionally no network or
// API section: spec §1 is explicit that the agent exposes no user-facing
// API and persists no state across restarts.
type Config struct {
	// LogFile is the location of the rotating log file. Empty means
	// stdout (useful when run under `-debug`/svc/debug.Run).
	LogFile string `toml:"log_file"`

	// Debug enables per-phase-transition trace logging (spec §7).
	Debug bool `toml:"debug"`

	// EventLogSource is the Windows Event Log source name structured
	// completion events (SNAPSHOT_SUCCEED/SNAPSHOT_FAILED) are filed
	// under.
	EventLogSource string `toml:"event_log_source"`

	// AdapterScanLimit bounds the adapter-discovery device scan.
	AdapterScanLimit int `toml:"adapter_scan_limit"`

	// IOCTLTimeoutSeconds is the timeout hint carried in every framed
	// IOCTL buffer.
	IOCTLTimeoutSeconds int `toml:"ioctl_timeout_seconds"`

	// SeenOperationCacheSize bounds the processor's in-flight
	// (target,lun) de-duplication cache.
	SeenOperationCacheSize int `toml:"seen_operation_cache_size"`

	// DiscardOnStart controls whether a DISCARD IOCTL is issued once at
	// startup to clear a pending REQUESTED left over from an unclean
	// prior exit (spec §4.5).
	DiscardOnStart bool `toml:"discard_on_start"`
}

// Validate validates the config options.
func (c *Config) Validate() error {
	if c.EventLogSource == "" {
		return fmt.Errorf("missing event_log_source")
	}
	if c.AdapterScanLimit < 1 {
		return fmt.Errorf("adapter_scan_limit must be positive")
	}
	if c.IOCTLTimeoutSeconds < 1 {
		return fmt.Errorf("ioctl_timeout_seconds must be positive")
	}
	if c.SeenOperationCacheSize < 1 {
		return fmt.Errorf("seen_operation_cache_size must be positive")
	}
	return nil
}

// Dump dumps the config to a file.
func (c *Config) Dump(destination string) error {
	fd, err := os.OpenFile(destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer fd.Close()

	enc := toml.NewEncoder(fd)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return nil
}
