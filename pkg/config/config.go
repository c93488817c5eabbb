// Package config loads and validates the ustack YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "200ms" or "30s" parse.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the top-level daemon configuration.
type Config struct {
	LogLevel     string            `yaml:"log_level"` // debug, info, warn, error
	TickInterval Duration          `yaml:"tick_interval"`
	Interfaces   []InterfaceConfig `yaml:"interfaces"`
	SNMP         *SNMPConfig       `yaml:"snmp"`
	API          APIConfig         `yaml:"api"`
	Syslog       []SyslogTarget    `yaml:"syslog"`
	EventLog     *EventLogConfig   `yaml:"event_log"`
}

// InterfaceConfig configures one managed network interface.
type InterfaceConfig struct {
	Name      string   `yaml:"name"`
	MTU       int      `yaml:"mtu"`
	Addresses []string `yaml:"addresses"` // static addresses, installed tentative

	ARP    ARPConfig   `yaml:"arp"`
	NDP    NDPConfig   `yaml:"ndp"`
	DHCPv6 DHCP6Config `yaml:"dhcpv6"`
	MDNS   MDNSConfig  `yaml:"mdns"`
	NBNS   NBNSConfig  `yaml:"nbns"`
}

// ARPConfig holds per-interface ARP settings.
type ARPConfig struct {
	Disabled bool             `yaml:"disabled"` // static-only mode when set
	Static   []StaticNeighbor `yaml:"static"`
}

// NDPConfig holds per-interface neighbor discovery settings.
type NDPConfig struct {
	Disabled bool `yaml:"disabled"`
}

// StaticNeighbor is a fixed IP to MAC mapping.
type StaticNeighbor struct {
	IP  string `yaml:"ip"`
	MAC string `yaml:"mac"`
}

// DHCP6Config holds per-interface DHCPv6 client settings.
type DHCP6Config struct {
	Enabled     bool     `yaml:"enabled"`
	RapidCommit bool     `yaml:"rapid_commit"`
	ManualDNS   bool     `yaml:"manual_dns"`
	DNS         []string `yaml:"dns"` // used when manual_dns is set
	Timeout     Duration `yaml:"timeout"`
}

// MDNSConfig holds per-interface multicast DNS responder settings.
type MDNSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Hostname string `yaml:"hostname"` // without the .local suffix
}

// NBNSConfig holds per-interface NetBIOS name service settings.
type NBNSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
}

// SNMPConfig configures the SNMP v2c agent.
type SNMPConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Listen      string   `yaml:"listen"` // default ":161"
	Communities []string `yaml:"communities"`
	Contact     string   `yaml:"contact"`
	Location    string   `yaml:"location"`
	Description string   `yaml:"description"`
}

// APIConfig configures the HTTP management API.
type APIConfig struct {
	Listen string `yaml:"listen"` // default "127.0.0.1:8640"
	Token  string `yaml:"token"`  // bearer token; empty disables auth
}

// SyslogTarget is one remote syslog destination.
type SyslogTarget struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`     // default 514
	Severity string `yaml:"severity"` // error, warning, info; empty = all
}

// EventLogConfig configures the local event log file.
type EventLogConfig struct {
	Path     string `yaml:"path"`
	MaxSize  int64  `yaml:"max_size"`
	MaxFiles int    `yaml:"max_files"`
}

// Defaults applied by Load.
const (
	DefaultTickInterval = 200 * time.Millisecond
	DefaultAPIListen    = "127.0.0.1:8640"
	DefaultSNMPListen   = ":161"
	defaultSyslogPort   = 514
)

// Load reads, parses and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.TickInterval <= 0 {
		c.TickInterval = Duration(DefaultTickInterval)
	}
	if c.API.Listen == "" {
		c.API.Listen = DefaultAPIListen
	}
	if c.SNMP != nil && c.SNMP.Listen == "" {
		c.SNMP.Listen = DefaultSNMPListen
	}
	for i := range c.Syslog {
		if c.Syslog[i].Port == 0 {
			c.Syslog[i].Port = defaultSyslogPort
		}
	}
}

// Validate checks the configuration for errors that would only surface at
// runtime otherwise.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i := range c.Interfaces {
		ifc := &c.Interfaces[i]
		if ifc.Name == "" {
			return fmt.Errorf("interfaces[%d]: name is required", i)
		}
		if seen[ifc.Name] {
			return fmt.Errorf("interface %q configured twice", ifc.Name)
		}
		seen[ifc.Name] = true

		for _, a := range ifc.Addresses {
			if _, err := netip.ParseAddr(a); err != nil {
				return fmt.Errorf("interface %s: address %q: %w", ifc.Name, a, err)
			}
		}
		for _, sn := range ifc.ARP.Static {
			addr, err := netip.ParseAddr(sn.IP)
			if err != nil {
				return fmt.Errorf("interface %s: static neighbor ip %q: %w", ifc.Name, sn.IP, err)
			}
			if !addr.Is4() {
				return fmt.Errorf("interface %s: static neighbor %s must be IPv4", ifc.Name, sn.IP)
			}
			if _, err := net.ParseMAC(sn.MAC); err != nil {
				return fmt.Errorf("interface %s: static neighbor mac %q: %w", ifc.Name, sn.MAC, err)
			}
		}
		if ifc.DHCPv6.ManualDNS {
			for _, d := range ifc.DHCPv6.DNS {
				addr, err := netip.ParseAddr(d)
				if err != nil {
					return fmt.Errorf("interface %s: dns %q: %w", ifc.Name, d, err)
				}
				if !addr.Is6() {
					return fmt.Errorf("interface %s: dns %s must be IPv6", ifc.Name, d)
				}
			}
		}
		if ifc.MDNS.Enabled && ifc.MDNS.Hostname == "" {
			return fmt.Errorf("interface %s: mdns enabled without hostname", ifc.Name)
		}
		if ifc.NBNS.Enabled {
			if ifc.NBNS.Name == "" {
				return fmt.Errorf("interface %s: nbns enabled without name", ifc.Name)
			}
			if len(ifc.NBNS.Name) > 15 {
				return fmt.Errorf("interface %s: nbns name %q exceeds 15 characters", ifc.Name, ifc.NBNS.Name)
			}
		}
	}

	if c.SNMP != nil && c.SNMP.Enabled && len(c.SNMP.Communities) == 0 {
		return fmt.Errorf("snmp enabled without communities")
	}
	return nil
}

// ParseLevel converts a config log level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}
