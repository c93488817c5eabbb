package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
log_level: debug
tick_interval: 100ms
interfaces:
  - name: eth0
    mtu: 1500
    addresses: ["192.168.1.1"]
    arp:
      static:
        - ip: 192.168.1.254
          mac: "02:00:00:00:00:fe"
    dhcpv6:
      enabled: true
      rapid_commit: true
      timeout: 30s
    mdns:
      enabled: true
      hostname: printer
    nbns:
      enabled: true
      name: PRINTER
snmp:
  enabled: true
  communities: [public]
  contact: admin@example.com
api:
  listen: "127.0.0.1:9999"
  token: secret
syslog:
  - host: 10.0.0.1
    severity: warning
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.TickInterval.Std() != 100*time.Millisecond {
		t.Errorf("tick interval = %v", cfg.TickInterval)
	}
	if len(cfg.Interfaces) != 1 {
		t.Fatalf("interfaces = %d, want 1", len(cfg.Interfaces))
	}

	ifc := cfg.Interfaces[0]
	if ifc.Name != "eth0" || ifc.MTU != 1500 {
		t.Errorf("interface = %+v", ifc)
	}
	if !ifc.DHCPv6.Enabled || !ifc.DHCPv6.RapidCommit || ifc.DHCPv6.Timeout.Std() != 30*time.Second {
		t.Errorf("dhcpv6 = %+v", ifc.DHCPv6)
	}
	if len(ifc.ARP.Static) != 1 || ifc.ARP.Static[0].IP != "192.168.1.254" {
		t.Errorf("arp static = %+v", ifc.ARP.Static)
	}
	if !ifc.MDNS.Enabled || ifc.MDNS.Hostname != "printer" {
		t.Errorf("mdns = %+v", ifc.MDNS)
	}

	if cfg.SNMP == nil || !cfg.SNMP.Enabled || cfg.SNMP.Listen != DefaultSNMPListen {
		t.Errorf("snmp = %+v", cfg.SNMP)
	}
	if cfg.API.Listen != "127.0.0.1:9999" || cfg.API.Token != "secret" {
		t.Errorf("api = %+v", cfg.API)
	}
	if len(cfg.Syslog) != 1 || cfg.Syslog[0].Port != 514 {
		t.Errorf("syslog = %+v", cfg.Syslog)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte("interfaces:\n  - name: eth0\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default log level = %q", cfg.LogLevel)
	}
	if cfg.TickInterval.Std() != DefaultTickInterval {
		t.Errorf("default tick interval = %v", cfg.TickInterval)
	}
	if cfg.API.Listen != DefaultAPIListen {
		t.Errorf("default api listen = %q", cfg.API.Listen)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	_, err := Parse([]byte("bogus_key: 1\n"))
	if err == nil {
		t.Fatal("unknown top-level key should be rejected")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing name", "interfaces:\n  - mtu: 1500\n", "name is required"},
		{"duplicate", "interfaces:\n  - name: eth0\n  - name: eth0\n", "configured twice"},
		{"bad address", "interfaces:\n  - name: eth0\n    addresses: [zzz]\n", "address"},
		{"bad static mac", "interfaces:\n  - name: eth0\n    arp:\n      static:\n        - ip: 10.0.0.1\n          mac: nope\n", "mac"},
		{"v6 static neighbor", "interfaces:\n  - name: eth0\n    arp:\n      static:\n        - ip: \"fe80::1\"\n          mac: \"02:00:00:00:00:01\"\n", "IPv4"},
		{"mdns no hostname", "interfaces:\n  - name: eth0\n    mdns:\n      enabled: true\n", "hostname"},
		{"nbns long name", "interfaces:\n  - name: eth0\n    nbns:\n      enabled: true\n      name: AVERYLONGNBNSNAME\n", "15"},
		{"snmp no community", "snmp:\n  enabled: true\n", "communities"},
		{"bad level", "log_level: loud\n", "log level"},
		{"manual dns v4", "interfaces:\n  - name: eth0\n    dhcpv6:\n      enabled: true\n      manual_dns: true\n      dns: [8.8.8.8]\n", "IPv6"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ustack.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Interfaces) != 1 {
		t.Errorf("interfaces = %d", len(cfg.Interfaces))
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file should error")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.name)
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v", tt.name, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("bad level should error")
	}
}
