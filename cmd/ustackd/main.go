// ustackd runs the ustack network services daemon.
//
// It attaches ARP, NDP, DHCPv6 client, mDNS, and NBNS state machines to
// the configured interfaces and exposes an HTTP management API and an
// SNMP agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/psaab/ustack/pkg/config"
	"github.com/psaab/ustack/pkg/daemon"
)

func main() {
	configFile := flag.String("config", "/etc/ustack/ustack.yaml", "configuration file path")
	check := flag.Bool("check", false, "validate the configuration and exit")
	flag.Parse()

	if *check {
		if _, err := config.Load(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "ustackd: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("configuration OK")
		return
	}

	d := daemon.New(daemon.Options{ConfigFile: *configFile})
	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "ustackd: %v\n", err)
		os.Exit(1)
	}
}
