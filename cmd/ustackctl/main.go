// ustackctl is the remote CLI client for ustackd.
//
// It talks to the ustackd HTTP API and provides an interactive shell for
// inspecting neighbor caches, DHCPv6 leases, and recent events.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/psaab/ustack/pkg/api"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8640", "ustackd API address")
	token := flag.String("token", "", "API bearer token")
	flag.Parse()

	c := &ctl{
		base:  strings.TrimRight(*addr, "/"),
		token: *token,
		hc:    &http.Client{Timeout: 10 * time.Second},
	}

	// Verify connectivity
	var status api.StatusResponse
	if err := c.get("/api/v1/status", &status); err != nil {
		fmt.Fprintf(os.Stderr, "ustackctl: cannot reach ustackd at %s: %v\n", *addr, err)
		os.Exit(1)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "ustack> ",
		HistoryFile:     "/tmp/ustackctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ustackctl: readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Printf("ustackctl connected to ustackd (uptime: %s)\n", status.Uptime)
	fmt.Println("Type '?' for help")
	fmt.Println()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.dispatch(line); err != nil {
			if err == errExit {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

var errExit = fmt.Errorf("exit")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("show",
		readline.PcItem("interfaces"),
		readline.PcItem("neighbors"),
		readline.PcItem("arp", readline.PcItem("statistics")),
		readline.PcItem("dhcpv6"),
		readline.PcItem("events"),
		readline.PcItem("system"),
	),
	readline.PcItem("clear",
		readline.PcItem("arp"),
		readline.PcItem("ndp"),
	),
	readline.PcItem("release"),
	readline.PcItem("monitor", readline.PcItem("events")),
	readline.PcItem("help"),
	readline.PcItem("quit"),
	readline.PcItem("exit"),
)

type ctl struct {
	base  string
	token string
	hc    *http.Client
}

func (c *ctl) dispatch(line string) error {
	if strings.HasSuffix(line, "?") {
		showHelp()
		return nil
	}

	parts := strings.Fields(line)
	switch parts[0] {
	case "show":
		return c.handleShow(parts[1:])
	case "clear":
		return c.handleClear(parts[1:])
	case "release":
		if len(parts) < 2 {
			return fmt.Errorf("usage: release <interface>")
		}
		return c.releaseLease(parts[1])
	case "monitor":
		if len(parts) >= 2 && parts[1] == "events" {
			return c.monitorEvents()
		}
		return fmt.Errorf("usage: monitor events")
	case "help":
		showHelp()
		return nil
	case "quit", "exit":
		return errExit
	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (c *ctl) handleShow(args []string) error {
	if len(args) == 0 {
		fmt.Println("show: specify what to show")
		fmt.Println("  interfaces       Show interface status")
		fmt.Println("  neighbors        Show ARP and NDP neighbor caches")
		fmt.Println("  arp statistics   Show ARP engine counters")
		fmt.Println("  dhcpv6           Show DHCPv6 lease state")
		fmt.Println("  events           Show recent events")
		fmt.Println("  system           Show daemon status")
		return nil
	}

	switch args[0] {
	case "interfaces":
		return c.showInterfaces()
	case "neighbors":
		ifName := ""
		if len(args) >= 2 {
			ifName = args[1]
		}
		return c.showNeighbors(ifName)
	case "arp":
		if len(args) >= 2 && args[1] == "statistics" {
			return c.showARPStats()
		}
		return fmt.Errorf("usage: show arp statistics")
	case "dhcpv6":
		return c.showDHCP6()
	case "events":
		limit := 20
		if len(args) >= 2 {
			if v, err := strconv.Atoi(args[1]); err == nil {
				limit = v
			}
		}
		return c.showEvents(limit)
	case "system":
		return c.showSystem()
	default:
		return fmt.Errorf("unknown show target: %s", args[0])
	}
}

func (c *ctl) handleClear(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: clear arp|ndp [interface]")
	}
	query := ""
	if len(args) >= 2 {
		query = "?interface=" + url.QueryEscape(args[1])
	}

	var path string
	switch args[0] {
	case "arp":
		path = "/api/v1/arp/flush"
	case "ndp":
		path = "/api/v1/ndp/flush"
	default:
		return fmt.Errorf("unknown clear target: %s", args[0])
	}

	var result api.FlushResult
	if err := c.post(path+query, &result); err != nil {
		return err
	}
	fmt.Printf("%d entries flushed\n", result.Flushed)
	return nil
}

func (c *ctl) showInterfaces() error {
	var infos []api.InterfaceInfo
	if err := c.get("/api/v1/interfaces", &infos); err != nil {
		return err
	}
	for _, ii := range infos {
		state := "down"
		if ii.LinkUp {
			state = "up"
		}
		fmt.Printf("Interface: %s (index %d)\n", ii.Name, ii.Ifindex)
		fmt.Printf("  Link: %s, MAC: %s, MTU: %d\n", state, ii.MAC, ii.MTU)
		for _, a := range ii.Addresses {
			line := fmt.Sprintf("  Address: %s (%s)", a.Address, a.State)
			if a.Conflict {
				line += " CONFLICT"
			}
			fmt.Println(line)
		}
		fmt.Println()
	}
	return nil
}

func (c *ctl) showNeighbors(ifName string) error {
	path := "/api/v1/neighbors"
	if ifName != "" {
		path += "?interface=" + url.QueryEscape(ifName)
	}
	var entries []api.NeighborEntry
	if err := c.get(path, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No neighbor entries")
		return nil
	}
	fmt.Printf("%-18s %-6s %-28s %-18s %s\n",
		"Interface", "Proto", "Address", "MAC", "State")
	for _, e := range entries {
		fmt.Printf("%-18s %-6s %-28s %-18s %s\n",
			e.Interface, e.Protocol, e.Address, e.MAC, e.State)
	}
	return nil
}

func (c *ctl) showARPStats() error {
	var stats []api.ARPStatsInfo
	if err := c.get("/api/v1/arp/stats", &stats); err != nil {
		return err
	}
	for _, st := range stats {
		fmt.Printf("Interface: %s\n", st.Interface)
		fmt.Printf("  Requests sent:     %d\n", st.RequestsSent)
		fmt.Printf("  Replies sent:      %d\n", st.RepliesSent)
		fmt.Printf("  Replies received:  %d\n", st.RepliesReceived)
		fmt.Printf("  Queue drops:       %d\n", st.QueueDrops)
		fmt.Printf("  Failed resolves:   %d\n", st.FailedResolves)
		fmt.Printf("  Conflicts flagged: %d\n", st.ConflictsFlagged)
		fmt.Println()
	}
	return nil
}

func (c *ctl) showDHCP6() error {
	var bindings []api.DHCP6BindingInfo
	if err := c.get("/api/v1/dhcpv6", &bindings); err != nil {
		return err
	}
	if len(bindings) == 0 {
		fmt.Println("No DHCPv6 clients configured")
		return nil
	}
	for _, b := range bindings {
		fmt.Printf("Interface: %s\n", b.Interface)
		fmt.Printf("  State: %s\n", b.State)
		if b.ServerID != "" {
			fmt.Printf("  Server: %s\n", b.ServerID)
		}
		fmt.Printf("  T1: %s, T2: %s\n", b.T1, b.T2)
		for _, a := range b.Addresses {
			fmt.Printf("  Address: %s (%s, preferred %s, valid %s)\n",
				a.Address, a.State, a.Preferred, a.Valid)
		}
		if len(b.DNS) > 0 {
			fmt.Printf("  DNS: %s\n", strings.Join(b.DNS, ", "))
		}
		fmt.Println()
	}
	return nil
}

func (c *ctl) showEvents(limit int) error {
	var events []api.EventEntry
	if err := c.get(fmt.Sprintf("/api/v1/events?limit=%d", limit), &events); err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No events")
		return nil
	}
	for _, e := range events {
		fmt.Println(formatEvent(e))
	}
	return nil
}

func (c *ctl) showSystem() error {
	var status api.StatusResponse
	if err := c.get("/api/v1/status", &status); err != nil {
		return err
	}
	fmt.Printf("Uptime:     %s\n", status.Uptime)
	fmt.Printf("Interfaces: %d\n", status.InterfaceCount)
	fmt.Printf("Neighbors:  %d\n", status.NeighborCount)
	fmt.Printf("Leases:     %d\n", status.LeaseCount)
	return nil
}

func (c *ctl) releaseLease(ifName string) error {
	var result api.ReleaseResult
	path := "/api/v1/dhcpv6/release?interface=" + url.QueryEscape(ifName)
	if err := c.post(path, &result); err != nil {
		return err
	}
	if result.Released {
		fmt.Printf("lease released on %s\n", ifName)
	} else {
		fmt.Printf("no lease to release on %s\n", ifName)
	}
	return nil
}

// monitorEvents streams the SSE event feed until interrupted.
func (c *ctl) monitorEvents() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, "GET", c.base+"/api/v1/events/stream", nil)
	if err != nil {
		return err
	}
	c.setAuth(req)

	// The shared client has a timeout; streaming needs its own.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream: %s", resp.Status)
	}

	fmt.Println("monitoring events, ^C to stop")
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e api.EventEntry
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
			continue
		}
		fmt.Println(formatEvent(e))
	}
	if ctx.Err() != nil {
		fmt.Println()
		return nil
	}
	return scanner.Err()
}

func formatEvent(e api.EventEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-14s", e.Time, e.Type)
	if e.Interface != "" {
		fmt.Fprintf(&b, " %s", e.Interface)
	}
	if e.Address != "" {
		fmt.Fprintf(&b, " %s", e.Address)
	}
	if e.MAC != "" {
		fmt.Fprintf(&b, " %s", e.MAC)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, " %s", e.Detail)
	}
	return b.String()
}

func showHelp() {
	fmt.Println("Commands:")
	fmt.Println("  show interfaces             Interface status and addresses")
	fmt.Println("  show neighbors [ifc]        ARP and NDP neighbor caches")
	fmt.Println("  show arp statistics         ARP engine counters")
	fmt.Println("  show dhcpv6                 DHCPv6 lease state")
	fmt.Println("  show events [n]             Recent events")
	fmt.Println("  show system                 Daemon status")
	fmt.Println("  clear arp [ifc]             Flush dynamic ARP entries")
	fmt.Println("  clear ndp [ifc]             Flush NDP entries")
	fmt.Println("  release <ifc>               Release the DHCPv6 lease")
	fmt.Println("  monitor events              Stream events live")
	fmt.Println("  quit                        Exit")
}

func (c *ctl) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *ctl) get(path string, out any) error {
	req, err := http.NewRequest("GET", c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *ctl) post(path string, out any) error {
	req, err := http.NewRequest("POST", c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *ctl) do(req *http.Request, out any) error {
	c.setAuth(req)
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !envelope.Success {
		if envelope.Error != "" {
			return fmt.Errorf("%s", envelope.Error)
		}
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}
