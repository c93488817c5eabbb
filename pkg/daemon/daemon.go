// Package daemon implements the ustackd daemon lifecycle.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/psaab/ustack/pkg/api"
	"github.com/psaab/ustack/pkg/config"
	"github.com/psaab/ustack/pkg/logging"
	"github.com/psaab/ustack/pkg/snmp"
	"github.com/psaab/ustack/pkg/stack"
	"github.com/psaab/ustack/pkg/sysbind"
)

// Options configures the daemon.
type Options struct {
	ConfigFile string
}

// Daemon is the main ustackd daemon.
type Daemon struct {
	opts     Options
	cfg      *config.Config
	st       *stack.Stack
	eventBuf *logging.EventBuffer
	binder   *sysbind.Binder
	logHdlr  *logging.SyslogSlogHandler
	localLog *logging.LocalLogWriter
	services []*ifaceService
	shared   sharedConns
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = "/etc/ustack/ustack.yaml"
	}
	return &Daemon{opts: opts}
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	cfg, err := config.Load(d.opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	d.cfg = cfg

	d.setupLogging()
	defer d.teardownLogging()

	slog.Info("starting ustackd",
		"config", d.opts.ConfigFile,
		"interfaces", len(cfg.Interfaces),
		"pid", os.Getpid())

	d.eventBuf = logging.NewEventBuffer(1000)
	d.setupLocalLog()

	if binder, err := sysbind.New(); err != nil {
		slog.Warn("netlink unavailable, leased addresses will not be installed", "err", err)
	} else {
		d.binder = binder
	}

	d.st = stack.New(stack.NewSystemClock())

	if err := d.buildServices(); err != nil {
		d.closeAll()
		return err
	}

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var wg sync.WaitGroup

	d.startReceivers(ctx, &wg)
	d.startEngines()

	// Event log tail: copy buffered events into the local log file.
	if d.localLog != nil {
		sub := d.eventBuf.Subscribe(256)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					sub.Close()
					return
				case rec := <-sub.C:
					d.localLog.WriteEvent(rec)
				}
			}
		}()
	}

	// Link state monitor
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.watchLinks(ctx)
	}()

	// Tick driver
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.tickLoop(ctx)
	}()

	// Management API
	apiSrv := api.NewServer(api.Config{
		Addr:     cfg.API.Listen,
		Token:    cfg.API.Token,
		Stack:    d.st,
		Services: d.apiServices(),
		EventBuf: d.eventBuf,
	})
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiSrv.Run(ctx); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	// SNMP agent
	if cfg.SNMP != nil && cfg.SNMP.Enabled {
		agent := snmp.NewAgent(cfg.SNMP)
		agent.SetIfDataFn(d.snmpIfData)
		agent.SetMediaFn(d.snmpMediaData)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := agent.Start(ctx); err != nil {
				slog.Warn("snmp agent failed", "err", err)
			}
		}()
	}

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		slog.Info("signal received, shutting down")
	}

	stop()
	d.closeAll()
	wg.Wait()

	slog.Info("shutdown complete")
	return runErr
}

// setupLogging installs the default slog handler, teeing records to the
// configured syslog targets.
func (d *Daemon) setupLogging() {
	level := slog.LevelInfo
	if l, err := config.ParseLevel(d.cfg.LogLevel); err == nil {
		level = l
	}
	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	d.logHdlr = logging.NewSyslogSlogHandler(base)

	var clients []*logging.SyslogClient
	for _, target := range d.cfg.Syslog {
		client, err := logging.NewSyslogClient(target.Host, target.Port)
		if err != nil {
			slog.Warn("failed to create syslog client",
				"host", target.Host, "err", err)
			continue
		}
		client.MinSeverity = logging.ParseSeverity(target.Severity)
		clients = append(clients, client)
	}
	if len(clients) > 0 {
		d.logHdlr.SetClients(clients)
	}
	slog.SetDefault(slog.New(d.logHdlr))
}

func (d *Daemon) teardownLogging() {
	if d.logHdlr != nil {
		d.logHdlr.Close()
	}
}

func (d *Daemon) setupLocalLog() {
	if d.cfg.EventLog == nil {
		return
	}
	w, err := logging.NewLocalLogWriter(logging.LocalLogConfig{
		Path:     d.cfg.EventLog.Path,
		MaxSize:  d.cfg.EventLog.MaxSize,
		MaxFiles: d.cfg.EventLog.MaxFiles,
	})
	if err != nil {
		slog.Warn("failed to open event log", "err", err)
		return
	}
	d.localLog = w
}

// tickLoop drives every state machine at the configured interval.
func (d *Daemon) tickLoop(ctx context.Context) {
	interval := d.cfg.TickInterval.Std()
	if interval <= 0 {
		interval = config.DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *Daemon) tick() {
	d.st.Lock()
	now := d.st.Now()
	for _, svc := range d.services {
		svc.ifc.Tick(now)
	}
	d.st.Unlock()

	for _, svc := range d.services {
		if svc.arp != nil {
			svc.arp.Tick()
		}
		if svc.ndp != nil {
			svc.ndp.Tick()
		}
		if svc.dhcp != nil {
			svc.dhcp.Tick()
		}
		if svc.mdns != nil {
			svc.mdns.Tick()
		}
		d.scanConflicts(svc)
	}
}

// scanConflicts emits one event per address conflict transition.
func (d *Daemon) scanConflicts(svc *ifaceService) {
	d.st.Lock()
	addrs := svc.ifc.Addrs()
	d.st.Unlock()

	for _, a := range addrs {
		if a.Conflict && !svc.conflicted[a.Addr] {
			svc.conflicted[a.Addr] = true
			d.eventBuf.Add(logging.EventRecord{
				Type:      logging.EventDADFailed,
				Interface: svc.ifc.Name,
				Addr:      a.Addr.String(),
			})
			slog.Warn("address conflict detected",
				"interface", svc.ifc.Name, "addr", a.Addr)
		}
	}
}

// watchLinks mirrors kernel link state changes into the stack.
func (d *Daemon) watchLinks(ctx context.Context) {
	updates := make(chan netlink.LinkUpdate, 16)
	done := make(chan struct{})
	defer close(done)

	if err := netlink.LinkSubscribe(updates, done); err != nil {
		slog.Warn("link subscription failed", "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			d.handleLinkUpdate(update)
		}
	}
}

func (d *Daemon) handleLinkUpdate(update netlink.LinkUpdate) {
	attrs := update.Link.Attrs()
	svc := d.serviceByIndex(attrs.Index)
	if svc == nil {
		return
	}
	up := attrs.OperState == netlink.OperUp

	d.st.Lock()
	changed := svc.ifc.LinkUp() != up
	d.st.Unlock()
	if !changed {
		return
	}

	detail := "down"
	if up {
		detail = "up"
	}
	slog.Info("link state changed", "interface", svc.ifc.Name, "up", up)
	d.eventBuf.Add(logging.EventRecord{
		Type:      logging.EventLinkChange,
		Interface: svc.ifc.Name,
		Detail:    detail,
	})

	if svc.dhcp != nil {
		// The client updates the interface link state itself.
		svc.dhcp.LinkChangeEvent(up)
		return
	}
	d.st.Lock()
	svc.ifc.SetLinkUp(up)
	d.st.Unlock()
}

func (d *Daemon) serviceByIndex(ifindex int) *ifaceService {
	for _, svc := range d.services {
		if svc.ifc.Index == ifindex {
			return svc
		}
	}
	return nil
}

func (d *Daemon) closeAll() {
	d.shared.close()
	for _, svc := range d.services {
		if svc.arpSock != nil {
			svc.arpSock.Close()
		}
		if svc.mdnsConn != nil {
			svc.mdnsConn.Close()
		}
	}
	if d.binder != nil {
		d.binder.Close()
	}
	if d.localLog != nil {
		d.localLog.Close()
	}
}
