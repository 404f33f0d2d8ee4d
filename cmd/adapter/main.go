// Command adapter runs the EtherNet/IP CIP adapter: it loads the YAML
// configuration, builds the CIP object model (Identity, TCP/IP
// Interface, Ethernet Link, Assembly, Connection Manager), and serves
// the encapsulation/CIP wire protocol until interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cip-forge/enip-adapter/internal/config"
	"github.com/cip-forge/enip-adapter/internal/hooks"
	"github.com/cip-forge/enip-adapter/internal/logging"
	"github.com/cip-forge/enip-adapter/internal/metrics"
	"github.com/cip-forge/enip-adapter/pkg/network"
	"github.com/cip-forge/enip-adapter/pkg/objects/assembly"
	"github.com/cip-forge/enip-adapter/pkg/objects/connmgr"
	"github.com/cip-forge/enip-adapter/pkg/objects/ethernetlink"
	"github.com/cip-forge/enip-adapter/pkg/objects/identity"
	"github.com/cip-forge/enip-adapter/pkg/objects/tcpip"
	"github.com/cip-forge/enip-adapter/pkg/router"
)

// version is set at build time via -ldflags; left as a default for
// builds that don't pass it.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "enip-adapter",
		Short: "EtherNet/IP CIP adapter",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the adapter's YAML configuration file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newValidateConfigCmd(&configPath))
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the adapter version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newValidateConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration file without starting the adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := validateConfig(cfg); err != nil {
				return err
			}
			fmt.Printf("%s: ok\n", *configPath)
			return nil
		},
	}
}

func validateConfig(cfg *config.Config) error {
	if cfg.Listen.TCPAddr == "" {
		return fmt.Errorf("listen.tcp_addr is required")
	}
	seen := make(map[uint32]bool)
	for _, a := range cfg.Assemblies {
		if seen[a.InstanceID] {
			return fmt.Errorf("duplicate assembly instance id %d", a.InstanceID)
		}
		seen[a.InstanceID] = true
		if a.Size <= 0 {
			return fmt.Errorf("assembly %d: size must be positive", a.InstanceID)
		}
	}
	if cfg.Pools.Class1Connections < 0 || cfg.Pools.Class3Connections < 0 {
		return fmt.Errorf("pool sizes must not be negative")
	}
	return nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the adapter, serving encapsulation/CIP traffic until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

const ethernetLinkInstanceID = 1

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	m := metrics.New()
	app := hooks.Default{}

	r := router.New()

	identityClass, id := identity.New(app, cfg.Identity.VendorID, cfg.Identity.DeviceType,
		cfg.Identity.ProductCode, cfg.Identity.MajorRev, cfg.Identity.MinorRev,
		cfg.Identity.SerialNumber, cfg.Identity.ProductName)
	r.Register(identityClass)

	ethernetLinkClass, _ := ethernetlink.New()
	r.Register(ethernetLinkClass)

	tcpipClass, tcp := tcpip.New(ethernetLinkInstanceID)
	r.Register(tcpipClass)
	tcp.HostName = cfg.TCPIP.HostName
	tcp.InterfaceConfiguration.DomainName = cfg.TCPIP.DomainName
	tcp.TimeToLive = cfg.TCPIP.DefaultTTL
	tcp.InactivityTimeoutSecs = cfg.TCPIP.InactivityTimeout

	assemblyClass, asm := assembly.New(app)
	r.Register(assemblyClass)
	for _, a := range cfg.Assemblies {
		asm.CreateInstance(a.InstanceID, a.Size)
	}

	keySource := func() (vendorID, deviceType, productCode uint16, major, minor uint8) {
		return id.VendorID, id.DeviceType, id.ProductCode, id.MajorRev, id.MinorRev
	}
	connMgrClass, cm := connmgr.New(cfg.Pools.Class1Connections, cfg.Pools.Class3Connections, keySource)
	r.Register(connMgrClass)

	if err := app.Initialize(); err != nil {
		return fmt.Errorf("application initialize: %w", err)
	}

	handler := network.New(r, cm, asm, id, app, log, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Listen.MetricsAddr != "" {
		go serveMetrics(cfg.Listen.MetricsAddr, m, log)
	}

	watcher, err := config.NewWatcher(configPath, cfg, func(live config.LiveReloadable, structural bool) {
		log.Infof("config reloaded: log_level=%s default_ttl=%d inactivity_timeout=%d", live.LogLevel, live.DefaultTTL, live.InactivityTimeout)
		tcp.TimeToLive = live.DefaultTTL
		tcp.InactivityTimeoutSecs = live.InactivityTimeout
		if structural {
			log.Warnf("config change requires a restart to take effect")
		}
	})
	if err == nil {
		defer watcher.Close()
	} else {
		log.Warnf("config watcher not started: %v", err)
	}

	log.Infof("serving on %s (tcp), cyclic io on %s", cfg.Listen.TCPAddr, cfg.Listen.UDPCyclicAddr)

	stopCh := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stopCh)
	}()

	return handler.Serve(cfg.Listen, stopCh)
}

func serveMetrics(addr string, m *metrics.Metrics, log logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server: %v", err)
	}
}
