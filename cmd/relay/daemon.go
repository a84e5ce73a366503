package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/relay/internal/audit"
	"github.com/fentz26/relay/internal/config"
	"github.com/fentz26/relay/internal/controlplane"
	"github.com/fentz26/relay/internal/coordinator"
	"github.com/fentz26/relay/internal/events"
	"github.com/fentz26/relay/internal/router"
	"github.com/fentz26/relay/internal/store"
)

var (
	configPath  string
	listenAddr  string
	dbPath      string
	storeDriver string
	storeDir    string
	routingPath string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Relay daemon",
	Long:  `Starts the Relay daemon which provides the HTTP API for workflow coordination.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&configPath, "config", "", "Path to relay.yaml (default: ~/.relay/relay.yaml or ./relay.yaml)")
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database")
	daemonCmd.Flags().StringVar(&storeDriver, "driver", "", "Store driver: sqlite or file")
	daemonCmd.Flags().StringVar(&storeDir, "dir", "", "Snapshot directory for the file driver")
	daemonCmd.Flags().StringVar(&routingPath, "routing", "", "Path to the agent routing table (YAML)")
}

// loadDaemonConfig merges explicitly set flags over the loaded config.
func loadDaemonConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Server.Listen = listenAddr
	}
	if flags.Changed("db") {
		cfg.Store.Path = dbPath
	}
	if flags.Changed("driver") {
		cfg.Store.Driver = storeDriver
	}
	if flags.Changed("dir") {
		cfg.Store.Dir = storeDir
	}
	if flags.Changed("routing") {
		cfg.Routing.Table = routingPath
	}
	return cfg, cfg.Validate()
}

// backend bundles the store facets the daemon wires together.
type backend struct {
	persistence store.Backend
	health      controlplane.Pinger
	audit       *store.Store
	closer      io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func openBackend(cfg config.StoreConfig) (*backend, error) {
	b, err := openDriver(cfg)
	if err != nil || cfg.CacheSize == 0 {
		return b, err
	}
	cached, err := store.NewCached(b.persistence, cfg.CacheSize)
	if err != nil {
		b.closer.Close()
		return nil, err
	}
	log.Printf("Caching up to %d workflow snapshots", cfg.CacheSize)
	b.persistence = cached
	return b, nil
}

func openDriver(cfg config.StoreConfig) (*backend, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := store.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		log.Printf("Using SQLite store at %s", cfg.Path)
		return &backend{persistence: s, health: s, audit: s, closer: s}, nil
	case "file":
		fs, err := store.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		log.Printf("Using file store at %s (audit log disabled)", cfg.Dir)
		return &backend{persistence: fs, health: fs, closer: closerFunc(func() error { return nil })}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.Println("Starting Relay daemon...")

	cfg, err := loadDaemonConfig(cmd)
	if err != nil {
		return err
	}

	routes, err := router.LoadConfig(cfg.Routing.Table)
	if err != nil {
		return fmt.Errorf("load routing table: %w", err)
	}

	b, err := openBackend(cfg.Store)
	if err != nil {
		return err
	}

	logger := log.Default()
	bus := events.NewBus(logger)
	var auditService controlplane.AuditLog
	if b.audit != nil {
		detach := audit.NewPDRWriter(b.audit).Attach(bus)
		defer detach()
		auditService = b.audit
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	coord, err := coordinator.New(coordinator.Deps{
		Store:    b.persistence,
		Bus:      bus,
		Router:   router.NewRouter(routes),
		Metrics:  coordinator.MustNewMetrics(reg),
		Logger:   logger,
		Timeouts: coordinator.Timeouts(cfg.AgentTimeouts()),
	})
	if err != nil {
		b.closer.Close()
		return err
	}

	service := controlplane.NewService(coord, b.health, auditService)
	server := controlplane.NewServer(service, reg, cfg.Server.Listen)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		return nil
	})

	err = g.Wait()

	log.Println("Closing store...")
	if cerr := b.closer.Close(); cerr != nil {
		log.Printf("Store close error: %v", cerr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		return err
	}
	log.Println("Shutdown complete")
	return nil
}
