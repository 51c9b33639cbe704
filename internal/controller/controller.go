// ABOUTME: Controller that wires discovery, attachment, connections and the HTTP server together
// ABOUTME: Manages the scan loops, the registration endpoint, and the shutdown lifecycle

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/burrow/internal/attach"
	"github.com/2389/burrow/internal/command"
	"github.com/2389/burrow/internal/config"
	"github.com/2389/burrow/internal/connection"
	"github.com/2389/burrow/internal/container"
	"github.com/2389/burrow/internal/metrics"
	"github.com/2389/burrow/internal/nspid"
	"github.com/2389/burrow/internal/procscan"
	"github.com/2389/burrow/internal/registry"
	"github.com/2389/burrow/internal/store"
)

// CommandTimeout bounds one command channel exchange.
const CommandTimeout = 10 * time.Second

// Controller runs discovery and attachment for one host.
type Controller struct {
	config *config.Config
	level  *slog.LevelVar
	logger *slog.Logger

	scanner     *procscan.Scanner
	registry    *registry.Registry
	connections *connection.Registry
	journal     store.Journal
	metrics     *metrics.Collector

	// orchestrator and strategies are nil when attachment is disabled
	orchestrator *attach.Orchestrator
	host         *attach.HostStrategy
	container    *attach.ContainerStrategy
	unsubscribe  func()

	httpServer *http.Server

	addr     atomic.Pointer[net.TCPAddr]
	ready    chan struct{}
	shutdown atomic.Bool
}

// deps holds the system collaborators; tests replace them.
type deps struct {
	source   procscan.Source
	details  procscan.Detailer
	liveness procscan.Liveness
	resolver registry.NamespaceResolver
	backends []container.Backend
	executor connection.Executor
	launcher attach.Launcher
	selfID   string

	readPerfData     registry.PerfDataReader
	scanPerfDataPIDs func() []int
}

func systemDeps(cfg *config.Config, logger *slog.Logger) deps {
	src := procscan.GopsutilSource{}
	return deps{
		source:   src,
		details:  src,
		liveness: src,
		resolver: nspid.New(logger),
		backends: initBackends(cfg, logger),
		executor: command.NewClient(CommandTimeout),
		launcher: attach.ExecLauncher,
		selfID:   container.SelfID("/proc"),
	}
}

// initBackends returns the container runtimes whose CLI is installed.
func initBackends(cfg *config.Config, logger *slog.Logger) []container.Backend {
	var backends []container.Backend
	if container.Available(cfg.Containers.DockerBinary) {
		backends = append(backends, container.NewDocker(cfg.Containers.DockerBinary, container.ExecRunner))
	}
	if container.Available(cfg.Containers.CRIBinary) {
		backends = append(backends, container.NewCRI(cfg.Containers.CRIBinary, container.ExecRunner))
	}
	if len(backends) == 0 {
		logger.Info("no container runtime CLI found, containerized runtimes will be skipped")
	}
	return backends
}

// initStore opens the in-memory attachment journal.
func initStore() (store.Journal, error) {
	s, err := store.NewSQLiteStore(store.MemoryPath)
	if err != nil {
		return nil, fmt.Errorf("initializing journal: %w", err)
	}
	return s, nil
}

// New creates a controller. level is the controller's live log level; the
// orchestrator sends it to every attached agent.
func New(cfg *config.Config, logger *slog.Logger, level *slog.LevelVar) (*Controller, error) {
	return newController(cfg, logger, level, systemDeps(cfg, logger))
}

func newController(cfg *config.Config, logger *slog.Logger, level *slog.LevelVar, d deps) (*Controller, error) {
	if level == nil {
		level = new(slog.LevelVar)
	}

	journal, err := initStore()
	if err != nil {
		return nil, err
	}

	var m *metrics.Collector
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	excl := registry.DefaultExclusions()
	excl.ClassPath = append(excl.ClassPath, cfg.Discovery.ExcludeClassPath...)
	excl.CommandLine = append(excl.CommandLine, cfg.Discovery.ExcludeCommandLine...)

	c := &Controller{
		config:  cfg,
		level:   level,
		logger:  logger.With("component", "controller"),
		scanner: procscan.New(d.source, cfg.Discovery.ExecutableNames, logger),
		registry: registry.New(registry.Options{
			Backends:         d.backends,
			Resolver:         d.resolver,
			Liveness:         d.liveness,
			Details:          d.details,
			Exclusions:       excl,
			ReadPerfData:     d.readPerfData,
			ScanPerfDataPIDs: d.scanPerfDataPIDs,
		}, logger),
		connections: connection.New(d.executor, d.liveness, m, logger),
		journal:     journal,
		metrics:     m,
		ready:       make(chan struct{}),
	}
	m.TrackInstances(c.registry.Len)

	if cfg.Attach.Enabled {
		c.initAttach(d, logger)
	} else {
		c.logger.Warn("attachment disabled, runtimes will only be discovered")
	}

	// The registry must have its listeners before the scanner reports anything.
	if c.orchestrator != nil {
		c.unsubscribe = c.registry.Subscribe(c.orchestrator)
	} else {
		c.unsubscribe = c.registry.Subscribe(connectionPruner{c.connections})
	}
	c.scanner.Subscribe(c.registry)

	mux := http.NewServeMux()
	c.registerRoutes(mux)
	c.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return c, nil
}

// initAttach builds the strategies and the orchestrator.
func (c *Controller) initAttach(d deps, logger *slog.Logger) {
	acfg := c.config.Attach

	c.host = attach.NewHostStrategy(acfg.AgentBinary, "", acfg.AgentArgs, acfg.AttachTimeout, d.liveness, logger)
	c.host.Launch = d.launcher

	c.container = attach.NewContainerStrategy(d.backends, logger)
	c.container.AgentBinary = acfg.AgentBinary
	c.container.ContainerDir = acfg.ContainerDir
	c.container.AgentArgs = acfg.AgentArgs
	c.container.AdvertiseHost = c.config.Server.AdvertiseHost
	c.container.SelfID = d.selfID
	c.container.Timeout = acfg.AttachTimeout

	c.orchestrator = attach.New(attach.Options{
		Retries:        acfg.Retries,
		ConnectTimeout: acfg.ConnectTimeout,
		Pool: attach.PoolOptions{
			Core:      acfg.CoreWorkers,
			Max:       acfg.MaxWorkers,
			QueueSize: acfg.QueueSize,
			KeepAlive: acfg.KeepAlive,
		},
		Host:        c.host,
		Container:   c.container,
		Connections: c.connections,
		Journal:     c.journal,
		Metrics:     c.metrics,
		Level:       c.level.Level,
		AutoLoad:    acfg.AutoLoad,
	}, logger)
}

// connectionPruner evicts connections of removed runtimes when no
// orchestrator does it.
type connectionPruner struct {
	conns *connection.Registry
}

func (p connectionPruner) InstanceAdded(registry.Instance) {}

func (p connectionPruner) InstanceRemoved(inst registry.Instance) {
	p.conns.Evict(inst.PID)
}

// setControllerAddr points the strategies at the bound HTTP address.
func (c *Controller) setControllerAddr(addr *net.TCPAddr) {
	c.addr.Store(addr)
	if c.host == nil {
		return
	}

	host := c.config.Server.AdvertiseHost
	if host == "" {
		host = "127.0.0.1"
	}
	port := fmt.Sprint(addr.Port)
	c.host.ControllerURL = "http://" + net.JoinHostPort(host, port)
	c.container.ControllerPort = port
}

// Addr returns the bound HTTP address once Ready is closed.
func (c *Controller) Addr() string {
	if a := c.addr.Load(); a != nil {
		return a.String()
	}
	return ""
}

// Ready is closed after the HTTP server is listening and the first
// discovery pass has completed.
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

// discover runs one process scan and one perfdata sweep.
func (c *Controller) discover(ctx context.Context) {
	if err := c.scanner.Scan(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("initial process scan failed", "error", err)
	}
	c.registry.ScanPerfData(ctx)
}

// startServer starts the HTTP server in a goroutine, returning its error channel.
func (c *Controller) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := c.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// Run starts the HTTP server and the discovery loops and blocks until ctx
// is canceled or the server fails.
func (c *Controller) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	tcpAddr, _ := ln.Addr().(*net.TCPAddr)
	c.setControllerAddr(tcpAddr)

	c.logger.Info("starting controller",
		"http_addr", ln.Addr().String(),
		"attach_enabled", c.config.Attach.Enabled,
		"scan_interval", c.config.Discovery.ScanInterval,
	)
	errCh := c.startServer(ln)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.discover(loopCtx)
	close(c.ready)

	var wg sync.WaitGroup
	wg.Go(func() { c.scanner.Run(loopCtx, c.config.Discovery.ScanInterval) })
	wg.Go(func() { c.registry.RunPerfDataScan(loopCtx, c.config.Discovery.PerfDataInterval) })

	var serverErr error
	select {
	case <-ctx.Done():
		c.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		c.logger.Error("server error", "error", serverErr)
	}

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	shutdownErr := c.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server and the attachment pool and closes the
// journal. Only the first call does anything.
func (c *Controller) Shutdown(ctx context.Context) error {
	if !c.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info("shutting down controller")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", c.httpServer.Shutdown(ctx))

	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	if c.orchestrator != nil {
		c.orchestrator.Close()
	}
	errs = appendCloseError(errs, "journal close", c.journal.Close())

	return errors.Join(errs...)
}
