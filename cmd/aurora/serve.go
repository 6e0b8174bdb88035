package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/auroralink"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/controlapi"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/journal"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/launcher"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/procmgr"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/sandbox"
)

// Runtime lifecycle events
const (
	eventRuntimeStarted = "runtime.started"
	eventRuntimeStopped = "runtime.stopped"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor, pub/sub hub and control API",
	Long: `Discover plugins, start and supervise them, and serve the control API until
SIGINT or SIGTERM. On shutdown every service is stopped in reverse order.

Example:
  aurora serve --plugins-dir ./plugins --activation-root /srv
  AURORA_NATS_URL=nats://127.0.0.1:4222 aurora serve`,
	Args: usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := currentConfig()
		if err != nil {
			return err
		}
		logger := slog.Default()

		d, err := newDaemon(ctx, cfg, logger)
		if err != nil {
			return err
		}
		ln, err := net.Listen("tcp", cfg.API.Listen)
		if err != nil {
			d.close()
			return fmt.Errorf("listen %s: %w", cfg.API.Listen, err)
		}
		return d.run(ctx, ln)
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "control API listen address (default "+controlapi.DefaultAddr+")")
	serveCmd.Flags().String("link-listen", "", "standalone pub/sub websocket address (the hub is always on /link)")
	serveCmd.Flags().String("nats-url", "", "bridge the hub to this NATS server")
	serveCmd.Flags().StringSlice("activation-root", nil, "directory below which /promote may activate (repeatable)")
	serveCmd.Flags().Bool("watch", true, "register plugins added to the plugins directory while running")

	viper.BindPFlag("api.listen", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("link.listen", serveCmd.Flags().Lookup("link-listen"))
	viper.BindPFlag("nats.url", serveCmd.Flags().Lookup("nats-url"))
	viper.BindPFlag("api.activation_roots", serveCmd.Flags().Lookup("activation-root"))
	viper.BindPFlag("supervisor.watch_plugins", serveCmd.Flags().Lookup("watch"))

	rootCmd.AddCommand(serveCmd)
}

// daemon holds every long-running component of 'aurora serve'
type daemon struct {
	cfg    *Config
	logger *slog.Logger

	journal    *journal.Journal
	hub        *auroralink.Hub
	events     launcher.MultiPublisher
	stack      *updateStack
	registry   *launcher.Registry
	loader     *launcher.Loader
	supervisor *procmgr.Supervisor
	link       *auroralink.Server
	api        *controlapi.Server
	nats       *nats.Conn
}

func newDaemon(ctx context.Context, cfg *Config, logger *slog.Logger) (d *daemon, err error) {
	d = &daemon{cfg: cfg, logger: logger.With("component", "daemon")}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	jopts := []journal.Option{journal.WithLogger(logger)}
	if cfg.Journal.Retention > 0 {
		jopts = append(jopts, journal.WithRetention(cfg.Journal.Retention, cfg.Journal.PruneInterval))
	}
	if d.journal, err = journal.Open(ctx, cfg.Journal.Path, jopts...); err != nil {
		return nil, err
	}

	d.hub = auroralink.NewHub(auroralink.WithBufferSize(cfg.Link.BufferSize), auroralink.WithLogger(logger))
	d.events = launcher.MultiPublisher{d.journal, auroralink.NewLinkPublisher(d.hub)}

	if d.stack, err = openUpdateStack(ctx, cfg, logger, d.events); err != nil {
		return nil, err
	}

	metrics := procmgr.NewPrometheusMetricsCollector("aurora")
	runner := sandbox.NewProcessRunner(sandbox.WithPIDDir(cfg.PIDDir), sandbox.WithLogger(logger))
	d.supervisor = procmgr.NewSupervisor(
		procmgr.WithCheckInterval(cfg.Supervisor.CheckInterval),
		procmgr.WithMaxRestartBackoff(cfg.Supervisor.MaxBackoff),
		procmgr.WithShutdownTimeout(cfg.Supervisor.ShutdownTimeout),
		procmgr.WithMetricsCollector(metrics),
		procmgr.WithEventPublisher(d.events),
		procmgr.WithLogger(logger),
	)

	if err := os.MkdirAll(cfg.PluginsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create plugins directory: %w", err)
	}
	d.registry = launcher.NewRegistry(cfg.PluginsDir, launcher.WithRegistryLogger(logger))
	if err := d.registry.Discover(); err != nil {
		d.logger.Warn("plugin discovery failed", "directory", cfg.PluginsDir, "error", err)
	}
	d.loader = launcher.NewLoader(runner, launcher.WithLoaderLogger(logger))
	// Bad or duplicate plugins are logged by the loader and left out
	_ = d.loader.RegisterAll(d.supervisor, d.registry.List())

	d.link = auroralink.NewServer(d.hub, auroralink.WithServerLogger(logger))
	d.api = controlapi.NewServer(d.stack.updater,
		controlapi.WithServices(d.supervisor),
		controlapi.WithPlugins(d.registry),
		controlapi.WithEvents(d.journal),
		controlapi.WithLink(d.link),
		controlapi.WithRegistry(metrics.Registry()),
		controlapi.WithActivationRoots(cfg.API.ActivationRoots...),
		controlapi.WithMaxUploadBytes(cfg.API.MaxUploadBytes),
		controlapi.WithApprovalRateLimit(cfg.API.ApprovalRate, cfg.API.ApprovalBurst),
		controlapi.WithLogger(logger),
	)
	if len(cfg.API.ActivationRoots) == 0 {
		d.logger.Warn("no activation roots configured; /promote is disabled")
	}

	if cfg.NATS.URL != "" {
		d.nats, err = auroralink.ConnectNATS(auroralink.NATSConfig{
			URL:           cfg.NATS.URL,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
		}, logger)
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

// run starts the supervisor and serves on apiLn until ctx is canceled or a
// component fails, then stops every service and releases resources.
func (d *daemon) run(ctx context.Context, apiLn net.Listener) error {
	defer d.close()

	if err := d.supervisor.Start(ctx); err != nil {
		apiLn.Close()
		return fmt.Errorf("start supervisor: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.api.Serve(gctx, apiLn)
	})
	if d.cfg.Link.Listen != "" {
		g.Go(func() error {
			return d.link.ListenAndServe(gctx, d.cfg.Link.Listen)
		})
	}
	if d.nats != nil {
		bridge := auroralink.NewNATSBridge(d.hub, d.nats,
			auroralink.WithSubject(d.cfg.NATS.Subject),
			auroralink.WithBridgeLogger(d.logger))
		g.Go(func() error {
			return bridge.Run(gctx)
		})
	}
	if d.cfg.Supervisor.WatchPlugins {
		g.Go(func() error {
			if err := d.registry.Watch(gctx, d.pluginsChanged); err != nil {
				d.logger.Warn("plugin watch stopped", "error", err)
			}
			return nil
		})
	}

	d.report(ctx, eventRuntimeStarted, "aurora runtime started", map[string]string{
		"api":      apiLn.Addr().String(),
		"plugins":  fmt.Sprint(d.registry.Count()),
		"services": fmt.Sprint(len(d.supervisor.Services())),
	})
	d.logger.Info("aurora running", "api", apiLn.Addr().String(), "plugins", d.registry.Count())

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Supervisor.ShutdownTimeout+5*time.Second)
	defer cancel()
	if stopErr := d.supervisor.Stop(stopCtx); stopErr != nil {
		d.logger.Error("supervisor stop failed", "error", stopErr)
		err = errors.Join(err, stopErr)
	}
	d.report(stopCtx, eventRuntimeStopped, "aurora runtime stopped", nil)
	d.logger.Info("aurora stopped")
	return err
}

// pluginsChanged registers plugins that appeared since the last scan.
// Plugins whose manifest disappeared keep running until stopped.
func (d *daemon) pluginsChanged(manifests []*launcher.Manifest) {
	present := make(map[string]bool, len(manifests))
	var added []*launcher.Manifest
	for _, m := range manifests {
		present[m.Name] = true
		if _, ok := d.supervisor.Service(m.Name); !ok {
			added = append(added, m)
		}
	}
	if len(added) > 0 {
		_ = d.loader.RegisterAll(d.supervisor, added)
	}
	for _, svc := range d.supervisor.Services() {
		if !present[svc.Name] {
			d.logger.Warn("plugin manifest missing; service left as is", "service", svc.Name, "status", svc.Status)
		}
	}
}

func (d *daemon) report(ctx context.Context, eventType, message string, metadata map[string]string) {
	if err := d.events.ReportLifecycleEvent(ctx, eventType, message, metadata); err != nil {
		d.logger.Warn("failed to report runtime event", "event", eventType, "error", err)
	}
}

func (d *daemon) close() {
	if d.nats != nil {
		d.nats.Close()
		d.nats = nil
	}
	if d.hub != nil {
		d.hub.Close()
		d.hub = nil
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.logger.Warn("journal close failed", "error", err)
		}
		d.journal = nil
	}
}
