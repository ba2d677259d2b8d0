// graylink is the RPC daemon.
//
// It accepts peer connections over TCP (optionally TLS) and WebSocket,
// runs the registration handshake on each, dispatches inbound requests to
// the method table, and reports every connection's lifecycle to the
// configured sinks: SQLite history, MQTT, InfluxDB and Prometheus.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nerrad567/gray-logic-link/internal/api"
	"github.com/nerrad567/gray-logic-link/internal/audit"
	"github.com/nerrad567/gray-logic-link/internal/device"
	"github.com/nerrad567/gray-logic-link/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-link/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-link/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-link/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-link/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-link/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-link/internal/rpc"
	"github.com/nerrad567/gray-logic-link/internal/system"
	"github.com/nerrad567/gray-logic-link/internal/transport"
	"github.com/nerrad567/gray-logic-link/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// defaultConfigPath is used when neither --config nor GRAYLINK_CONFIG is set.
	defaultConfigPath = "configs/graylink.yaml"

	// shutdownTimeout bounds how long open connections get to close.
	shutdownTimeout = 10 * time.Second

	// historyPruneInterval is how often expired connection history is deleted.
	historyPruneInterval = time.Hour
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - args: Command-line arguments without the program name
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, args []string) error { //nolint:gocognit,gocyclo // linear startup sequence
	flags := pflag.NewFlagSet("graylink", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", getConfigPath(), "configuration file (empty for defaults and environment only)")
	showVersion := flags.BoolP("version", "v", false, "print the version and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("graylink %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting graylink",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", *configPath, "node", cfg.Node.Name)

	roles, err := device.ParseRole(cfg.Node.Role)
	if err != nil {
		return fmt.Errorf("node.role: %w", err)
	}

	// Slow sinks run behind one AsyncSink so no Device waits on I/O.
	var slow device.MultiSink
	checks := make(map[string]api.HealthChecker)
	var history audit.Repository

	if cfg.Database.Enabled {
		db, err := openDatabase(ctx, cfg.Database, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		repo := audit.NewSQLiteRepository(db.DB)
		history = repo
		slow = append(slow, audit.NewRecorder(repo, log.With("component", "audit")))
		checks["database"] = db

		if cfg.Database.HistoryRetention > 0 {
			go pruneHistory(ctx, repo, cfg.Database.HistoryRetention, historyPruneInterval, log)
		}
	} else {
		log.Info("connection history disabled")
	}

	if cfg.MQTT.Enabled {
		mqttClient, err := mqtt.Connect(cfg.MQTT, cfg.Node.Name, log.With("component", "mqtt"))
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		slow = append(slow, mqtt.NewEventPublisher(mqttClient, mqttClient.Topics(), mqttClient.QoS(),
			cfg.Node.Name, log.With("component", "mqtt")))
		checks["mqtt"] = mqttClient
	} else {
		log.Info("MQTT disabled")
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})

		slow = append(slow, influxdb.NewTelemetrySink(influxClient, cfg.Node.Name))
		checks["influxdb"] = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	events := device.NewAsyncSink(slow, cfg.RPC.EventQueueSize, log.With("component", "events"))
	defer events.Close()

	engineMetrics := metrics.New(nil, events.Dropped)

	registry, err := device.NewRegistry(device.Options{
		Name:               cfg.Node.Name,
		Roles:              roles,
		MinPeerVersion:     cfg.RPC.MinProtocolVersion,
		RegistrationPeriod: cfg.RPC.RegistrationPeriod,
		RequestTimeout:     cfg.RPC.RequestTimeout,
		MaxLineLength:      cfg.RPC.MaxLineLength,
		Logger:             log.With("component", "device"),
		Sink:               device.MultiSink{engineMetrics, events},
	})
	if err != nil {
		return fmt.Errorf("creating registry: %w", err)
	}
	engineMetrics.Observe(registry)

	if err := system.Register(registry, system.Info{
		Name:      cfg.Node.Name,
		Version:   version,
		Commit:    commit,
		StartedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("registering built-in methods: %w", err)
	}
	log.Info("registry initialised", "roles", roles.String(), "methods", len(registry.Methods()))

	scheduler := device.NewScheduler(registry, cfg.RPC.PollInterval)
	go scheduler.Run(ctx)
	log.Info("timeout scheduler started", "interval", scheduler.Interval().String())

	if influxClient != nil && cfg.InfluxDB.ReportInterval > 0 {
		reporter := influxdb.NewReporter(influxClient, registry, cfg.Node.Name,
			time.Duration(cfg.InfluxDB.ReportInterval)*time.Second)
		go reporter.Run(ctx)
	}

	if cfg.Listen.Enabled {
		if err := startListener(ctx, cfg, registry, log); err != nil {
			return err
		}
	} else {
		log.Info("socket listener disabled")
	}

	if cfg.API.Enabled {
		srv, err := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.With("component", "api"),
			Registry: registry,
			History:  history,
			Metrics:  engineMetrics.Handler(),
			Checks:   checks,
			Version:  version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("admin API disabled")
	}

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()
	log.Info("shutdown signal received, closing connections", "devices", registry.Count())

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := registry.CloseAll(closeCtx, rpc.ReasonShuttingDown); err != nil {
		log.Warn("connections still open at shutdown", "error", err, "devices", registry.Count())
	}

	// Deferred Close() calls run in reverse order: API server, event
	// queue (flushing the closed events above), InfluxDB, MQTT, database.
	log.Info("graylink stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path, ok := os.LookupEnv("GRAYLINK_CONFIG"); ok {
		return path
	}
	return defaultConfigPath
}

// openDatabase opens the history database and applies pending migrations.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: cfg.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	applied, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Path, "migrations_applied", applied)
	return db, nil
}

// pruneHistory deletes history older than retention every interval until
// ctx is cancelled.
func pruneHistory(ctx context.Context, repo audit.Repository, retention, interval time.Duration, log *logging.Logger) {
	prune := func() {
		n, err := repo.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("pruning connection history failed", "error", err)
			}
			return
		}
		if n > 0 {
			log.Info("pruned connection history", "rows", n, "retention", retention.String())
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// startListener binds the socket listener and serves it in the background.
func startListener(ctx context.Context, cfg *config.Config, registry *device.Registry, log *logging.Logger) error {
	opts, reloader, err := socketOptions(cfg, log.With("component", "transport"))
	if err != nil {
		return err
	}
	if reloader != nil {
		go func() {
			if err := reloader.Watch(ctx); err != nil {
				log.Error("certificate watcher stopped", "error", err)
			}
		}()
	}

	ln, err := transport.Listen(ctx, cfg.Listen.Address(), opts)
	if err != nil {
		return fmt.Errorf("starting listener: %w", err)
	}
	log.Info("listening for peers", "address", ln.Addr().String(), "encryption", opts.Policy.String())

	go func() {
		if err := registry.Serve(ctx, ln); err != nil {
			log.Error("listener stopped", "error", err)
		}
	}()
	return nil
}

// socketOptions builds transport options from the encryption section. The
// returned reloader is non-nil only when certificate watching is enabled.
func socketOptions(cfg *config.Config, log *logging.Logger) (transport.SocketOptions, *transport.CertReloader, error) {
	policy, err := transport.ParsePolicy(cfg.Encryption.Policy)
	if err != nil {
		return transport.SocketOptions{}, nil, err
	}
	opts := transport.SocketOptions{
		Policy:           policy,
		HandshakeTimeout: cfg.Encryption.HandshakeTimeout,
		QueueBytes:       cfg.RPC.SendQueueSize,
		Logger:           log,
	}
	if policy == transport.PolicyDisabled {
		return opts, nil, nil
	}

	var reloader *transport.CertReloader
	if cfg.Encryption.WatchCertificates && cfg.Encryption.CertFile != "" {
		reloader, err = transport.NewCertReloader(cfg.Encryption.CertFile, cfg.Encryption.KeyFile, log)
		if err != nil {
			return transport.SocketOptions{}, nil, fmt.Errorf("loading certificate: %w", err)
		}
	}
	opts.TLSConfig, err = transport.LoadTLSConfig(transport.TLSFiles{
		CertFile:           cfg.Encryption.CertFile,
		KeyFile:            cfg.Encryption.KeyFile,
		CAFile:             cfg.Encryption.CAFile,
		ServerName:         cfg.Encryption.ServerName,
		InsecureSkipVerify: cfg.Encryption.InsecureSkipVerify,
	}, reloader)
	if err != nil {
		return transport.SocketOptions{}, nil, fmt.Errorf("loading TLS configuration: %w", err)
	}
	return opts, reloader, nil
}

// healthCheck verifies every optional component answers before the daemon
// reports itself ready.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := checks[name].HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
