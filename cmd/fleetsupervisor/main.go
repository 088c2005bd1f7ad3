// Package main is the entry point for the fleet supervisor.
//
// The fleet supervisor starts one board host per registered service, keeps
// each alive, and exposes the fleet over a small HTTP control API:
//
//  1. Load configuration and the service registry
//  2. Open the audit store and apply migrations
//  3. Connect to MQTT and InfluxDB when enabled
//  4. Start the command bridge and the control API
//  5. Run the reconciliation loop until a shutdown signal arrives
//  6. Stop every host before exiting
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/boardfleet/internal/api"
	"github.com/nerrad567/boardfleet/internal/audit"
	"github.com/nerrad567/boardfleet/internal/infrastructure/config"
	"github.com/nerrad567/boardfleet/internal/infrastructure/database"
	"github.com/nerrad567/boardfleet/internal/infrastructure/influxdb"
	"github.com/nerrad567/boardfleet/internal/infrastructure/logging"
	"github.com/nerrad567/boardfleet/internal/infrastructure/mqtt"
	"github.com/nerrad567/boardfleet/internal/registry"
	"github.com/nerrad567/boardfleet/internal/rpc"
	"github.com/nerrad567/boardfleet/internal/supervisor"
	"github.com/nerrad567/boardfleet/internal/watchdog"
	"github.com/nerrad567/boardfleet/migrations"
)

// Version information (set at build time via ldflags).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const (
	// defaultConfigPath is used when BOARDFLEET_CONFIG is not set.
	defaultConfigPath = "configs/config.yaml"

	// shutdownSlack is added to the stop grace when waiting for hosts.
	shutdownSlack = 5 * time.Second

	exitOrphaned = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, watchdog.ErrOrphaned) {
			os.Exit(exitOrphaned)
		}
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx is cancelled.
// Resources are released in reverse order through defers.
func run(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(cfg.Logging, "fleetsupervisor", version)
	log.Info("starting fleet supervisor",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
	)

	reg, err := loadRegistry(cfg)
	if err != nil {
		return fmt.Errorf("loading registry: %w", err)
	}
	log.Info("registry loaded", "services", reg.Len())

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if err := db.Close(); err != nil {
			log.Error("error closing database", "error", err)
		}
	}()

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	events := audit.NewSQLiteRepository(db.DB)
	observers := []supervisor.Observer{audit.NewRecorder(events, log)}
	checks := map[string]api.HealthChecker{"database": db}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to mqtt: %w", err)
		}
		defer func() {
			log.Info("closing MQTT connection")
			if err := mqttClient.Close(); err != nil {
				log.Error("error closing MQTT", "error", err)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		observers = append(observers, supervisor.NewStatusPublisher(mqttClient, log))
		checks["mqtt"] = mqttClient
		log.Info("connected to MQTT broker",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		)
	} else {
		log.Info("MQTT disabled")
	}

	if cfg.InfluxDB.Enabled {
		influxClient, err := influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to influxdb: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if err := influxClient.Close(); err != nil {
				log.Error("error closing InfluxDB", "error", err)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		observers = append(observers, supervisor.NewMetricsObserver(influxClient))
		checks["influxdb"] = influxClient
		log.Info("connected to InfluxDB", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	sup, err := supervisor.New(reg, supervisor.Options{
		HealthInterval: cfg.Supervisor.HealthInterval,
		StopGrace:      cfg.Supervisor.StopGrace,
		RestartSettle:  cfg.Supervisor.RestartSettle,
		Autostart:      cfg.Supervisor.Autostart,
		Lease: supervisor.LeaseOptions{
			Enabled:       cfg.Lease.Enabled,
			Secret:        cfg.Lease.Secret,
			TTL:           cfg.Lease.TTL,
			RenewInterval: cfg.Lease.RenewInterval,
		},
		Renewer:   rpc.NewLeaseRenewer(),
		Observers: observers,
	})
	if err != nil {
		return fmt.Errorf("creating supervisor: %w", err)
	}
	sup.SetLogger(log)

	// Hosts are stopped last among the live components, after the API and
	// the bridge stop accepting commands.
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.StopGrace+shutdownSlack)
		defer cancel()
		log.Info("stopping board hosts")
		if err := sup.Shutdown(shutdownCtx); err != nil {
			log.Error("error stopping board hosts", "error", err)
		}
	}()

	if mqttClient != nil {
		bridge := supervisor.NewCommandBridge(sup, mqttClient, byte(cfg.MQTT.QoS), log)
		if err := bridge.Start(); err != nil {
			return fmt.Errorf("starting command bridge: %w", err)
		}
		defer func() {
			if err := bridge.Stop(); err != nil {
				log.Warn("error stopping command bridge", "error", err)
			}
		}()
	}

	apiServer, err := api.New(api.Deps{
		Config:   cfg.API,
		Logger:   log,
		Services: sup,
		Events:   events,
		Checks:   checks,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if err := apiServer.Close(); err != nil {
			log.Error("error stopping API server", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lapsed := make(chan error, 1)
	if name := cfg.Supervisor.WatchProcess; name != "" {
		wd := watchdog.New(watchdog.Config{
			Interval:       cfg.Watchdog.Interval,
			MaxCheckErrors: cfg.Watchdog.MaxCheckErrors,
		}, watchdog.ProcessNameCheck(name))
		wd.SetLogger(log)
		go func() {
			if err := wd.Run(runCtx); errors.Is(err, watchdog.ErrOrphaned) {
				lapsed <- err
				cancel()
			}
		}()
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	if err := sup.Run(runCtx); err != nil {
		return fmt.Errorf("supervisor loop: %w", err)
	}

	select {
	case err := <-lapsed:
		log.Error("watched process gone, shutting down", "reason", err)
		return err
	default:
	}

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses BOARDFLEET_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("BOARDFLEET_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadRegistry prefers a registry file over inline services.
func loadRegistry(cfg *config.Config) (*registry.Registry, error) {
	if cfg.RegistryFile != "" {
		return registry.Load(cfg.RegistryFile)
	}
	return registry.FromConfig(cfg.Services)
}
