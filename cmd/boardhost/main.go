// Package main is the entry point for a board host.
//
// A board host owns one physical board. It is started by the fleet
// supervisor with the URL to serve its RPC surface on and the address of
// the board to drive:
//
//	boardhost http://127.0.0.1:9101 192.168.1.10
//
// Exit status:
//
//	0  clean shutdown on SIGINT or SIGTERM
//	1  startup or runtime failure
//	2  missing arguments
//	3  orphaned: the supervisor is gone or the lease lapsed
//	4  the SDK interception layer could not be installed
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/boardfleet/internal/host"
	"github.com/nerrad567/boardfleet/internal/infrastructure/config"
	"github.com/nerrad567/boardfleet/internal/infrastructure/influxdb"
	"github.com/nerrad567/boardfleet/internal/infrastructure/logging"
	"github.com/nerrad567/boardfleet/internal/infrastructure/mqtt"
	"github.com/nerrad567/boardfleet/internal/intercept"
	"github.com/nerrad567/boardfleet/internal/lease"
	"github.com/nerrad567/boardfleet/internal/rpc"
	"github.com/nerrad567/boardfleet/internal/sdk"
	"github.com/nerrad567/boardfleet/internal/watchdog"
)

// Version information (set at build time via ldflags).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// configEnv names an optional config file. Without it the host runs on
// defaults plus BOARDFLEET_* overrides.
const configEnv = "BOARDFLEET_CONFIG"

// defaultServiceID labels a host started by hand, outside a supervisor.
const defaultServiceID = "boardhost"

const (
	exitFailure  = 1
	exitUsage    = 2
	exitOrphaned = 3
	exitHook     = 4
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, host.ErrUsage):
		return exitUsage
	case errors.Is(err, watchdog.ErrOrphaned):
		return exitOrphaned
	case errors.Is(err, intercept.ErrHookInstallFailed):
		return exitHook
	default:
		return exitFailure
	}
}

func loadConfig() (*config.Config, error) {
	if path := os.Getenv(configEnv); path != "" {
		return config.Load(path)
	}
	return config.FromEnv()
}

// identity is what the supervisor passed in the environment.
type identity struct {
	ServiceID  string
	InstanceID string
	Secret     string
}

func identityFromEnv() identity {
	id := identity{
		ServiceID:  os.Getenv(lease.EnvServiceID),
		InstanceID: os.Getenv(lease.EnvInstanceID),
		Secret:     os.Getenv(lease.EnvSecret),
	}
	if id.ServiceID == "" {
		id.ServiceID = defaultServiceID
	}
	return id
}

// run parses argv and serves until ctx is cancelled or the watchdog fires.
// Nothing is started when the arguments are incomplete.
func run(ctx context.Context, argv []string) error {
	a, err := host.ParseArgs(argv)
	if err != nil {
		return err
	}

	// Reading the config creates no named objects, so it may precede the
	// hook install that needs its suffix.
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	id := identityFromEnv()
	log := logging.New(cfg.Logging, "boardhost", version).With("service_id", id.ServiceID)
	log.Info("starting board host",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"url", a.ServiceURL,
		"board", a.BoardAddress,
	)

	state, err := intercept.Install(intercept.Options{Suffix: cfg.Host.Suffix})
	if err != nil {
		return err
	}
	if err := intercept.Active(); err != nil {
		return err
	}
	log.Info("interception installed", "suffix", state.Suffix)

	addr, err := rpc.ListenAddr(a.ServiceURL)
	if err != nil {
		return err
	}

	var l *lease.Lease
	if id.Secret != "" {
		l = lease.New(id.Secret, id.ServiceID, id.InstanceID, cfg.Lease.TTL)
		log.Info("lease armed", "instance_id", id.InstanceID, "grace", cfg.Lease.TTL)
	}

	sinks, closeSinks := eventSinks(cfg, id.ServiceID, log)
	defer closeSinks()

	// The hub exists only once the server does, and the server needs the
	// controller, so the controller emits through a forwarding sink.
	var server *rpc.Server
	hubSink := host.SinkFunc(func(e host.Event) {
		if server != nil {
			server.Hub().Emit(e)
		}
	})
	events := host.NewAsyncSink(cfg.Host.EventBuffer, append([]host.EventSink{hubSink}, sinks...)...)
	defer events.Close()

	board := sdk.NewSimulated(sdk.SimConfig{
		StepInterval: cfg.Host.Simulation.StepInterval,
		StepPercent:  cfg.Host.Simulation.StepPercent,
	})
	defer func() {
		if err := board.Close(); err != nil {
			log.Warn("closing sdk", "error", err)
		}
	}()

	ctrl := host.New(board, host.Options{
		Address:           a.BoardAddress,
		ReconnectInterval: cfg.Host.ReconnectInterval,
		Sink:              events,
		Lease:             l,
	})
	ctrl.SetLogger(log)

	server, err = rpc.New(rpc.Deps{
		Device:    ctrl,
		Logger:    log,
		WebSocket: cfg.WebSocket,
		Timeouts:  cfg.API.Timeouts,
		ServiceID: id.ServiceID,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating rpc server: %w", err)
	}

	if err := server.Start(ctx, addr); err != nil {
		return fmt.Errorf("starting rpc server: %w", err)
	}
	defer func() {
		log.Info("stopping rpc server")
		if err := server.Close(); err != nil {
			log.Error("error closing rpc server", "error", err)
		}
	}()

	// The controller stops emitting before the event queue above closes.
	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	defer func() {
		cancel()
		<-runDone
	}()

	// An SDK that fails to initialize leaves the host serving, so callers
	// see system_not_ready instead of a refused connection.
	if err := ctrl.Init(runCtx); err != nil {
		log.Error("sdk initialization failed", "error", err)
		close(runDone)
	} else {
		go func() {
			defer close(runDone)
			if err := ctrl.Run(runCtx); err != nil {
				log.Error("controller stopped", "error", err)
			}
		}()
	}

	wd := newWatchdog(cfg, l, log)
	err = wd.Run(runCtx)
	if errors.Is(err, watchdog.ErrOrphaned) {
		log.Error("orphaned, shutting down", "reason", err)
		return err
	}

	log.Info("board host stopped")
	return nil
}

// newWatchdog prefers the lease when the supervisor issued one, and falls
// back to looking for the supervisor process by name.
func newWatchdog(cfg *config.Config, l *lease.Lease, log *logging.Logger) *watchdog.Watchdog {
	check := watchdog.ProcessNameCheck(cfg.Host.WatcherProcess)
	if l != nil {
		check = watchdog.LeaseCheck(l)
	}
	wd := watchdog.New(watchdog.Config{
		Interval:       cfg.Watchdog.Interval,
		MaxCheckErrors: cfg.Watchdog.MaxCheckErrors,
	}, check)
	wd.SetLogger(log)
	return wd
}

// eventSinks returns the optional MQTT and InfluxDB sinks. The returned
// func closes whatever was connected.
func eventSinks(cfg *config.Config, serviceID string, log *logging.Logger) ([]host.EventSink, func()) {
	var (
		sinks   []host.EventSink
		closers []io.Closer
	)

	if cfg.MQTT.Enabled {
		mqttCfg := cfg.MQTT
		mqttCfg.Broker.ClientID = fmt.Sprintf("%s-%s", cfg.MQTT.Broker.ClientID, serviceID)
		client, err := mqtt.Connect(mqttCfg)
		if err != nil {
			log.Warn("mqtt unavailable, device events stay local", "error", err)
		} else {
			client.SetLogger(log)
			sinks = append(sinks, rpc.NewMQTTSink(client, serviceID, log))
			closers = append(closers, client)
			log.Info("connected to mqtt broker", "broker", cfg.MQTT.Broker.Host)
		}
	}

	if cfg.InfluxDB.Enabled {
		client, err := influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			log.Warn("influxdb unavailable, progress not recorded", "error", err)
		} else {
			client.SetOnError(func(err error) {
				log.Warn("influxdb write error", "error", err)
			})
			sinks = append(sinks, rpc.NewMetricsSink(client, serviceID))
			closers = append(closers, client)
		}
	}

	return sinks, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.Warn("closing event sink", "error", err)
			}
		}
	}
}
