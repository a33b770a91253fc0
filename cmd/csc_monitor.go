package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/rivo/tview"
	"github.com/spf13/pflag"
	"tinygo.org/x/bluetooth"

	"github.com/marknotgeorge/SpeedAndCadence/internal/bt"
	"github.com/marknotgeorge/SpeedAndCadence/internal/config"
	"github.com/marknotgeorge/SpeedAndCadence/internal/connection"
	"github.com/marknotgeorge/SpeedAndCadence/internal/logging"
	"github.com/marknotgeorge/SpeedAndCadence/internal/monitor"
	"github.com/marknotgeorge/SpeedAndCadence/internal/safego"
	"github.com/marknotgeorge/SpeedAndCadence/internal/sim"
)

const simNotifyInterval = time.Second

type transport interface {
	connection.Transport
	Shutdown()
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "csc-monitor: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	// The dashboard owns the terminal: logs go to its log pane instead of stderr
	logs := monitor.NewLogBuffer()
	var mirror io.Writer = logs
	if cfg.Plain {
		mirror = os.Stderr
	}
	logger, logCloser, err := logging.New(cfg.Log, mirror)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	if cfg.ConfigFile != "" {
		logger.Printf("Monitor: using config file %s", cfg.ConfigFile)
	}

	t, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer t.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := connection.NewManager(t, logger, connection.Options{Recovery: cfg.RecoveryPolicy()})
	ride := monitor.NewRide(manager, logger, cfg.CalculatorOptions()...)
	ride.Start()
	defer ride.Stop()

	memory := monitor.NewDeviceMemory(cfg.StateFile, logger)
	defer memory.Watch(manager)()

	connect := func() {
		safego.Go(logger, "connect", func() {
			device, err := resolveDevice(ctx, t, cfg.Device, memory.Preferred(), logger)
			if err != nil {
				logger.Printf("Monitor: %v", err)
				return
			}
			logger.Printf("Monitor: connecting to %s", device)
			err = manager.Initialize(ctx, device)
			if err != nil && !errors.Is(err, connection.ErrDisconnected) && !errors.Is(err, context.Canceled) {
				logger.Printf("Monitor: session with %s ended: %v", device, err)
			}
		})
	}

	var suspend func(stop func())
	var runRenderer func() error
	if cfg.Plain {
		suspend = func(stop func()) { stop() }
		runRenderer = func() error {
			return monitor.NewPrinter(ride, os.Stdout, logger).Run(ctx)
		}
	} else {
		app := tview.NewApplication()
		dashboard := monitor.NewDashboard(app, ride, logs, monitor.Controls{
			Disconnect: manager.Disconnect,
			Reconnect:  connect,
			Quit:       cancel,
		}, logger)
		suspend = func(stop func()) { app.Suspend(stop) }
		runRenderer = func() error {
			safego.Go(logger, "dashboard-quit", func() {
				<-ctx.Done()
				dashboard.Stop()
			})
			defer cancel()
			return dashboard.Run()
		}
	}

	safego.Go(logger, "signals", func() {
		handleSignals(ctx, logger, manager, suspend, connect, cancel)
	})

	connect()
	err = runRenderer()
	manager.Disconnect()
	logger.Println("Monitor: exiting")
	return err
}

// resolveDevice prefers the configured device, then the remembered one, then any sensor in range
func resolveDevice(ctx context.Context, t connection.Transport, configured, remembered string, logger *log.Logger) (connection.DeviceRef, error) {
	if configured != "" {
		return connection.ResolveDevice(ctx, t, configured)
	}
	if remembered != "" {
		device, err := connection.ResolveDevice(ctx, t, remembered)
		if err == nil || !errors.Is(err, connection.ErrDeviceNotFound) {
			return device, err
		}
		logger.Printf("Monitor: remembered sensor %s not in range, using the first one found", remembered)
	}
	return connection.ResolveDevice(ctx, t, "")
}

func newTransport(cfg config.Config, logger *log.Logger) (transport, error) {
	if cfg.Simulate {
		sensor := sim.NewSensor(logger, sim.SensorConfig{
			Address:            "c0:ff:ee:00:00:01",
			LocalName:          "Simulated CSC",
			SpeedKmh:           cfg.Sim.SpeedKmh,
			CadenceRPM:         cfg.Sim.CadenceRPM,
			WheelCircumference: cfg.WheelCircumference,
			FailFirstSubscribe: cfg.Sim.FailFirstSubscribe,
		})
		logger.Printf("Monitor: simulating %s at %.1f km/h, %.0f rpm", sensor.LocalName(), cfg.Sim.SpeedKmh, cfg.Sim.CadenceRPM)
		return sim.NewTransport(logger, simNotifyInterval, sensor), nil
	}

	t := bt.NewTransport(bluetooth.DefaultAdapter, logger, cfg.ScanTimeout, cfg.ScanWindow)
	if err := t.Enable(); err != nil {
		return nil, err
	}
	return t, nil
}

// handleSignals quits on SIGINT/SIGTERM. A suspend request ends the session first and
// reconnects once the process is continued.
func handleSignals(ctx context.Context, logger *log.Logger, manager *connection.Manager, suspend func(stop func()), connect func(), quit func()) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, append([]os.Signal{syscall.SIGINT, syscall.SIGTERM}, suspendSignals...)...)
	defer signal.Stop(signals)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			if !slices.Contains(suspendSignals, sig) {
				logger.Printf("Monitor: received %v, quitting", sig)
				quit()
				return
			}
			logger.Printf("Monitor: received %v, suspending", sig)
			manager.HandleLifecycle(connection.Suspending)
			suspend(func() {
				if err := stopProcess(); err != nil {
					logger.Printf("Monitor: suspending failed: %v", err)
				}
			})
			manager.HandleLifecycle(connection.Resuming)
			connect()
		}
	}
}
