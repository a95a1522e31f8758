package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fako1024/bitscale/pkg/api"
	"github.com/fako1024/bitscale/pkg/bitscale"
	"github.com/fako1024/bitscale/pkg/config"
	"github.com/fako1024/bitscale/pkg/publish"
	"github.com/fako1024/bitscale/pkg/scale"
	"github.com/fako1024/bitscale/pkg/session"
	"github.com/fako1024/bitscale/pkg/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type flags struct {
	configPath string
	listen     string
	deviceID   string
	debug      bool
	noAutoSave bool
}

var log = logrus.New()

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {

	// Parse command line options
	var f flags
	flag.StringVar(&f.configPath, "config", config.DefaultConfigPath(), "Path to the YAML config file")
	flag.StringVar(&f.listen, "listen", "", "Endpoint to serve the API on (overrides config)")
	flag.StringVar(&f.deviceID, "device", "", "Bluetooth ID of a known scale (overrides config)")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&f.noAutoSave, "no-autosave", false, "Disable auto-save of settled weights")
	flag.Parse()

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	logger := scale.NewDefaultLogger(cfg.Debug)
	defer func() {
		_ = logger.Sync()
	}()

	adapter, err := transport.NewDefault(logger)
	if err != nil {
		return fmt.Errorf("failed to initialize bluetooth adapter: %w", err)
	}

	s, err := bitscale.New(adapter,
		bitscale.WithLogger(logger),
		bitscale.WithProfile(cfg.Scale.Profile),
		bitscale.WithDeviceID(cfg.Scale.DeviceID),
		bitscale.WithRetryInterval(cfg.Scale.RetryInterval),
		bitscale.WithConnectTimeout(cfg.Scale.ConnectTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize %s: %w", cfg.Scale.Profile.Label, err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			logger.Errorf("failed to close scale: %s", cerr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	options := []session.Option{
		session.WithLogger(logger),
		session.WithDetectorConfig(cfg.AutoSave.Config),
		session.WithAutoSave(cfg.AutoSave.Enabled),
		session.WithLowBattery(cfg.Scale.LowBattery),
	}
	if cfg.MQTT.Enabled {
		publisher, err := publish.New(cfg.MQTT.Config, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize mqtt publisher: %w", err)
		}
		defer publisher.Disconnect()

		g.Go(func() error {
			if err := publisher.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warnf("mqtt broker unavailable: %s", err)
			}
			publisher.Run(ctx)
			return nil
		})
		options = append(options, session.WithSink(publisher))
	}

	sess := session.New(s, options...)
	server := api.New(sess, logger)

	g.Go(func() error {
		return server.Listen(cfg.Listen)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Infof("shutting down")
		return server.Shutdown()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func loadConfig(f flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, os.ErrNotExist):
			log.Infof("config file `%s` not found, using defaults", f.configPath)
		default:
			return nil, err
		}
	}

	if f.listen != "" {
		cfg.Listen = f.listen
	}
	if f.deviceID != "" {
		cfg.Scale.DeviceID = f.deviceID
	}
	if f.debug {
		cfg.Debug = true
	}
	if f.noAutoSave {
		cfg.AutoSave.Enabled = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
