package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/fako1024/bitscale/pkg/bitscale"
	"github.com/fako1024/bitscale/pkg/protocol"
	"github.com/fako1024/bitscale/pkg/scale"
	"github.com/fako1024/bitscale/pkg/transport"
	"github.com/sirupsen/logrus"
)

type config struct {
	deviceID string
	timeout  time.Duration

	decode   string
	isBase64 bool

	tare   bool
	status bool
}

var log = logrus.New()

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() (err error) {

	// Parse command line options
	var cfg config

	flag.StringVar(&cfg.deviceID, "device", "", "Bluetooth ID of a known scale (MAC on Linux, UUID on OS X)")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Maximum time to wait for the scale to connect")

	flag.StringVar(&cfg.decode, "decode", "", "Decode a raw notification (hex) without connecting to a scale")
	flag.BoolVar(&cfg.isBase64, "base64", false, "Treat the notification passed via -decode as base64")

	flag.BoolVar(&cfg.tare, "t", false, "Tare the scale")
	flag.BoolVar(&cfg.status, "s", false, "Print the current reading of the scale")
	flag.Parse()

	if cfg.decode != "" {
		return decode(cfg)
	}
	if !cfg.tare && !cfg.status {
		flag.Usage()
		return errors.New("no action specified")
	}

	adapter, err := transport.NewDefault(log)
	if err != nil {
		return fmt.Errorf("failed to initialize bluetooth adapter: %w", err)
	}

	s, err := bitscale.New(adapter, bitscale.WithDeviceID(cfg.deviceID))
	if err != nil {
		return fmt.Errorf("failed to initialize scale: %w", err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	if err := waitConnected(ctx, s); err != nil {
		return err
	}
	log.Infof("%s (ID: %s)", s.StatusMessage(), s.DeviceID())

	if cfg.tare {
		if err := s.Tare(); err != nil {
			return fmt.Errorf("failed to tare scale: %w", err)
		}
		log.Infof("Tared scale")
	}
	if cfg.status {
		reading, err := waitReading(ctx, s)
		if err != nil {
			return err
		}
		printReading(reading)
	}

	return nil
}

func decode(cfg config) error {
	var (
		reading scale.Reading
		err     error
	)
	if cfg.isBase64 {
		reading, err = protocol.DecodeBase64(cfg.decode)
	} else {
		reading, err = protocol.DecodeHex(cfg.decode)
	}
	if err != nil {
		return err
	}

	printReading(reading)
	return nil
}

func printReading(reading scale.Reading) {
	fields := logrus.Fields{}
	if reading.HasBattery {
		fields["battery"] = reading.Battery
	}
	log.WithFields(fields).Infof("Weight: %dg", reading.Weight)
}

func waitConnected(ctx context.Context, s *bitscale.Scale) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		status := s.ConnectionStatus()
		switch status.State {
		case scale.StateConnected:
			return nil
		case scale.StateError:
			return fmt.Errorf("failed to connect: %s", s.StatusMessage())
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("scale did not connect in time (%s)", s.StatusMessage())
		case <-ticker.C:
		}
	}
}

func waitReading(ctx context.Context, s *bitscale.Scale) (scale.Reading, error) {
	dataChan := make(chan scale.DataPoint, 1)
	s.SetDataChannel(dataChan)

	if reading := s.Reading(); reading.HasWeight {
		return reading, nil
	}

	select {
	case dp := <-dataChan:
		return s.Reading().Merge(dp.Reading), nil
	case <-ctx.Done():
		return scale.Reading{}, errors.New("no reading received in time")
	}
}
