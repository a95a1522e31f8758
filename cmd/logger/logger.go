package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fako1024/bitscale/pkg/bitscale"
	"github.com/fako1024/bitscale/pkg/ledger"
	"github.com/fako1024/bitscale/pkg/scale"
	"github.com/fako1024/bitscale/pkg/session"
	"github.com/fako1024/bitscale/pkg/stability"
	"github.com/fako1024/bitscale/pkg/transport"
	"github.com/sirupsen/logrus"
)

type config struct {
	deviceID string
	dwell    time.Duration
	autoSave bool
	debug    bool
}

var log = logrus.New()

// consoleSink prints committed weights to the console
type consoleSink struct{}

func (consoleSink) PublishCommit(entry ledger.Entry) {
	log.WithFields(logrus.Fields{
		"id":     entry.ID.String(),
		"source": entry.Source,
	}).Infof("Saved %dg", entry.Grams)
}

func (consoleSink) PublishStatus(_ session.Snapshot) {}

func main() {

	// Parse command line options
	var cfg config

	flag.StringVar(&cfg.deviceID, "device", "", "Bluetooth ID of a known scale (MAC on Linux, UUID on OS X)")
	flag.DurationVar(&cfg.dwell, "dwell", 2*time.Second, "Time a weight has to be stable before it is saved")
	flag.BoolVar(&cfg.autoSave, "autosave", true, "Save settled weights automatically")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if cfg.debug {
		log.SetLevel(logrus.DebugLevel)
	}

	adapter, err := transport.NewDefault(scale.NewDefaultLogger(cfg.debug))
	if err != nil {
		log.Fatalf("Failed to initialize bluetooth adapter: %s", err)
	}

	s, err := bitscale.New(adapter,
		bitscale.WithDeviceID(cfg.deviceID),
		bitscale.WithLogger(log),
	)
	if err != nil {
		log.Fatalf("Failed to initialize scale: %s", err)
	}

	detectorCfg := stability.DefaultConfig()
	detectorCfg.Dwell = cfg.dwell
	sess := session.New(s,
		session.WithDetectorConfig(detectorCfg),
		session.WithAutoSave(cfg.autoSave),
		session.WithSink(consoleSink{}),
	)

	dataChan := make(chan scale.DataPoint, 256)
	s.SetDataChannel(dataChan)

	stateChan := make(chan scale.ConnectionStatus, 16)
	s.SetStateChangeChannel(stateChan)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, os.Interrupt)

	for {
		select {
		case st := <-stateChan:
			log.Warnf("State change: %s (%s)", st.State, s.StatusMessage())
		case dp := <-dataChan:
			snapshot := sess.Snapshot()
			fields := logrus.Fields{
				"connected_for": s.ConnectedFor().Round(time.Second),
				"low_battery":   snapshot.LowBattery,
			}
			if dp.HasBattery {
				fields["battery"] = dp.Battery
			}
			log.WithFields(fields).Infof("Weight: %dg", dp.Weight)
		case <-sigChan:
			log.Infof("Got signal, terminating connection to device")
			if err := s.Close(); err != nil {
				log.Errorf("Failed to close scale: %s", err)
			}
			if export := sess.Export(); export != "" {
				log.Infof("Session:\n%s", export)
			}
			return
		}
	}
}
