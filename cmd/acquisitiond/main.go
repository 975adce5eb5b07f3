// Command acquisitiond boots the field-bus acquisition service: it loads
// the configuration document, wires the time-series sink and broker
// publisher, starts every connection's pollers and virtual slave, and
// runs until SIGINT/SIGTERM. Grounded on the teacher's cmd/edgeflow/main.go
// boot sequence and cmd/gpio-test/main.go's signal-handling idiom.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modflux/acquisitiond/internal/config"
	"github.com/modflux/acquisitiond/internal/logger"
	"github.com/modflux/acquisitiond/internal/model"
	"github.com/modflux/acquisitiond/internal/pipeline"
	"github.com/modflux/acquisitiond/internal/runtime"
	"github.com/modflux/acquisitiond/internal/sink/influx"
	"github.com/modflux/acquisitiond/internal/sink/mqttbroker"
	"go.uber.org/zap"
)

// Version is stamped at build time via -ldflags.
var Version = "0.1.0"

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "./config.yaml", "path to the configuration document")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logDir := flag.String("log-dir", "./logs", "directory for rotated JSON logs (empty disables file logging)")
	influxURL := flag.String("influx-url", "", "InfluxDB URL (empty disables the time-series sink)")
	influxToken := flag.String("influx-token", "", "InfluxDB auth token")
	influxOrg := flag.String("influx-org", "", "InfluxDB organization")
	influxBucket := flag.String("influx-bucket", "", "InfluxDB bucket")
	mqttBroker := flag.String("mqtt-broker", "", "MQTT broker URL (empty disables the broker publisher)")
	flag.Parse()

	logCfg := logger.DefaultConfig()
	logCfg.Level = *logLevel
	logCfg.LogDir = *logDir
	if err := logger.Init(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "acquisitiond: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Get()

	log.Info("acquisitiond starting", zap.String("version", Version))

	cfgProvider, err := config.NewProvider(*configPath, log)
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	stopWatch, err := cfgProvider.Watch(func(cfg model.Config) {
		log.Info("configuration reloaded", zap.Int("connections", len(cfg.Connections)))
	})
	if err != nil {
		log.Warn("config file watch unavailable, relying on process restart for config changes", zap.Error(err))
	} else {
		defer stopWatch()
	}

	var pipelineSink pipeline.Sink
	if *influxURL != "" {
		s, err := influx.New(context.Background(), influx.Config{
			URL: *influxURL, Token: *influxToken, Org: *influxOrg, Bucket: *influxBucket,
			Measurement: "nbcb_collect_pump_sensor_data",
		})
		if err != nil {
			log.Warn("influx sink unavailable, samples will not be persisted", zap.Error(err))
		} else {
			pipelineSink = s
			defer s.Close()
		}
	}

	var publisher pipeline.Publisher
	if *mqttBroker != "" {
		p, err := mqttbroker.New(mqttbroker.Config{Broker: *mqttBroker})
		if err != nil {
			log.Warn("mqtt publisher unavailable, change events will not be published", zap.Error(err))
		} else {
			publisher = p
			defer p.Close()
		}
	}

	rt := runtime.New(log, cfgProvider, runtime.Options{
		Sink:      pipelineSink,
		Publisher: publisher,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		log.Fatal("failed to start runtime", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	rt.Shutdown(shutdownTimeout)
	log.Info("acquisitiond stopped")
}
