package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eloadlab/eload-telemetry/internal/services/ingest"
	"github.com/eloadlab/eload-telemetry/pkg/logging"
)

func main() {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "eload-daemon",
		Short: "Reads status lines of the electronic load from a serial port and forwards them to the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), loadConfig(v))
		},
		SilenceUsage: true,
	}
	bindFlags(v, cmd.Flags())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config) error {
	log := logging.New(cfg.LogLevel, os.Stdout)

	source, err := ingest.OpenSerial(ingest.SerialConfig{
		Port:        cfg.SerialPort,
		BaudRate:    cfg.BaudRate,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		// a missing or busy port will not fix itself
		log.WithError(err).Error("cannot open serial port")
		return err
	}
	log.WithFields(logrus.Fields{"port": cfg.SerialPort, "baud": cfg.BaudRate, "api": cfg.APIURL}).
		Info("reading from serial port")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := ingest.NewMetrics(reg)

	forwarder := ingest.NewForwarder(ingest.ForwarderConfig{
		URL:             cfg.APIURL,
		Timeout:         cfg.HTTPTimeout,
		BreakerFailures: cfg.BreakerFailures,
		BreakerOpenFor:  cfg.BreakerOpenFor,
		Logger:          log,
	})

	if cfg.MetricsAddr != "" {
		srv := metricsServer(cfg.MetricsAddr, reg, forwarder)
		go func() {
			log.WithField("addr", cfg.MetricsAddr).Info("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shCtx)
		}()
	}

	d := ingest.NewDaemon(source, forwarder, ingest.Config{
		Interval:      cfg.LoopInterval,
		FailureWindow: time.Minute,
	}, log, metrics)

	err = d.Run(ctx)
	log.Info("shutdown complete")
	return err
}

func metricsServer(addr string, reg *prometheus.Registry, f *ingest.Forwarder) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok breaker=" + f.State()))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
