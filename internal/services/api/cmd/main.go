package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eloadlab/eload-telemetry/internal/services/api"
	"github.com/eloadlab/eload-telemetry/internal/services/persistence"
	"github.com/eloadlab/eload-telemetry/pkg/logging"
	"github.com/eloadlab/eload-telemetry/pkg/mqttbus"
)

const shutdownGrace = 5 * time.Second

func main() {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "eload-api",
		Short: "Stores electronic-load measurements and serves their history and current state",
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

type namedCloser struct {
	name string
	io.Closer
}

func run(ctx context.Context, cfg Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := logging.New(cfg.LogLevel, os.Stdout)

	store, err := persistence.Open(ctx, cfg.DatabaseURL,
		persistence.WithLogger(log),
		persistence.WithConnectTimeout(cfg.DBConnectTimeout))
	if err != nil {
		log.WithError(err).Error("cannot open measurement store")
		return err
	}
	closers := []namedCloser{{"store", store}}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := []api.Option{api.WithLogger(log), api.WithMetrics(api.NewMetrics(reg))}

	if cfg.RedisAddr != "" {
		cache := persistence.NewLatestCache(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}), persistence.DefaultCacheKey)
		opts = append(opts, api.WithCache(cache), api.WithHealthCheck("redis", false, cache.Ping))
		closers = append(closers, namedCloser{"redis", cache})
		log.WithField("addr", cfg.RedisAddr).Info("latest-state cache enabled")
	}

	if cfg.Influx.URL != "" {
		mirror, err := persistence.NewInfluxMirror(cfg.Influx)
		if err != nil {
			log.WithError(err).Warn("influx mirror disabled")
		} else {
			opts = append(opts, api.WithMirror(mirror), api.WithHealthCheck("influx", false, mirror.Ping))
			closers = append(closers, namedCloser{"influx", mirror})
			log.WithFields(logrus.Fields{"url": cfg.Influx.URL, "bucket": cfg.Influx.Bucket}).Info("influx mirror enabled")
		}
	}

	if cfg.MQTTHost != "" {
		client, err := mqttbus.Connect(ctx, mqttbus.Config{
			Host:     cfg.MQTTHost,
			Port:     cfg.MQTTPort,
			User:     cfg.MQTTUser,
			Password: cfg.MQTTPassword,
			ClientID: "eload-api",
			Logger:   log,
		})
		if err != nil {
			log.WithError(err).Warn("measurement events disabled")
		} else {
			defer mqttbus.Close(client)
			pub := mqttbus.NewPublisher(client, cfg.MQTTTopic)
			log.WithField("topic", pub.Topic()).Info("publishing measurement events")
			opts = append(opts,
				api.WithPublisher(pub),
				api.WithHealthCheck("mqtt", false, func(context.Context) error {
					if !client.IsConnectionOpen() {
						return errors.New("not connected")
					}
					return nil
				}))
		}
	}

	svc := api.NewService(store, opts...)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(api.NewHandler(svc), promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("HTTP API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			errCh <- fmt.Errorf("grpc health listen: %w", err)
		} else {
			go func() {
				if err := api.ServeGRPCHealth(ctx, lis, svc, 5*time.Second, log); err != nil {
					errCh <- fmt.Errorf("grpc health: %w", err)
				}
			}()
		}
	}

	var result *multierror.Error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.WithError(err).Error("server stopped")
		result = multierror.Append(result, err)
	}
	cancel()

	shCtx, shCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shCancel()
	if err := srv.Shutdown(shCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("http shutdown: %w", err))
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", c.name, err))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		log.WithError(err).Error("shutdown finished with errors")
		return err
	}
	log.Info("shutdown complete")
	return nil
}
