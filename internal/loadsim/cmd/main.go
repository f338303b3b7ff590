package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.bug.st/serial"

	"github.com/eloadlab/eload-telemetry/internal/loadsim"
	"github.com/eloadlab/eload-telemetry/pkg/logging"
)

func main() {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "eload-sim",
		Short: "Simulates the electronic load and prints its status lines, on stdout or a serial port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
		SilenceUsage: true,
	}
	fs := cmd.Flags()
	fs.Float64("setpoint", 2.5, "initial current setpoint in amperes")
	fs.Bool("active", false, "start with the load switched on")
	fs.Duration("interval", time.Second, "time between two status lines")
	fs.Float64("noise", 0.01, "standard deviation of the current reading in amperes")
	fs.String("serial-port", "", "write to this serial port instead of stdout (e.g. one end of a socat pty pair)")
	fs.Int("baud-rate", 9600, "serial baud rate")
	fs.String("log-level", "info", "log level")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("SIM")
	v.AutomaticEnv()
	_ = v.BindPFlags(fs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, v *viper.Viper) error {
	// stdout may carry the status lines, keep logs apart
	log := logging.New(v.GetString("log-level"), os.Stderr)

	var (
		out io.Writer = os.Stdout
		in  io.Reader = os.Stdin
	)
	if port := v.GetString("serial-port"); port != "" {
		p, err := serial.Open(port, &serial.Mode{BaudRate: v.GetInt("baud-rate")})
		if err != nil {
			log.WithError(err).Error("cannot open serial port")
			return err
		}
		defer p.Close()
		out, in = p, p
		log.WithFields(logrus.Fields{"port": port, "baud": v.GetInt("baud-rate")}).Info("writing to serial port")
	}

	load := loadsim.NewLoad(loadsim.Config{
		Setpoint: v.GetFloat64("setpoint"),
		Active:   v.GetBool("active"),
		Noise:    v.GetFloat64("noise"),
		Seed:     time.Now().UnixNano(),
	})
	sim := loadsim.NewSimulator(load, out, log)

	go func() {
		if err := sim.Listen(in); err != nil {
			log.WithError(err).Debug("command input closed")
		}
	}()
	return sim.Start(ctx, v.GetDuration("interval"))
}
