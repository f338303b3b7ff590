package main

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	APIURL      string
	SerialPort  string
	BaudRate    int
	ReadTimeout time.Duration

	LoopInterval time.Duration
	HTTPTimeout  time.Duration

	BreakerFailures int
	BreakerOpenFor  time.Duration

	MetricsAddr string
	LogLevel    string
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("api-url", "http://localhost:8000/data", "ingest endpoint of the API")
	fs.String("serial-port", "/dev/ttyACM0", "serial device of the load")
	fs.Int("baud-rate", 9600, "serial baud rate")
	fs.Duration("read-timeout", time.Second, "serial read timeout")
	fs.Duration("loop-interval", time.Second, "pause between two iterations")
	fs.Duration("http-timeout", 5*time.Second, "timeout of a single forward request")
	fs.Int("breaker-failures", 0, "consecutive failures that open the circuit breaker (0 disables it)")
	fs.Duration("breaker-open-for", 30*time.Second, "how long the breaker stays open")
	fs.String("metrics-addr", "", "address for /metrics and /healthz (disabled when empty)")
	fs.String("log-level", "info", "log level")

	// every flag doubles as an env variable: --api-url <-> API_URL
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(fs)
}

func loadConfig(v *viper.Viper) Config {
	return Config{
		APIURL:          v.GetString("api-url"),
		SerialPort:      v.GetString("serial-port"),
		BaudRate:        v.GetInt("baud-rate"),
		ReadTimeout:     v.GetDuration("read-timeout"),
		LoopInterval:    v.GetDuration("loop-interval"),
		HTTPTimeout:     v.GetDuration("http-timeout"),
		BreakerFailures: v.GetInt("breaker-failures"),
		BreakerOpenFor:  v.GetDuration("breaker-open-for"),
		MetricsAddr:     v.GetString("metrics-addr"),
		LogLevel:        v.GetString("log-level"),
	}
}
