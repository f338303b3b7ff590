package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eloadlab/eload-telemetry/pkg/dedup"
)

const (
	resultParsed    = "parsed"
	resultRejected  = "rejected"
	resultReadError = "read_error"

	resultOK      = "ok"
	resultFailed  = "failed"
	resultDropped = "dropped"
)

type Config struct {
	// Interval is the pause between two iterations, whatever they did.
	Interval time.Duration
	// FailureWindow groups identical forward errors; each log entry carries
	// how many times the error was seen in the window.
	FailureWindow time.Duration
}

// Daemon reads status lines, parses them and forwards the measurements.
// It runs on a single goroutine and never stops because of a bad line or a
// failed request.
type Daemon struct {
	source   LineSource
	sink     Sink
	interval time.Duration
	log      logrus.FieldLogger
	metrics  *Metrics
	failures *dedup.Deduper
}

func NewDaemon(source LineSource, sink Sink, cfg Config, log logrus.FieldLogger, metrics *Metrics) *Daemon {
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Daemon{
		source:   source,
		sink:     sink,
		interval: cfg.Interval,
		log:      log,
		metrics:  metrics,
		failures: dedup.New(cfg.FailureWindow, 256),
	}
}

// Run loops until ctx is cancelled, then closes the source. Cancellation is
// observed between iterations; a read or forward in progress completes first.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("ingest daemon started")
	defer func() {
		if err := d.source.Close(); err != nil {
			d.log.WithError(err).Error("closing serial source")
		}
		d.log.Info("ingest daemon stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		d.Step(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.interval):
		}
	}
}

// Step performs one read-parse-forward iteration.
func (d *Daemon) Step(ctx context.Context) {
	line, err := d.source.ReadLine()
	if err != nil {
		d.metrics.line(resultReadError)
		d.log.WithError(err).Error("error reading serial line")
		return
	}
	if line == "" {
		return
	}
	log := d.log.WithField("line", line)
	log.Info("line received")

	m, err := ParseLine(line)
	if err != nil {
		d.metrics.line(resultRejected)
		log.WithError(err).Warn("line format not recognized, discarding")
		return
	}
	d.metrics.line(resultParsed)

	// The request must not be torn down by a shutdown signal: the HTTP client
	// timeout bounds it instead.
	start := time.Now()
	err = d.sink.Forward(context.WithoutCancel(ctx), m)
	elapsed := time.Since(start).Seconds()

	switch {
	case err == nil:
		d.metrics.forward(resultOK, elapsed)
		log.Info("measurement forwarded")
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		d.metrics.forward(resultDropped, elapsed)
		d.logFailure(log, err, "ingest endpoint unavailable, measurement dropped")
	default:
		d.metrics.forward(resultFailed, elapsed)
		fields := logrus.Fields{}
		var se *StatusError
		if errors.As(err, &se) {
			fields["status"] = se.StatusCode
			fields["body"] = se.Body
		}
		d.logFailure(log.WithFields(fields), err, "failed to forward measurement")
	}
}

func (d *Daemon) logFailure(log logrus.FieldLogger, err error, msg string) {
	log = log.WithError(err)
	if n := d.failures.Hit(err.Error()); n > 1 {
		log = log.WithField("repeated", n)
	}
	log.Error(msg)
}
