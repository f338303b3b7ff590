package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eloadlab/eload-telemetry/internal/model"
)

// Sink receives parsed measurements.
type Sink interface {
	Forward(ctx context.Context, m model.Measurement) error
}

type ForwarderConfig struct {
	URL     string
	Timeout time.Duration

	// BreakerFailures consecutive failures open the circuit breaker; 0
	// disables it and every measurement is posted.
	BreakerFailures int
	BreakerOpenFor  time.Duration

	Logger logrus.FieldLogger
}

// StatusError is returned when the ingest endpoint answers anything but 200.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ingest endpoint returned %d: %s", e.StatusCode, e.Body)
}

// Forwarder POSTs one JSON document per measurement. Failed requests are not
// retried. With a breaker configured, BreakerFailures consecutive failures
// open it and measurements are rejected with gobreaker.ErrOpenState until
// BreakerOpenFor has passed.
type Forwarder struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

var _ Sink = (*Forwarder)(nil)

func NewForwarder(cfg ForwarderConfig) *Forwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	f := &Forwarder{
		url:    strings.TrimSpace(cfg.URL),
		client: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.BreakerFailures <= 0 {
		return f
	}
	if cfg.BreakerOpenFor <= 0 {
		cfg.BreakerOpenFor = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	log := cfg.Logger
	fails := uint32(cfg.BreakerFailures)

	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ingest-endpoint",
		Timeout: cfg.BreakerOpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= fails
		},
		// a rejected payload means the endpoint is up
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.StatusCode < http.StatusInternalServerError
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("circuit breaker state changed")
		},
	})
	return f
}

func (f *Forwarder) Forward(ctx context.Context, m model.Measurement) error {
	if f.breaker == nil {
		return f.post(ctx, m)
	}
	_, err := f.breaker.Execute(func() (any, error) {
		return nil, f.post(ctx, m)
	})
	return err
}

// State is the breaker state for health output, "disabled" without one.
func (f *Forwarder) State() string {
	if f.breaker == nil {
		return "disabled"
	}
	return f.breaker.State().String()
}

func (f *Forwarder) post(ctx context.Context, m model.Measurement) error {
	body, err := json.Marshal(model.ToPayload(m))
	if err != nil {
		return fmt.Errorf("encode measurement: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", f.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
