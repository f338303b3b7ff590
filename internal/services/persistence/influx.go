package persistence

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/eloadlab/eload-telemetry/internal/model"
)

const influxMeasurement = "current_control"

type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxMirror copies stored measurements into an InfluxDB bucket for
// dashboards. The relational store stays the source of truth.
type InfluxMirror struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func NewInfluxMirror(cfg InfluxConfig) (*InfluxMirror, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx config incomplete")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxMirror{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

func (i *InfluxMirror) Write(ctx context.Context, m model.Measurement) error {
	if err := i.writeAPI.WritePoint(ctx, MeasurementToPoint(m)); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

func (i *InfluxMirror) Ping(ctx context.Context) error {
	ok, err := i.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("influx not ready")
	}
	return nil
}

func (i *InfluxMirror) Close() error {
	i.client.Close()
	return nil
}

// MeasurementToPoint maps a measurement onto a point tagged by mode.
func MeasurementToPoint(m model.Measurement) *write.Point {
	tags := map[string]string{
		"mode": m.Mode,
	}
	fields := map[string]interface{}{
		"current_setpoint": m.CurrentSetpoint,
		"current_measured": m.CurrentMeasured,
		"active":           m.Active,
		"pwm":              m.PWM,
		"id":               m.ID,
	}
	return influxdb2.NewPoint(influxMeasurement, tags, fields, m.Timestamp)
}
