package model

import "github.com/eloadlab/eload-telemetry/internal/model/messages"

// HTTP contract types, re-exported for the services.

type (
	MeasurementPayload = messages.MeasurementPayload
	MeasurementView    = messages.MeasurementView
	StateResponse      = messages.StateResponse
)

// ToView maps a stored measurement onto the history response shape.
func ToView(m Measurement) MeasurementView {
	return MeasurementView{
		CurrentSetpoint: m.CurrentSetpoint,
		CurrentMeasured: m.CurrentMeasured,
		Mode:            m.Mode,
		Active:          m.Active,
		PWM:             m.PWM,
	}
}

// FromPayload maps a validated submission onto the domain type.
// Callers must run payload.Validate first.
func FromPayload(p MeasurementPayload) Measurement {
	return Measurement{
		CurrentSetpoint: *p.CurrentSetpoint,
		CurrentMeasured: *p.CurrentMeasured,
		Active:          *p.Active,
		Mode:            *p.Mode,
		PWM:             *p.PWM,
	}
}

// ToPayload is the inverse mapping used by the ingest forwarder.
func ToPayload(m Measurement) MeasurementPayload {
	return MeasurementPayload{
		CurrentSetpoint: &m.CurrentSetpoint,
		CurrentMeasured: &m.CurrentMeasured,
		Active:          &m.Active,
		Mode:            &m.Mode,
		PWM:             &m.PWM,
	}
}
