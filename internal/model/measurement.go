package model

import "time"

// Measurement is one status report of the electronic load.
// ID and Timestamp are assigned by the store on append.
type Measurement struct {
	ID              int64     `json:"id"`
	CurrentSetpoint float64   `json:"current_setpoint"` // A
	CurrentMeasured float64   `json:"current_measured"` // A
	Active          bool      `json:"active"`           // load switched on
	Mode            string    `json:"mode"`             // e.g. "CC"
	PWM             int       `json:"pwm"`              // MOSFET duty (0..255 on the reference firmware)
	Timestamp       time.Time `json:"timestamp"`
}

// After reports whether m was stored after o: later timestamp first, then higher id.
func (m Measurement) After(o Measurement) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.After(o.Timestamp)
	}
	return m.ID > o.ID
}
