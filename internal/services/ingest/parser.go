package ingest

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/eloadlab/eload-telemetry/internal/model"
)

// ErrUnrecognizedFormat is returned for any line the parser rejects.
var ErrUnrecognizedFormat = errors.New("line format not recognized")

// Status line printed once a second by the load firmware:
//
//	Setpoint Corrente = 2.50 A; Medida Corrente = 2.47 A; Ativo = 1; Modo: CC; PWM = 128
var statusLine = regexp.MustCompile(
	`^\s*Setpoint Corrente\s*=\s*([\d.]+)\s*A\s*;\s*` +
		`Medida Corrente\s*=\s*([\d.]+)\s*A\s*;\s*` +
		`Ativo\s*=\s*(\d+)\s*;\s*` +
		`Modo\s*:\s*([A-Z]{2})\s*;\s*` +
		`PWM\s*=\s*(\d+)\s*$`,
)

// ParseLine turns a status line into a Measurement. A line either yields all
// five fields or is rejected with an error wrapping ErrUnrecognizedFormat.
func ParseLine(line string) (model.Measurement, error) {
	m := statusLine.FindStringSubmatch(line)
	if m == nil {
		return model.Measurement{}, ErrUnrecognizedFormat
	}

	setpoint, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return model.Measurement{}, fmt.Errorf("%w: setpoint %q: %v", ErrUnrecognizedFormat, m[1], err)
	}
	measured, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return model.Measurement{}, fmt.Errorf("%w: measured current %q: %v", ErrUnrecognizedFormat, m[2], err)
	}
	active, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return model.Measurement{}, fmt.Errorf("%w: active flag %q: %v", ErrUnrecognizedFormat, m[3], err)
	}
	pwm, err := strconv.ParseInt(m[5], 10, 0)
	if err != nil {
		return model.Measurement{}, fmt.Errorf("%w: pwm %q: %v", ErrUnrecognizedFormat, m[5], err)
	}

	return model.Measurement{
		CurrentSetpoint: setpoint,
		CurrentMeasured: measured,
		Active:          active != 0,
		Mode:            m[4],
		PWM:             int(pwm),
	}, nil
}
