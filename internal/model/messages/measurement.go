package messages

import (
	"fmt"
	"strings"

	"github.com/asaskevich/govalidator"
)

// MeasurementPayload is the body of POST /data, also sent by the ingest daemon.
// Pointers distinguish a missing field from its zero value.
type MeasurementPayload struct {
	CurrentSetpoint *float64 `json:"currentSetpoint"`
	CurrentMeasured *float64 `json:"currentMeasured"`
	Mode            *string  `json:"mode"`
	Active          *bool    `json:"active"`
	PWM             *int     `json:"pwm"`
}

// MeasurementView is one element of the GET /data/history response.
// The server-assigned id and timestamp are not part of it.
type MeasurementView struct {
	CurrentSetpoint float64 `json:"currentSetpoint"`
	CurrentMeasured float64 `json:"currentMeasured"`
	Mode            string  `json:"mode"`
	Active          bool    `json:"active"`
	PWM             int     `json:"pwm"`
}

type SubmitResponse struct {
	Message string `json:"message"`
	ID      int64  `json:"id"`
}

type StateResponse struct {
	Mode   string `json:"mode"`
	Active bool   `json:"active"`
}

type ErrorResponse struct {
	Detail string `json:"detail"`
}

// ValidationError lists every problem found in a payload.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid measurement: " + strings.Join(e.Problems, "; ")
}

// Validate checks presence of all five fields and the domain invariants:
// mode is two uppercase letters and pwm is not negative.
func (p MeasurementPayload) Validate() error {
	var problems []string
	missing := func(name string) { problems = append(problems, fmt.Sprintf("%s: field required", name)) }

	if p.CurrentSetpoint == nil {
		missing("currentSetpoint")
	}
	if p.CurrentMeasured == nil {
		missing("currentMeasured")
	}
	if p.Active == nil {
		missing("active")
	}
	if p.Mode == nil {
		missing("mode")
	} else if !validMode(*p.Mode) {
		problems = append(problems, fmt.Sprintf("mode: %q must be exactly two uppercase letters", *p.Mode))
	}
	if p.PWM == nil {
		missing("pwm")
	} else if *p.PWM < 0 {
		problems = append(problems, fmt.Sprintf("pwm: %d must be non-negative", *p.PWM))
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validMode(mode string) bool {
	return govalidator.StringLength(mode, "2", "2") &&
		govalidator.IsAlpha(mode) &&
		govalidator.IsUpperCase(mode)
}
