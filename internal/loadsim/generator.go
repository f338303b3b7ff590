package loadsim

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/eloadlab/eload-telemetry/internal/model"
)

// ====== Tunables ======
const (
	// MaxCurrent is the highest setpoint the load accepts, in amperes.
	MaxCurrent = 5.0

	maxPWM = 255
	// ampsPerStep: current drawn at full conduction divided by the PWM range.
	ampsPerStep = 6.0 / maxPWM
	// plantTau is the time constant of the MOSFET + shunt response.
	plantTau = 50 * time.Millisecond
	// controlStep is the period of the simulated control loop.
	controlStep = 10 * time.Millisecond
)

// Gains of the PID controller, output in PWM steps.
type Gains struct {
	Kp, Ki, Kd float64
}

// DefaultGains settle the simulated plant in well under a second.
var DefaultGains = Gains{Kp: 20, Ki: 120, Kd: 0}

type Config struct {
	Setpoint float64
	Active   bool
	Mode     string
	Gains    Gains
	// Noise is the standard deviation of the current reading, in amperes.
	Noise float64
	Seed  int64
}

// Load simulates the electronic load: a PID loop driving the PWM of a MOSFET
// so that the measured current follows the setpoint.
type Load struct {
	mu sync.Mutex

	setpoint float64
	measured float64
	active   bool
	mode     string
	pwm      int

	gains    Gains
	integral float64
	lastErr  float64

	noise float64
	rng   *rand.Rand
	last  time.Time
}

func NewLoad(cfg Config) *Load {
	if cfg.Mode == "" {
		cfg.Mode = "CC"
	}
	if cfg.Gains == (Gains{}) {
		cfg.Gains = DefaultGains
	}
	return &Load{
		setpoint: clamp(cfg.Setpoint, 0, MaxCurrent),
		active:   cfg.Active,
		mode:     cfg.Mode,
		gains:    cfg.Gains,
		noise:    math.Max(0, cfg.Noise),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Next advances the simulation to now and returns the reading the firmware
// would print.
func (l *Load) Next(now time.Time) model.Measurement {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.last.IsZero() {
		l.last = now
	}
	for elapsed := now.Sub(l.last); elapsed >= controlStep; elapsed -= controlStep {
		l.step(controlStep.Seconds())
	}
	l.last = now

	reading := l.measured
	if l.noise > 0 {
		reading += l.rng.NormFloat64() * l.noise
	}
	return model.Measurement{
		CurrentSetpoint: l.setpoint,
		CurrentMeasured: math.Max(0, reading),
		Active:          l.active,
		Mode:            l.mode,
		PWM:             l.pwm,
		Timestamp:       now,
	}
}

func (l *Load) step(dt float64) {
	if l.active {
		err := l.setpoint - l.measured
		l.integral += err * dt
		derivative := (err - l.lastErr) / dt
		out := l.gains.Kp*err + l.gains.Ki*l.integral + l.gains.Kd*derivative
		l.pwm = int(clamp(out, 0, maxPWM))
		l.lastErr = err
	} else {
		l.integral, l.lastErr, l.pwm = 0, 0, 0
	}

	target := float64(l.pwm) * ampsPerStep
	l.measured += (target - l.measured) * (1 - math.Exp(-dt/plantTau.Seconds()))
}

// Toggle switches the load on or off and reports the new state.
func (l *Load) Toggle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = !l.active
	return l.active
}

func (l *Load) SetActive(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = on
}

// SetSetpoint clamps a to [0, MaxCurrent].
func (l *Load) SetSetpoint(a float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setpoint = clamp(a, 0, MaxCurrent)
	return l.setpoint
}

// FormatLine renders m the way the firmware prints it on the serial console.
func FormatLine(m model.Measurement) string {
	active := 0
	if m.Active {
		active = 1
	}
	return fmt.Sprintf("Setpoint Corrente = %.2f A; Medida Corrente = %.2f A; Ativo = %d; Modo: %s; PWM = %d",
		m.CurrentSetpoint, m.CurrentMeasured, active, m.Mode, m.PWM)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
