package loadsim

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Simulator prints the load status once per interval, like the firmware does
// on its USB serial console, and accepts a few console commands.
type Simulator struct {
	load *Load
	out  io.Writer
	log  logrus.FieldLogger
	now  func() time.Time
}

func NewSimulator(load *Load, out io.Writer, log logrus.FieldLogger) *Simulator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Simulator{load: load, out: out, log: log, now: time.Now}
}

// Start emits status lines until ctx is done.
func (s *Simulator) Start(ctx context.Context, interval time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
			line := FormatLine(s.load.Next(s.now()))
			s.log.WithField("line", line).Debug("status")
			if _, err := fmt.Fprintf(s.out, "%s\n", line); err != nil {
				return fmt.Errorf("write status line: %w", err)
			}
		}
	}
}

// Listen applies commands read from in, one per line, until in is exhausted:
//
//	toggle        switch the load on or off
//	on | off
//	set <amps>    change the current setpoint
func (s *Simulator) Listen(in io.Reader) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if err := s.Apply(sc.Text()); err != nil {
			s.log.WithError(err).Warn("ignoring command")
		}
	}
	return sc.Err()
}

func (s *Simulator) Apply(cmd string) error {
	fields := strings.Fields(strings.ToLower(cmd))
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "toggle":
		s.log.WithField("active", s.load.Toggle()).Info("load toggled")
	case "on", "off":
		s.load.SetActive(fields[0] == "on")
		s.log.WithField("active", fields[0] == "on").Info("load switched")
	case "set":
		if len(fields) != 2 {
			return fmt.Errorf("usage: set <amps>")
		}
		a, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("invalid setpoint %q: %w", fields[1], err)
		}
		s.log.WithField("setpoint", s.load.SetSetpoint(a)).Info("setpoint changed")
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return nil
}
