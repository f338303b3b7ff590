package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eloadlab/eload-telemetry/internal/model"
	"github.com/eloadlab/eload-telemetry/internal/model/messages"
	"github.com/eloadlab/eload-telemetry/internal/services/persistence"
)

// ErrInvalidMinutes is returned by History for a window that is not positive.
var ErrInvalidMinutes = errors.New("minutes must be a positive integer")

// Cache holds the newest measurement outside the store.
type Cache interface {
	Put(ctx context.Context, m model.Measurement) (bool, error)
	Get(ctx context.Context) (model.Measurement, error)
}

// invalidator is implemented by caches that can drop their entry.
type invalidator interface {
	Invalidate(ctx context.Context) error
}

// Mirror receives a copy of every stored measurement.
type Mirror interface {
	Write(ctx context.Context, m model.Measurement) error
}

// Publisher announces stored measurements to other consumers.
type Publisher interface {
	Publish(ctx context.Context, v any) error
}

// Service holds the query and ingest logic behind the HTTP handlers.
// Only the store is required; cache, mirror and publisher are best-effort.
type Service struct {
	store  persistence.Store
	cache  Cache
	mirror Mirror
	events Publisher

	checks  []healthCheck
	log     logrus.FieldLogger
	metrics *Metrics
	now     func() time.Time

	sideEffectTimeout time.Duration
	// cacheMisses counts failed cache writes since the cache was last
	// known to match the store; Latest bypasses the cache while it is non-zero.
	cacheMisses atomic.Int64
}

type Option func(*Service)

func WithCache(c Cache) Option         { return func(s *Service) { s.cache = c } }
func WithMirror(m Mirror) Option       { return func(s *Service) { s.mirror = m } }
func WithPublisher(p Publisher) Option { return func(s *Service) { s.events = p } }
func WithMetrics(m *Metrics) Option    { return func(s *Service) { s.metrics = m } }

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.log = l }
}

// WithClock sets the clock History measures its window from.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithHealthCheck adds a dependency to /healthz. Required checks also gate /readyz.
func WithHealthCheck(name string, required bool, ping func(context.Context) error) Option {
	return func(s *Service) {
		s.checks = append(s.checks, healthCheck{name: name, required: required, ping: ping})
	}
}

func NewService(store persistence.Store, opts ...Option) *Service {
	s := &Service{
		store:             store,
		log:               logrus.StandardLogger(),
		now:               time.Now,
		sideEffectTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.checks = append([]healthCheck{{name: "store", required: true, ping: store.Ping}}, s.checks...)
	return s
}

// Submit validates the payload and appends it. Nothing is stored when the
// payload is rejected.
func (s *Service) Submit(ctx context.Context, p messages.MeasurementPayload) (model.Measurement, error) {
	if err := p.Validate(); err != nil {
		return model.Measurement{}, err
	}
	stored, err := s.store.Append(ctx, model.FromPayload(p))
	if err != nil {
		return model.Measurement{}, fmt.Errorf("store measurement: %w", err)
	}
	s.metrics.storedOne()
	s.log.WithFields(logrus.Fields{
		"id":   stored.ID,
		"mode": stored.Mode,
		"pwm":  stored.PWM,
	}).Debug("measurement stored")

	s.propagate(ctx, stored)
	return stored, nil
}

// propagate feeds the side channels. The measurement is already committed,
// so failures are only logged.
func (s *Service) propagate(ctx context.Context, m model.Measurement) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sideEffectTimeout)
	defer cancel()

	if s.cache != nil {
		if _, err := s.cache.Put(ctx, m); err != nil {
			s.cacheMisses.Add(1)
			s.sideEffectFailed("cache", m, err)
			if inv, ok := s.cache.(invalidator); ok {
				if err := inv.Invalidate(ctx); err != nil {
					s.log.WithError(err).Debug("cannot invalidate latest cache")
				}
			}
		}
	}
	if s.mirror != nil {
		if err := s.mirror.Write(ctx, m); err != nil {
			s.sideEffectFailed("influx", m, err)
		}
	}
	if s.events != nil {
		if err := s.events.Publish(ctx, m); err != nil {
			s.sideEffectFailed("mqtt", m, err)
		}
	}
}

func (s *Service) sideEffectFailed(target string, m model.Measurement, err error) {
	s.metrics.sideEffectFailed(target)
	s.log.WithError(err).WithFields(logrus.Fields{"target": target, "id": m.ID}).Warn("side channel update failed")
}

// maxMinutes is the widest window a time.Duration can express.
const maxMinutes = math.MaxInt64 / int64(time.Minute)

// History returns the measurements stored during the last minutes, oldest first.
func (s *Service) History(ctx context.Context, minutes int) ([]model.Measurement, error) {
	if minutes <= 0 {
		return nil, ErrInvalidMinutes
	}
	var cutoff time.Time
	if int64(minutes) < maxMinutes {
		cutoff = s.now().UTC().Add(-time.Duration(minutes) * time.Minute)
	}
	list, err := s.store.QuerySince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return list, nil
}

// Latest returns the newest measurement, from the cache when it has one and
// no cache write failed since it was last refilled.
// persistence.ErrNotFound means nothing was stored yet.
func (s *Service) Latest(ctx context.Context) (model.Measurement, error) {
	misses := s.cacheMisses.Load()
	if s.cache != nil && misses == 0 {
		m, err := s.cache.Get(ctx)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			s.log.WithError(err).Debug("latest cache unavailable, reading store")
		}
	}

	m, err := s.store.Latest(ctx)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return model.Measurement{}, err
		}
		return model.Measurement{}, fmt.Errorf("read latest: %w", err)
	}
	if s.cache != nil {
		// warm a cold cache, e.g. after a redis restart
		if _, err := s.cache.Put(ctx, m); err != nil {
			s.log.WithError(err).Debug("cannot refill latest cache")
		} else if misses != 0 && s.cacheMisses.CompareAndSwap(misses, 0) {
			// no write failed while the store was read, the cache holds m or newer
			s.log.Info("latest cache back in sync")
		}
	}
	return m, nil
}

// State is the {mode, active} projection of Latest.
func (s *Service) State(ctx context.Context) (messages.StateResponse, error) {
	m, err := s.Latest(ctx)
	if err != nil {
		return messages.StateResponse{}, err
	}
	return messages.StateResponse{Mode: m.Mode, Active: m.Active}, nil
}
