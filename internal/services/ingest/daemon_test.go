package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eloadlab/eload-telemetry/internal/model"
)

const validLine = "Setpoint Corrente = 2.50 A; Medida Corrente = 2.47 A; Ativo = 1; Modo: CC; PWM = 128"

type readResult struct {
	line string
	err  error
}

// scriptedSource returns the scripted reads, then times out forever.
type scriptedSource struct {
	mu     sync.Mutex
	reads  []readResult
	closed bool
}

func (s *scriptedSource) ReadLine() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reads) == 0 {
		return "", nil
	}
	r := s.reads[0]
	s.reads = s.reads[1:]
	return r.line, r.err
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	got    []model.Measurement
	err    error
	onSend func()
}

func (r *recordingSink) Forward(ctx context.Context, m model.Measurement) error {
	r.mu.Lock()
	r.got = append(r.got, m)
	r.mu.Unlock()
	if r.onSend != nil {
		r.onSend()
	}
	return r.err
}

func (r *recordingSink) sent() []model.Measurement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Measurement(nil), r.got...)
}

func newTestDaemon(src LineSource, sink Sink) (*Daemon, *test.Hook, *Metrics) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewDaemon(src, sink, Config{Interval: time.Millisecond, FailureWindow: time.Minute}, logger, metrics), hook, metrics
}

func TestStepForwardsParsedLine(t *testing.T) {
	src := &scriptedSource{reads: []readResult{{line: validLine}}}
	sink := &recordingSink{}
	d, hook, metrics := newTestDaemon(src, sink)

	d.Step(context.Background())

	require.Len(t, sink.sent(), 1)
	assert.Equal(t, sample, sink.sent()[0])
	assert.Equal(t, "measurement forwarded", hook.LastEntry().Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.lines.WithLabelValues(resultParsed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.forwards.WithLabelValues(resultOK)))
}

func TestStepDiscardsUnrecognizedLine(t *testing.T) {
	src := &scriptedSource{reads: []readResult{{line: "Setpoint Corrente = 2.50 A; Ativo = 1"}}}
	sink := &recordingSink{}
	d, hook, metrics := newTestDaemon(src, sink)

	d.Step(context.Background())

	assert.Empty(t, sink.sent())
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "Setpoint Corrente = 2.50 A; Ativo = 1", entry.Data["line"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.lines.WithLabelValues(resultRejected)))
}

func TestStepSkipsEmptyLine(t *testing.T) {
	d, hook, _ := newTestDaemon(&scriptedSource{}, &recordingSink{})

	d.Step(context.Background())

	assert.Empty(t, hook.AllEntries())
}

func TestStepSurvivesReadError(t *testing.T) {
	src := &scriptedSource{reads: []readResult{{err: errors.New("device reset")}, {line: validLine}}}
	sink := &recordingSink{}
	d, hook, metrics := newTestDaemon(src, sink)

	d.Step(context.Background())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.lines.WithLabelValues(resultReadError)))

	d.Step(context.Background())
	assert.Len(t, sink.sent(), 1)
}

func TestStepLogsForwardFailureWithBody(t *testing.T) {
	src := &scriptedSource{reads: []readResult{{line: validLine}, {line: validLine}}}
	sink := &recordingSink{err: &StatusError{StatusCode: 500, Body: "boom"}}
	d, hook, metrics := newTestDaemon(src, sink)

	d.Step(context.Background())
	entry := hook.LastEntry()
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, 500, entry.Data["status"])
	assert.Equal(t, "boom", entry.Data["body"])

	d.Step(context.Background())
	entry = hook.LastEntry()
	assert.Equal(t, logrus.ErrorLevel, entry.Level, "every failure is an error")
	assert.Equal(t, 2, entry.Data["repeated"])
	assert.Equal(t, "boom", entry.Data["body"])

	assert.Len(t, sink.sent(), 2, "no retry, each line is sent once")
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.forwards.WithLabelValues(resultFailed)))
}

func TestStepCountsDroppedWhenBreakerOpen(t *testing.T) {
	src := &scriptedSource{reads: []readResult{{line: validLine}}}
	d, hook, metrics := newTestDaemon(src, &recordingSink{err: gobreaker.ErrOpenState})

	d.Step(context.Background())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.forwards.WithLabelValues(resultDropped)))
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestEveryLinePostedAndLoggedAgainstFailingEndpoint(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		posts.Add(1)
		http.Error(w, "database down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	reads := make([]readResult, 8)
	for i := range reads {
		reads[i] = readResult{line: validLine}
	}
	logger, hook := test.NewNullLogger()
	d := NewDaemon(&scriptedSource{reads: reads}, NewForwarder(ForwarderConfig{URL: srv.URL, Logger: logger}),
		Config{FailureWindow: time.Minute}, logger, nil)

	for range reads {
		d.Step(context.Background())
	}

	assert.Equal(t, int32(8), posts.Load(), "one POST per parsed line")
	var errorsLogged int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			errorsLogged++
			assert.Equal(t, "database down", e.Data["body"])
		}
	}
	assert.Equal(t, 8, errorsLogged)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &scriptedSource{reads: []readResult{{line: validLine}, {line: validLine}}}
	sink := &recordingSink{onSend: cancel}
	d, _, _ := newTestDaemon(src, sink)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	assert.Len(t, sink.sent(), 1, "cancellation is observed at the next iteration boundary")
	src.mu.Lock()
	defer src.mu.Unlock()
	assert.True(t, src.closed)
}

func TestRunForwardSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var forwardCtxErr error
	src := &scriptedSource{reads: []readResult{{line: validLine}}}
	sink := &ctxSink{fn: func(fctx context.Context) {
		cancel()
		forwardCtxErr = fctx.Err()
	}}
	d, _, _ := newTestDaemon(src, sink)

	require.NoError(t, d.Run(ctx))
	assert.NoError(t, forwardCtxErr, "in-flight forward is not interrupted")
}

type ctxSink struct{ fn func(context.Context) }

func (c *ctxSink) Forward(ctx context.Context, _ model.Measurement) error {
	c.fn(ctx)
	return nil
}
