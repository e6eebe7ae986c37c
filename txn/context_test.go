package txn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/fabricpm/mad"
)

func TestContextSendCompletesOnReply(t *testing.T) {
	manager, agent := NewMemPair(16)
	seen := startAgent(t, agent, func(req *mad.MAD) *mad.MAD {
		return req.Reply(mad.StatusSuccess, []byte{0xAB})
	})

	c, err := New(Config{RespTimeout: time.Second}, manager)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan Completion, 1)
	req := mad.NewRequest(mad.MethodGet, mad.AttrClassPortInfo, 0, nil)
	if err := c.Send(7, req, func(comp Completion) { done <- comp }); err != nil {
		t.Fatalf("Send: %v", err)
	}

	comp := waitCompletion(t, done)
	if comp.Status != StatusOK || comp.Err != nil {
		t.Fatalf("unexpected completion: %+v", comp)
	}
	if comp.Reply == nil || comp.Reply.TID != req.TID || len(comp.Reply.Data) != 1 {
		t.Fatalf("unexpected reply: %+v", comp.Reply)
	}
	got := <-seen
	if got.dlid != 7 || got.slid != DefaultLocalLID {
		t.Fatalf("unexpected addressing: %+v", got)
	}
	if stats := c.Stats(); stats.Sent != 1 || stats.Completed != 1 || stats.Outstanding != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestContextNoSlotAndCloseCompletes(t *testing.T) {
	manager, agent := NewMemPair(16)
	startAgent(t, agent, func(*mad.MAD) *mad.MAD { return nil })

	c, err := New(Config{PoolSize: 1, RespTimeout: time.Minute}, manager)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var calls int
	var mu sync.Mutex
	done := make(chan Completion, 2)
	handler := func(comp Completion) {
		mu.Lock()
		calls++
		mu.Unlock()
		done <- comp
	}
	if err := c.Send(2, mad.NewRequest(mad.MethodGet, mad.AttrDataPortCounters, 0, nil), handler); err != nil {
		t.Fatalf("Send: %v", err)
	}
	err = c.Send(3, mad.NewRequest(mad.MethodGet, mad.AttrDataPortCounters, 0, nil), handler)
	if !errors.Is(err, ErrNoSlot) {
		t.Fatalf("expected ErrNoSlot, got %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	comp := waitCompletion(t, done)
	if comp.Status != StatusClosed || !errors.Is(comp.Err, ErrClosed) {
		t.Fatalf("expected closed completion, got %+v", comp)
	}
	var ce *CompletionError
	if !errors.As(comp.Err, &ce) || ce.DLID != 2 || ce.Attribute != mad.AttrDataPortCounters {
		t.Fatalf("unexpected completion error: %v", comp.Err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("handler invoked %d times", calls)
	}
	if err := c.Send(2, mad.NewRequest(mad.MethodGet, mad.AttrClassPortInfo, 0, nil), handler); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestContextRetriesWithSameTIDThenTimesOut(t *testing.T) {
	manager, agent := NewMemPair(16)
	seen := startAgent(t, agent, func(*mad.MAD) *mad.MAD { return nil })

	fc := fakeclock.NewFakeClock(time.Unix(1000, 0))
	c, err := New(Config{
		MaxRetries:  2,
		RespTimeout: 100 * time.Millisecond,
		AgeInterval: 100 * time.Millisecond,
		Clock:       fc,
	}, manager)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan Completion, 1)
	req := mad.NewRequest(mad.MethodGet, mad.AttrErrorPortCounters, 0, nil)
	if err := c.Send(4, req, func(comp Completion) { done <- comp }); err != nil {
		t.Fatalf("Send: %v", err)
	}
	first := <-seen

	for retry := 1; retry <= 2; retry++ {
		fc.WaitForWatcherAndIncrement(100 * time.Millisecond)
		resent := <-seen
		if resent.tid != first.tid {
			t.Fatalf("retry %d used tid 0x%x, want 0x%x", retry, resent.tid, first.tid)
		}
		waitFor(t, func() bool { return c.Stats().Retried == uint64(retry) })
	}

	fc.WaitForWatcherAndIncrement(100 * time.Millisecond)
	comp := waitCompletion(t, done)
	if comp.Status != StatusTimeout || !errors.Is(comp.Err, ErrTimeout) || comp.Retries != 2 {
		t.Fatalf("unexpected completion: %+v", comp)
	}
	if stats := c.Stats(); stats.TimedOut != 1 || stats.Outstanding != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSteppedRetryStopsAtTotalTimeout(t *testing.T) {
	cfg := Config{
		RespTimeout:    40 * time.Millisecond,
		MinRespTimeout: 10 * time.Millisecond,
		TotalTimeout:   50 * time.Millisecond,
		Clock:          fakeclock.NewFakeClock(time.Unix(0, 0)),
	}
	cfg.applyDefaults()
	c := &Context{cfg: cfg}

	c.mu.Lock()
	defer c.mu.Unlock()
	s := &slot{}
	// Mirror Send's slot setup.
	s.steps = newSteps(cfg)
	s.timeout = s.steps.Duration()

	var timeouts []time.Duration
	timeouts = append(timeouts, s.timeout)
	for c.retryable(s) {
		timeouts = append(timeouts, s.timeout)
		if len(timeouts) > 10 {
			t.Fatal("retry policy never expired")
		}
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 20 * time.Millisecond}
	if len(timeouts) != len(want) {
		t.Fatalf("timeouts: got %v want %v", timeouts, want)
	}
	for i := range want {
		if timeouts[i] != want[i] {
			t.Fatalf("timeouts: got %v want %v", timeouts, want)
		}
	}
}

func TestContextDropsStaleResponses(t *testing.T) {
	manager, agent := NewMemPair(16)
	c, err := New(Config{RespTimeout: time.Minute}, manager)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan Completion, 1)
	req := mad.NewRequest(mad.MethodGet, mad.AttrClassPortInfo, 0, nil)
	if err := c.Send(9, req, func(comp Completion) { done <- comp }); err != nil {
		t.Fatalf("Send: %v", err)
	}
	dg, err := agent.Receive(context.Background())
	if err != nil {
		t.Fatalf("agent Receive: %v", err)
	}

	send := func(slid uint16, m *mad.MAD) {
		payload, err := m.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary: %v", err)
		}
		if err := agent.Send(context.Background(), Datagram{SLID: slid, DLID: dg.SLID, Payload: payload}); err != nil {
			t.Fatalf("agent Send: %v", err)
		}
	}
	unknown := mad.NewRequest(mad.MethodGet, mad.AttrClassPortInfo, 0, nil)
	unknown.TID = req.TID + 100
	send(9, unknown.Reply(mad.StatusSuccess, nil))
	send(10, req.Reply(mad.StatusSuccess, nil))
	send(9, req)

	waitFor(t, func() bool { return c.Stats().Dropped == 3 })
	select {
	case comp := <-done:
		t.Fatalf("stale response completed the request: %+v", comp)
	default:
	}

	send(9, req.Reply(mad.StatusPMNumBlocks, nil))
	comp := waitCompletion(t, done)
	if comp.Status != StatusOK || comp.Reply.Err() == nil {
		t.Fatalf("expected delivered error reply, got %+v", comp)
	}
}

func TestContextStructuredLoggingAndTracing(t *testing.T) {
	logger, observedLogs := newObservedLogger()
	tp, recorder := newTestTracerProvider()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()
	metrics := newMetricRecorder()

	manager, agent := NewMemPair(16)
	startAgent(t, agent, func(req *mad.MAD) *mad.MAD { return req.Reply(mad.StatusSuccess, nil) })
	c, err := New(Config{
		RespTimeout: time.Second,
		Logger:      logger,
		Tracer:      NewOTelTracer(tp.Tracer("txn-structured-test")),
		Metrics:     metrics,
	}, manager)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan Completion, 1)
	if err := c.Send(5, mad.NewRequest(mad.MethodGet, mad.AttrClassPortInfo, 0, nil), func(comp Completion) { done <- comp }); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitCompletion(t, done)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, event := range []string{"start", "completion", "stop"} {
		if !waitForLogEvent(observedLogs, event, time.Second) {
			t.Fatalf("missing dispatcher %s log", event)
		}
	}
	for _, event := range []string{"start", "stop"} {
		if !spanHasEvent(recorder, "fabricpm-txn-dispatcher", event) {
			t.Fatalf("missing dispatcher %s span event", event)
		}
	}
	_ = logger.Sync()

	snapshot := metrics.Snapshot()
	if snapshot.DispatcherStarted != 1 || snapshot.DispatcherStopped != 1 || snapshot.RequestCompleted != 1 {
		t.Fatalf("unexpected metrics: %+v", snapshot)
	}
}

type seenRequest struct {
	slid, dlid uint16
	tid        uint64
}

// startAgent answers requests arriving on tr until the test ends. respond may
// return nil to drop a request.
func startAgent(t *testing.T, tr Transport, respond func(*mad.MAD) *mad.MAD) <-chan seenRequest {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	seen := make(chan seenRequest, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			dg, err := tr.Receive(ctx)
			if err != nil {
				return
			}
			req, err := mad.Unmarshal(dg.Payload)
			if err != nil {
				continue
			}
			select {
			case seen <- seenRequest{slid: dg.SLID, dlid: dg.DLID, tid: req.TID}:
			default:
			}
			rsp := respond(req)
			if rsp == nil {
				continue
			}
			payload, err := rsp.MarshalBinary()
			if err != nil {
				continue
			}
			_ = tr.Send(ctx, Datagram{SLID: dg.DLID, DLID: dg.SLID, Payload: payload})
		}
	}()
	t.Cleanup(func() {
		cancel()
		_ = tr.Close()
		wg.Wait()
	})
	return seen
}

func waitCompletion(t *testing.T, ch <-chan Completion) Completion {
	t.Helper()
	select {
	case comp := <-ch:
		return comp
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return Completion{}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return logger.Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

func waitForLogEvent(logs *observer.ObservedLogs, event string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		for _, entry := range logs.All() {
			if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func spanHasEvent(recorder *tracetest.SpanRecorder, spanName, event string) bool {
	for _, span := range recorder.Ended() {
		if span.Name() != spanName {
			continue
		}
		for _, evt := range span.Events() {
			if evt.Name == event {
				return true
			}
		}
	}
	return false
}

type metricRecorder struct {
	mu                sync.Mutex
	dispatcherStarted int
	dispatcherStopped int
	receiveErrors     []string
	requestCompleted  int
	requestRetried    int
	requestTimedOut   int
	responseDropped   []string
}

func newMetricRecorder() *metricRecorder {
	return &metricRecorder{}
}

func (m *metricRecorder) DispatcherStarted(_ map[string]string) {
	m.mu.Lock()
	m.dispatcherStarted++
	m.mu.Unlock()
}

func (m *metricRecorder) DispatcherStopped(_ map[string]string) {
	m.mu.Lock()
	m.dispatcherStopped++
	m.mu.Unlock()
}

func (m *metricRecorder) ReceiveError(kind string, _ error, _ map[string]string) {
	m.mu.Lock()
	m.receiveErrors = append(m.receiveErrors, kind)
	m.mu.Unlock()
}

func (m *metricRecorder) RequestCompleted(_ map[string]string) {
	m.mu.Lock()
	m.requestCompleted++
	m.mu.Unlock()
}

func (m *metricRecorder) RequestRetried(_ map[string]string) {
	m.mu.Lock()
	m.requestRetried++
	m.mu.Unlock()
}

func (m *metricRecorder) RequestTimedOut(_ map[string]string) {
	m.mu.Lock()
	m.requestTimedOut++
	m.mu.Unlock()
}

func (m *metricRecorder) ResponseDropped(reason string, _ map[string]string) {
	m.mu.Lock()
	m.responseDropped = append(m.responseDropped, reason)
	m.mu.Unlock()
}

func (m *metricRecorder) Snapshot() metricSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return metricSnapshot{
		DispatcherStarted: m.dispatcherStarted,
		DispatcherStopped: m.dispatcherStopped,
		ReceiveErrors:     append([]string(nil), m.receiveErrors...),
		RequestCompleted:  m.requestCompleted,
		RequestRetried:    m.requestRetried,
		RequestTimedOut:   m.requestTimedOut,
		ResponseDropped:   append([]string(nil), m.responseDropped...),
	}
}

type metricSnapshot struct {
	DispatcherStarted int
	DispatcherStopped int
	ReceiveErrors     []string
	RequestCompleted  int
	RequestRetried    int
	RequestTimedOut   int
	ResponseDropped   []string
}
