// Package txn is the transaction layer between the sweep dispatcher and the
// performance management agents. It owns a bounded pool of outstanding
// request slots, correlates replies by transaction id, resends requests that
// time out and invokes exactly one completion per accepted request.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/jpillora/backoff"

	"github.com/rocketbitz/fabricpm/internal/obs"
	"github.com/rocketbitz/fabricpm/mad"
)

var (
	// ErrClosed indicates the context has already been closed.
	ErrClosed = errors.New("fabricpm txn: closed")
	// ErrNoSlot indicates every transaction slot is in use.
	ErrNoSlot = errors.New("fabricpm txn: no free transaction slot")
	// ErrTimeout indicates a request exhausted its retries without a reply.
	ErrTimeout = errors.New("fabricpm txn: request timed out")
)

// Defaults applied by New.
const (
	DefaultPoolSize    = 20
	DefaultMaxRetries  = 3
	DefaultRespTimeout = 100 * time.Millisecond
	DefaultLocalLID    = 1
)

// Config controls New.
type Config struct {
	// Name labels logs, spans and metrics.
	Name string
	// LocalLID is the source LID stamped on every request.
	LocalLID uint16
	PoolSize int
	// MaxRetries bounds resends when MinRespTimeout is zero.
	MaxRetries  int
	RespTimeout time.Duration
	// MinRespTimeout enables stepped timeouts: each attempt waits longer,
	// starting at MinRespTimeout and growing toward RespTimeout, until the
	// cumulative wait reaches TotalTimeout.
	MinRespTimeout time.Duration
	// TotalTimeout defaults to RespTimeout * MaxRetries.
	TotalTimeout time.Duration
	// AgeInterval is how often outstanding slots are checked for expiry.
	AgeInterval time.Duration
	Clock       clock.Clock

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

func (cfg *Config) applyDefaults() {
	if cfg.Name == "" {
		cfg.Name = "fabricpm"
	}
	if cfg.LocalLID == 0 {
		cfg.LocalLID = DefaultLocalLID
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RespTimeout <= 0 {
		cfg.RespTimeout = DefaultRespTimeout
	}
	if cfg.MinRespTimeout > cfg.RespTimeout {
		cfg.MinRespTimeout = cfg.RespTimeout
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = cfg.RespTimeout * time.Duration(max(cfg.MaxRetries, 1))
	}
	if cfg.AgeInterval <= 0 {
		step := cfg.RespTimeout
		if cfg.MinRespTimeout > 0 {
			step = cfg.MinRespTimeout
		}
		cfg.AgeInterval = max(step/4, time.Millisecond)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewClock()
	}
}

// Status is the transport-level outcome of a request.
type Status int

const (
	StatusOK Status = iota
	StatusTimeout
	StatusClosed
	StatusSendFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeout:
		return "timeout"
	case StatusClosed:
		return "closed"
	case StatusSendFailed:
		return "send failed"
	default:
		return "unknown"
	}
}

// Completion is delivered once per accepted request. Reply is set only for
// StatusOK; its MAD status has not been checked.
type Completion struct {
	Status  Status
	Reply   *mad.MAD
	Err     error
	Retries int
	Elapsed time.Duration
}

// Handler receives a request's completion on the dispatcher goroutine. It must
// not block.
type Handler func(Completion)

// CompletionError describes a request that ended without a reply.
type CompletionError struct {
	Status    Status
	DLID      uint16
	Attribute mad.AttributeID
	TID       uint64
	Err       error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("fabricpm txn: %s to lid 0x%x tid 0x%x: %s: %v", e.Attribute, e.DLID, e.TID, e.Status, e.Err)
}

// Unwrap exposes ErrTimeout, ErrClosed or the transport error.
func (e *CompletionError) Unwrap() error {
	return e.Err
}

// Stats contains counters for transaction activity.
type Stats struct {
	Sent        uint64
	Retried     uint64
	Completed   uint64
	TimedOut    uint64
	SendFailed  uint64
	Dropped     uint64
	Outstanding int
}

type contextStats struct {
	sent       atomic.Uint64
	retried    atomic.Uint64
	completed  atomic.Uint64
	timedOut   atomic.Uint64
	sendFailed atomic.Uint64
	dropped    atomic.Uint64
}

type slot struct {
	tid      uint64
	dlid     uint16
	attr     mad.AttributeID
	packet   []byte
	handler  Handler
	started  time.Time
	deadline time.Time
	timeout  time.Duration
	waited   time.Duration
	retries  int
	steps    *backoff.Backoff
}

type errorHolder struct {
	err error
}

// Context multiplexes requests over a Transport.
type Context struct {
	cfg           Config
	transport     Transport
	transportName string
	clock         clock.Clock

	mu     sync.Mutex
	slots  map[uint64]*slot
	tidSeq uint64

	closed        atomic.Bool
	stopCh        chan struct{}
	rx            chan Datagram
	cancelRecv    context.CancelFunc
	wg            sync.WaitGroup
	dispatcherErr atomic.Pointer[errorHolder]

	events    *obs.Events
	tracer    Tracer
	metrics   MetricHook
	baseAttrs map[string]string
	stats     contextStats
}

// New starts a transaction context over transport. The context owns the
// transport and closes it on Close.
func New(cfg Config, transport Transport) (*Context, error) {
	if transport == nil {
		return nil, errors.New("fabricpm txn: transport required")
	}
	cfg.applyDefaults()

	name := "custom"
	if s, ok := transport.(fmt.Stringer); ok {
		name = s.String()
	}
	recvCtx, cancel := context.WithCancel(context.Background())
	c := &Context{
		cfg:           cfg,
		transport:     transport,
		transportName: name,
		clock:         cfg.Clock,
		slots:         make(map[uint64]*slot, cfg.PoolSize),
		tidSeq:        uint64(cfg.Clock.Now().UnixNano()) << 16,
		stopCh:        make(chan struct{}),
		rx:            make(chan Datagram, cfg.PoolSize),
		cancelRecv:    cancel,
		events:        obs.NewEvents("fabricpm txn dispatcher", cfg.Logger, cfg.StructuredLogger),
		tracer:        cfg.Tracer,
		metrics:       cfg.Metrics,
		baseAttrs:     map[string]string{labelComponent: cfg.Name, labelTransport: name},
	}

	ticker := c.clock.NewTicker(cfg.AgeInterval)
	c.wg.Add(2)
	go c.receive(recvCtx)
	go c.dispatch(ticker)
	return c, nil
}

// Config returns the effective configuration.
func (c *Context) Config() Config {
	return c.cfg
}

// Send assigns a transaction id to req and transmits it to dlid. When Send
// returns an error the handler is never invoked; otherwise it is invoked
// exactly once.
func (c *Context) Send(dlid uint16, req *mad.MAD, handler Handler) error {
	if c == nil || c.closed.Load() {
		return ErrClosed
	}
	if req == nil || handler == nil {
		return errors.New("fabricpm txn: request and handler required")
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return ErrClosed
	}
	if len(c.slots) >= c.cfg.PoolSize {
		c.mu.Unlock()
		return ErrNoSlot
	}
	c.tidSeq++
	req.TID = c.tidSeq
	packet, err := req.MarshalBinary()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("encode %s: %w", req.AttributeID, err)
	}
	now := c.clock.Now()
	s := &slot{
		tid:     req.TID,
		dlid:    dlid,
		attr:    req.AttributeID,
		packet:  packet,
		handler: handler,
		started: now,
	}
	if c.cfg.MinRespTimeout > 0 {
		s.steps = newSteps(c.cfg)
		s.timeout = s.steps.Duration()
	} else {
		s.timeout = c.cfg.RespTimeout
	}
	s.deadline = now.Add(s.timeout)
	c.slots[s.tid] = s
	c.mu.Unlock()

	if err := c.transmit(s); err != nil {
		c.mu.Lock()
		_, live := c.slots[s.tid]
		delete(c.slots, s.tid)
		c.mu.Unlock()
		if !live {
			// Close already completed the slot.
			return nil
		}
		c.stats.sendFailed.Add(1)
		return fmt.Errorf("send %s to lid 0x%x: %w", req.AttributeID, dlid, err)
	}
	c.stats.sent.Add(1)
	return nil
}

func (c *Context) transmit(s *slot) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RespTimeout)
	defer cancel()
	return c.transport.Send(ctx, Datagram{SLID: c.cfg.LocalLID, DLID: s.dlid, Payload: s.packet})
}

// Close stops the dispatcher, closes the transport and completes every
// outstanding request with StatusClosed.
func (c *Context) Close() error {
	if c == nil {
		return nil
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)
	c.cancelRecv()
	err := c.transport.Close()
	c.wg.Wait()
	return err
}

// Stats returns a snapshot of transaction counters.
func (c *Context) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	c.mu.Lock()
	outstanding := len(c.slots)
	c.mu.Unlock()
	return Stats{
		Sent:        c.stats.sent.Load(),
		Retried:     c.stats.retried.Load(),
		Completed:   c.stats.completed.Load(),
		TimedOut:    c.stats.timedOut.Load(),
		SendFailed:  c.stats.sendFailed.Load(),
		Dropped:     c.stats.dropped.Load(),
		Outstanding: outstanding,
	}
}

func (c *Context) receive(ctx context.Context) {
	defer c.wg.Done()
	pause := &backoff.Backoff{Min: time.Millisecond, Max: 10 * time.Millisecond, Factor: 2}
	for {
		dg, err := c.transport.Receive(ctx)
		if err != nil {
			if c.closed.Load() || errors.Is(err, ErrTransportClosed) || ctx.Err() != nil {
				return
			}
			c.recordDispatcherError(fmt.Errorf("receive: %w", err))
			c.events.Debug("receive_error", obs.KV("error", err))
			c.metricReceiveError("receive_error", err)
			timer := c.clock.NewTimer(pause.Duration())
			select {
			case <-c.stopCh:
				timer.Stop()
				return
			case <-timer.C():
			}
			continue
		}
		pause.Reset()
		select {
		case c.rx <- dg:
		case <-c.stopCh:
			return
		}
	}
}

func (c *Context) dispatch(ticker clock.Ticker) {
	defer c.wg.Done()
	defer ticker.Stop()

	span := c.startDispatcherSpan()
	startFields := []obs.Field{
		obs.KV("transport", c.transportName),
		obs.KV("pool_size", c.cfg.PoolSize),
	}
	c.events.Debug("start", startFields...)
	obs.SpanEvent(span, "start", startFields...)
	c.metricDispatcherStarted()

	defer func() {
		closedCount := c.abandonAll()
		err := c.dispatcherError()
		fields := []obs.Field{obs.KV("status", "ok"), obs.KV("abandoned", closedCount)}
		if err != nil {
			fields[0] = obs.KV("status", "error")
			fields = append(fields, obs.KV("error", err))
			obs.SpanError(span, err)
		}
		c.events.Debug("stop", fields...)
		obs.SpanEvent(span, "stop", fields...)
		c.metricDispatcherStopped()
		obs.EndSpan(span, err)
	}()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C():
			c.age(span)
		case dg := <-c.rx:
			c.handleDatagram(dg, span)
		}
	}
}

func (c *Context) handleDatagram(dg Datagram, span Span) {
	m, err := mad.Unmarshal(dg.Payload)
	if err != nil {
		c.stats.dropped.Add(1)
		c.events.Debug("decode_error", obs.KV("slid", dg.SLID), obs.KV("error", err))
		c.metricResponseDropped("decode")
		return
	}
	if !m.Method.IsResponse() {
		c.stats.dropped.Add(1)
		c.events.Debug("unexpected_request", obs.KV("slid", dg.SLID), obs.KV("method", m.Method))
		c.metricResponseDropped("not_response")
		return
	}

	c.mu.Lock()
	s := c.slots[m.TID]
	if s == nil || s.dlid != dg.SLID {
		c.mu.Unlock()
		c.stats.dropped.Add(1)
		fields := []obs.Field{obs.KV("slid", dg.SLID), obs.KV("tid", m.TID), obs.KV("attribute", m.AttributeID)}
		c.events.Debug("stale_response", fields...)
		obs.SpanEvent(span, "stale_response", fields...)
		c.metricResponseDropped("stale")
		return
	}
	delete(c.slots, m.TID)
	c.mu.Unlock()

	c.stats.completed.Add(1)
	elapsed := c.clock.Since(s.started)
	c.events.Debug("completion",
		obs.KV("dlid", s.dlid),
		obs.KV("tid", s.tid),
		obs.KV("attribute", s.attr),
		obs.KV("mad_status", m.Status),
		obs.KV("retries", s.retries),
	)
	c.metricRequestCompleted(s.attr.String())
	s.handler(Completion{Status: StatusOK, Reply: m, Retries: s.retries, Elapsed: elapsed})
}

// age resends or expires every slot whose deadline has passed.
func (c *Context) age(span Span) {
	now := c.clock.Now()
	var expired, resend []*slot

	c.mu.Lock()
	for tid, s := range c.slots {
		if now.Before(s.deadline) {
			continue
		}
		if !c.retryable(s) {
			delete(c.slots, tid)
			expired = append(expired, s)
			continue
		}
		s.retries++
		s.deadline = now.Add(s.timeout)
		resend = append(resend, s)
	}
	c.mu.Unlock()

	for _, s := range resend {
		c.stats.retried.Add(1)
		fields := []obs.Field{
			obs.KV("dlid", s.dlid),
			obs.KV("tid", s.tid),
			obs.KV("attribute", s.attr),
			obs.KV("retry", s.retries),
			obs.KV("timeout", s.timeout),
		}
		c.events.Debug("retry", fields...)
		obs.SpanEvent(span, "retry", fields...)
		c.metricRequestRetried(s.attr.String())
		if err := c.transmit(s); err != nil {
			c.mu.Lock()
			_, live := c.slots[s.tid]
			delete(c.slots, s.tid)
			c.mu.Unlock()
			if !live {
				continue
			}
			c.stats.sendFailed.Add(1)
			c.finish(s, StatusSendFailed, err)
		}
	}
	for _, s := range expired {
		c.stats.timedOut.Add(1)
		fields := []obs.Field{
			obs.KV("dlid", s.dlid),
			obs.KV("tid", s.tid),
			obs.KV("attribute", s.attr),
			obs.KV("retries", s.retries),
		}
		c.events.Debug("timeout", fields...)
		obs.SpanEvent(span, "timeout", fields...)
		c.metricRequestTimedOut(s.attr.String())
		c.finish(s, StatusTimeout, ErrTimeout)
	}
}

// retryable advances s to its next attempt when the retry policy allows one.
// Called with c.mu held.
func (c *Context) retryable(s *slot) bool {
	if s.steps == nil {
		return s.retries < c.cfg.MaxRetries
	}
	s.waited += s.timeout
	if s.waited >= c.cfg.TotalTimeout {
		return false
	}
	next := s.steps.Duration()
	if remaining := c.cfg.TotalTimeout - s.waited; next > remaining {
		next = remaining
	}
	s.timeout = max(next, c.cfg.MinRespTimeout)
	return true
}

func newSteps(cfg Config) *backoff.Backoff {
	return &backoff.Backoff{Min: cfg.MinRespTimeout, Max: cfg.RespTimeout, Factor: 2}
}

func (c *Context) finish(s *slot, status Status, err error) {
	s.handler(Completion{
		Status:  status,
		Err:     &CompletionError{Status: status, DLID: s.dlid, Attribute: s.attr, TID: s.tid, Err: err},
		Retries: s.retries,
		Elapsed: c.clock.Since(s.started),
	})
}

func (c *Context) abandonAll() int {
	c.mu.Lock()
	pending := make([]*slot, 0, len(c.slots))
	for tid, s := range c.slots {
		pending = append(pending, s)
		delete(c.slots, tid)
	}
	c.mu.Unlock()
	for _, s := range pending {
		c.finish(s, StatusClosed, ErrClosed)
	}
	return len(pending)
}

func (c *Context) recordDispatcherError(err error) {
	if err == nil {
		return
	}
	c.dispatcherErr.CompareAndSwap(nil, &errorHolder{err: err})
}

func (c *Context) dispatcherError() error {
	if holder := c.dispatcherErr.Load(); holder != nil {
		return holder.err
	}
	return nil
}
