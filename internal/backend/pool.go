package backend

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ocx/gateway/internal/fault"
)

// State is the health state of one endpoint.
type State string

const (
	StateUnknown  State = "unknown"
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// TimeoutClass selects the adaptive per-call deadline.
type TimeoutClass string

const (
	TimeoutSimple   TimeoutClass = "simple"
	TimeoutStandard TimeoutClass = "standard"
	TimeoutComplex  TimeoutClass = "complex"
	TimeoutResearch TimeoutClass = "research"
)

// Duration maps a timeout class to its deadline.
func (tc TimeoutClass) Duration() time.Duration {
	switch tc {
	case TimeoutSimple:
		return 15 * time.Second
	case TimeoutComplex:
		return 60 * time.Second
	case TimeoutResearch:
		return 120 * time.Second
	default:
		return 30 * time.Second
	}
}

// StreamIdleTimeout bounds the gap between streamed chunks.
const StreamIdleTimeout = 45 * time.Second

const (
	probeInterval = 10 * time.Second
	probeTimeout  = 3 * time.Second
	downThreshold = 3 // consecutive probe failures before down
	warmupTimeout = 2 * time.Minute
)

// Endpoint is one inference daemon instance.
type Endpoint struct {
	URL   string
	GPUID int

	client *Client
	slots  *semaphore.Weighted

	mu               sync.Mutex
	state            State
	consecutiveFails int
	lastProbe        time.Time
	warm             map[string]bool
	inflight         int
	waiting          int
}

func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Endpoint) isWarm(model string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.warm[model]
}

func (e *Endpoint) snapshot() (State, int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.inflight, e.waiting
}

// Pool serializes inference across a fixed set of endpoints. Each endpoint
// serves at most maxParallel concurrent generations; excess callers queue on
// the weighted semaphore (FIFO) up to the queue timeout.
type Pool struct {
	endpoints    []*Endpoint
	queueTimeout time.Duration
	callTimeout  time.Duration
	onQueueWait  func(time.Duration)
	logger       *slog.Logger
	stop         chan struct{}
	stopped      sync.Once
}

// PoolOptions configures construction.
type PoolOptions struct {
	MaxParallel  int64 // slots per endpoint; 1 suits large models
	QueueTimeout time.Duration
	// CallTimeout, when set, overrides the per-class generation deadline.
	CallTimeout time.Duration
	// OnQueueWait, when set, observes how long each call waited for a slot.
	OnQueueWait func(time.Duration)
}

// NewPool builds the pool and starts the health probe loop.
func NewPool(urls []string, opts PoolOptions, logger *slog.Logger) *Pool {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		queueTimeout: opts.QueueTimeout,
		callTimeout:  opts.CallTimeout,
		onQueueWait:  opts.OnQueueWait,
		logger:       logger.With("component", "backendpool"),
		stop:         make(chan struct{}),
	}
	for i, url := range urls {
		p.endpoints = append(p.endpoints, &Endpoint{
			URL:    url,
			GPUID:  i,
			client: NewClient(url),
			slots:  semaphore.NewWeighted(opts.MaxParallel),
			state:  StateUnknown,
			warm:   make(map[string]bool),
		})
	}

	go p.probeLoop()
	return p
}

// Stop halts the probe loop.
func (p *Pool) Stop() {
	p.stopped.Do(func() { close(p.stop) })
}

// probeLoop health-checks every endpoint on a fixed cadence. The probe is a
// model listing, never a generation.
func (p *Pool) probeLoop() {
	// Probe immediately at startup so readiness doesn't wait a full tick.
	p.probeAll()

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.probeAll()
		}
	}
}

func (p *Pool) probeAll() {
	for _, e := range p.endpoints {
		p.probeOne(e)
	}
}

func (p *Pool) probeOne(e *Endpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	models, err := e.client.ListModels(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastProbe = time.Now()

	if err != nil {
		e.consecutiveFails++
		if e.consecutiveFails >= downThreshold && e.state != StateDown {
			e.state = StateDown
			p.logger.Warn("endpoint marked down", "url", e.URL, "failures", e.consecutiveFails)
		}
		return
	}

	// One success restores health.
	if e.state != StateHealthy {
		p.logger.Info("endpoint healthy", "url", e.URL, "models", len(models))
	}
	e.consecutiveFails = 0
	e.state = StateHealthy
	for _, m := range models {
		e.warm[m] = true
	}
}

// pick selects the endpoint for a model: healthy with the model warm first,
// then the healthy endpoint with the fewest in-flight calls.
func (p *Pool) pick(model string) *Endpoint {
	var warmBest, coldBest *Endpoint
	warmLoad, coldLoad := int(^uint(0)>>1), int(^uint(0)>>1)

	for _, e := range p.endpoints {
		state, inflight, _ := e.snapshot()
		if state != StateHealthy && state != StateDegraded {
			continue
		}
		if e.isWarm(model) {
			if inflight < warmLoad {
				warmBest, warmLoad = e, inflight
			}
		} else if inflight < coldLoad {
			coldBest, coldLoad = e, inflight
		}
	}

	if warmBest != nil {
		return warmBest
	}
	return coldBest
}

// Invocation is the pool's result: the generation outcome plus which
// endpoint served it.
type Invocation struct {
	Result   *GenerateResult
	Endpoint string
}

// Invoke runs one generation for model on the best available endpoint.
// Buffered when onDelta is nil; streaming otherwise. The timeout class
// bounds the generation; the queue wait is bounded separately.
func (p *Pool) Invoke(ctx context.Context, model, prompt string, class TimeoutClass, onDelta func(string) error) (*Invocation, error) {
	e := p.pick(model)
	if e == nil {
		return nil, fault.New(fault.KindNoBackend, "no healthy backend endpoint")
	}

	if err := p.acquire(ctx, e); err != nil {
		return nil, err
	}
	defer p.release(e)

	if !e.isWarm(model) {
		p.warmUp(ctx, e, model)
	}

	deadline := class.Duration()
	if p.callTimeout > 0 {
		deadline = p.callTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var result *GenerateResult
	var err error
	if onDelta == nil {
		result, err = e.client.Generate(callCtx, model, prompt)
	} else {
		result, err = e.client.GenerateStream(callCtx, model, prompt, StreamIdleTimeout, onDelta)
	}
	if err != nil {
		p.noteFailure(e)
		// Caller cancellation is not a backend fault.
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindCancelled, ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.KindBackendTimeout, err)
		}
		return nil, fault.Wrap(fault.KindBackendError, err)
	}

	return &Invocation{Result: result, Endpoint: e.URL}, nil
}

// acquire takes a slot on the endpoint, waiting FIFO up to the queue timeout.
func (p *Pool) acquire(ctx context.Context, e *Endpoint) error {
	e.mu.Lock()
	e.waiting++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.waiting--
		e.mu.Unlock()
	}()

	waitCtx, cancel := context.WithTimeout(ctx, p.queueTimeout)
	defer cancel()

	queued := time.Now()
	if err := e.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return fault.Wrap(fault.KindCancelled, ctx.Err())
		}
		return fault.Newf(fault.KindNoBackend, "endpoint %s queue full after %s", e.URL, p.queueTimeout)
	}
	if p.onQueueWait != nil {
		p.onQueueWait(time.Since(queued))
	}

	e.mu.Lock()
	e.inflight++
	e.mu.Unlock()
	return nil
}

func (p *Pool) release(e *Endpoint) {
	e.mu.Lock()
	e.inflight--
	e.mu.Unlock()
	e.slots.Release(1)
}

// warmUp issues a load request for the model. Failure is non-fatal; the
// generate call will surface any real problem.
func (p *Pool) warmUp(ctx context.Context, e *Endpoint, model string) {
	pullCtx, cancel := context.WithTimeout(ctx, warmupTimeout)
	defer cancel()

	if err := e.client.Pull(pullCtx, model); err != nil {
		p.logger.Warn("model warm-up failed", "url", e.URL, "model", model, "error", err)
		return
	}
	e.mu.Lock()
	e.warm[model] = true
	e.mu.Unlock()
	p.logger.Info("model warmed", "url", e.URL, "model", model)
}

// noteFailure downgrades a serving endpoint after a generation error. Probes
// restore full health.
func (p *Pool) noteFailure(e *Endpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateHealthy {
		e.state = StateDegraded
	}
}

// HealthyCount reports how many endpoints can currently serve.
func (p *Pool) HealthyCount() int {
	n := 0
	for _, e := range p.endpoints {
		if s := e.State(); s == StateHealthy || s == StateDegraded {
			n++
		}
	}
	return n
}

// QueueDepth is the number of callers waiting for a slot across endpoints,
// the orchestrator's backpressure signal.
func (p *Pool) QueueDepth() int {
	total := 0
	for _, e := range p.endpoints {
		_, _, waiting := e.snapshot()
		total += waiting
	}
	return total
}

// Stats reports per-endpoint health for the admin surface.
func (p *Pool) Stats() map[string]interface{} {
	endpoints := make([]map[string]interface{}, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		state, inflight, waiting := e.snapshot()
		e.mu.Lock()
		warm := make([]string, 0, len(e.warm))
		for m := range e.warm {
			warm = append(warm, m)
		}
		lastProbe := e.lastProbe
		e.mu.Unlock()
		endpoints = append(endpoints, map[string]interface{}{
			"url":        e.URL,
			"gpu_id":     e.GPUID,
			"state":      string(state),
			"inflight":   inflight,
			"waiting":    waiting,
			"warm":       warm,
			"last_probe": lastProbe,
		})
	}
	return map[string]interface{}{
		"endpoints":   endpoints,
		"healthy":     p.HealthyCount(),
		"queue_depth": p.QueueDepth(),
	}
}
