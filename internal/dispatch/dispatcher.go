// Package dispatch splits a message's distribution into batches and
// delivers them on a shared worker pool, retrying partial failures once.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shineum/mailfanout/internal/assemble"
	"github.com/shineum/mailfanout/internal/distribution"
	"github.com/shineum/mailfanout/internal/ledger"
	"github.com/shineum/mailfanout/internal/message"
	"github.com/shineum/mailfanout/internal/transport"
)

// DefaultBatchSize is the maximum number of addresses per role in a batch.
const DefaultBatchSize = 200

// State is the lifecycle position of one batch.
type State int

const (
	StatePending State = iota
	StateBatching
	StateSending
	StatePartialFailure
	StateRetrying
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateBatching:
		return "batching"
	case StateSending:
		return "sending"
	case StatePartialFailure:
		return "partial_failure"
	case StateRetrying:
		return "retrying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// BatchResult is the final state of one batch.
type BatchResult struct {
	Index     int
	Batch     Batch
	State     State
	Attempts  int
	Delivered []string
	Err       error
}

// Dispatch tracks the batches of one Send call. Callers that do not need
// completion status may drop it.
type Dispatch struct {
	refid   string
	results []BatchResult
	wg      sync.WaitGroup
	done    chan struct{}
}

func newDispatch(refid string, batches []Batch) *Dispatch {
	d := &Dispatch{
		refid:   refid,
		results: make([]BatchResult, len(batches)),
		done:    make(chan struct{}),
	}
	for i, b := range batches {
		d.results[i] = BatchResult{Index: i, Batch: b, State: StatePending}
	}
	d.wg.Add(len(batches))
	go func() {
		d.wg.Wait()
		close(d.done)
	}()
	return d
}

// RefID returns the refid of the dispatched message.
func (d *Dispatch) RefID() string { return d.refid }

// Len returns the number of planned batches.
func (d *Dispatch) Len() int { return len(d.results) }

// Done is closed once every batch reached a terminal state.
func (d *Dispatch) Done() <-chan struct{} { return d.done }

// Wait blocks until every batch finished or ctx is done.
func (d *Dispatch) Wait(ctx context.Context) ([]BatchResult, error) {
	select {
	case <-d.done:
		out := make([]BatchResult, len(d.results))
		copy(out, d.results)
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatch) finish(r BatchResult) {
	d.results[r.Index] = r
	d.wg.Done()
}

// Dispatcher sends messages through one transport.
type Dispatcher struct {
	transport transport.Transport
	pool      *Pool
	batchSize int
	logger    *slog.Logger
	metrics   *Metrics
	assembler *assemble.Assembler
	now       func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBatchSize sets the per-role batch limit. Zero or less disables
// splitting.
func WithBatchSize(n int) Option {
	return func(d *Dispatcher) { d.batchSize = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics sets the collectors. By default they live in a private
// registry.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithAssembler sets the MIME assembler.
func WithAssembler(a *assemble.Assembler) Option {
	return func(d *Dispatcher) {
		if a != nil {
			d.assembler = a
		}
	}
}

// WithClock sets the clock used for the Date header and batch timings.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New creates a Dispatcher that runs batches on pool.
func New(t transport.Transport, pool *Pool, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport: t,
		pool:      pool,
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
		assembler: assemble.New(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return d
}

// Send validates msg, assembles it once and queues one task per batch.
//
// Only precondition failures are returned. Everything that goes wrong
// after that is written to the message's ledger and reported through the
// returned handle.
func (d *Dispatcher) Send(ctx context.Context, msg message.Message) (*Dispatch, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: message is nil", message.ErrInvalidArgument)
	}
	dist := msg.Distribution()
	if dist == nil || dist.From() == nil {
		return nil, fmt.Errorf("%w: message has no sender", message.ErrInvalidArgument)
	}
	if msg.Subject() == "" {
		return nil, fmt.Errorf("%w: subject is empty", message.ErrInvalidArgument)
	}
	if msg.Body() == "" {
		return nil, fmt.Errorf("%w: body is empty", message.ErrInvalidArgument)
	}
	if d.pool.Closed() {
		return nil, ErrPoolClosed
	}

	refid := msg.RefID()
	log := d.logger.With("refid", refid)

	var batches []Batch
	for b := range Plan(dist.Flatten(distribution.To), dist.Flatten(distribution.Cc), dist.Flatten(distribution.Bcc), d.batchSize) {
		log.Debug("batch planned", "batch", len(batches), "state", StateBatching.String(), "recipients", b.Len())
		batches = append(batches, b)
	}
	h := newDispatch(refid, batches)
	log.Info("dispatching message", "batches", len(batches), "transport", d.transport.Name())

	root, err := d.assembler.Assemble(msg)
	if err != nil {
		log.Error("message assembly failed", "error", err)
		msg.Ledger().LogErr(err)
		for i, b := range batches {
			d.metrics.Batches.WithLabelValues(outcomeFailed).Inc()
			h.finish(BatchResult{Index: i, Batch: b, State: StateFailed, Err: err})
		}
		return h, nil
	}

	proto := transport.Envelope{
		From:        dist.From(),
		Subject:     msg.Subject(),
		Description: msg.Name(),
		Body:        root,
	}

	// Batches must outlive a cancelled caller.
	taskCtx := context.WithoutCancel(ctx)
	for i, b := range batches {
		task := func() {
			r := BatchResult{Index: i, Batch: b, State: StateFailed}
			defer func() { h.finish(r) }()
			r = d.runBatch(taskCtx, log.With("batch", i), msg.Ledger(), proto, i, b)
		}
		if err := d.pool.Submit(ctx, task); err != nil {
			err = fmt.Errorf("batch %d not queued: %w", i, err)
			log.Error("batch not queued", "batch", i, "error", err)
			msg.Ledger().LogErr(err)
			d.metrics.Batches.WithLabelValues(outcomeFailed).Inc()
			h.finish(BatchResult{Index: i, Batch: b, State: StateFailed, Err: err})
		}
	}
	return h, nil
}

func (d *Dispatcher) runBatch(ctx context.Context, log *slog.Logger, l *ledger.Ledger, proto transport.Envelope, idx int, b Batch) BatchResult {
	start := d.now()
	defer func() {
		d.metrics.BatchDuration.Observe(d.now().Sub(start).Seconds())
	}()

	res := BatchResult{Index: idx, Batch: b, State: StateSending}
	log.Debug("batch state", "state", StateSending.String())

	env := proto
	env.To = b.To
	env.Cc = d.unsent(l, b.Cc)
	env.Bcc = d.unsent(l, b.Bcc)
	env.MessageID = transport.NewMessageID(env.From)
	env.Date = d.now()

	if env.Empty() {
		res.State = StateDone
		d.metrics.Batches.WithLabelValues(outcomeSkipped).Inc()
		log.Debug("batch skipped, nothing left to send")
		return res
	}

	res.Attempts = 1
	err := d.transport.Send(ctx, &env)
	status, sfe := transport.Classify(err)
	switch status {
	case transport.StatusSuccess:
		res.Delivered = d.markSent(l, transport.Addresses(env.Recipients())...)
		res.State = StateDone
		d.metrics.Batches.WithLabelValues(outcomeSuccess).Inc()
		log.Debug("batch state", "state", StateDone.String(), "delivered", len(res.Delivered))
		return res

	case transport.StatusTotalFailure:
		return d.fail(log, l, res, &env, err)
	}

	res.State = StatePartialFailure
	log.Debug("batch state", "state", StatePartialFailure.String(),
		"invalid", len(sfe.Invalid), "unsent", len(sfe.ValidUnsent), "sent", len(sfe.ValidSent))
	d.logInvalid(log, l, sfe.Invalid)
	res.Delivered = d.markSent(l, sfe.ValidSent...)

	retry := env.Without(append(append([]string{}, sfe.Invalid...), sfe.ValidSent...)...)
	if len(sfe.ValidUnsent) == 0 || retry.Empty() {
		res.State = StateDone
		d.metrics.Batches.WithLabelValues(outcomePartial).Inc()
		return res
	}

	res.State = StateRetrying
	res.Attempts++
	d.metrics.Retries.Inc()
	log.Debug("batch state", "state", StateRetrying.String(), "recipients", len(retry.Recipients()))

	err = d.transport.Send(ctx, retry)
	status, sfe = transport.Classify(err)
	switch status {
	case transport.StatusSuccess:
		res.Delivered = append(res.Delivered, d.markSent(l, transport.Addresses(retry.Recipients())...)...)
		res.State = StateDone
		d.metrics.Batches.WithLabelValues(outcomePartial).Inc()
		log.Debug("batch state", "state", StateDone.String(), "delivered", len(res.Delivered))
		return res

	case transport.StatusTotalFailure:
		return d.fail(log, l, res, retry, err)
	}

	d.logInvalid(log, l, sfe.Invalid)
	res.Delivered = append(res.Delivered, d.markSent(l, sfe.ValidSent...)...)
	for _, a := range sfe.ValidUnsent {
		l.LogError(fmt.Sprintf("not delivered after retry: %s", a))
	}
	d.metrics.Recipients.WithLabelValues(resultFailed).Add(float64(len(sfe.ValidUnsent)))
	res.State = StateFailed
	res.Err = err
	d.metrics.Batches.WithLabelValues(outcomeFailed).Inc()
	log.Error("batch failed after retry", "error", err, "unsent", len(sfe.ValidUnsent))
	return res
}

// fail records a total failure of env.
func (d *Dispatcher) fail(log *slog.Logger, l *ledger.Ledger, res BatchResult, env *transport.Envelope, err error) BatchResult {
	l.LogErr(err)
	for _, a := range env.Recipients() {
		l.LogError(fmt.Sprintf("not delivered: %s", a.Address))
	}
	d.metrics.Recipients.WithLabelValues(resultFailed).Add(float64(len(env.Recipients())))
	d.metrics.Batches.WithLabelValues(outcomeFailed).Inc()
	log.Error("batch failed", "state", StateFailed.String(), "error", err)
	res.State = StateFailed
	res.Err = err
	return res
}

// unsent drops addresses the ledger already holds. It is applied to CC and
// BCC only; TO is always sent.
func (d *Dispatcher) unsent(l *ledger.Ledger, list []*mail.Address) []*mail.Address {
	var out []*mail.Address
	for _, a := range list {
		if l.AlreadySent(a.Address) {
			d.metrics.Recipients.WithLabelValues(resultDeduped).Inc()
			continue
		}
		out = append(out, a)
	}
	return out
}

func (d *Dispatcher) markSent(l *ledger.Ledger, addrs ...string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		l.MarkSent(a)
		out = append(out, strings.ToLower(a))
	}
	d.metrics.Recipients.WithLabelValues(resultSent).Add(float64(len(addrs)))
	return out
}

func (d *Dispatcher) logInvalid(log *slog.Logger, l *ledger.Ledger, addrs []string) {
	for _, a := range addrs {
		log.Warn("invalid recipient dropped", "address", a)
		l.LogError(fmt.Sprintf("invalid address: %s", a))
	}
	d.metrics.Recipients.WithLabelValues(resultInvalid).Add(float64(len(addrs)))
}
