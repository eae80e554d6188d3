// Package dispatcher implements the priority rate-limited dispatch worker.
//
// One goroutine owns every queue and counter. Callers talk to it through an
// unbounded mailbox of request/reply commands, so signal handlers never race
// the tick loop and worker state needs no locks of its own.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/pivox/tradingV3/errs"
	"github.com/pivox/tradingV3/internal/bucket"
	"github.com/pivox/tradingV3/internal/envelope"
	"github.com/pivox/tradingV3/internal/infra/callback"
	"github.com/pivox/tradingV3/internal/infra/telemetry"
	"github.com/pivox/tradingV3/internal/observability"
)

// Cadence defaults. Tick is the wake-up granularity, MinSpacing the minimum
// interval between two outbound dispatches.
const (
	defaultTick           = 200 * time.Millisecond
	defaultMinSpacing     = time.Second
	defaultDrainBatch     = 1
	defaultMaxItemsPerRun = 400
	defaultMaxRunDuration = 15 * time.Minute

	dispatchTimeout    = 30 * time.Second
	checkpointTimeout  = 5 * time.Second
	defaultWorkerLabel = "dispatcher-1"
)

// ErrStopped reports that the worker loop has already exited.
var ErrStopped = errs.New("dispatcher", errs.KindFatal, errs.WithMessage("dispatcher worker stopped"))

// Activity performs one outbound dispatch for a drained envelope. Failures
// are surfaced in the Result; the worker never retries an item.
type Activity interface {
	Dispatch(ctx context.Context, payload callback.Payload) callback.Result
}

// CheckpointStore persists residual queues at rotation and shutdown so a
// restarted worker can resume where the previous process stopped.
type CheckpointStore interface {
	Save(ctx context.Context, workerID string, queues map[string][]map[string]any) error
	Latest(ctx context.Context, workerID string) (map[string][]map[string]any, error)
}

// Config carries the worker identity and cadence knobs. Zero fields fall
// back to the defaults above.
type Config struct {
	WorkerID       string
	Tick           time.Duration
	MinSpacing     time.Duration
	DrainBatch     int
	MaxItemsPerRun int
	MaxRunDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = defaultWorkerLabel
	}
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	if c.MinSpacing <= 0 {
		c.MinSpacing = defaultMinSpacing
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = defaultDrainBatch
	}
	if c.MaxItemsPerRun <= 0 {
		c.MaxItemsPerRun = defaultMaxItemsPerRun
	}
	if c.MaxRunDuration <= 0 {
		c.MaxRunDuration = defaultMaxRunDuration
	}
	return c
}

// Stats is a point-in-time view of the current run.
type Stats struct {
	ProcessedInRun int            `json:"processed_in_run"`
	ElapsedSeconds int64          `json:"elapsed_seconds"`
	PerBucket      map[string]int `json:"per_bucket"`
	Paused         []string       `json:"paused"`
	ActiveOrder    []string       `json:"active_order"`
}

type commandKind int

const (
	cmdSubmit commandKind = iota
	cmdClose
	cmdPause
	cmdResume
	cmdReorder
	cmdQueueSize
	cmdStats
)

type command struct {
	kind   commandKind
	batch  map[string][]*envelope.Envelope
	labels []string
	reply  chan response
}

type response struct {
	err   error
	size  int
	stats Stats
}

// mailbox is an unbounded FIFO command queue with a single wake token, so
// posting never blocks and the worker goroutine drains in arrival order.
type mailbox struct {
	mu      sync.Mutex
	pending []*command
	wake    chan struct{}
	closed  bool
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) post(cmd *command) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.pending = append(m.pending, cmd)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) drain() []*command {
	m.mu.Lock()
	cmds := m.pending
	m.pending = nil
	m.mu.Unlock()
	return cmds
}

// shut rejects future posts and returns whatever was still pending.
func (m *mailbox) shut() []*command {
	m.mu.Lock()
	m.closed = true
	rest := m.pending
	m.pending = nil
	m.mu.Unlock()
	return rest
}

// Worker owns the bucket queues and drains them under the spacing rule.
type Worker struct {
	cfg         Config
	activity    Activity
	checkpoints CheckpointStore
	clock       func() time.Time
	mail        *mailbox
	seed        map[string][]map[string]any

	// Owned by the Run goroutine; never touched from the outside.
	order          bucket.Order
	queues         map[string][]*envelope.Envelope
	paused         map[string]struct{}
	closed         bool
	runID          string
	runStart       time.Time
	lastDispatch   time.Time
	processedInRun int

	depth atomic.Int64

	itemsDispatched metric.Int64Counter
	dispatchErrors  metric.Int64Counter
	rotations       metric.Int64Counter
}

// Option customizes worker construction.
type Option func(*Worker)

// WithCheckpointStore enables residual-queue persistence at rotation and
// shutdown.
func WithCheckpointStore(store CheckpointStore) Option {
	return func(w *Worker) { w.checkpoints = store }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.clock = now
		}
	}
}

// WithInitialQueues seeds the queues before the first tick, typically from
// the latest persisted checkpoint.
func WithInitialQueues(queues map[string][]map[string]any) Option {
	return func(w *Worker) { w.seed = queues }
}

// New constructs a worker around the given dispatch activity.
func New(cfg Config, activity Activity, opts ...Option) *Worker {
	w := &Worker{
		cfg:      cfg.withDefaults(),
		activity: activity,
		clock:    time.Now,
		mail:     newMailbox(),
		order:    bucket.Default(),
		paused:   make(map[string]struct{}),
	}
	w.queues = emptyQueues(w.order)
	for _, opt := range opts {
		opt(w)
	}

	meter := otel.Meter("dispatcher")
	w.itemsDispatched, _ = meter.Int64Counter("dispatcher.items.dispatched",
		metric.WithDescription("Envelopes handed to the dispatch activity"),
		metric.WithUnit("{item}"))
	w.dispatchErrors, _ = meter.Int64Counter("dispatcher.dispatch.errors",
		metric.WithDescription("Dispatch activity invocations that reported an error"),
		metric.WithUnit("{item}"))
	w.rotations, _ = meter.Int64Counter("dispatcher.rotations",
		metric.WithDescription("Run rotations performed"),
		metric.WithUnit("{rotation}"))
	_, _ = meter.Int64ObservableGauge("dispatcher.queue.depth",
		metric.WithDescription("Envelopes waiting across all buckets"),
		metric.WithUnit("{item}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(w.depth.Load())
			return nil
		}))

	return w
}

// Run executes the worker loop until the context is cancelled or the worker
// is closed and fully drained. Commands posted after Run returns fail with
// ErrStopped.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		for _, cmd := range w.mail.shut() {
			cmd.reply <- response{err: ErrStopped}
		}
	}()

	if len(w.seed) > 0 {
		queues, err := buildQueues(w.order, w.seed)
		if err != nil {
			// A corrupt checkpoint must not brick the worker; start empty.
			observability.Log().Error("discarding unusable initial queues",
				observability.Field{Key: "worker_id", Value: w.cfg.WorkerID},
				observability.Field{Key: "error", Value: err.Error()},
			)
		} else {
			w.queues = queues
		}
		w.seed = nil
	}
	w.startRun()
	observability.Log().Info("dispatcher run started",
		observability.Field{Key: "worker_id", Value: w.cfg.WorkerID},
		observability.Field{Key: "run_id", Value: w.runID},
		observability.Field{Key: "queued", Value: w.totalQueued()},
	)

	for {
		for _, cmd := range w.mail.drain() {
			w.handle(cmd)
		}
		if w.closed && w.totalQueued() == 0 {
			w.saveCheckpoint("drained")
			observability.Log().Info("dispatcher closed and drained",
				observability.Field{Key: "worker_id", Value: w.cfg.WorkerID},
				observability.Field{Key: "run_id", Value: w.runID},
			)
			return nil
		}
		if err := ctx.Err(); err != nil {
			w.saveCheckpoint("shutdown")
			return err
		}

		now := w.clock()
		if w.totalQueued() == 0 || now.Sub(w.lastDispatch) < w.cfg.MinSpacing {
			w.sleep(ctx)
			continue
		}
		label, ok := w.order.NextNonEmpty(w.queueLen, w.paused)
		if !ok {
			w.sleep(ctx)
			continue
		}
		for i := 0; i < w.cfg.DrainBatch && len(w.queues[label]) > 0; i++ {
			env := w.queues[label][0]
			w.queues[label] = w.queues[label][1:]
			w.depth.Store(int64(w.totalQueued()))
			w.dispatch(ctx, label, env)
			w.lastDispatch = w.clock()
			w.processedInRun++
			w.rotateIfDue(ctx)
		}
		w.sleep(ctx)
	}
}

// startRun resets the per-run counters. lastDispatch is backdated so the
// first item goes out without waiting a full spacing interval.
func (w *Worker) startRun() {
	w.runID = uuid.NewString()
	w.runStart = w.clock()
	w.lastDispatch = w.runStart.Add(-w.cfg.MinSpacing)
	w.processedInRun = 0
	w.depth.Store(int64(w.totalQueued()))
}

func (w *Worker) sleep(ctx context.Context) {
	timer := time.NewTimer(w.cfg.Tick)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-w.mail.wake:
	case <-timer.C:
	}
}

func (w *Worker) handle(cmd *command) {
	switch cmd.kind {
	case cmdSubmit:
		if w.closed {
			// Closed drops new work silently; the drain keeps going.
			cmd.reply <- response{}
			return
		}
		for label, envs := range cmd.batch {
			w.queues[label] = append(w.queues[label], envs...)
		}
		w.depth.Store(int64(w.totalQueued()))
		cmd.reply <- response{}
	case cmdClose:
		w.closed = true
		cmd.reply <- response{}
	case cmdPause:
		for _, label := range cmd.labels {
			if w.order.IsKnown(label) {
				w.paused[label] = struct{}{}
			}
		}
		cmd.reply <- response{}
	case cmdResume:
		for _, label := range cmd.labels {
			delete(w.paused, label)
		}
		cmd.reply <- response{}
	case cmdReorder:
		next, err := w.order.Reorder(cmd.labels)
		if err != nil {
			cmd.reply <- response{err: err}
			return
		}
		w.order = next
		for _, label := range w.order.Labels() {
			if _, ok := w.queues[label]; !ok {
				w.queues[label] = nil
			}
		}
		cmd.reply <- response{}
	case cmdQueueSize:
		cmd.reply <- response{size: w.totalQueued()}
	case cmdStats:
		cmd.reply <- response{stats: w.snapshotStats()}
	default:
		cmd.reply <- response{}
	}
}

func (w *Worker) dispatch(ctx context.Context, label string, env *envelope.Envelope) {
	payload := env.DispatchPayload()
	callCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	result := w.activity.Dispatch(callCtx, callback.Payload{
		URLCallback: payload.URLCallback,
		BaseURL:     payload.BaseURL,
		Method:      payload.Method,
		Encoding:    payload.Encoding,
		Params:      payload.Params,
	})
	cancel()

	attrs := metric.WithAttributes(telemetry.BucketAttributes(telemetry.Environment(), w.cfg.WorkerID, label)...)
	if w.itemsDispatched != nil {
		w.itemsDispatched.Add(ctx, 1, attrs)
	}
	if result.OK() {
		return
	}
	if w.dispatchErrors != nil {
		w.dispatchErrors.Add(ctx, 1, attrs)
	}
	observability.Log().Warn("dispatch activity failed",
		observability.Field{Key: "worker_id", Value: w.cfg.WorkerID},
		observability.Field{Key: "bucket", Value: label},
		observability.Field{Key: "url", Value: result.CallbackURL},
		observability.Field{Key: "code", Value: result.Code},
		observability.Field{Key: "message", Value: result.Message},
	)
}

// rotateIfDue checkpoints the residual queues and starts a fresh run once
// the per-run item or duration limit is hit. The swap is atomic: if the
// residual cannot be persisted the current run simply continues and the
// next threshold retries.
func (w *Worker) rotateIfDue(ctx context.Context) {
	if w.processedInRun < w.cfg.MaxItemsPerRun && w.clock().Sub(w.runStart) < w.cfg.MaxRunDuration {
		return
	}
	residual := w.serializeQueues()
	reseeded, err := buildQueues(w.order, residual)
	if err != nil {
		observability.Log().Error("rotation aborted: residual did not round-trip",
			observability.Field{Key: "worker_id", Value: w.cfg.WorkerID},
			observability.Field{Key: "run_id", Value: w.runID},
			observability.Field{Key: "error", Value: err.Error()},
		)
		return
	}
	if w.checkpoints != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointTimeout)
		err := w.checkpoints.Save(saveCtx, w.cfg.WorkerID, residual)
		cancel()
		if err != nil {
			observability.Log().Error("checkpoint save failed; continuing current run",
				observability.Field{Key: "worker_id", Value: w.cfg.WorkerID},
				observability.Field{Key: "run_id", Value: w.runID},
				observability.Field{Key: "error", Value: err.Error()},
			)
			return
		}
	}

	previous := w.runID
	last := w.lastDispatch
	w.queues = reseeded
	w.startRun()
	// The spacing rule spans the rotation boundary; keep the real instant.
	w.lastDispatch = last
	if w.rotations != nil {
		w.rotations.Add(ctx, 1)
	}
	observability.Log().Info("dispatcher run rotated",
		observability.Field{Key: "worker_id", Value: w.cfg.WorkerID},
		observability.Field{Key: "previous_run", Value: previous},
		observability.Field{Key: "run_id", Value: w.runID},
		observability.Field{Key: "carried", Value: w.totalQueued()},
	)
}

func (w *Worker) saveCheckpoint(reason string) {
	if w.checkpoints == nil {
		return
	}
	residual := w.serializeQueues()
	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	if err := w.checkpoints.Save(ctx, w.cfg.WorkerID, residual); err != nil {
		observability.Log().Error("checkpoint save failed",
			observability.Field{Key: "worker_id", Value: w.cfg.WorkerID},
			observability.Field{Key: "reason", Value: reason},
			observability.Field{Key: "error", Value: err.Error()},
		)
		return
	}
	observability.Log().Info("checkpoint saved",
		observability.Field{Key: "worker_id", Value: w.cfg.WorkerID},
		observability.Field{Key: "reason", Value: reason},
		observability.Field{Key: "queued", Value: w.totalQueued()},
	)
}

func (w *Worker) serializeQueues() map[string][]map[string]any {
	residual := make(map[string][]map[string]any)
	for label, q := range w.queues {
		if len(q) == 0 {
			continue
		}
		items := make([]map[string]any, 0, len(q))
		for _, env := range q {
			items = append(items, env.Raw())
		}
		residual[label] = items
	}
	return residual
}

func (w *Worker) snapshotStats() Stats {
	perBucket := make(map[string]int, w.order.Len())
	for _, label := range w.order.Labels() {
		perBucket[label] = len(w.queues[label])
	}
	paused := make([]string, 0, len(w.paused))
	for label := range w.paused {
		paused = append(paused, label)
	}
	sort.Strings(paused)
	return Stats{
		ProcessedInRun: w.processedInRun,
		ElapsedSeconds: int64(w.clock().Sub(w.runStart) / time.Second),
		PerBucket:      perBucket,
		Paused:         paused,
		ActiveOrder:    w.order.Labels(),
	}
}

func (w *Worker) queueLen(label string) int {
	return len(w.queues[label])
}

func (w *Worker) totalQueued() int {
	total := 0
	for _, q := range w.queues {
		total += len(q)
	}
	return total
}

// Submit validates and enqueues a bucket-keyed batch of request mappings.
// The whole batch is validated before any queue is touched; one malformed
// entry rejects the batch with BadInput and leaves state unchanged. When
// the worker is closed the batch is dropped silently.
func (w *Worker) Submit(ctx context.Context, batch map[string][]map[string]any) error {
	converted, err := convertBatch(batch)
	if err != nil {
		return err
	}
	_, err = w.send(ctx, &command{kind: cmdSubmit, batch: converted})
	return err
}

// Close marks the worker closed. Queued work keeps draining; Run returns
// once the total queue reaches zero.
func (w *Worker) Close(ctx context.Context) error {
	_, err := w.send(ctx, &command{kind: cmdClose})
	return err
}

// PauseBuckets excludes the given buckets from selection. Unknown labels
// are ignored.
func (w *Worker) PauseBuckets(ctx context.Context, labels []string) error {
	_, err := w.send(ctx, &command{kind: cmdPause, labels: labels})
	return err
}

// ResumeBuckets removes the given buckets from the paused set.
func (w *Worker) ResumeBuckets(ctx context.Context, labels []string) error {
	_, err := w.send(ctx, &command{kind: cmdResume, labels: labels})
	return err
}

// SetPriorityOrder replaces the active bucket order with the given
// permutation of the known set.
func (w *Worker) SetPriorityOrder(ctx context.Context, labels []string) error {
	_, err := w.send(ctx, &command{kind: cmdReorder, labels: labels})
	return err
}

// QueueSize reports the number of envelopes waiting across all buckets.
func (w *Worker) QueueSize(ctx context.Context) (int, error) {
	resp, err := w.send(ctx, &command{kind: cmdQueueSize})
	return resp.size, err
}

// Stats reports the current run counters and queue lengths.
func (w *Worker) Stats(ctx context.Context) (Stats, error) {
	resp, err := w.send(ctx, &command{kind: cmdStats})
	return resp.stats, err
}

func (w *Worker) send(ctx context.Context, cmd *command) (response, error) {
	cmd.reply = make(chan response, 1)
	if !w.mail.post(cmd) {
		return response{}, ErrStopped
	}
	select {
	case resp := <-cmd.reply:
		return resp, resp.err
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

func emptyQueues(order bucket.Order) map[string][]*envelope.Envelope {
	queues := make(map[string][]*envelope.Envelope, order.Len())
	for _, label := range order.Labels() {
		queues[label] = nil
	}
	return queues
}

// convertBatch parses every mapping in the batch up front. Validation runs
// against the fixed known set, so callers never race an order update.
func convertBatch(batch map[string][]map[string]any) (map[string][]*envelope.Envelope, error) {
	known := bucket.Default()
	converted := make(map[string][]*envelope.Envelope, len(batch))
	for label, items := range batch {
		if !known.IsKnown(label) {
			return nil, errs.BadInput("dispatcher.submit", fmt.Sprintf("unknown bucket %q", label))
		}
		envs := make([]*envelope.Envelope, 0, len(items))
		for _, item := range items {
			env, err := envelope.FromMapping(item)
			if err != nil {
				return nil, err
			}
			envs = append(envs, env)
		}
		converted[label] = envs
	}
	return converted, nil
}

func buildQueues(order bucket.Order, raw map[string][]map[string]any) (map[string][]*envelope.Envelope, error) {
	queues := emptyQueues(order)
	for label, items := range raw {
		if !order.IsKnown(label) {
			return nil, errs.BadInput("dispatcher.enqueue", fmt.Sprintf("unknown bucket %q", label))
		}
		for _, item := range items {
			env, err := envelope.FromMapping(item)
			if err != nil {
				return nil, err
			}
			queues[label] = append(queues[label], env)
		}
	}
	return queues, nil
}
