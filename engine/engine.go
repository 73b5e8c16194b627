// Package engine implements the reconciliation core of the bridge: initial
// full sync, the event-driven upload path, the webhook-driven and timed
// download paths, conflict resolution, the pending-op worker, housekeeping,
// and the capacity guard.
//
// The engine runs as a set of cooperating loops sharing one cancellation
// context. Start fans them out; Stop cancels them in reverse order and
// drains the upload batch under a deadline. Cluster-wide work (slow poll,
// housekeeping) runs on Pulse distributed tickers so exactly one node fires;
// the capacity verdicts live in a Pulse replicated map so every node honors
// a cap observed by any node.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	"goa.design/taskbridge/adapter"
	"goa.design/taskbridge/bus"
	"goa.design/taskbridge/crosswalk"
	"goa.design/taskbridge/govern"
	"goa.design/taskbridge/planner"
	"goa.design/taskbridge/store"
	"goa.design/taskbridge/telemetry"
)

const (
	// housekeepingInterval is how often the housekeeping sweep fires,
	// cluster-wide.
	housekeepingInterval = 30 * time.Minute
	// drainDeadline bounds the final upload batch drain during shutdown.
	drainDeadline = 10 * time.Second
	// busSinkName is the durable consumer group the engine reads webhook
	// events through.
	busSinkName = "sync_engine"
)

type (
	// PlannerAPI is the subset of the planner client the engine needs.
	// Narrow so tests can fake the planner.
	PlannerAPI interface {
		ListPlans(ctx context.Context) ([]planner.Plan, error)
		ListTasks(ctx context.Context, planID string) ([]planner.Task, error)
		GetTask(ctx context.Context, id string) (*planner.Task, error)
		GetTaskDetails(ctx context.Context, id string) (*planner.TaskDetails, error)
		CreateTask(ctx context.Context, create *planner.Task) (*planner.Task, error)
		UpdateTask(ctx context.Context, id, etag string, patch map[string]any) (*planner.Task, error)
		UpdateTaskDetails(ctx context.Context, id, etag string, patch map[string]any) (*planner.TaskDetails, error)
		DeleteTask(ctx context.Context, id, etag string) error
	}

	// Config tunes the engine.
	Config struct {
		// DefaultPlanID is the fallback create target.
		DefaultPlanID string
		// PollInterval is the slow download path period. Minimum 5 minutes.
		PollInterval time.Duration
		// MinQuickPoll gates webhook-driven re-polls of the same plan.
		MinQuickPoll time.Duration
		// BatchSize triggers an immediate upload drain when reached.
		BatchSize int
		// BatchLinger delays a drain after the first enqueue so bursts
		// coalesce.
		BatchLinger time.Duration
		// MaxTasksPerPlan is the capacity guard ceiling.
		MaxTasksPerPlan int
		// Deadband is the conflict tie window within which remote wins.
		Deadband time.Duration
		// HousekeepingDryRun logs intended cleanup actions instead of
		// applying them.
		HousekeepingDryRun bool
	}

	// Options wires the engine's collaborators.
	Options struct {
		Store     *store.Gateway
		Crosswalk *crosswalk.Crosswalk
		Adapter   *adapter.Adapter
		Planner   PlannerAPI
		Governor  *govern.Governor
		Bus       bus.Client
		// Pool provides distributed tickers. Optional; when nil the slow
		// poll and housekeeping run on local tickers.
		Pool *pool.Node
		// Counts is the replicated plan-count map for the capacity guard.
		// Optional; when nil the guard is process-local.
		Counts  *rmap.Map
		Config  Config
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Engine is the reconciliation core.
	Engine struct {
		store   *store.Gateway
		xwalk   *crosswalk.Crosswalk
		adapter *adapter.Adapter
		api     PlannerAPI
		gov     *govern.Governor
		bus     bus.Client
		pool    *pool.Node
		cfg     Config
		log     telemetry.Logger
		metrics telemetry.Metrics

		guard *capacityGuard

		// Upload batcher. The batch is keyed by local ID so a later update
		// to the same task supersedes earlier ones.
		uploadMu        sync.Mutex
		batch           map[string]struct{}
		lingerTimer     *time.Timer
		batchProcessing bool

		// Quick-poll suppression per plan.
		pollMu       sync.Mutex
		lastPlanPoll map[string]time.Time

		// Health state.
		lastUploadAt   atomic.Int64 // unix nanos
		lastDownloadAt atomic.Int64
		lastError      atomic.Value // string
		writesHalted   atomic.Bool
		stopped        atomic.Bool

		cancel  context.CancelFunc
		wg      sync.WaitGroup
		tickers []*pool.Ticker
	}

	// Stats is the health snapshot source consumed by the health reporter.
	Stats struct {
		Status         string    `json:"status"`
		LastUploadAt   time.Time `json:"last_upload_at"`
		LastDownloadAt time.Time `json:"last_download_at"`
		PendingDepth   int64     `json:"pending_depth"`
		FailedDepth    int64     `json:"failed_depth"`
		BackoffUntil   time.Time `json:"backoff_until"`
		LastError      string    `json:"last_error,omitempty"`
	}
)

// New constructs the engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("store gateway is required")
	}
	if opts.Crosswalk == nil {
		return nil, errors.New("crosswalk is required")
	}
	if opts.Adapter == nil {
		return nil, errors.New("adapter is required")
	}
	if opts.Planner == nil {
		return nil, errors.New("planner API is required")
	}
	if opts.Governor == nil {
		return nil, errors.New("rate governor is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("bus client is required")
	}
	cfg := opts.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.BatchLinger <= 0 {
		cfg.BatchLinger = 100 * time.Millisecond
	}
	if cfg.PollInterval < 5*time.Minute {
		cfg.PollInterval = 5 * time.Minute
	}
	if cfg.MinQuickPoll <= 0 {
		cfg.MinQuickPoll = 5 * time.Minute
	}
	if cfg.MaxTasksPerPlan <= 0 {
		cfg.MaxTasksPerPlan = 200
	}
	if cfg.Deadband <= 0 {
		cfg.Deadband = 2 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	e := &Engine{
		store:        opts.Store,
		xwalk:        opts.Crosswalk,
		adapter:      opts.Adapter,
		api:          opts.Planner,
		gov:          opts.Governor,
		bus:          opts.Bus,
		pool:         opts.Pool,
		cfg:          cfg,
		log:          log,
		metrics:      metrics,
		batch:        make(map[string]struct{}),
		lastPlanPoll: make(map[string]time.Time),
	}
	e.guard = newCapacityGuard(opts.Counts, cfg.MaxTasksPerPlan, e.countPlanTasks)
	e.lastError.Store("")
	return e, nil
}

// Start fans out the engine loops. It returns once all loops are running;
// the initial sync proceeds in the background.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	// Pending-op worker first: queued work from a previous run resumes
	// before the initial sync.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runPendingWorker(runCtx)
	}()

	// Local upload trigger: pub/sub on tasks:updates.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runUploadListener(runCtx)
	}()

	// Webhook-driven download path.
	plannerEvents, stopPlanner, err := e.bus.Consume(runCtx, e.store.PlannerBusStream(), busSinkName)
	if err != nil {
		cancel()
		return fmt.Errorf("consume planner bus: %w", err)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer stopPlanner()
		e.runWebhookConsumer(runCtx, plannerEvents)
	}()

	// Chat events are relayed to local agents; they carry no task state.
	chatEvents, stopChat, err := e.bus.Consume(runCtx, e.store.ChatBusStream(), busSinkName)
	if err != nil {
		cancel()
		return fmt.Errorf("consume chat bus: %w", err)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer stopChat()
		e.runChatRelay(runCtx, chatEvents)
	}()

	// Slow download path and housekeeping, cluster-coordinated when a pool
	// node is available.
	if err := e.startTicker(runCtx, "sync:slowpoll", e.cfg.PollInterval, e.runSlowPoll); err != nil {
		cancel()
		return err
	}
	if err := e.startTicker(runCtx, "sync:housekeeping", housekeepingInterval, e.runHousekeeping); err != nil {
		cancel()
		return err
	}

	// Initial sync.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.initialSync(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.recordError(fmt.Errorf("initial sync: %w", err))
			e.log.Error(runCtx, "initial sync failed", "err", err.Error())
		}
	}()

	return nil
}

// Stop halts the loops: new webhook work stops first, the upload batch
// drains under a deadline, then everything is cancelled.
func (e *Engine) Stop(ctx context.Context) {
	e.stopped.Store(true)

	drainCtx, cancel := context.WithTimeout(ctx, drainDeadline)
	e.drainBatch(drainCtx)
	cancel()

	for _, t := range e.tickers {
		t.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Snapshot assembles the health stats written to sync:health.
func (e *Engine) Snapshot(ctx context.Context) Stats {
	pending, _ := e.store.LLen(ctx, e.store.PendingKey())
	failed, _ := e.store.LLen(ctx, e.store.FailedKey())
	st := Stats{
		Status:       "ok",
		PendingDepth: pending,
		FailedDepth:  failed,
		BackoffUntil: e.gov.BackoffUntil(),
	}
	if ns := e.lastUploadAt.Load(); ns > 0 {
		st.LastUploadAt = time.Unix(0, ns).UTC()
	}
	if ns := e.lastDownloadAt.Load(); ns > 0 {
		st.LastDownloadAt = time.Unix(0, ns).UTC()
	}
	if msg, _ := e.lastError.Load().(string); msg != "" {
		st.LastError = msg
	}
	switch {
	case e.stopped.Load():
		st.Status = "stopped"
	case e.writesHalted.Load():
		st.Status = "degraded"
	case e.gov.Throttled():
		st.Status = "throttled"
	}
	return st
}

// startTicker begins a periodic loop, distributed across the cluster when a
// pool node is available and local otherwise.
func (e *Engine) startTicker(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) error {
	if e.pool != nil {
		ticker, err := e.pool.NewTicker(ctx, name, interval)
		if err != nil {
			return fmt.Errorf("create %s ticker: %w", name, err)
		}
		e.tickers = append(e.tickers, ticker)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					fn(ctx)
				}
			}
		}()
		return nil
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
	return nil
}

func (e *Engine) recordError(err error) {
	e.lastError.Store(err.Error())
}

// HaltWrites flips the engine into degraded mode: uploads stop, reads and
// webhook ingestion stay alive. Called when token acquisition fails fatally
// (consent revoked, credentials rotated out from under the service).
func (e *Engine) HaltWrites(ctx context.Context, err error) {
	if e.writesHalted.CompareAndSwap(false, true) {
		e.recordError(err)
		e.log.Error(ctx, "planner writes halted", "err", err.Error())
	}
}

// countPlanTasks is the capacity guard's refresh function.
func (e *Engine) countPlanTasks(ctx context.Context, planID string) (int, error) {
	tasks, err := e.api.ListTasks(ctx, planID)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}
