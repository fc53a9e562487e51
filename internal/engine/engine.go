package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/crmsync/internal/compiler"
	"github.com/roach88/crmsync/internal/connector"
	"github.com/roach88/crmsync/internal/credential"
	"github.com/roach88/crmsync/internal/ir"
	"github.com/roach88/crmsync/internal/source"
)

// Store is the durable state the engine reads and writes. *store.Store
// implements it.
type Store interface {
	GetConnection(ctx context.Context, id string) (*ir.Connection, error)
	UpdateCredentials(ctx context.Context, id string, c ir.Credentials) error

	LookupByLocal(ctx context.Context, connectionID string, localType ir.EntityType, localID string) (*ir.ExternalID, error)
	LookupByRemote(ctx context.Context, connectionID, remoteEntity, remoteID string) (*ir.ExternalID, error)
	RecordOutcome(ctx context.Context, o ir.Outcome) (int64, error)
	AppendLog(ctx context.Context, e ir.SyncLogEntry) (int64, error)

	StartRun(ctx context.Context, r ir.RunReport) error
	FinishRun(ctx context.Context, r ir.RunReport, threshold int) (bool, error)

	GetCursor(ctx context.Context, connectionID, remoteEntity string) (ir.Cursor, error)
	SaveCursor(ctx context.Context, c ir.Cursor) error
}

// Planner compiles the sync plan of a connection. *compiler.Registry
// implements it.
type Planner interface {
	Compile(ctx context.Context, connectionID string) (*compiler.Plan, error)
}

// AdapterOpener opens the remote adapter of a connection.
// *connector.Factory and *memory.Hub implement it.
type AdapterOpener interface {
	Open(conn ir.Connection) (connector.Adapter, error)
}

const (
	// DefaultWorkers bounds the records of one unit processed in parallel.
	DefaultWorkers = 4

	// DefaultFailureThreshold is the number of consecutive aborted runs
	// after which a connection is disabled.
	DefaultFailureThreshold = 5
)

// Engine executes sync runs.
//
// Thread-safety model:
//   - Run, Trigger, Cancel and Active are safe from any goroutine.
//   - Runs of different connections proceed concurrently and share nothing
//     but the Store.
//   - At most one run per connection is active; a second trigger is dropped
//     with a RUN_IN_PROGRESS RuntimeError.
type Engine struct {
	store     Store
	planner   Planner
	adapters  AdapterOpener
	local     source.Store
	clock     Clock
	runIDs    RunIDGenerator
	logger    zerolog.Logger
	refresher credential.Refresher
	guardOpts []connector.GuardOption

	workers   int
	threshold int

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the clock used for run and log timestamps.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRunIDs sets the run id generator.
func WithRunIDs(g RunIDGenerator) Option {
	return func(e *Engine) { e.runIDs = g }
}

// WithWorkers bounds the records of one unit processed in parallel.
//
// Default: 4 (DefaultWorkers). Use WithWorkers(1) for strictly sequential
// runs.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n < 1 {
			n = 1
		}
		e.workers = n
	}
}

// WithFailureThreshold sets the number of consecutive aborted runs that
// disables a connection. Zero never disables.
func WithFailureThreshold(n int) Option {
	return func(e *Engine) { e.threshold = n }
}

// WithGuardOptions sets the call policy applied to every adapter.
func WithGuardOptions(opts ...connector.GuardOption) Option {
	return func(e *Engine) { e.guardOpts = append(e.guardOpts, opts...) }
}

// WithRefresher enables credential refresh for connections whose
// credentials are refreshable.
func WithRefresher(r credential.Refresher) Option {
	return func(e *Engine) { e.refresher = r }
}

// New creates an Engine. local is the application's entity source and sink.
func New(store Store, planner Planner, adapters AdapterOpener, local source.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		planner:   planner,
		adapters:  adapters,
		local:     local,
		clock:     SystemClock{},
		runIDs:    UUIDRunIDs{},
		logger:    zerolog.Nop(),
		workers:   DefaultWorkers,
		threshold: DefaultFailureThreshold,
		active:    make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunOptions controls one run.
type RunOptions struct {
	// Full ignores the local watermark and the remote cursors, comparing
	// every record against its stored hash.
	Full bool
}

// ActiveRun describes a run in flight.
type ActiveRun struct {
	ConnectionID string    `json:"connection_id"`
	RunID        string    `json:"run_id"`
	State        State     `json:"state"`
	StartedAt    time.Time `json:"started_at"`
}

type activeRun struct {
	connectionID string
	runID        string
	startedAt    time.Time
	state        atomic.Int32

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

// setCancel installs the run's cancel func, firing it at once if Cancel
// came first.
func (a *activeRun) setCancel(cancel context.CancelFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancel = cancel
	if a.cancelled {
		cancel()
	}
}

func (a *activeRun) requestCancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = true
	if a.cancel != nil {
		a.cancel()
	}
}

// acquire takes the run lock of a connection.
func (e *Engine) acquire(connectionID string) (*activeRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.active[connectionID]; ok {
		return nil, &RuntimeError{
			Code:         ErrCodeRunInProgress,
			Message:      "a run is already active",
			ConnectionID: connectionID,
			RunID:        cur.runID,
		}
	}
	a := &activeRun{
		connectionID: connectionID,
		runID:        e.runIDs.Generate(),
		startedAt:    e.clock.Now(),
	}
	e.active[connectionID] = a
	return a, nil
}

func (e *Engine) release(a *activeRun) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[a.connectionID] == a {
		delete(e.active, a.connectionID)
	}
}

// Run executes one run of a connection and returns its report. Everything
// that happens to records during the run is in the report. An error means
// the run could not start (unknown or disabled connection, a configuration
// that does not compile, another active run) or its report could not be
// stored.
func (e *Engine) Run(ctx context.Context, connectionID string, opts RunOptions) (*ir.RunReport, error) {
	a, err := e.acquire(connectionID)
	if err != nil {
		return nil, err
	}
	defer e.release(a)
	return e.execute(ctx, a, opts)
}

// Trigger starts a run in the background and returns its id. The run is
// detached from ctx; stop it with Cancel.
func (e *Engine) Trigger(ctx context.Context, connectionID string, opts RunOptions) (string, error) {
	a, err := e.acquire(connectionID)
	if err != nil {
		return "", err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(a)
		report, err := e.execute(context.WithoutCancel(ctx), a, opts)
		if err != nil {
			e.logger.Error().Err(err).Str("connection", connectionID).Str("run", a.runID).Msg("triggered run did not start")
			return
		}
		e.logger.Info().Str("connection", connectionID).Str("run", a.runID).
			Str("status", string(report.Status)).Msg("triggered run finished")
	}()
	return a.runID, nil
}

// Wait blocks until every triggered run has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Cancel stops the active run of a connection. Records already being
// written finish; the rest are logged as skipped.
func (e *Engine) Cancel(connectionID string) error {
	e.mu.Lock()
	a, ok := e.active[connectionID]
	e.mu.Unlock()
	if !ok {
		return &RuntimeError{Code: ErrCodeNoActiveRun, Message: "no active run", ConnectionID: connectionID}
	}
	a.requestCancel()
	return nil
}

// Active lists the runs in flight, ordered by connection id.
func (e *Engine) Active() []ActiveRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ActiveRun, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, ActiveRun{
			ConnectionID: a.connectionID,
			RunID:        a.runID,
			State:        State(a.state.Load()),
			StartedAt:    a.startedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// execute runs the lifecycle of one acquired run.
func (e *Engine) execute(ctx context.Context, a *activeRun, opts RunOptions) (*ir.RunReport, error) {
	conn, err := e.store.GetConnection(ctx, a.connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.Enabled {
		return nil, &RuntimeError{Code: ErrCodeConnectionDisabled, Message: "connection is disabled", ConnectionID: conn.ID}
	}
	plan, err := e.planner.Compile(ctx, conn.ID)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.setCancel(cancel)

	report := &ir.RunReport{
		RunID:        a.runID,
		ConnectionID: conn.ID,
		Status:       ir.RunRunning,
		Full:         opts.Full,
		StartedAt:    a.startedAt,
	}
	if err := e.store.StartRun(ctx, *report); err != nil {
		return nil, err
	}
	logger := e.logger.With().Str("connection", conn.ID).Str("run", a.runID).Logger()
	logger.Info().Bool("full", opts.Full).Int("units", len(plan.Units)).Msg("run started")

	r := newRun(e, runCtx, *conn, plan, report, a, logger)
	adapter, err := e.adapters.Open(*conn)
	if err != nil {
		r.abort(err)
	} else {
		if c, ok := adapter.(connector.Closer); ok {
			defer func() {
				if cerr := c.Close(); cerr != nil {
					logger.Warn().Err(cerr).Msg("close adapter")
				}
			}()
		}
		r.adapter = connector.NewGuard(adapter, e.guardOptions(*conn, logger)...)
		r.sync(opts.Full)
	}

	return e.finish(ctx, r)
}

// guardOptions assembles the call policy for one connection's adapter.
func (e *Engine) guardOptions(conn ir.Connection, logger zerolog.Logger) []connector.GuardOption {
	opts := append([]connector.GuardOption(nil), e.guardOpts...)
	opts = append(opts, connector.WithGuardLogger(logger))
	if e.refresher != nil && conn.Credentials.Refreshable() {
		creds := conn.Credentials
		opts = append(opts, connector.WithRefresh(func(ctx context.Context) (ir.Credentials, error) {
			next, err := e.refresher.Refresh(ctx, creds)
			if err != nil {
				return creds, err
			}
			if err := e.store.UpdateCredentials(ctx, conn.ID, next); err != nil {
				return creds, fmt.Errorf("persist refreshed credentials: %w", err)
			}
			creds = next
			return next, nil
		}))
	}
	return opts
}

// finish settles the run status and persists the report.
func (e *Engine) finish(ctx context.Context, r *run) (*ir.RunReport, error) {
	report := r.report
	switch abortErr := r.abortErr(); {
	case abortErr != nil:
		report.Status = ir.RunAborted
		report.Error = abortErr.Error()
	case r.ctx.Err() != nil:
		report.Status = ir.RunCancelled
	case report.Failed > 0:
		report.Status = ir.RunCompletedWithErrors
	default:
		report.Status = ir.RunCompleted
	}
	report.Deferred = r.budget.Count()
	report.FinishedAt = e.clock.Now()
	r.publish(StateIdle)

	disabled, err := e.store.FinishRun(context.WithoutCancel(ctx), *report, e.threshold)
	if err != nil {
		return report, fmt.Errorf("finish run %s: %w", report.RunID, err)
	}
	ev := r.logger.Info()
	if report.Status == ir.RunAborted {
		ev = r.logger.Warn().Str("error", report.Error)
	}
	ev.Str("status", string(report.Status)).
		Int("created", report.Created).
		Int("updated", report.Updated).
		Int("deleted", report.Deleted).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Int("deferred", report.Deferred).
		Msg("run finished")
	if disabled {
		r.logger.Warn().Int("threshold", e.threshold).Msg("connection disabled after consecutive failed runs")
	}
	return report, nil
}
