package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/crmsync/internal/compiler"
	"github.com/roach88/crmsync/internal/connector"
	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/ir"
	"github.com/roach88/crmsync/internal/store"
)

// Skip reasons recorded in the error column of skipped log entries.
const (
	reasonCancelled    = "run cancelled"
	reasonFiltered     = "filtered out by mapping filter"
	reasonAlreadyDone  = "already handled in this run"
	reasonNeverSynced  = "deleted before it was ever synced"
	reasonNotOutbound  = "related entity does not sync outbound"
	reasonAbortedAfter = "run aborted: "
)

// run is the state of one sync run of one connection.
type run struct {
	e        *Engine
	ctx      context.Context
	conn     ir.Connection
	plan     *compiler.Plan
	adapter  connector.Adapter
	report   *ir.RunReport
	active   *activeRun
	logger   zerolog.Logger
	resolver *Resolver

	// attempted holds records processed outbound; written holds records
	// written on either side.
	attempted *onceSet
	written   *onceSet
	budget    *deferralBudget
	synth     singleflight.Group

	// candidates are the outbound records of this run, fetched before any
	// unit runs. Read-only once the run is executing units.
	candidates map[recordKey]entity.Entity

	mu      sync.Mutex
	aborted error
}

func newRun(e *Engine, ctx context.Context, conn ir.Connection, plan *compiler.Plan, report *ir.RunReport, active *activeRun, logger zerolog.Logger) *run {
	return &run{
		e:          e,
		ctx:        ctx,
		conn:       conn,
		plan:       plan,
		report:     report,
		active:     active,
		logger:     logger,
		resolver:   NewResolver(e.store, conn.ID),
		attempted:  newOnceSet(),
		written:    newOnceSet(),
		budget:     newDeferralBudget(MaxPasses),
		candidates: make(map[recordKey]entity.Entity),
	}
}

// abort stops the run. Only the first cause is kept.
func (r *run) abort(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted == nil {
		r.aborted = err
		r.logger.Error().Err(err).Msg("run aborted")
	}
}

func (r *run) abortErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// halted returns why queued records must be skipped, or "" while the run
// proceeds.
func (r *run) halted() string {
	if err := r.abortErr(); err != nil {
		return reasonAbortedAfter + err.Error()
	}
	if r.ctx.Err() != nil {
		return reasonCancelled
	}
	return ""
}

// failures returns the number of records failed so far.
func (r *run) failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report.Failed
}

func (r *run) publish(s State) {
	if r.active != nil {
		r.active.state.Store(int32(s))
	}
}

func (r *run) machine() *stateMachine {
	if r.active == nil {
		return newStateMachine(nil)
	}
	return newStateMachine(&r.active.state)
}

// unitScan is the fetch plan of one unit.
type unitScan struct {
	unit    *compiler.Unit
	full    bool
	cursor  ir.Cursor
	records []entity.Entity
}

// sync executes every unit of the plan, then the deferred records.
func (r *run) sync(full bool) {
	scans, ok := r.fetchCandidates(full)
	if !ok {
		return
	}

	for _, scan := range scans {
		unit := scan.unit
		if unit.Outbound() {
			records := scan.records
			r.forEach(len(records), func(i int) { r.outbound(unit, records[i], 1) })
		}

		cursor := scan.cursor.Value
		if scan.full {
			cursor = ""
		}
		complete := r.halted() == ""
		if unit.Inbound() && complete {
			cursor, complete = r.inbound(unit, cursor)
		}
		if complete {
			err := r.e.store.SaveCursor(r.ctx, ir.Cursor{
				ConnectionID: r.conn.ID,
				RemoteEntity: unit.RemoteEntity,
				Value:        cursor,
				Fingerprint:  unit.Fingerprint,
			})
			if err != nil && r.ctx.Err() == nil {
				r.abort(err)
			}
		}
	}

	r.secondPass()
}

// fetchCandidates selects the local records changed since the last
// successful run for every outbound unit, plus the records whose last
// outbound attempt failed. A unit whose mapping changed since its cursor
// was stored is scanned in full.
func (r *run) fetchCandidates(full bool) ([]unitScan, bool) {
	r.publish(StateFetching)
	scans := make([]unitScan, 0, len(r.plan.Units))
	for _, unit := range r.plan.Units {
		cursor, err := r.e.store.GetCursor(r.ctx, r.conn.ID, unit.RemoteEntity)
		if err != nil {
			r.stopFetching(err)
			return nil, false
		}
		scan := unitScan{unit: unit, cursor: cursor, full: full || cursor.Fingerprint != unit.Fingerprint}
		if unit.Outbound() {
			since := r.conn.LastSuccessAt
			if scan.full {
				since = time.Time{}
			}
			scan.records, err = r.e.local.GetChangedSince(r.ctx, unit.LocalType, since)
			if err != nil {
				r.stopFetching(fmt.Errorf("fetch local %s records: %w", unit.LocalType, err))
				return nil, false
			}
			retries, err := r.retries(unit, scan.records)
			if err != nil {
				r.stopFetching(err)
				return nil, false
			}
			scan.records = append(scan.records, retries...)
			for _, rec := range scan.records {
				r.candidates[recordKey{Type: unit.LocalType, ID: rec.LocalID()}] = rec
			}
		}
		r.logger.Debug().Str("unit", string(unit.LocalType)).Bool("full", scan.full).
			Int("candidates", len(scan.records)).Msg("unit scanned")
		scans = append(scans, scan)
	}
	return scans, true
}

// retries returns the records of unit whose latest outbound attempt failed
// and that are not already among changed. A record the source no longer
// returns is retried as a tombstone.
func (r *run) retries(unit *compiler.Unit, changed []entity.Entity) ([]entity.Entity, error) {
	ids, err := r.e.store.FailedLocalIDs(r.ctx, r.conn.ID, unit.LocalType, ir.DirectionLocalToRemote)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	seen := make(map[string]bool, len(changed))
	for _, rec := range changed {
		seen[rec.LocalID()] = true
	}

	var out []entity.Entity
	for _, id := range ids {
		if seen[id] {
			continue
		}
		rec, err := r.e.local.GetByID(r.ctx, unit.LocalType, id)
		if err != nil {
			return nil, fmt.Errorf("load local %s %s: %w", unit.LocalType, id, err)
		}
		if rec == nil {
			if rec, err = entity.New(unit.LocalType, id); err != nil {
				return nil, err
			}
			entity.Touch(rec, r.e.clock.Now(), true)
		} else {
			rec = entity.Clone(rec)
		}
		out = append(out, rec)
	}
	if len(out) > 0 {
		r.logger.Debug().Str("unit", string(unit.LocalType)).Int("records", len(out)).Msg("retrying failed records")
	}
	return out, nil
}

// stopFetching aborts the run unless the failure is the run's own
// cancellation.
func (r *run) stopFetching(err error) {
	if r.ctx.Err() != nil {
		return
	}
	r.abort(err)
}

// secondPass processes the records deferred by the first pass, grouped by
// unit in plan order.
func (r *run) secondPass() {
	keys := r.budget.Drain()
	if len(keys) == 0 {
		return
	}
	r.logger.Debug().Int("records", len(keys)).Msg("second pass")
	byType := make(map[ir.EntityType][]entity.Entity)
	for _, k := range keys {
		if rec, ok := r.candidates[k]; ok {
			byType[k.Type] = append(byType[k.Type], rec)
		}
	}
	for _, unit := range r.plan.Units {
		records := byType[unit.LocalType]
		r.forEach(len(records), func(i int) { r.outbound(unit, records[i], 2) })
	}
}

// forEach runs fn for 0..n-1 on the bounded worker pool. fn reports its
// own outcome; nothing is returned through the group.
func (r *run) forEach(n int, fn func(i int)) {
	if n == 0 {
		return
	}
	g := new(errgroup.Group)
	g.SetLimit(r.e.workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}

func entityRef(u *compiler.Unit) connector.EntityRef {
	return connector.EntityRef{Name: u.RemoteEntity, KeyField: u.KeyField, ModifiedField: u.ModifiedField}
}

// entry starts the log entry of one record.
func (r *run) entry(u *compiler.Unit, dir ir.Direction, localID, remoteID string) ir.SyncLogEntry {
	return ir.SyncLogEntry{
		RunID:        r.report.RunID,
		ConnectionID: r.conn.ID,
		RemoteEntity: u.RemoteEntity,
		LocalType:    u.LocalType,
		LocalID:      localID,
		RemoteID:     remoteID,
		Direction:    dir,
	}
}

// record persists an outcome and counts it. The correlation change and the
// log entry share one transaction, and the write is not cancelled with the
// run.
func (r *run) record(o ir.Outcome, started time.Time) {
	now := r.e.clock.Now()
	o.Entry.Duration = now.Sub(started)
	o.Entry.CreatedAt = now
	ctx := context.WithoutCancel(r.ctx)

	_, err := r.e.store.RecordOutcome(ctx, o)
	if errors.Is(err, store.ErrDuplicateCorrelation) {
		entry := o.Entry
		entry.Status = ir.StatusFailed
		entry.ErrorKind = "conflict"
		entry.Error = err.Error()
		_, err = r.e.store.AppendLog(ctx, entry)
		o.Entry = entry
	}
	if err != nil {
		r.abort(fmt.Errorf("record outcome of %s %s: %w", o.Entry.LocalType, o.Entry.LocalID, err))
		return
	}

	r.mu.Lock()
	r.report.Count(o.Entry)
	r.mu.Unlock()
}

// skip logs a record left untouched.
func (r *run) skip(entry ir.SyncLogEntry, reason string, started time.Time) {
	entry.Action = ir.ActionSkip
	entry.Status = ir.StatusSkipped
	entry.Error = reason
	r.record(ir.Outcome{Entry: entry}, started)
}

// fail logs a record-level failure. Connection-level errors also abort the
// run.
func (r *run) fail(entry ir.SyncLogEntry, err error, started time.Time) {
	if entry.Action == "" {
		entry.Action = ir.ActionSkip
	}
	entry.Status = ir.StatusFailed
	entry.ErrorKind = ErrorKind(err)
	entry.Error = err.Error()
	r.logger.Debug().Err(err).Str("type", string(entry.LocalType)).Str("local_id", entry.LocalID).
		Str("remote_id", entry.RemoteID).Msg("record failed")
	r.record(ir.Outcome{Entry: entry}, started)
	if connector.IsConnectionLevel(err) {
		r.abort(err)
	}
}

func isEmpty(v ir.Value) bool {
	if ir.IsNull(v) {
		return true
	}
	s, ok := v.(ir.String)
	return ok && s == ""
}
