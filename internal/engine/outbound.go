package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/crmsync/internal/compiler"
	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/ir"
)

// outbound processes one local candidate record in the given pass.
func (r *run) outbound(unit *compiler.Unit, rec entity.Entity, pass int) {
	started := r.e.clock.Now()
	key := recordKey{Type: unit.LocalType, ID: rec.LocalID()}
	entry := r.entry(unit, ir.DirectionLocalToRemote, key.ID, "")
	if reason := r.halted(); reason != "" {
		r.skip(entry, reason, started)
		return
	}
	if pass == 1 {
		if ok, _ := r.attempted.Claim(key, ir.DirectionLocalToRemote); !ok {
			r.skip(entry, reasonAlreadyDone, started)
			return
		}
	}
	r.push(context.WithoutCancel(r.ctx), unit, rec, pass, false, entry, started)
}

// push maps, resolves and writes one local record to the remote side.
// Synthesized records are created ahead of a record that references them;
// they resolve their own references inline instead of deferring.
func (r *run) push(ctx context.Context, unit *compiler.Unit, rec entity.Entity, pass int, synthesized bool, entry ir.SyncLogEntry, started time.Time) {
	key := recordKey{Type: unit.LocalType, ID: rec.LocalID()}
	sm := r.machine()

	x, err := r.e.store.LookupByLocal(ctx, r.conn.ID, unit.LocalType, key.ID)
	if err != nil {
		r.abort(err)
		return
	}
	entry.Action = ir.ActionCreate
	if x != nil {
		entry.RemoteID = x.RemoteID
		entry.Action = ir.ActionUpdate
	}

	if rec.Tombstoned() {
		r.pushDelete(ctx, unit, key, x, entry, started, sm)
		return
	}

	var prev ir.Object
	if x != nil {
		prev = x.LastPayload
	}
	payload, fields, err := mapOutbound(unit, rec, prev)
	if err != nil {
		sm.fail()
		r.fail(entry, err, started)
		return
	}
	eligible, err := unit.Eligible(payload)
	if err != nil {
		sm.fail()
		r.fail(entry, &recordError{Message: "filter", Err: err}, started)
		return
	}
	if !eligible {
		sm.to(StateLogging)
		r.skip(entry, reasonFiltered, started)
		return
	}

	sm.to(StateResolving)
	edgePending := false
	for _, step := range unit.Relationships {
		res, err := r.resolver.Resolve(ctx, step, rec)
		if err != nil {
			r.abort(err)
			return
		}

		if res.Kind == Pending {
			created, err := r.synthesize(ctx, res.Related)
			if err != nil {
				r.abort(err)
				return
			}
			switch {
			case !created:
				res.Kind = Skipped
			case synthesized:
				if res, err = r.resolver.Resolve(ctx, step, rec); err != nil {
					r.abort(err)
					return
				}
				if res.Kind == Pending {
					res.Kind = Skipped
				}
			default:
				r.deferRecord(key, pass, entry, started, sm)
				return
			}
		}

		// A deferred edge whose target this run pushes later is written
		// without the reference now and completed in the second pass.
		if res.Kind == Skipped && step.Deferred && pass == 1 && !synthesized &&
			res.Related != key && r.candidates[res.Related] != nil && !r.attempted.Claimed(res.Related) {
			edgePending = true
		}

		if !step.Direction.Allows(ir.DirectionLocalToRemote) {
			fields = append(fields, ir.FieldValue{Field: step.RemoteField, Value: carried(prev, step.RemoteField)})
			continue
		}
		if v, ok := res.Value(step); ok {
			payload[step.RemoteField] = v
		}
		fields = append(fields, ir.FieldValue{Field: step.RemoteField, Value: res.hashValue()})
	}

	hash, err := ComputeHash(unit.Fingerprint, fields)
	if err != nil {
		sm.fail()
		r.fail(entry, &recordError{Message: "hash", Err: err}, started)
		return
	}
	if !NeedsSync(x, hash) {
		sm.to(StateLogging)
		r.skip(entry, "", started)
		if edgePending {
			r.deferRecord(key, pass, entry, started, sm)
		}
		return
	}
	// The second pass may complete a record the first pass wrote.
	if ok, prev := r.written.Claim(key, ir.DirectionLocalToRemote); !ok && pass == 1 {
		sm.to(StateLogging)
		r.skip(entry, fmt.Sprintf("%s (%s)", reasonAlreadyDone, prev), started)
		return
	}

	sm.to(StateWriting)
	remoteID, err := r.adapter.Upsert(ctx, entityRef(unit), entry.RemoteID, payload)
	if err != nil {
		sm.fail()
		r.fail(entry, err, started)
		return
	}

	sm.to(StateLogging)
	view := viewOf(fields)
	entry.RemoteID = remoteID
	entry.Status = ir.StatusSuccess
	entry.ChangedFields = changedFields(prev, view)
	r.record(ir.Outcome{
		Entry: entry,
		Correlation: &ir.ExternalID{
			ConnectionID:  r.conn.ID,
			LocalType:     unit.LocalType,
			LocalID:       key.ID,
			RemoteEntity:  unit.RemoteEntity,
			RemoteID:      remoteID,
			LastSyncedAt:  r.e.clock.Now(),
			LastDirection: ir.DirectionLocalToRemote,
			LastSyncHash:  hash,
			LastPayload:   view,
		},
	}, started)
	if edgePending {
		r.deferRecord(key, pass, entry, started, sm)
	}
}

// pushDelete propagates a local tombstone.
func (r *run) pushDelete(ctx context.Context, unit *compiler.Unit, key recordKey, x *ir.ExternalID, entry ir.SyncLogEntry, started time.Time, sm *stateMachine) {
	entry.Action = ir.ActionDelete
	if x == nil {
		sm.to(StateLogging)
		r.skip(entry, reasonNeverSynced, started)
		return
	}
	if ok, prev := r.written.Claim(key, ir.DirectionLocalToRemote); !ok {
		sm.to(StateLogging)
		r.skip(entry, fmt.Sprintf("%s (%s)", reasonAlreadyDone, prev), started)
		return
	}
	sm.to(StateWriting)
	if err := r.adapter.Delete(ctx, entityRef(unit), x.RemoteID); err != nil {
		sm.fail()
		r.fail(entry, err, started)
		return
	}
	sm.to(StateLogging)
	entry.Status = ir.StatusSuccess
	r.record(ir.Outcome{Entry: entry, Unlink: x}, started)
}

// deferRecord moves a record to the next pass, or fails it when no pass is
// left. Records deferred after their write only carry an edge over; the
// budget never rejects those because they are deferred from the first pass.
func (r *run) deferRecord(key recordKey, pass int, entry ir.SyncLogEntry, started time.Time, sm *stateMachine) {
	if err := r.budget.Defer(key, pass); err != nil {
		re := err.(*RuntimeError)
		re.ConnectionID = r.conn.ID
		re.RunID = r.report.RunID
		sm.fail()
		r.fail(entry, re, started)
		return
	}
	r.logger.Debug().Str("type", string(key.Type)).Str("local_id", key.ID).Int("pass", pass).Msg("record deferred")
}

// synthesize pushes the related record key ahead of the record that
// references it. It reports whether key is correlated afterwards; false
// means the reference cannot be satisfied in this run.
//
// Concurrent callers for the same key share one synthesis.
func (r *run) synthesize(ctx context.Context, key recordKey) (bool, error) {
	v, err, _ := r.synth.Do(key.String(), func() (any, error) {
		x, err := r.e.store.LookupByLocal(ctx, r.conn.ID, key.Type, key.ID)
		if err != nil || x != nil {
			return x != nil, err
		}
		unit := r.plan.Unit(key.Type)
		if unit == nil || !unit.Outbound() {
			r.logger.Debug().Str("related", key.String()).Msg(reasonNotOutbound)
			return false, nil
		}
		if ok, _ := r.attempted.Claim(key, ir.DirectionLocalToRemote); !ok {
			return false, nil
		}
		rec, err := r.e.local.GetByID(ctx, key.Type, key.ID)
		if err != nil {
			return false, fmt.Errorf("load related %s: %w", key, err)
		}
		if rec == nil {
			return false, nil
		}

		started := r.e.clock.Now()
		r.logger.Debug().Str("related", key.String()).Msg("creating related record first")
		r.push(ctx, unit, rec, 1, true, r.entry(unit, ir.DirectionLocalToRemote, key.ID, ""), started)

		x, err = r.e.store.LookupByLocal(ctx, r.conn.ID, key.Type, key.ID)
		return x != nil, err
	})
	created, _ := v.(bool)
	return created, err
}

// mapOutbound runs the field pipeline of a unit over a local record. It
// returns the remote payload, limited to fields that flow outbound, and the
// hash inputs for every field step. Fields that only flow inbound keep the
// value recorded at the last sync in prev.
func mapOutbound(unit *compiler.Unit, rec entity.Entity, prev ir.Object) (ir.Object, []ir.FieldValue, error) {
	payload := make(ir.Object, len(unit.Fields))
	fields := make([]ir.FieldValue, 0, len(unit.Fields)+len(unit.Relationships))
	for _, step := range unit.Fields {
		if !step.Direction.Allows(ir.DirectionLocalToRemote) {
			fields = append(fields, ir.FieldValue{Field: step.RemoteField, Value: carried(prev, step.RemoteField)})
			continue
		}
		v, err := step.Transform.Apply(ir.DirectionLocalToRemote, step.Accessor.Get(rec))
		if err != nil {
			return nil, nil, &recordError{Field: step.LocalField, Err: err}
		}
		if step.Required && isEmpty(v) {
			return nil, nil, &recordError{Field: step.LocalField, Message: "required field has no value"}
		}
		payload[step.RemoteField] = v
		fields = append(fields, ir.FieldValue{Field: step.RemoteField, Value: v})
	}
	return payload, fields, nil
}
