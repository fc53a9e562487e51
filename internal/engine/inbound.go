package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/crmsync/internal/compiler"
	"github.com/roach88/crmsync/internal/connector"
	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/ir"
)

// inbound pulls the remote changes of one unit starting at cursor. It
// returns the cursor to persist and whether every page was processed.
//
// The cursor never moves past a page holding a failed record: the next run
// fetches that page again and retries it, while its settled records skip on
// their hash.
func (r *run) inbound(unit *compiler.Unit, cursor string) (string, bool) {
	ref := entityRef(unit)
	held, holding := "", false
	for {
		if r.halted() != "" {
			return cursor, false
		}
		r.publish(StateFetching)
		started := r.e.clock.Now()
		page, err := r.adapter.FetchChanged(r.ctx, ref, cursor)
		if err != nil {
			if r.ctx.Err() != nil {
				return cursor, false
			}
			r.fail(r.entry(unit, ir.DirectionRemoteToLocal, "", ""), err, started)
			return cursor, false
		}

		records := page.Records
		before := r.failures()
		r.forEach(len(records), func(i int) { r.pull(unit, records[i]) })
		if !holding && r.failures() > before {
			held, holding = cursor, true
		}

		if !page.More {
			if page.Cursor != "" {
				cursor = page.Cursor
			}
			if holding {
				r.logger.Debug().Str("unit", string(unit.LocalType)).Str("cursor", held).Msg("cursor held at failed page")
				cursor = held
			}
			return cursor, r.halted() == ""
		}
		if page.Cursor == cursor {
			err := &connector.ValidationError{Op: "fetch " + unit.RemoteEntity, Field: "cursor", Message: "page did not advance the cursor"}
			r.fail(r.entry(unit, ir.DirectionRemoteToLocal, "", ""), err, started)
			return cursor, false
		}
		cursor = page.Cursor
	}
}

// pull applies one remote record to the local side.
func (r *run) pull(unit *compiler.Unit, rec connector.RemoteRecord) {
	started := r.e.clock.Now()
	entry := r.entry(unit, ir.DirectionRemoteToLocal, "", rec.ID)
	if reason := r.halted(); reason != "" {
		r.skip(entry, reason, started)
		return
	}
	ctx := context.WithoutCancel(r.ctx)
	sm := r.machine()

	x, err := r.e.store.LookupByRemote(ctx, r.conn.ID, unit.RemoteEntity, rec.ID)
	if err != nil {
		r.abort(err)
		return
	}
	entry.Action = ir.ActionCreate
	if x != nil {
		entry.LocalID = x.LocalID
		entry.Action = ir.ActionUpdate
		key := recordKey{Type: unit.LocalType, ID: x.LocalID}
		if r.budget.Deferred(key) {
			sm.to(StateLogging)
			r.skip(entry, "local change waits for the second pass", started)
			return
		}
		if ok, prev := r.written.Claim(key, ir.DirectionRemoteToLocal); !ok {
			sm.to(StateLogging)
			r.skip(entry, fmt.Sprintf("%s (%s)", reasonAlreadyDone, prev), started)
			return
		}
	}

	if rec.Deleted {
		r.pullDelete(ctx, unit, x, entry, started, sm)
		return
	}

	eligible, err := unit.Eligible(rec.Fields)
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

	var prev ir.Object
	if x != nil {
		prev = x.LastPayload
	}
	fields := remoteView(unit, rec.Fields, prev)
	hash, err := ComputeHash(unit.Fingerprint, fields)
	if err != nil {
		sm.fail()
		r.fail(entry, &recordError{Message: "hash", Err: err}, started)
		return
	}
	if !NeedsSync(x, hash) {
		sm.to(StateLogging)
		r.skip(entry, "", started)
		return
	}

	local, err := r.localRecord(ctx, unit.LocalType, x)
	if err != nil {
		sm.fail()
		r.fail(entry, err, started)
		return
	}
	if err := mapInbound(unit, rec.Fields, local); err != nil {
		sm.fail()
		r.fail(entry, err, started)
		return
	}

	sm.to(StateResolving)
	for _, step := range unit.Relationships {
		if !step.Direction.Allows(ir.DirectionRemoteToLocal) {
			continue
		}
		id := ""
		if raw := rec.Fields[step.RemoteField]; !isEmpty(raw) {
			rx, err := r.e.store.LookupByRemote(ctx, r.conn.ID, step.RemoteRelatedEntity, ir.Text(raw))
			if err != nil {
				r.abort(err)
				return
			}
			if rx != nil {
				id = rx.LocalID
			}
		}
		if id == "" && !step.SyncNullValues {
			continue
		}
		if err := step.Accessor.Set(local, ir.String(id)); err != nil {
			sm.fail()
			r.fail(entry, &recordError{Field: step.LocalField, Err: err}, started)
			return
		}
	}

	sm.to(StateWriting)
	localID, err := r.e.local.Save(ctx, local)
	if err != nil {
		sm.fail()
		r.fail(entry, fmt.Errorf("save local %s: %w", unit.LocalType, err), started)
		return
	}

	sm.to(StateLogging)
	view := viewOf(fields)
	entry.LocalID = localID
	entry.Status = ir.StatusSuccess
	entry.ChangedFields = changedFields(prev, view)
	r.record(ir.Outcome{
		Entry: entry,
		Correlation: &ir.ExternalID{
			ConnectionID:  r.conn.ID,
			LocalType:     unit.LocalType,
			LocalID:       localID,
			RemoteEntity:  unit.RemoteEntity,
			RemoteID:      rec.ID,
			LastSyncedAt:  r.e.clock.Now(),
			LastDirection: ir.DirectionRemoteToLocal,
			LastSyncHash:  hash,
			LastPayload:   view,
		},
	}, started)
}

// pullDelete propagates a remote deletion.
func (r *run) pullDelete(ctx context.Context, unit *compiler.Unit, x *ir.ExternalID, entry ir.SyncLogEntry, started time.Time, sm *stateMachine) {
	entry.Action = ir.ActionDelete
	if x == nil {
		sm.to(StateLogging)
		r.skip(entry, reasonNeverSynced, started)
		return
	}
	sm.to(StateWriting)
	if err := r.e.local.Delete(ctx, unit.LocalType, x.LocalID); err != nil {
		sm.fail()
		r.fail(entry, fmt.Errorf("delete local %s: %w", unit.LocalType, err), started)
		return
	}
	sm.to(StateLogging)
	entry.Status = ir.StatusSuccess
	r.record(ir.Outcome{Entry: entry, Unlink: x}, started)
}

// localRecord returns a copy of the correlated local record, or a new one.
// A correlated record that no longer exists locally is recreated under its
// old id.
func (r *run) localRecord(ctx context.Context, t ir.EntityType, x *ir.ExternalID) (entity.Entity, error) {
	id := ""
	if x != nil {
		id = x.LocalID
		cur, err := r.e.local.GetByID(ctx, t, id)
		if err != nil {
			return nil, fmt.Errorf("load local %s %s: %w", t, id, err)
		}
		if cur != nil {
			return entity.Clone(cur), nil
		}
	}
	return entity.New(t, id)
}

// remoteView returns the hash inputs of a remote record in the order the
// outbound side uses. Fields that only flow outbound keep the value
// recorded at the last sync in prev; a field missing from the record is
// null.
func remoteView(unit *compiler.Unit, remote, prev ir.Object) []ir.FieldValue {
	fields := make([]ir.FieldValue, 0, len(unit.Fields)+len(unit.Relationships))
	add := func(name string, dir ir.Direction) {
		v := carried(prev, name)
		if dir.Allows(ir.DirectionRemoteToLocal) {
			if v = remote[name]; v == nil {
				v = ir.Null{}
			}
		}
		fields = append(fields, ir.FieldValue{Field: name, Value: v})
	}
	for _, step := range unit.Fields {
		add(step.RemoteField, step.Direction)
	}
	for _, step := range unit.Relationships {
		add(step.RemoteField, step.Direction)
	}
	return fields
}

// mapInbound inverse-transforms the remote values of every inbound field
// step onto local. Fields the remote record does not carry are left alone.
func mapInbound(unit *compiler.Unit, remote ir.Object, local entity.Entity) error {
	for _, step := range unit.Fields {
		if !step.Direction.Allows(ir.DirectionRemoteToLocal) {
			continue
		}
		raw, ok := remote[step.RemoteField]
		if !ok {
			if step.Required {
				return &recordError{Field: step.RemoteField, Message: "required field missing from remote record"}
			}
			continue
		}
		v, err := step.Transform.Apply(ir.DirectionRemoteToLocal, raw)
		if err != nil {
			return &recordError{Field: step.RemoteField, Err: err}
		}
		if step.Required && isEmpty(v) {
			return &recordError{Field: step.RemoteField, Message: "required field has no value"}
		}
		if err := step.Accessor.Set(local, v); err != nil {
			return &recordError{Field: step.LocalField, Err: err}
		}
	}
	return nil
}
