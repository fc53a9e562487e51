package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/ir"
	"github.com/roach88/crmsync/internal/source"
)

// AssertionError describes one failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

func (w *env) check(a Assertion, trace []TraceEvent) error {
	switch a.Type {
	case AssertRemoteRecord:
		return w.checkRemote(a)
	case AssertRemoteAbsent:
		if fields, ok := w.remote.Get(a.Entity, a.ID); ok {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("no live %s %s", a.Entity, a.ID), Actual: describe(fields)}
		}
		return nil
	case AssertLocalRecord:
		return w.checkLocal(a)
	case AssertLocalAbsent:
		if e, ok := w.local.Get(a.LocalType, a.ID); ok && !e.Tombstoned() {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("no live %s %s", a.LocalType, a.ID), Actual: "a live record"}
		}
		return nil
	case AssertCorrelated:
		return w.checkCorrelated(a)
	case AssertLogCount:
		got := countEvents(trace, a)
		if got != *a.Count {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%d matching entries", *a.Count), Actual: fmt.Sprintf("%d", got)}
		}
		return nil
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func (w *env) checkRemote(a Assertion) error {
	fields, ok := w.remote.Get(a.Entity, a.ID)
	if !ok {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("live %s %s", a.Entity, a.ID), Actual: "no record"}
	}
	want, err := source.FixtureFields(a.Fields)
	if err != nil {
		return err
	}
	for _, k := range want.SortedKeys() {
		if got := fields[k]; !ir.Equal(got, want[k]) {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s %s %s=%s", a.Entity, a.ID, k, display(want[k])),
				Actual:   display(got),
			}
		}
	}
	return nil
}

func (w *env) checkLocal(a Assertion) error {
	e, ok := w.local.Get(a.LocalType, a.ID)
	if !ok || e.Tombstoned() {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("live %s %s", a.LocalType, a.ID), Actual: "no record"}
	}
	want, err := source.FixtureFields(a.Fields)
	if err != nil {
		return err
	}
	for _, k := range want.SortedKeys() {
		field, ok := entity.Lookup(a.LocalType, k)
		if !ok {
			return fmt.Errorf("%s has no field %s", a.LocalType, k)
		}
		if got := field.Get(e); !ir.Equal(got, want[k]) {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s %s %s=%s", a.LocalType, a.ID, k, display(want[k])),
				Actual:   display(got),
			}
		}
	}
	return nil
}

func (w *env) checkCorrelated(a Assertion) error {
	x, err := w.store.LookupByLocal(w.ctx, w.conn, a.LocalType, a.ID)
	if err != nil {
		return err
	}
	if x == nil {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s %s correlated", a.LocalType, a.ID), Actual: "no correlation"}
	}
	if a.RemoteID != "" && x.RemoteID != a.RemoteID {
		return &AssertionError{Type: a.Type, Expected: "remote id " + a.RemoteID, Actual: x.RemoteID}
	}
	return nil
}

func countEvents(trace []TraceEvent, a Assertion) int {
	n := 0
	for _, ev := range trace {
		switch {
		case a.Run != "" && ev.Run != a.Run:
		case a.Direction != "" && ev.Direction != a.Direction:
		case a.Action != "" && ev.Action != a.Action:
		case a.Status != "" && ev.Status != a.Status:
		case a.Entity != "" && !strings.HasSuffix(ev.Entity, "/"+a.Entity):
		case a.LocalType != "" && !strings.HasPrefix(ev.Entity, string(a.LocalType)+"/"):
		default:
			n++
		}
	}
	return n
}

func display(v ir.Value) string {
	if v == nil || ir.IsNull(v) {
		return "null"
	}
	return fmt.Sprintf("%q", ir.Text(v))
}

func describe(fields ir.Object) string {
	keys := fields.SortedKeys()
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + display(fields[k])
	}
	return "{" + strings.Join(parts, " ") + "}"
}
