package engine

import (
	"sort"

	"github.com/roach88/crmsync/internal/ir"
)

// ComputeHash digests the mapped field values of one record, in mapping
// order, under the fingerprint of the unit that produced them.
//
// Values are in remote representation for both directions: the outbound
// side hashes the transformed local values, the inbound side hashes the
// remote values as read. A record pushed in one run and read back in the
// next therefore hashes the same, and is skipped.
//
// A field that does not flow in the direction being compared contributes
// the value recorded at the last sync, so a one-way field never makes the
// two sides disagree.
//
// Empty strings hash as null. Remote systems commonly drop empty fields.
func ComputeHash(fingerprint string, fields []ir.FieldValue) (string, error) {
	normalized := make([]ir.FieldValue, len(fields))
	for i, f := range fields {
		v := f.Value
		if s, ok := v.(ir.String); ok && s == "" {
			v = ir.Null{}
		}
		normalized[i] = ir.FieldValue{Field: f.Field, Value: v}
	}
	return ir.ContentHash(fingerprint, normalized)
}

// NeedsSync reports whether a record with digest must be written. It must
// when it was never synced, or when its digest differs from the one stored
// with its correlation.
func NeedsSync(x *ir.ExternalID, digest string) bool {
	return x == nil || x.LastSyncHash != digest
}

// changedFields lists the keys whose values differ between two payloads,
// sorted. A nil previous payload reports every key of next.
func changedFields(prev, next ir.Object) []string {
	seen := make(map[string]bool, len(next))
	var out []string
	for k, v := range next {
		seen[k] = true
		old, ok := prev[k]
		if !ok || !ir.Equal(old, v) {
			if ok || !ir.IsNull(v) || prev == nil {
				out = append(out, k)
			}
		}
	}
	for k, v := range prev {
		if !seen[k] && !ir.IsNull(v) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// carried returns the value a field had at the last sync.
func carried(prev ir.Object, field string) ir.Value {
	if v, ok := prev[field]; ok && v != nil {
		return v
	}
	return ir.Null{}
}

// viewOf is the remote-side view of a record recorded with its
// correlation. Null fields are left out.
func viewOf(fields []ir.FieldValue) ir.Object {
	out := make(ir.Object, len(fields))
	for _, f := range fields {
		if !ir.IsNull(f.Value) {
			out[f.Field] = f.Value
		}
	}
	return out
}
