package harness

import (
	"github.com/roach88/crmsync/internal/ir"
)

// TraceEvent is one sync log entry reduced to the columns that do not
// depend on wall-clock time.
type TraceEvent struct {
	Run           string   `json:"run"`
	Direction     string   `json:"direction"`
	Entity        string   `json:"entity"` // "<LocalType>/<RemoteEntity>"
	LocalID       string   `json:"local_id,omitempty"`
	RemoteID      string   `json:"remote_id,omitempty"`
	Action        string   `json:"action"`
	Status        string   `json:"status"`
	ErrorKind     string   `json:"error_kind,omitempty"`
	Error         string   `json:"error,omitempty"`
	ChangedFields []string `json:"changed_fields,omitempty"`
}

func traceEvent(e ir.SyncLogEntry) TraceEvent {
	return TraceEvent{
		Run:           e.RunID,
		Direction:     string(e.Direction),
		Entity:        string(e.LocalType) + "/" + e.RemoteEntity,
		LocalID:       e.LocalID,
		RemoteID:      e.RemoteID,
		Action:        string(e.Action),
		Status:        string(e.Status),
		ErrorKind:     e.ErrorKind,
		Error:         e.Error,
		ChangedFields: e.ChangedFields,
	}
}

// value converts the event for canonical serialization. Empty columns are
// left out.
func (ev TraceEvent) value() ir.Object {
	obj := ir.Object{
		"run":       ir.String(ev.Run),
		"direction": ir.String(ev.Direction),
		"entity":    ir.String(ev.Entity),
		"action":    ir.String(ev.Action),
		"status":    ir.String(ev.Status),
	}
	optional := map[string]string{
		"local_id":   ev.LocalID,
		"remote_id":  ev.RemoteID,
		"error_kind": ev.ErrorKind,
		"error":      ev.Error,
	}
	for k, v := range optional {
		if v != "" {
			obj[k] = ir.String(v)
		}
	}
	if len(ev.ChangedFields) > 0 {
		fields := make(ir.List, len(ev.ChangedFields))
		for i, f := range ev.ChangedFields {
			fields[i] = ir.String(f)
		}
		obj["changed_fields"] = fields
	}
	return obj
}

// Result is the outcome of one scenario execution.
type Result struct {
	// Pass is false when a step expectation or an assertion failed.
	Pass bool `json:"pass"`

	// Reports holds the report of every run step, in order.
	Reports []*ir.RunReport `json:"reports"`

	// Trace holds the sync log of every run, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors explains every failed expectation and assertion.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}
