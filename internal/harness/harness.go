package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/crmsync/internal/compiler"
	"github.com/roach88/crmsync/internal/connector"
	"github.com/roach88/crmsync/internal/connector/memory"
	"github.com/roach88/crmsync/internal/engine"
	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/ir"
	"github.com/roach88/crmsync/internal/source"
	"github.com/roach88/crmsync/internal/store"
	"github.com/roach88/crmsync/internal/testutil"
)

// maxRuns bounds the run steps of one scenario.
const maxRuns = 16

// env is the world one scenario executes in.
type env struct {
	ctx    context.Context
	conn   string
	clock  *testutil.StepClock
	store  *store.Store
	local  *source.Memory
	remote *memory.Adapter
	engine *engine.Engine
}

// Run executes a scenario against a fresh in-memory store, local side and
// CRM. The returned error reports a scenario that could not be executed;
// failed expectations and assertions are recorded in the Result instead.
func Run(s *Scenario) (*Result, error) {
	return RunContext(context.Background(), s)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, s *Scenario) (*Result, error) {
	if err := Validate(s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	w, err := setup(ctx, s)
	if err != nil {
		return nil, err
	}
	defer w.store.Close()

	result := NewResult()
	for i, step := range s.Steps {
		if err := w.step(i, step, result); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := w.check(a, result.Trace); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return result, nil
}

func setup(ctx context.Context, s *Scenario) (*env, error) {
	cfg, err := connectionConfig(s)
	if err != nil {
		return nil, err
	}

	clock := testutil.NewStepClock()
	st, err := store.Open(":memory:", store.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.SaveConnectionConfig(ctx, cfg); err != nil {
		st.Close()
		return nil, fmt.Errorf("save connection %s: %w", cfg.Connection.ID, err)
	}

	var n int
	local := source.NewMemory(
		source.WithClock(clock.Now),
		source.WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("local-%d", n)
		}),
	)
	hub := memory.NewHub()
	remote := hub.Adapter(cfg.Connection.ID)
	remote.SetClock(clock.Now)

	runIDs := make([]string, maxRuns)
	for i := range runIDs {
		runIDs[i] = fmt.Sprintf("run-%d", i+1)
	}
	eng := engine.New(st, compiler.NewRegistry(st, nil), hub, local,
		engine.WithClock(clock),
		engine.WithRunIDs(engine.NewFixedRunIDs(runIDs...)),
		engine.WithWorkers(1),
		engine.WithLogger(zerolog.Nop()),
		engine.WithGuardOptions(connector.WithRetry(1, time.Millisecond, time.Millisecond)),
	)

	w := &env{ctx: ctx, conn: cfg.Connection.ID, clock: clock, store: st, local: local, remote: remote, engine: eng}
	for i, rec := range s.Local {
		if err := w.putLocal(rec); err != nil {
			st.Close()
			return nil, fmt.Errorf("local[%d]: %w", i, err)
		}
	}
	for i, rec := range s.Remote {
		if err := w.putRemote(rec); err != nil {
			st.Close()
			return nil, fmt.Errorf("remote[%d]: %w", i, err)
		}
	}
	return w, nil
}

// connectionConfig loads the scenario's connection from its config
// directory.
func connectionConfig(s *Scenario) (*ir.ConnectionConfig, error) {
	loaded, errs := compiler.LoadDir(s.Config, compiler.LoadModeFailFast)
	if len(errs) > 0 {
		return nil, fmt.Errorf("load config: %w", errors.Join(errs...))
	}
	conns := loaded.Connections
	if s.Connection == "" {
		if len(conns) != 1 {
			return nil, fmt.Errorf("config defines %d connections; name one", len(conns))
		}
		return &conns[0], nil
	}
	for i := range conns {
		if conns[i].Connection.ID == s.Connection {
			return &conns[i], nil
		}
	}
	return nil, fmt.Errorf("connection %q not found in %s", s.Connection, s.Config)
}

func (w *env) step(i int, step Step, result *Result) error {
	switch {
	case step.Run != nil:
		return w.run(i, step, result)
	case step.PutLocal != nil:
		return w.putLocal(*step.PutLocal)
	case step.DeleteLocal != nil:
		return w.local.Delete(w.ctx, step.DeleteLocal.Type, step.DeleteLocal.ID)
	case step.PutRemote != nil:
		return w.putRemote(*step.PutRemote)
	case step.RemoveRemote != nil:
		w.remote.Remove(step.RemoveRemote.Entity, step.RemoveRemote.ID)
		return nil
	}
	return fmt.Errorf("no action")
}

func (w *env) run(i int, step Step, result *Result) error {
	report, err := w.engine.Run(w.ctx, w.conn, engine.RunOptions{Full: step.Run.Full})
	if err != nil {
		return err
	}
	result.Reports = append(result.Reports, report)

	entries, err := w.store.ListRunLogs(w.ctx, report.RunID)
	if err != nil {
		return fmt.Errorf("list logs of %s: %w", report.RunID, err)
	}
	for _, e := range entries {
		result.Trace = append(result.Trace, traceEvent(e))
	}

	if step.Expect != nil {
		for _, msg := range step.Expect.mismatches(report) {
			result.AddError(fmt.Sprintf("steps[%d] (%s): %s", i, report.RunID, msg))
		}
	}
	return nil
}

// putLocal stores a local record as is. A record without a timestamp is
// stamped with the scenario clock.
func (w *env) putLocal(rec source.FixtureRecord) error {
	e, err := rec.Entity()
	if err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		entity.Touch(e, w.clock.Now(), rec.Deleted)
	}
	w.local.Put(e)
	return nil
}

func (w *env) putRemote(rec RemoteRecord) error {
	fields, err := rec.object()
	if err != nil {
		return err
	}
	w.remote.Put(rec.Entity, rec.ID, fields)
	return nil
}

// mismatches lists every counter of r that differs from x.
func (x *Expect) mismatches(r *ir.RunReport) []string {
	var out []string
	if x.Status != "" && x.Status != r.Status {
		msg := fmt.Sprintf("status: expected %s, got %s", x.Status, r.Status)
		if r.Error != "" {
			msg += " (" + r.Error + ")"
		}
		out = append(out, msg)
	}
	counters := []struct {
		name string
		want *int
		got  int
	}{
		{"created", x.Created, r.Created},
		{"updated", x.Updated, r.Updated},
		{"deleted", x.Deleted, r.Deleted},
		{"skipped", x.Skipped, r.Skipped},
		{"failed", x.Failed, r.Failed},
	}
	for _, c := range counters {
		if c.want != nil && *c.want != c.got {
			out = append(out, fmt.Sprintf("%s: expected %d, got %d", c.name, *c.want, c.got))
		}
	}
	return out
}
