package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/compiler"
	"github.com/roach88/crmsync/internal/connector"
	"github.com/roach88/crmsync/internal/connector/memory"
	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/ir"
	"github.com/roach88/crmsync/internal/source"
	"github.com/roach88/crmsync/internal/store"
	"github.com/roach88/crmsync/internal/testutil"
)

func TestMain(m *testing.M) {
	store.SetMigrationLogger(goose.NopLogger())
	os.Exit(m.Run())
}

const testConnection = "crm-1"

// fixture wires an engine to a real store, an in-memory local side and an
// in-memory CRM.
type fixture struct {
	t      *testing.T
	ctx    context.Context
	clock  *testutil.StepClock
	store  *store.Store
	local  *source.Memory
	remote *memory.Adapter
	sink   *flakySink
	engine *Engine
}

// flakySink fails Save for records failSave matches.
type flakySink struct {
	*source.Memory
	mu       sync.Mutex
	failSave func(e entity.Entity) error
}

func (s *flakySink) FailSave(f func(e entity.Entity) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSave = f
}

func (s *flakySink) Save(ctx context.Context, e entity.Entity) (string, error) {
	s.mu.Lock()
	fail := s.failSave
	s.mu.Unlock()
	if fail != nil {
		if err := fail(e); err != nil {
			return "", err
		}
	}
	return s.Memory.Save(ctx, e)
}

func newFixture(t *testing.T, cfg *ir.ConnectionConfig, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := testutil.NewStepClock()

	st, err := store.Open(filepath.Join(t.TempDir(), "crmsync.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.SaveConnectionConfig(ctx, cfg))

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

	base := []Option{
		WithClock(clock),
		WithRunIDs(NewFixedRunIDs("run-1", "run-2", "run-3", "run-4")),
		WithGuardOptions(connector.WithRetry(2, time.Millisecond, time.Millisecond)),
	}
	sink := &flakySink{Memory: local}
	e := New(st, compiler.NewRegistry(st, nil), hub, sink, append(base, opts...)...)

	return &fixture{t: t, ctx: ctx, clock: clock, store: st, local: local, remote: remote, sink: sink, engine: e}
}

func (f *fixture) run(full bool) *ir.RunReport {
	f.t.Helper()
	report, err := f.engine.Run(f.ctx, testConnection, RunOptions{Full: full})
	require.NoError(f.t, err)
	return report
}

// seed stores a local record as is, stamped with the current clock reading.
func (f *fixture) seed(t ir.EntityType, id string, fields ir.Object) {
	f.seedAt(t, id, f.clock.Now(), fields)
}

func (f *fixture) seedAt(t ir.EntityType, id string, at time.Time, fields ir.Object) {
	f.t.Helper()
	e, err := entity.Build(t, id, at, fields)
	require.NoError(f.t, err)
	f.local.Put(e)
}

// edit changes a local record through the sink, as the application would.
func (f *fixture) edit(t ir.EntityType, id string, fields ir.Object) {
	f.t.Helper()
	e, ok := f.local.Get(t, id)
	require.True(f.t, ok, "local %s %s", t, id)
	for path, v := range fields {
		field, ok := entity.Lookup(t, path)
		require.True(f.t, ok, "field %s", path)
		require.NoError(f.t, field.Set(e, v))
	}
	_, err := f.local.Save(f.ctx, e)
	require.NoError(f.t, err)
}

func (f *fixture) logs(runID string) []ir.SyncLogEntry {
	f.t.Helper()
	entries, err := f.store.ListRunLogs(f.ctx, runID)
	require.NoError(f.t, err)
	return entries
}

func (f *fixture) correlation(t ir.EntityType, id string) *ir.ExternalID {
	f.t.Helper()
	x, err := f.store.LookupByLocal(f.ctx, testConnection, t, id)
	require.NoError(f.t, err)
	return x
}

func (f *fixture) connection() *ir.Connection {
	f.t.Helper()
	c, err := f.store.GetConnection(f.ctx, testConnection)
	require.NoError(f.t, err)
	return c
}

func testConfig(dir ir.Direction, mappings ...ir.EntityMapping) *ir.ConnectionConfig {
	return &ir.ConnectionConfig{
		Connection: ir.Connection{
			ID:        testConnection,
			Name:      "Acme CRM",
			Provider:  "memory",
			Direction: dir,
			Enabled:   true,
		},
		Mappings: mappings,
	}
}

func companyMapping(fields ...ir.FieldMapping) ir.EntityMapping {
	if len(fields) == 0 {
		fields = []ir.FieldMapping{{LocalField: "name", RemoteField: "Name"}}
	}
	return ir.EntityMapping{
		LocalType:     ir.EntityCompany,
		RemoteEntity:  "Account",
		KeyField:      "Id",
		ModifiedField: "LastModifiedDate",
		Enabled:       true,
		Fields:        fields,
	}
}

func userMapping() ir.EntityMapping {
	return ir.EntityMapping{
		LocalType:    ir.EntityUser,
		RemoteEntity: "Contact",
		KeyField:     "Id",
		Enabled:      true,
		Order:        1,
		Fields:       []ir.FieldMapping{{LocalField: "email", RemoteField: "Email"}},
		Relationships: []ir.RelationshipMapping{
			{LocalField: "company_id", RelatedType: ir.EntityCompany, RemoteField: "AccountId", AutoCreate: true},
		},
	}
}

func countBy(entries []ir.SyncLogEntry, action ir.Action, status ir.Status) int {
	n := 0
	for _, e := range entries {
		if e.Action == action && e.Status == status {
			n++
		}
	}
	return n
}

func TestAcmeCreateSkipUpdate(t *testing.T) {
	f := newFixture(t, testConfig(ir.DirectionBidirectional, companyMapping()))
	f.seed(ir.EntityCompany, "42", ir.Object{"name": ir.String("Acme")})

	// Run 1 creates the account; reading it back in the same run is a skip.
	report := f.run(false)
	assert.Equal(t, ir.RunCompleted, report.Status)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Skipped)

	writes := f.remote.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, memory.OpUpsert, writes[0].Op)
	assert.Equal(t, "Account", writes[0].Entity)
	assert.Equal(t, "", writes[0].RemoteID)
	assert.Equal(t, ir.Object{"Name": ir.String("Acme")}, writes[0].Fields)

	x := f.correlation(ir.EntityCompany, "42")
	require.NotNil(t, x)
	assert.Equal(t, "A-1", x.RemoteID)
	assert.Equal(t, ir.DirectionLocalToRemote, x.LastDirection)
	firstHash := x.LastSyncHash

	entries := f.logs("run-1")
	require.Len(t, entries, 2)
	assert.Equal(t, 1, countBy(entries, ir.ActionCreate, ir.StatusSuccess))
	assert.Equal(t, 1, countBy(entries, ir.ActionSkip, ir.StatusSkipped))

	// Run 2 compares everything and writes nothing.
	f.remote.ResetCalls()
	report = f.run(true)
	assert.Equal(t, ir.RunCompleted, report.Status)
	assert.Empty(t, f.remote.Writes())
	assert.Equal(t, 2, report.Skipped)
	entries = f.logs("run-2")
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, ir.ActionSkip, e.Action)
		assert.Equal(t, ir.StatusSkipped, e.Status)
		assert.Empty(t, e.Error, "unchanged records carry no skip reason")
	}
	assert.Equal(t, firstHash, f.correlation(ir.EntityCompany, "42").LastSyncHash)

	// Run 3 pushes the renamed company to the same remote record.
	f.edit(ir.EntityCompany, "42", ir.Object{"name": ir.String("Acme Corp")})
	f.remote.ResetCalls()
	report = f.run(false)
	assert.Equal(t, ir.RunCompleted, report.Status)
	assert.Equal(t, 1, report.Updated)

	writes = f.remote.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "A-1", writes[0].RemoteID)
	assert.Equal(t, ir.Object{"Name": ir.String("Acme Corp")}, writes[0].Fields)

	x = f.correlation(ir.EntityCompany, "42")
	assert.NotEqual(t, firstHash, x.LastSyncHash)
	assert.Equal(t, ir.Object{"Name": ir.String("Acme Corp")}, x.LastPayload)

	entries = f.logs("run-3")
	require.NotEmpty(t, entries)
	assert.Equal(t, ir.ActionUpdate, entries[0].Action)
	assert.Equal(t, []string{"Name"}, entries[0].ChangedFields)
}

func TestIncrementalRunWithoutChangesIsEmpty(t *testing.T) {
	f := newFixture(t, testConfig(ir.DirectionBidirectional, companyMapping()))
	f.seed(ir.EntityCompany, "42", ir.Object{"name": ir.String("Acme")})
	f.run(false)

	f.remote.ResetCalls()
	report := f.run(false)
	assert.Equal(t, ir.RunCompleted, report.Status)
	assert.Empty(t, f.remote.Writes())
	assert.Empty(t, f.logs("run-2"))
}

func TestPartialFailureCompletesWithErrors(t *testing.T) {
	f := newFixture(t, testConfig(ir.DirectionLocalToRemote, companyMapping()))
	for i := 0; i < 10; i++ {
		f.seed(ir.EntityCompany, fmt.Sprintf("c%d", i), ir.Object{"name": ir.String(fmt.Sprintf("Company %d", i))})
	}
	f.remote.FailWith(func(c memory.Call) error {
		if c.Op == memory.OpUpsert && ir.Text(c.Fields["Name"]) == "Company 5" {
			return &connector.ValidationError{Op: "upsert Account", Field: "Name", Message: "duplicate account name"}
		}
		return nil
	})

	report := f.run(false)
	assert.Equal(t, ir.RunCompletedWithErrors, report.Status)
	assert.Equal(t, 9, report.Created)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 9, f.remote.Len("Account"))

	var failed []ir.SyncLogEntry
	for _, e := range f.logs("run-1") {
		if e.Status == ir.StatusFailed {
			failed = append(failed, e)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "c5", failed[0].LocalID)
	assert.Equal(t, "validation", failed[0].ErrorKind)
	assert.Contains(t, failed[0].Error, "duplicate account name")
	assert.Nil(t, f.correlation(ir.EntityCompany, "c5"))

	conn := f.connection()
	assert.True(t, conn.Enabled)
	assert.Zero(t, conn.ConsecutiveFailures)
	assert.False(t, conn.LastSuccessAt.IsZero())
}

func TestFailedRecordIsRetriedByNextIncrementalRun(t *testing.T) {
	f := newFixture(t, testConfig(ir.DirectionLocalToRemote, companyMapping()))
	for i := 0; i < 3; i++ {
		f.seed(ir.EntityCompany, fmt.Sprintf("c%d", i), ir.Object{"name": ir.String(fmt.Sprintf("Company %d", i))})
	}
	f.remote.FailWith(func(c memory.Call) error {
		if c.Op == memory.OpUpsert && ir.Text(c.Fields["Name"]) == "Company 1" {
			return &connector.TransientRemoteError{Op: "upsert Account", Err: fmt.Errorf("503 service unavailable")}
		}
		return nil
	})

	report := f.run(false)
	assert.Equal(t, ir.RunCompletedWithErrors, report.Status)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 1, report.Failed)
	assert.Nil(t, f.correlation(ir.EntityCompany, "c1"))

	// Nothing changed locally; the failed record is still picked up.
	f.remote.FailWith(nil)
	f.remote.ResetCalls()
	report = f.run(false)
	assert.Equal(t, ir.RunCompleted, report.Status)
	assert.Equal(t, 1, report.Created)
	assert.Zero(t, report.Failed)

	writes := f.remote.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, ir.Object{"Name": ir.String("Company 1")}, writes[0].Fields)
	require.NotNil(t, f.correlation(ir.EntityCompany, "c1"))

	// Once it succeeded, the record is no longer a candidate.
	f.remote.ResetCalls()
	report = f.run(false)
	assert.Equal(t, ir.RunCompleted, report.Status)
	assert.Empty(t, f.remote.Writes())
	assert.Empty(t, f.logs("run-3"))
}

func TestFailedDeleteIsRetried(t *testing.T) {
	f := newFixture(t, testConfig(ir.DirectionLocalToRemote, companyMapping()))
	f.seed(ir.EntityCompany, "42", ir.Object{"name": ir.String("Acme")})
	f.run(false)
	require.NoError(t, f.local.Delete(f.ctx, ir.EntityCompany, "42"))

	f.remote.FailWith(func(c memory.Call) error {
		if c.Op == memory.OpDelete {
			return &connector.ValidationError{Op: "delete Account", Message: "record is locked"}
		}
		return nil
	})
	report := f.run(false)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, f.remote.Len("Account"))

	f.remote.FailWith(nil)
	report = f.run(false)
	assert.Equal(t, 1, report.Deleted)
	assert.Zero(t, f.remote.Len("Account"))
	assert.Nil(t, f.correlation(ir.EntityCompany, "42"))
}

func TestInboundCursorHeldAtFailedPage(t *testing.T) {
	f := newFixture(t, testConfig(ir.DirectionRemoteToLocal, companyMapping()))
	f.remote.PageSize = 2
	for i := 1; i <= 4; i++ {
		f.remote.Put("Account", fmt.Sprintf("X-%d", i), ir.Object{"Name": ir.String(fmt.Sprintf("Remote %d", i))})
	}
	f.sink.FailSave(func(e entity.Entity) error {
		if e.(*entity.Company).Name == "Remote 3" {
			return fmt.Errorf("disk full")
		}
		return nil
	})

	report := f.run(false)
	assert.Equal(t, ir.RunCompletedWithErrors, report.Status)
	assert.Equal(t, 3, report.Created)
	assert.Equal(t, 1, report.Failed)

	// The cursor stays before the page holding X-3.
	cursor, err := f.store.GetCursor(f.ctx, testConnection, "Account")
	require.NoError(t, err)
	assert.Equal(t, "2", cursor.Value)

	f.sink.FailSave(nil)
	report = f.run(false)
	assert.Equal(t, ir.RunCompleted, report.Status)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 4, f.local.Len(ir.EntityCompany))

	cursor, err = f.store.GetCursor(f.ctx, testConnection, "Account")
	require.NoError(t, err)
	assert.Equal(t, "4", cursor.Value)
}

func TestDirectionPolicy(t *testing.T) {
	t.Run("remote to local mapping never writes remote", func(t *testing.T) {
		m := companyMapping()
		m.Direction = ir.DirectionRemoteToLocal
		f := newFixture(t, testConfig(ir.DirectionBidirectional, m))
		f.seed(ir.EntityCompany, "42", ir.Object{"name": ir.String("Local Co")})
		f.remote.Put("Account", "X-1", ir.Object{"Name": ir.String("Remote Co")})

		report := f.run(false)
		assert.Equal(t, ir.RunCompleted, report.Status)
		assert.Empty(t, f.remote.Writes())
		assert.Equal(t, 1, report.Created)
		assert.Equal(t, 2, f.local.Len(ir.EntityCompany))
		assert.Nil(t, f.correlation(ir.EntityCompany, "42"))
	})

	t.Run("local to remote connection never fetches", func(t *testing.T) {
		f := newFixture(t, testConfig(ir.DirectionLocalToRemote, companyMapping()))
		f.seed(ir.EntityCompany, "42", ir.Object{"name": ir.String("Local Co")})
		f.remote.Put("Account", "X-1", ir.Object{"Name": ir.String("Remote Co")})

		report := f.run(false)
		assert.Equal(t, 1, report.Created)
		assert.Equal(t, 1, f.local.Len(ir.EntityCompany))
		for _, c := range f.remote.Calls() {
			assert.NotEqual(t, memory.OpFetch, c.Op)
		}
	})

	t.Run("field direction limits the payload", func(t *testing.T) {
		m := companyMapping(
			ir.FieldMapping{LocalField: "name", RemoteField: "Name"},
			ir.FieldMapping{LocalField: "industry", RemoteField: "Industry", Direction: ir.DirectionRemoteToLocal, Order: 1},
		)
		f := newFixture(t, testConfig(ir.DirectionBidirectional, m))
		f.seed(ir.EntityCompany, "42", ir.Object{"name": ir.String("Acme"), "industry": ir.String("Retail")})

		f.run(false)
		writes := f.remote.Writes()
		require.Len(t, writes, 1)
		assert.Equal(t, ir.Object{"Name": ir.String("Acme")}, writes[0].Fields)

		// The remote side never carries Industry; that is not a change.
		f.remote.ResetCalls()
		report := f.run(true)
		assert.Empty(t, f.remote.Writes())
		assert.Zero(t, report.Updated)
	})
}

func TestInboundCreateUpdateDelete(t *testing.T) {
	f := newFixture(t, testConfig(ir.DirectionBidirectional, companyMapping(
		ir.FieldMapping{LocalField: "name", RemoteField: "Name"},
		ir.FieldMapping{LocalField: "industry", RemoteField: "Industry", Order: 1},
	)))
	f.remote.Put("Account", "X-1", ir.Object{"Name": ir.String("Remote Co"), "Industry": ir.String("Retail")})

	report := f.run(false)
	assert.Equal(t, 1, report.Created)
	assert.Empty(t, f.remote.Writes())

	got, ok := f.local.Get(ir.EntityCompany, "local-1")
	require.True(t, ok)
	assert.Equal(t, "Remote Co", got.(*entity.Company).Name)
	assert.Equal(t, "Retail", got.(*entity.Company).Industry)
	x := f.correlation(ir.EntityCompany, "local-1")
	require.NotNil(t, x)
	assert.Equal(t, "X-1", x.RemoteID)
	assert.Equal(t, ir.DirectionRemoteToLocal, x.LastDirection)

	// The local record written by run 1 is an outbound candidate of run 2,
	// but its hash matches, so nothing is pushed back.
	f.remote.Put("Account", "X-1", ir.Object{"Name": ir.String("Remote Co"), "Industry": ir.String("Finance")})
	report = f.run(false)
	assert.Equal(t, 1, report.Updated)
	assert.Empty(t, f.remote.Writes())
	got, _ = f.local.Get(ir.EntityCompany, "local-1")
	assert.Equal(t, "Finance", got.(*entity.Company).Industry)

	f.remote.Remove("Account", "X-1")
	report = f.run(false)
	assert.Equal(t, 1, report.Deleted)
	got, _ = f.local.Get(ir.EntityCompany, "local-1")
	assert.True(t, got.Tombstoned())
	assert.Nil(t, f.correlation(ir.EntityCompany, "local-1"))
}

func TestInboundResolvesReferences(t *testing.T) {
	f := newFixture(t, testConfig(ir.DirectionBidirectional, companyMapping(), userMapping()))
	f.remote.Put("Account", "X-1", ir.Object{"Name": ir.String("Remote Co")})
	f.remote.Put("Contact", "Y-1", ir.Object{"Email": ir.String("ann@remote.example"), "AccountId": ir.String("X-1")})

	report := f.run(false)
	assert.Equal(t, ir.RunCompleted, report.Status)
	assert.Equal(t, 2, report.Created)

	user, ok := f.local.Get(ir.EntityUser, "local-2")
	require.True(t, ok)
	assert.Equal(t, "ann@remote.example", user.(*entity.User).Email)
	assert.Equal(t, "local-1", user.(*entity.User).CompanyID)
}

func TestOutboundDelete(t *testing.T) {
	f := newFixture(t, testConfig(ir.DirectionBidirectional, companyMapping()))
	f.seed(ir.EntityCompany, "42", ir.Object{"name": ir.String("Acme")})
	f.run(false)

	require.NoError(t, f.local.Delete(f.ctx, ir.EntityCompany, "42"))
	f.remote.ResetCalls()
	report := f.run(false)
	assert.Equal(t, 1, report.Deleted)

	writes := f.remote.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, memory.OpDelete, writes[0].Op)
	assert.Equal(t, "A-1", writes[0].RemoteID)
	_, live := f.remote.Get("Account", "A-1")
	assert.False(t, live)
	assert.Nil(t, f.correlation(ir.EntityCompany, "42"))
}

func TestFilterAndRequiredFields(t *testing.T) {
	m := companyMapping(ir.FieldMapping{LocalField: "name", RemoteField: "Name", Required: true})
	m.Filter = `Name != "Internal"`
	f := newFixture(t, testConfig(ir.DirectionLocalToRemote, m))
	f.seed(ir.EntityCompany, "1", ir.Object{"name": ir.String("Internal")})
	f.seed(ir.EntityCompany, "2", ir.Object{})
	f.seed(ir.EntityCompany, "3", ir.Object{"name": ir.String("Acme")})

	report := f.run(false)
	assert.Equal(t, ir.RunCompletedWithErrors, report.Status)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Failed)

	byID := make(map[string]ir.SyncLogEntry)
	for _, e := range f.logs("run-1") {
		byID[e.LocalID] = e
	}
	assert.Equal(t, reasonFiltered, byID["1"].Error)
	assert.Equal(t, ir.StatusFailed, byID["2"].Status)
	assert.Equal(t, "validation", byID["2"].ErrorKind)
	assert.Equal(t, ir.StatusSuccess, byID["3"].Status)
}

func TestDependencyOrder(t *testing.T) {
	f := newFixture(t, testConfig(ir.DirectionLocalToRemote, userMapping(), companyMapping()))
	f.seed(ir.EntityUser, "u1", ir.Object{"email": ir.String("ann@acme.example"), "company_id": ir.String("7")})
	f.seed(ir.EntityCompany, "7", ir.Object{"name": ir.String("Acme")})

	report := f.run(false)
	assert.Equal(t, ir.RunCompleted, report.Status)
	assert.Equal(t, 2, report.Created)
	assert.Zero(t, report.Deferred)

	writes := f.remote.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, "Account", writes[0].Entity)
	assert.Equal(t, "Contact", writes[1].Entity)
	assert.Equal(t, ir.String("A-1"), writes[1].Fields["AccountId"])
}

func TestAutoCreateRelatedRecordFirst(t *testing.T) {
	f := newFixture(t, testConfig(ir.DirectionLocalToRemote, companyMapping(), userMapping()))
	f.run(false)

	// The company predates the watermark, so only the user is a candidate.
	f.seedAt(ir.EntityCompany, "7", testutil.DefaultEpoch.Add(-time.Hour), ir.Object{"name": ir.String("Acme")})
	f.seed(ir.EntityUser, "u1", ir.Object{"email": ir.String("ann@acme.example"), "company_id": ir.String("7")})

	report := f.run(false)
	assert.Equal(t, ir.RunCompleted, report.Status)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 1, report.Deferred)

	writes := f.remote.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, "Account", writes[0].Entity)
	assert.Equal(t, "Contact", writes[1].Entity)
	assert.Equal(t, ir.String("A-1"), writes[1].Fields["AccountId"])
	require.NotNil(t, f.correlation(ir.EntityCompany, "7"))
	require.NotNil(t, f.correlation(ir.EntityUser, "u1"))
}

func TestMissingReferenceWithoutAutoCreate(t *testing.T) {
	users := userMapping()
	users.Relationships[0].AutoCreate = false
	users.Relationships[0].SyncNullValues = true
	f := newFixture(t, testConfig(ir.DirectionLocalToRemote, companyMapping(), users))
	f.run(false)
	f.seedAt(ir.EntityCompany, "7", testutil.DefaultEpoch.Add(-time.Hour), ir.Object{"name": ir.String("Acme")})
	f.seed(ir.EntityUser, "u1", ir.Object{"email": ir.String("ann@acme.example"), "company_id": ir.String("7")})

	report := f.run(false)
	assert.Equal(t, 1, report.Created)
	writes := f.remote.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, ir.Object{"Email": ir.String("ann@acme.example"), "AccountId": ir.Null{}}, writes[0].Fields)
}

func TestToleratedCycleCompletesInSecondPass(t *testing.T) {
	companies := companyMapping()
	companies.Relationships = []ir.RelationshipMapping{
		{LocalField: "primary_contact_id", RelatedType: ir.EntityUser, RemoteField: "PrimaryContactId"},
	}
	f := newFixture(t, testConfig(ir.DirectionBidirectional, companies, userMapping()), WithWorkers(1))
	f.seed(ir.EntityCompany, "7", ir.Object{"name": ir.String("Acme"), "primary_contact_id": ir.String("u1")})
	f.seed(ir.EntityUser, "u1", ir.Object{"email": ir.String("ann@acme.example"), "company_id": ir.String("7")})

	report := f.run(false)
	assert.Equal(t, ir.RunCompleted, report.Status)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.Deferred)

	writes := f.remote.Writes()
	require.Len(t, writes, 3)
	assert.Equal(t, ir.Object{"Name": ir.String("Acme")}, writes[0].Fields)
	assert.Equal(t, ir.Object{"Email": ir.String("ann@acme.example"), "AccountId": ir.String("A-1")}, writes[1].Fields)
	assert.Equal(t, "A-1", writes[2].RemoteID)
	assert.Equal(t, ir.String("C-1"), writes[2].Fields["PrimaryContactId"])

	// Nothing is left over for the next run.
	f.remote.ResetCalls()
	f.run(true)
	assert.Empty(t, f.remote.Writes())
}

func TestMappingChangeResyncs(t *testing.T) {
	industry := func(code string) ir.FieldMapping {
		return ir.FieldMapping{
			LocalField:      "industry",
			RemoteField:     "Industry",
			Transform:       "enum_map",
			TransformConfig: []byte(fmt.Sprintf(`{"values":{"tech":%q}}`, code)),
			Order:           1,
		}
	}
	name := ir.FieldMapping{LocalField: "name", RemoteField: "Name"}
	cfg := testConfig(ir.DirectionBidirectional, companyMapping(name, industry("Technology")))
	f := newFixture(t, cfg)
	f.seed(ir.EntityCompany, "42", ir.Object{"name": ir.String("Acme"), "industry": ir.String("tech")})

	f.run(false)
	writes := f.remote.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, ir.String("Technology"), writes[0].Fields["Industry"])
	before := f.correlation(ir.EntityCompany, "42").LastSyncHash

	cfg.Mappings = []ir.EntityMapping{companyMapping(name, industry("TECH"))}
	require.NoError(t, f.store.SaveConnectionConfig(f.ctx, cfg))

	f.remote.ResetCalls()
	report := f.run(false)
	assert.Equal(t, ir.RunCompleted, report.Status)
	assert.Equal(t, 1, report.Updated)
	writes = f.remote.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "A-1", writes[0].RemoteID)
	assert.Equal(t, ir.String("TECH"), writes[0].Fields["Industry"])
	assert.NotEqual(t, before, f.correlation(ir.EntityCompany, "42").LastSyncHash)
}

func TestUnmappedEnumValueFailsRecord(t *testing.T) {
	f := newFixture(t, testConfig(ir.DirectionLocalToRemote, companyMapping(
		ir.FieldMapping{LocalField: "name", RemoteField: "Name"},
		ir.FieldMapping{
			LocalField:      "industry",
			RemoteField:     "Industry",
			Transform:       "enum_map",
			TransformConfig: []byte(`{"values":{"tech":"Technology"}}`),
			Order:           1,
		},
	)))
	f.seed(ir.EntityCompany, "42", ir.Object{"name": ir.String("Acme"), "industry": ir.String("mining")})

	report := f.run(false)
	assert.Equal(t, ir.RunCompletedWithErrors, report.Status)
	entries := f.logs("run-1")
	require.Len(t, entries, 1)
	assert.Equal(t, "unmapped_value", entries[0].ErrorKind)
}

func TestCancelSkipsRemainingRecords(t *testing.T) {
	f := newFixture(t, testConfig(ir.DirectionBidirectional, companyMapping()), WithWorkers(1))
	for i := 0; i < 3; i++ {
		f.seed(ir.EntityCompany, fmt.Sprintf("c%d", i), ir.Object{"name": ir.String(fmt.Sprintf("Company %d", i))})
	}
	var once sync.Once
	f.remote.FailWith(func(c memory.Call) error {
		if c.Op == memory.OpUpsert {
			once.Do(func() { assert.NoError(t, f.engine.Cancel(testConnection)) })
		}
		return nil
	})

	report := f.run(false)
	assert.Equal(t, ir.RunCancelled, report.Status)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 2, report.Skipped)
	for _, e := range f.logs("run-1") {
		if e.Status == ir.StatusSkipped {
			assert.Equal(t, reasonCancelled, e.Error)
		}
	}

	// The in-flight write was kept, and health is untouched.
	assert.NotNil(t, f.correlation(ir.EntityCompany, "c0"))
	conn := f.connection()
	assert.True(t, conn.LastSuccessAt.IsZero())
	assert.Zero(t, conn.ConsecutiveFailures)

	// Nothing was fetched, so the cursor stays unset.
	cursor, err := f.store.GetCursor(f.ctx, testConnection, "Account")
	require.NoError(t, err)
	assert.Empty(t, cursor.Fingerprint)
}

func TestCancelWithoutActiveRun(t *testing.T) {
	f := newFixture(t, testConfig(ir.DirectionBidirectional, companyMapping()))
	err := f.engine.Cancel(testConnection)
	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeNoActiveRun, re.Code)
}

func TestUnreachableEndpointAbortsAndDisables(t *testing.T) {
	f := newFixture(t, testConfig(ir.DirectionBidirectional, companyMapping()),
		WithWorkers(1), WithFailureThreshold(2))
	for i := 0; i < 3; i++ {
		f.seed(ir.EntityCompany, fmt.Sprintf("c%d", i), ir.Object{"name": ir.String(fmt.Sprintf("Company %d", i))})
	}
	f.remote.FailWith(func(c memory.Call) error {
		return &connector.TransientRemoteError{Op: string(c.Op), Err: fmt.Errorf("connection refused"), Unreachable: true}
	})

	report := f.run(false)
	assert.Equal(t, ir.RunAborted, report.Status)
	assert.Contains(t, report.Error, "unreachable")
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.Skipped)

	conn := f.connection()
	assert.True(t, conn.Enabled)
	assert.Equal(t, 1, conn.ConsecutiveFailures)
	assert.NotEmpty(t, conn.LastSyncError)

	report = f.run(false)
	assert.Equal(t, ir.RunAborted, report.Status)
	conn = f.connection()
	assert.False(t, conn.Enabled)
	assert.Equal(t, 2, conn.ConsecutiveFailures)

	_, err := f.engine.Run(f.ctx, testConnection, RunOptions{})
	assert.True(t, IsConnectionDisabled(err))

	stored, err := f.store.GetRun(f.ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, ir.RunAborted, stored.Status)
}

type fakeRefresher struct {
	calls atomic.Int32
}

func (r *fakeRefresher) Refresh(_ context.Context, c ir.Credentials) (ir.Credentials, error) {
	r.calls.Add(1)
	c.AccessToken = "fresh"
	return c, nil
}

func oauthConfig() *ir.ConnectionConfig {
	cfg := testConfig(ir.DirectionLocalToRemote, companyMapping())
	cfg.Connection.Credentials = ir.Credentials{
		Kind:         ir.CredentialOAuth,
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		TokenURL:     "https://auth.example/token",
		ClientID:     "crmsync",
	}
	return cfg
}

func TestExpiredCredentialsAreRefreshedOnce(t *testing.T) {
	refresher := &fakeRefresher{}
	f := newFixture(t, oauthConfig(), WithRefresher(refresher))
	f.remote.RequireToken("fresh")
	f.seed(ir.EntityCompany, "42", ir.Object{"name": ir.String("Acme")})

	report := f.run(false)
	assert.Equal(t, ir.RunCompleted, report.Status)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, int32(1), refresher.calls.Load())
	assert.Equal(t, "fresh", f.connection().Credentials.AccessToken)
}

func TestRejectedCredentialsWithoutRefreshAbort(t *testing.T) {
	f := newFixture(t, oauthConfig())
	f.remote.RequireToken("fresh")
	f.seed(ir.EntityCompany, "42", ir.Object{"name": ir.String("Acme")})

	report := f.run(false)
	assert.Equal(t, ir.RunAborted, report.Status)
	entries := f.logs("run-1")
	require.Len(t, entries, 1)
	assert.Equal(t, "auth_expired", entries[0].ErrorKind)
}

func TestConcurrentTriggerIsDropped(t *testing.T) {
	f := newFixture(t, testConfig(ir.DirectionLocalToRemote, companyMapping()))
	f.seed(ir.EntityCompany, "42", ir.Object{"name": ir.String("Acme")})

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.remote.FailWith(func(c memory.Call) error {
		if c.Op == memory.OpUpsert {
			once.Do(func() { close(started) })
			<-release
		}
		return nil
	})

	runID, err := f.engine.Trigger(f.ctx, testConnection, RunOptions{})
	require.NoError(t, err)
	<-started

	_, err = f.engine.Trigger(f.ctx, testConnection, RunOptions{})
	assert.True(t, IsRunInProgress(err))
	_, err = f.engine.Run(f.ctx, testConnection, RunOptions{})
	assert.True(t, IsRunInProgress(err))

	active := f.engine.Active()
	require.Len(t, active, 1)
	assert.Equal(t, runID, active[0].RunID)
	assert.Equal(t, StateWriting, active[0].State)

	close(release)
	f.engine.Wait()
	assert.Empty(t, f.engine.Active())

	stored, err := f.store.GetRun(f.ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, ir.RunCompleted, stored.Status)
	assert.Equal(t, 1, stored.Created)
}

func TestInvalidConfigurationDoesNotStart(t *testing.T) {
	f := newFixture(t, testConfig(ir.DirectionBidirectional, companyMapping(
		ir.FieldMapping{LocalField: "name", RemoteField: "Name", Transform: "soundex"},
	)))
	_, err := f.engine.Run(f.ctx, testConnection, RunOptions{})
	assert.True(t, compiler.IsConfigurationError(err))

	runs, err := f.store.ListRuns(f.ctx, testConnection, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunsOfDifferentConnectionsAreIndependent(t *testing.T) {
	f := newFixture(t, testConfig(ir.DirectionLocalToRemote, companyMapping()), WithRunIDs(UUIDRunIDs{}))
	other := testConfig(ir.DirectionLocalToRemote, companyMapping())
	other.Connection.ID = "crm-2"
	require.NoError(t, f.store.SaveConnectionConfig(f.ctx, other))
	f.seed(ir.EntityCompany, "42", ir.Object{"name": ir.String("Acme")})

	var wg sync.WaitGroup
	reports := make([]*ir.RunReport, 2)
	for i, id := range []string{testConnection, "crm-2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.engine.Run(f.ctx, id, RunOptions{})
			assert.NoError(t, err)
			reports[i] = r
		}()
	}
	wg.Wait()

	for _, r := range reports {
		require.NotNil(t, r)
		assert.Equal(t, ir.RunCompleted, r.Status)
		assert.Equal(t, 1, r.Created)
	}
	x, err := f.store.LookupByLocal(f.ctx, "crm-2", ir.EntityCompany, "42")
	require.NoError(t, err)
	require.NotNil(t, x)
}
