package store

import (
	"context"
	"errors"
	"testing"

	"github.com/roach88/crmsync/internal/ir"
)

func TestLookup_Missing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	saveTestConfig(t, s, "acme")

	x, err := s.LookupByLocal(ctx, "acme", ir.EntityCompany, "c1")
	if err != nil || x != nil {
		t.Errorf("LookupByLocal() = %v, %v; want nil, nil", x, err)
	}
	x, err = s.LookupByRemote(ctx, "acme", "Account", "A-1")
	if err != nil || x != nil {
		t.Errorf("LookupByRemote() = %v, %v; want nil, nil", x, err)
	}
}

func TestInsertExternalID_LookupBothSides(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	saveTestConfig(t, s, "acme")

	want := createTestExternalID("acme", "c1", "A-1")
	if err := s.InsertExternalID(ctx, want); err != nil {
		t.Fatalf("InsertExternalID() failed: %v", err)
	}

	byLocal, err := s.LookupByLocal(ctx, "acme", ir.EntityCompany, "c1")
	if err != nil || byLocal == nil {
		t.Fatalf("LookupByLocal() = %v, %v", byLocal, err)
	}
	byRemote, err := s.LookupByRemote(ctx, "acme", "Account", "A-1")
	if err != nil || byRemote == nil {
		t.Fatalf("LookupByRemote() = %v, %v", byRemote, err)
	}

	for _, got := range []*ir.ExternalID{byLocal, byRemote} {
		if got.RemoteID != "A-1" || got.LocalID != "c1" || got.LastSyncHash != "hash-c1" {
			t.Errorf("correlation = %+v", got)
		}
		if !got.LastSyncedAt.Equal(testNow) {
			t.Errorf("LastSyncedAt = %v, want %v", got.LastSyncedAt, testNow)
		}
		if !ir.Equal(got.LastPayload, want.LastPayload) {
			t.Errorf("LastPayload = %v", got.LastPayload)
		}
	}
}

func TestInsertExternalID_UniqueBothSides(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	saveTestConfig(t, s, "acme")
	saveTestConfig(t, s, "other")

	if err := s.InsertExternalID(ctx, createTestExternalID("acme", "c1", "A-1")); err != nil {
		t.Fatalf("InsertExternalID() failed: %v", err)
	}

	tests := []struct {
		name string
		x    ir.ExternalID
	}{
		{"same local record, second remote", createTestExternalID("acme", "c1", "A-2")},
		{"same remote record, second local", createTestExternalID("acme", "c2", "A-1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.InsertExternalID(ctx, tt.x)
			if !errors.Is(err, ErrDuplicateCorrelation) {
				t.Errorf("error = %v, want ErrDuplicateCorrelation", err)
			}
		})
	}

	// Uniqueness is per connection.
	if err := s.InsertExternalID(ctx, createTestExternalID("other", "c1", "A-1")); err != nil {
		t.Errorf("same pair on another connection: %v", err)
	}
}

func TestRecordOutcome_UpsertAndLog(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	saveTestConfig(t, s, "acme")

	x := createTestExternalID("acme", "c1", "A-1")
	if _, err := s.RecordOutcome(ctx, ir.Outcome{
		Entry:       createTestEntry("r1", "acme", ir.ActionCreate, ir.StatusSuccess),
		Correlation: &x,
	}); err != nil {
		t.Fatalf("RecordOutcome() failed: %v", err)
	}

	x.LastSyncHash = "hash-2"
	x.LastDirection = ir.DirectionRemoteToLocal
	if _, err := s.RecordOutcome(ctx, ir.Outcome{
		Entry:       createTestEntry("r2", "acme", ir.ActionUpdate, ir.StatusSuccess),
		Correlation: &x,
	}); err != nil {
		t.Fatalf("RecordOutcome() update failed: %v", err)
	}

	got, err := s.LookupByLocal(ctx, "acme", ir.EntityCompany, "c1")
	if err != nil || got == nil {
		t.Fatalf("LookupByLocal() = %v, %v", got, err)
	}
	if got.LastSyncHash != "hash-2" || got.LastDirection != ir.DirectionRemoteToLocal {
		t.Errorf("correlation not updated: %+v", got)
	}

	all, err := s.ListExternalIDs(ctx, "acme", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("got %d correlations, want 1", len(all))
	}

	logs, err := s.ListLogs(ctx, "acme", LogFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 || logs[0].Action != ir.ActionUpdate {
		t.Errorf("logs = %+v", logs)
	}
}

func TestRecordOutcome_DuplicateRollsBackLog(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	saveTestConfig(t, s, "acme")

	if err := s.InsertExternalID(ctx, createTestExternalID("acme", "c1", "A-1")); err != nil {
		t.Fatal(err)
	}

	// c2 tries to claim A-1.
	x := createTestExternalID("acme", "c2", "A-1")
	_, err := s.RecordOutcome(ctx, ir.Outcome{
		Entry:       createTestEntry("r1", "acme", ir.ActionCreate, ir.StatusSuccess),
		Correlation: &x,
	})
	if !errors.Is(err, ErrDuplicateCorrelation) {
		t.Fatalf("error = %v, want ErrDuplicateCorrelation", err)
	}

	logs, err := s.ListRunLogs(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 0 {
		t.Errorf("log entry written despite failed correlation: %+v", logs)
	}
}

func TestRecordOutcome_Unlink(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	saveTestConfig(t, s, "acme")

	x := createTestExternalID("acme", "c1", "A-1")
	if err := s.InsertExternalID(ctx, x); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordOutcome(ctx, ir.Outcome{
		Entry:  createTestEntry("r1", "acme", ir.ActionDelete, ir.StatusSuccess),
		Unlink: &x,
	}); err != nil {
		t.Fatalf("RecordOutcome() failed: %v", err)
	}

	got, err := s.LookupByRemote(ctx, "acme", "Account", "A-1")
	if err != nil || got != nil {
		t.Errorf("LookupByRemote() = %v, %v; want nil after unlink", got, err)
	}
}

func TestListExternalIDs_FilterByType(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	saveTestConfig(t, s, "acme")

	company := createTestExternalID("acme", "c1", "A-1")
	user := createTestExternalID("acme", "u1", "C-1")
	user.LocalType = ir.EntityUser
	user.RemoteEntity = "Contact"
	for _, x := range []ir.ExternalID{company, user} {
		if err := s.InsertExternalID(ctx, x); err != nil {
			t.Fatal(err)
		}
	}

	users, err := s.ListExternalIDs(ctx, "acme", ir.EntityUser)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].RemoteID != "C-1" {
		t.Errorf("ListExternalIDs(User) = %+v", users)
	}
}
