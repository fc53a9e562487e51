package store

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/roach88/crmsync/internal/credential"
	"github.com/roach88/crmsync/internal/ir"
)

func TestSaveConnectionConfig_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	want := saveTestConfig(t, s, "acme")

	got, err := s.LoadConnectionConfig(ctx, "acme")
	if err != nil {
		t.Fatalf("LoadConnectionConfig() failed: %v", err)
	}

	if got.Connection.Provider != "memory" || got.Connection.Interval != 15*time.Minute {
		t.Errorf("connection = %+v", got.Connection)
	}
	if got.Connection.Credentials.APIKey != "secret-key" {
		t.Errorf("credentials not restored: %+v", got.Connection.Credentials)
	}
	if !ir.Equal(got.Connection.Metadata, want.Connection.Metadata) {
		t.Errorf("metadata = %v, want %v", got.Connection.Metadata, want.Connection.Metadata)
	}
	if len(got.Mappings) != 2 {
		t.Fatalf("got %d mappings, want 2", len(got.Mappings))
	}

	for i := range got.Mappings {
		got.Mappings[i].ID = 0
	}
	if !reflect.DeepEqual(got.Mappings, want.Mappings) {
		t.Errorf("mappings differ:\n got  %+v\n want %+v", got.Mappings, want.Mappings)
	}
}

func TestSaveConnectionConfig_ReapplyKeepsRuntimeState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	cfg := saveTestConfig(t, s, "acme")

	if err := s.InsertExternalID(ctx, createTestExternalID("acme", "c1", "A-1")); err != nil {
		t.Fatalf("InsertExternalID() failed: %v", err)
	}
	if err := s.SetEnabled(ctx, "acme", false); err != nil {
		t.Fatalf("SetEnabled() failed: %v", err)
	}

	// Re-apply with fewer fields and no credentials.
	cfg.Connection.Credentials = ir.Credentials{}
	cfg.Connection.Enabled = true
	cfg.Mappings[0].Fields = cfg.Mappings[0].Fields[:1]
	if err := s.SaveConnectionConfig(ctx, cfg); err != nil {
		t.Fatalf("re-apply failed: %v", err)
	}

	got, err := s.LoadConnectionConfig(ctx, "acme")
	if err != nil {
		t.Fatalf("LoadConnectionConfig() failed: %v", err)
	}
	if got.Connection.Enabled {
		t.Error("re-apply must not re-enable a disabled connection")
	}
	if got.Connection.Credentials.APIKey != "secret-key" {
		t.Error("re-apply without credentials must keep the stored ones")
	}
	if len(got.Mappings[0].Fields) != 1 {
		t.Errorf("got %d fields, want 1", len(got.Mappings[0].Fields))
	}

	x, err := s.LookupByLocal(ctx, "acme", ir.EntityCompany, "c1")
	if err != nil || x == nil {
		t.Fatalf("correlation lost on re-apply: %v", err)
	}
}

func TestSaveConnectionConfig_SealsCredentials(t *testing.T) {
	codec, err := credential.NewAEAD(bytes.Repeat([]byte{3}, 32))
	if err != nil {
		t.Fatal(err)
	}
	s := createTestStore(t, WithCodec(codec))
	ctx := context.Background()
	saveTestConfig(t, s, "acme")

	var raw []byte
	if err := s.db.QueryRow(`SELECT credentials FROM connections WHERE id = 'acme'`).Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("secret-key")) {
		t.Error("credentials stored in clear text")
	}

	conn, err := s.GetConnection(ctx, "acme")
	if err != nil {
		t.Fatalf("GetConnection() failed: %v", err)
	}
	if conn.Credentials.APIKey != "secret-key" {
		t.Errorf("APIKey = %q", conn.Credentials.APIKey)
	}
}

func TestGetConnection_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.GetConnection(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
	_, err = s.LoadConnectionConfig(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestListConnections(t *testing.T) {
	s := createTestStore(t)
	saveTestConfig(t, s, "zeta")
	saveTestConfig(t, s, "acme")

	conns, err := s.ListConnections(context.Background())
	if err != nil {
		t.Fatalf("ListConnections() failed: %v", err)
	}
	if len(conns) != 2 || conns[0].ID != "acme" || conns[1].ID != "zeta" {
		t.Errorf("ListConnections() = %+v", conns)
	}
}

func TestSetEnabled_ResetsFailures(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	saveTestConfig(t, s, "acme")

	if _, err := s.db.Exec(`UPDATE connections SET enabled = 0, consecutive_failures = 5 WHERE id = 'acme'`); err != nil {
		t.Fatal(err)
	}
	if err := s.SetEnabled(ctx, "acme", true); err != nil {
		t.Fatalf("SetEnabled() failed: %v", err)
	}
	conn, err := s.GetConnection(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if !conn.Enabled || conn.ConsecutiveFailures != 0 {
		t.Errorf("enabled=%v failures=%d", conn.Enabled, conn.ConsecutiveFailures)
	}

	if err := s.SetEnabled(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestUpdateCredentials(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	saveTestConfig(t, s, "acme")

	fresh := ir.Credentials{Kind: ir.CredentialOAuth, AccessToken: "new", RefreshToken: "rt"}
	if err := s.UpdateCredentials(ctx, "acme", fresh); err != nil {
		t.Fatalf("UpdateCredentials() failed: %v", err)
	}
	conn, err := s.GetConnection(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if conn.Credentials.AccessToken != "new" || conn.Credentials.APIKey != "" {
		t.Errorf("credentials = %+v", conn.Credentials)
	}
}

func TestDeleteConnection_NotFound(t *testing.T) {
	s := createTestStore(t)
	if err := s.DeleteConnection(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}
