package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/connector"
	"github.com/roach88/crmsync/internal/connector/memory"
)

// testEnv is a config file and store in a temp dir, with the memory
// provider backed by a hub the test can inspect.
type testEnv struct {
	t       *testing.T
	dir     string
	config  string
	hub     *memory.Hub
	secret  string
	records string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		t:      t,
		dir:    dir,
		config: filepath.Join(dir, "crmsync.yaml"),
		hub:    memory.NewHub(),
		secret: "test-secret",
	}
	cfg := fmt.Sprintf(`database: %s
log:
  level: warn
engine:
  workers: 2
  rate_per_second: 1000
  burst: 100
  backoff_base: 1ms
  max_backoff: 5ms
admin:
  jwt_secret: %s
`, filepath.Join(dir, "crmsync.db"), env.secret)
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0644))
	return env
}

// writeRecords writes a local records fixture and returns its path.
func (e *testEnv) writeRecords(yaml string) string {
	e.t.Helper()
	path := filepath.Join(e.dir, "records.yaml")
	require.NoError(e.t, os.WriteFile(path, []byte(yaml), 0644))
	return path
}

// exec runs the root command with the env's config. The returned string
// holds stdout; stderr is discarded.
func (e *testEnv) exec(format string, args ...string) (string, error) {
	e.t.Helper()
	f := connector.NewFactory()
	f.Register("memory", e.hub.Open)

	out := &bytes.Buffer{}
	cmd := newRootCommand(&RootOptions{Adapters: f})
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", e.config, "--format", format}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// apply stores the connections of testdata/config.
func (e *testEnv) apply() {
	e.t.Helper()
	_, err := e.exec("text", "apply", configDir)
	require.NoError(e.t, err)
}

const acmeRecords = `records:
  - type: Company
    id: c1
    updated_at: 2026-03-01T10:00:00Z
    fields:
      name: Acme
      industry: tech
  - type: User
    id: u1
    updated_at: 2026-03-01T10:05:00Z
    fields:
      email: ada@acme.test
      first_name: Ada
      last_name: Lovelace
      company_id: c1
`
