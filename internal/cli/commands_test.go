package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/admin"
	"github.com/roach88/crmsync/internal/ir"
	"github.com/roach88/crmsync/internal/source"
)

func TestApplyStoresConnections(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.exec("json", "apply", configDir)
	require.NoError(t, err, out)

	var resp struct {
		Status string      `json:"status"`
		Data   ApplyResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Applied, 1)
	applied := resp.Data.Applied[0]
	assert.Equal(t, "acme", applied.ID)
	assert.Equal(t, "memory", applied.Provider)
	assert.Equal(t, 2, applied.Mappings)
	assert.NotEmpty(t, applied.Fingerprint)
}

func TestApplyKeepsEnabledFlag(t *testing.T) {
	env := newTestEnv(t)
	env.apply()
	_, err := env.exec("text", "connections", "disable", "acme")
	require.NoError(t, err)

	env.apply()

	out, err := env.exec("json", "connections", "list")
	require.NoError(t, err)
	var resp struct {
		Data []ir.Connection `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.False(t, resp.Data[0].Enabled)
}

func TestApplyInvalidConfigWritesNothing(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.exec("text", "apply", "testdata/invalid")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out, err := env.exec("text", "connections", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "broken")
}

func TestConnectionsList(t *testing.T) {
	env := newTestEnv(t)
	env.apply()

	out, err := env.exec("text", "connections", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "LAST ERROR")
	assert.Contains(t, out, "acme")
	assert.Contains(t, out, "never")
}

func TestConnectionsToggle(t *testing.T) {
	env := newTestEnv(t)
	env.apply()

	out, err := env.exec("text", "connections", "disable", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Connection acme disabled")

	out, err = env.exec("json", "connections", "enable", "acme")
	require.NoError(t, err)
	var resp struct {
		Data ir.Connection `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Data.Enabled)
	assert.Zero(t, resp.Data.ConsecutiveFailures)
}

func TestConnectionsToggleUnknown(t *testing.T) {
	env := newTestEnv(t)

	for _, sub := range []string{"enable", "disable"} {
		t.Run(sub, func(t *testing.T) {
			out, err := env.exec("text", "connections", sub, "nope")
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, out, ErrCodeUnknownConnection)
		})
	}
}

func TestLogsAfterRun(t *testing.T) {
	env := newTestEnv(t)
	env.apply()
	_, err := env.exec("text", "run", "acme", "--records", env.writeRecords(acmeRecords))
	require.NoError(t, err)

	out, err := env.exec("json", "logs", "acme", "--limit", "2")
	require.NoError(t, err)
	var resp struct {
		Data []ir.SyncLogEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 2)
	assert.GreaterOrEqual(t, resp.Data[0].ID, resp.Data[1].ID)

	out, err = env.exec("text", "logs", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "User/Contact")
	assert.Contains(t, out, "local_to_remote")
	assert.Contains(t, out, "C-1")
}

func TestLogsStats(t *testing.T) {
	env := newTestEnv(t)
	env.apply()
	_, err := env.exec("text", "run", "acme", "--records", env.writeRecords(acmeRecords))
	require.NoError(t, err)

	out, err := env.exec("text", "logs", "acme", "--stats")
	require.NoError(t, err)
	assert.Contains(t, out, "connection acme:")
	assert.Contains(t, out, "create=2")
	assert.Contains(t, out, "runs: completed=1")
	assert.Contains(t, out, "last run ")

	out, err = env.exec("json", "logs", "acme", "--stats")
	require.NoError(t, err)
	var resp struct {
		Data ir.Stats `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 2, resp.Data.ByAction[ir.ActionCreate])
	require.NotNil(t, resp.Data.LastRun)
	assert.Equal(t, ir.RunCompleted, resp.Data.LastRun.Status)
}

func TestLogsEmptyAndUnknown(t *testing.T) {
	env := newTestEnv(t)
	env.apply()

	out, err := env.exec("text", "logs", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "no log entries")

	out, err = env.exec("text", "logs", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeUnknownConnection)
}

func TestTokenIssuesVerifiableToken(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.exec("json", "token", "--subject", "ops", "--ttl", "1h")
	require.NoError(t, err)
	var resp struct {
		Data TokenResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ops", resp.Data.Subject)

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(resp.Data.Token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(env.secret), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.WithinDuration(t, resp.Data.ExpiresAt, claims.ExpiresAt.Time, time.Second)
}

func TestTokenRejectsNonPositiveTTL(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.exec("text", "token", "--ttl", "0s")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestServeAdminAPI(t *testing.T) {
	env := newTestEnv(t)
	env.apply()

	opts := &RootOptions{ConfigPath: env.config, Format: "text"}
	cmd := &cobra.Command{}
	cmd.SetErr(io.Discard)
	a, err := openApp(opts, cmd)
	require.NoError(t, err)
	defer a.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, a, a.engine(opts, source.NewMemory()), ln) }()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/api/connections")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := admin.IssueToken(env.secret, "test", time.Minute, time.Now())
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, base+"/api/connections", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"id":"acme"`)

	req, err = http.NewRequest(http.MethodPost, base+"/api/connections/acme/runs", bytes.NewBufferString(`{"full":true}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
