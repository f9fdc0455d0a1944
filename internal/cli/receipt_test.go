package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/iapsync/internal/billing"
	"github.com/roach88/iapsync/internal/entitlement"
)

// validationLog records what the fake entitlement server received.
type validationLog struct {
	mu   sync.Mutex
	reqs []entitlement.Request
	auth []string
}

func (l *validationLog) requests() []entitlement.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]entitlement.Request(nil), l.reqs...)
}

func (l *validationLog) authHeaders() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.auth...)
}

// entitlementServer answers every validation with code and body.
func entitlementServer(t *testing.T, code int, body string) (*httptest.Server, *validationLog) {
	t.Helper()
	log := &validationLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != entitlement.ValidatePath {
			http.NotFound(w, r)
			return
		}
		var req entitlement.Request
		decodeErr := json.NewDecoder(r.Body).Decode(&req)

		log.mu.Lock()
		if decodeErr == nil {
			log.reqs = append(log.reqs, req)
		}
		log.auth = append(log.auth, r.Header.Get("Authorization"))
		log.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, log
}

func runReceiptCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewReceiptCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestReceiptValidIOS(t *testing.T) {
	srv, log := entitlementServer(t, http.StatusOK, `{"status":"valid"}`)

	output, err := runReceiptCmd(t, "text",
		"--server", srv.URL, "--platform", "ios",
		"--product", "pro_lifetime", "--transaction", "1000", "--receipt", "receipt-blob")
	require.NoError(t, err)
	assert.Contains(t, output, "✓ pro_lifetime: valid")

	reqs := log.requests()
	require.Len(t, reqs, 1)
	got := reqs[0]
	assert.Equal(t, billing.PlatformIOS, got.Platform)
	assert.Equal(t, "receipt-blob", got.Receipt)
	assert.Equal(t, "1000", got.TransactionID)
	assert.Empty(t, got.PurchaseToken)
}

func TestReceiptFromFile(t *testing.T) {
	srv, log := entitlementServer(t, http.StatusOK, `{"status":"valid"}`)
	path := writeFile(t, t.TempDir(), "receipt.b64", "  file-receipt\n")

	_, err := runReceiptCmd(t, "text",
		"--server", srv.URL, "--platform", "ios",
		"--product", "pro_lifetime", "--receipt-file", path)
	require.NoError(t, err)
	reqs := log.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "file-receipt", reqs[0].Receipt)
}

func TestReceiptAndroidUsesTokenAsTransaction(t *testing.T) {
	srv, log := entitlementServer(t, http.StatusOK, `{"status":"valid"}`)

	_, err := runReceiptCmd(t, "text",
		"--server", srv.URL, "--platform", "android",
		"--product", "pro_monthly", "--token", "tok.123")
	require.NoError(t, err)
	reqs := log.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "tok.123", reqs[0].PurchaseToken)
	assert.Equal(t, "tok.123", reqs[0].TransactionID)
}

func TestReceiptInvalid(t *testing.T) {
	srv, _ := entitlementServer(t, http.StatusOK, `{"status":"invalid","reason":"receipt revoked"}`)

	output, err := runReceiptCmd(t, "json",
		"--server", srv.URL, "--platform", "ios",
		"--product", "pro_lifetime", "--receipt", "r")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string        `json:"status"`
		Data   ReceiptResult `json:"data"`
		Error  *CLIError     `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, entitlement.StatusInvalid, resp.Data.Status)
	assert.Equal(t, "receipt revoked", resp.Data.Reason)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotValid, resp.Error.Code)
}

func TestReceiptServerErrorIsTransient(t *testing.T) {
	srv, _ := entitlementServer(t, http.StatusServiceUnavailable, ``)

	output, err := runReceiptCmd(t, "text",
		"--server", srv.URL, "--platform", "ios",
		"--product", "pro_lifetime", "--receipt", "r")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, ErrCodeTransient, GetErrCode(err))
	assert.Contains(t, output, "✗ pro_lifetime: transient")
	assert.Contains(t, output, "reason: server status 503")
}

func TestReceiptUsesConfig(t *testing.T) {
	srv, log := entitlementServer(t, http.StatusOK, `{"status":"valid"}`)
	cfgPath := writeFile(t, t.TempDir(), "iapsync.yaml", fmt.Sprintf(`
platform: android
server:
  base_url: %s
  timeout: 2s
  auth_token: secret
`, srv.URL))

	_, err := runReceiptCmd(t, "text",
		"--config", cfgPath, "--product", "pro_monthly", "--token", "tok")
	require.NoError(t, err)
	reqs := log.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, billing.PlatformAndroid, reqs[0].Platform)
	assert.Equal(t, []string{"Bearer secret"}, log.authHeaders())
}

func TestReceiptBadRequests(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "no_server",
			args: []string{"--platform", "ios", "--product", "p", "--receipt", "r"},
			want: "no entitlement server",
		},
		{
			name: "unknown_platform",
			args: []string{"--server", "http://127.0.0.1:1", "--platform", "web", "--product", "p"},
			want: "unknown platform",
		},
		{
			name: "preview_platform",
			args: []string{"--server", "http://127.0.0.1:1", "--platform", "preview", "--product", "p"},
			want: "has no receipts",
		},
		{
			name: "ios_without_receipt",
			args: []string{"--server", "http://127.0.0.1:1", "--platform", "ios", "--product", "p"},
			want: "needs --receipt",
		},
		{
			name: "android_without_token",
			args: []string{"--server", "http://127.0.0.1:1", "--platform", "android", "--product", "p"},
			want: "needs --token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := runReceiptCmd(t, "text", tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, output, tt.want)
			assert.Contains(t, output, "Error [E403]")
			assert.Equal(t, ErrCodeBadRequest, GetErrCode(err))
		})
	}
}

func TestReceiptRequiresProduct(t *testing.T) {
	_, err := runReceiptCmd(t, "text", "--server", "http://127.0.0.1:1", "--platform", "ios", "--receipt", "r")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"product" not set`)
}

func TestReceiptInvalidConfig(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "bad.yaml", "platform: windows\n")

	output, err := runReceiptCmd(t, "text", "--config", cfgPath, "--product", "p", "--token", "t")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, output, "Error [E101]")
}
