package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/token-custody/internal/config"
	"github.com/token-custody/internal/errors"
	"github.com/token-custody/internal/logging"
	"github.com/token-custody/internal/types"
)

type staticSigner struct{}

func (staticSigner) Address() string             { return "0xsigner" }
func (staticSigner) Sign([]byte) (string, error) { return "deadbeef", nil }

func newGatewayFixture(t *testing.T, handler http.Handler) *GatewayClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.LedgerConfig{
		MessengerURL:   server.URL,
		ComputeURL:     server.URL,
		RequestsPerSec: 1000,
	}
	return NewGatewayClient(cfg, logging.NewLogger(logging.LevelError, logging.FormatText))
}

func TestGatewayClientSend(t *testing.T) {
	var got signedMessage
	client := newGatewayFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/message", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]string{"id": "tx-42"})
	}))

	msg := NewMessage("proc-1", types.ActionGetBalance).WithTag(types.TagProcessID, "proc-1")
	txID, err := client.Send(context.Background(), msg, staticSigner{})
	require.NoError(t, err)
	assert.Equal(t, "tx-42", txID)
	assert.Equal(t, "0xsigner", got.Signer)
	assert.Equal(t, "deadbeef", got.Signature)
	assert.Equal(t, "proc-1", got.Process)
}

func TestGatewayClientSendRejectsEmptyID(t *testing.T) {
	client := newGatewayFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))

	_, err := client.Send(context.Background(), NewMessage("proc-1", types.ActionGetBalance), staticSigner{})
	require.Error(t, err)
	assert.True(t, errors.IsResponseShape(err))
}

func TestGatewayClientAwaitResultPollsUntilReady(t *testing.T) {
	var polls int32
	client := newGatewayFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) < 3 {
			// Result not computed yet
			json.NewEncoder(w).Encode(Result{})
			return
		}
		json.NewEncoder(w).Encode(Result{Messages: []ResultMessage{{Data: "done"}}})
	}))

	result, err := client.AwaitResult(context.Background(), "proc-1", "tx-42", 5*time.Second)
	require.NoError(t, err)
	msg, ok := result.First()
	require.True(t, ok)
	assert.Equal(t, "done", msg.Data)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&polls), int32(3))
}

func TestGatewayClientAwaitResultTimesOut(t *testing.T) {
	client := newGatewayFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(Result{})
	}))

	_, err := client.AwaitResult(context.Background(), "proc-1", "tx-42", 600*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsRemoteTimeout(err))
}

func TestGatewayClientDryRun(t *testing.T) {
	client := newGatewayFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/dry-run", r.URL.Path)
		require.Equal(t, "token-proc", r.URL.Query().Get("process-id"))
		json.NewEncoder(w).Encode(Result{Messages: []ResultMessage{{
			Tags: []Tag{{Name: types.TagBalance, Value: "1000000000000000000"}},
		}}})
	}))

	msg := NewMessage("token-proc", types.ActionTokenBalance).WithTag(types.TagTarget, "0xabc")
	result, err := client.DryRun(context.Background(), msg)
	require.NoError(t, err)

	balance, err := BalanceFromTags(result)
	require.NoError(t, err)
	assert.Equal(t, "1", balance.String())
}

func TestGatewayClientSurfacesHTTPErrors(t *testing.T) {
	client := newGatewayFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gateway overloaded", http.StatusServiceUnavailable)
	}))

	_, err := client.DryRun(context.Background(), NewMessage("proc", types.ActionTokenBalance))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
