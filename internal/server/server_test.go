package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/bridge-relayer/internal/config"
	"github.com/smartdevs17/bridge-relayer/internal/metrics"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/internal/monitor"
	"github.com/smartdevs17/bridge-relayer/internal/query"
	"github.com/smartdevs17/bridge-relayer/internal/storage"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice  = common.HexToAddress("0xA11cE00000000000000000000000000000000001")
	tokenX = common.HexToAddress("0x7000000000000000000000000000000000000007")
)

type fakeQuery struct {
	entries  []*models.LedgerEntry
	err      error
	lastPage query.Page
	lastUser common.Address
}

func (f *fakeQuery) ListClaimable(_ context.Context, page query.Page) ([]*models.LedgerEntry, error) {
	f.lastPage = page
	return f.entries, f.err
}

func (f *fakeQuery) ListReleasable(_ context.Context, page query.Page) ([]*models.LedgerEntry, error) {
	f.lastPage = page
	return f.entries, f.err
}

func (f *fakeQuery) GetUserTokens(_ context.Context, user common.Address) ([]*models.LedgerEntry, error) {
	f.lastUser = user
	return f.entries, f.err
}

func (f *fakeQuery) ListBridged(_ context.Context, page query.Page) ([]*models.LedgerEntry, error) {
	f.lastPage = page
	return f.entries, f.err
}

type fakeStorage struct{ pingErr error }

func (f *fakeStorage) Ping() error { return f.pingErr }

func (f *fakeStorage) GetStorageStats(context.Context) (*storage.StorageStats, error) {
	return &storage.StorageStats{LedgerEntries: 3}, nil
}

type fakeMonitor struct{ healthy bool }

func (f *fakeMonitor) GetStats() *monitor.MonitorStats {
	return &monitor.MonitorStats{ContractsMonitored: 2}
}

func (f *fakeMonitor) GetHealth() *monitor.HealthStatus {
	return &monitor.HealthStatus{Healthy: f.healthy}
}

func sampleEntry() *models.LedgerEntry {
	e := models.NewLedgerEntry(alice, tokenX)
	e.Locked.SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	e.Bridged = big.NewInt(40)
	e.ClaimVoucher = &models.Voucher{R: "0x01", S: "0x02", V: "0x1b", IssuedForAction: models.ActionClaim, IssuedAmount: "60"}
	return e
}

func newTestServer(t *testing.T, deps Dependencies) *HTTPServer {
	t.Helper()
	utils.InitLogger("error", "text", "stdout", "")
	srv, err := NewHTTPServer(&config.ServerConfig{EnableHealth: true, EnableMetrics: true}, deps, metrics.NewManager())
	require.NoError(t, err)
	return srv
}

func get(t *testing.T, srv *HTTPServer, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestLedgerEndpoints(t *testing.T) {
	q := &fakeQuery{entries: []*models.LedgerEntry{sampleEntry()}}
	srv := newTestServer(t, Dependencies{Query: q})

	for _, path := range []string{"/for-claim", "/for-release", "/tokens/bridged"} {
		t.Run(path, func(t *testing.T) {
			rec := get(t, srv, path+"?limit=10&offset=5")
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, query.Page{Limit: 10, Offset: 5}, q.lastPage)

			var views []LedgerView
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
			require.Len(t, views, 1)
			assert.Equal(t, alice.Hex(), views[0].UserAddress)
			assert.Equal(t, "40", views[0].Bridged)
			// uint256 values survive as strings
			assert.True(t, strings.HasPrefix(views[0].Locked, "1157920892373161954235709850086879"))
			require.NotNil(t, views[0].ClaimVoucher)
			assert.Equal(t, "60", views[0].ClaimVoucher.IssuedAmount)
		})
	}

	t.Run("user tokens", func(t *testing.T) {
		rec := get(t, srv, "/users/"+strings.ToLower(alice.Hex())+"/tokens")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, alice, q.lastUser)
	})

	t.Run("empty result is an empty array", func(t *testing.T) {
		srv := newTestServer(t, Dependencies{Query: &fakeQuery{}})
		rec := get(t, srv, "/for-claim")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", rec.Body.String())
	})
}

func TestBadRequests(t *testing.T) {
	srv := newTestServer(t, Dependencies{Query: &fakeQuery{}})

	tests := []struct {
		name string
		path string
		code int
	}{
		{"bad address", "/users/not-an-address/tokens", http.StatusBadRequest},
		{"bad limit", "/for-claim?limit=abc", http.StatusBadRequest},
		{"negative offset", "/for-release?offset=-1", http.StatusBadRequest},
		{"unknown route", "/events", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, get(t, srv, tt.path).Code)
		})
	}

	t.Run("no mutating methods", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/for-claim", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		srv := newTestServer(t, Dependencies{Query: &fakeQuery{err: errors.New("database is locked")}})
		assert.Equal(t, http.StatusInternalServerError, get(t, srv, "/for-claim").Code)
	})
}

func TestHealthAndStats(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv := newTestServer(t, Dependencies{Query: &fakeQuery{}, Storage: &fakeStorage{}, Monitor: &fakeMonitor{healthy: true}})
		rec := get(t, srv, "/health")
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("unhealthy watcher", func(t *testing.T) {
		srv := newTestServer(t, Dependencies{Query: &fakeQuery{}, Storage: &fakeStorage{}, Monitor: &fakeMonitor{}})
		assert.Equal(t, http.StatusServiceUnavailable, get(t, srv, "/health").Code)
	})

	t.Run("storage down", func(t *testing.T) {
		srv := newTestServer(t, Dependencies{Query: &fakeQuery{}, Storage: &fakeStorage{pingErr: errors.New("closed")}})
		assert.Equal(t, http.StatusServiceUnavailable, get(t, srv, "/health").Code)
	})

	t.Run("stats", func(t *testing.T) {
		srv := newTestServer(t, Dependencies{Query: &fakeQuery{}, Storage: &fakeStorage{}, Monitor: &fakeMonitor{healthy: true}})
		rec := get(t, srv, "/stats")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"ledger_entries":3`)
	})

	t.Run("metrics", func(t *testing.T) {
		srv := newTestServer(t, Dependencies{Query: &fakeQuery{}})
		get(t, srv, "/for-claim")
		rec := get(t, srv, "/metrics")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "go_goroutines")
	})
}

func TestQueryServiceRequired(t *testing.T) {
	_, err := NewHTTPServer(&config.ServerConfig{}, Dependencies{}, nil)
	assert.True(t, utils.HasCode(err, utils.ErrCodeConfiguration))
}
