// File: internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/bridge-relayer/internal/config"
	"github.com/smartdevs17/bridge-relayer/internal/metrics"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/internal/monitor"
	"github.com/smartdevs17/bridge-relayer/internal/notification"
	"github.com/smartdevs17/bridge-relayer/internal/processor"
	"github.com/smartdevs17/bridge-relayer/internal/query"
	"github.com/smartdevs17/bridge-relayer/internal/storage"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
)

// Version is reported by the health endpoint
var Version = "dev"

// QueryService serves ledger projections
type QueryService interface {
	ListClaimable(ctx context.Context, page query.Page) ([]*models.LedgerEntry, error)
	ListReleasable(ctx context.Context, page query.Page) ([]*models.LedgerEntry, error)
	GetUserTokens(ctx context.Context, user common.Address) ([]*models.LedgerEntry, error)
	ListBridged(ctx context.Context, page query.Page) ([]*models.LedgerEntry, error)
}

// StorageStatus reports store reachability and counts
type StorageStatus interface {
	Ping() error
	GetStorageStats(ctx context.Context) (*storage.StorageStats, error)
}

// MonitorStatus reports watcher state
type MonitorStatus interface {
	GetStats() *monitor.MonitorStats
	GetHealth() *monitor.HealthStatus
}

// ProcessorStatus reports engine state
type ProcessorStatus interface {
	GetStats() *processor.ProcessorStats
	GetHealth(ctx context.Context) *processor.ProcessorHealth
}

// NotifierStatus reports alert delivery state
type NotifierStatus interface {
	GetStats() *notification.NotificationStats
	GetHealth() *notification.NotificationHealth
}

// RegistryStatus reports token registry state
type RegistryStatus interface {
	Registrations() int
	Unresolved() int
}

// Dependencies are the components the server reads from. Only Query is
// required.
type Dependencies struct {
	Query     QueryService
	Storage   StorageStatus
	Monitor   MonitorStatus
	Processor ProcessorStatus
	Notifier  NotifierStatus
	Registry  RegistryStatus
}

// HTTPServer serves the read-only query surface and operational endpoints
type HTTPServer struct {
	config         *config.ServerConfig
	server         *http.Server
	router         *mux.Router
	deps           Dependencies
	metricsManager *metrics.Manager
	logger         *logrus.Entry

	stopOnce sync.Once
	stopChan chan struct{}
}

// LedgerView is the JSON projection of a ledger entry. Amounts are decimal
// strings so uint256 values survive JSON clients.
type LedgerView struct {
	UserAddress    string          `json:"userAddress"`
	TokenAddress   string          `json:"tokenAddress"`
	Locked         string          `json:"locked"`
	Bridged        string          `json:"bridged"`
	Released       string          `json:"released"`
	Burned         string          `json:"burned"`
	Claimable      string          `json:"claimable"`
	Releasable     string          `json:"releasable"`
	ClaimVoucher   *models.Voucher `json:"claimVoucher"`
	ReleaseVoucher *models.Voucher `json:"releaseVoucher"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg *config.ServerConfig, deps Dependencies, metricsManager *metrics.Manager) (*HTTPServer, error) {
	if deps.Query == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Query service is required", "")
	}

	server := &HTTPServer{
		config:         cfg,
		deps:           deps,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("server"),
		stopChan:       make(chan struct{}),
	}

	server.setupRouter()

	server.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      server.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server, nil
}

// Handler returns the routed handler
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// setupRouter sets up the HTTP routes
func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	// Middleware
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.metricsManager != nil {
		s.router.Use(s.metricsMiddleware)
	}

	// Ledger projections
	s.router.HandleFunc("/for-claim", s.forClaimHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/for-release", s.forReleaseHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/users/{address}/tokens", s.userTokensHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/tokens/bridged", s.bridgedHandler).Methods(http.MethodGet)

	if s.config.EnableHealth {
		s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
		s.router.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)
	}

	if s.config.EnableMetrics && s.metricsManager != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metricsManager.Registry(), promhttp.HandlerOpts{}))
	}
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	if s.metricsManager != nil {
		s.updateComponentHealth()
		go s.systemMetricsUpdater()
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	// Catch immediate bind errors
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// systemMetricsUpdater refreshes system and component health gauges
func (s *HTTPServer) systemMetricsUpdater() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.updateComponentHealth()
		case <-s.stopChan:
			return
		}
	}
}

func (s *HTTPServer) updateComponentHealth() {
	s.metricsManager.UpdateSystemMetrics()
	prom := s.metricsManager.GetPrometheusMetrics()

	if s.deps.Storage != nil {
		prom.UpdateComponentHealth("storage", s.deps.Storage.Ping() == nil)
	}
	if s.deps.Monitor != nil {
		prom.UpdateComponentHealth("monitor", s.deps.Monitor.GetHealth().Healthy)
	}
	if s.deps.Processor != nil {
		prom.UpdateComponentHealth("processor", s.deps.Processor.GetHealth(context.Background()).Healthy)
	}
	if s.deps.Notifier != nil {
		prom.UpdateComponentHealth("notification", s.deps.Notifier.GetHealth().Healthy)
	}
}

// Stop stops the HTTP server
func (s *HTTPServer) Stop() error {
	s.logger.Info("Stopping HTTP server")
	s.stopOnce.Do(func() { close(s.stopChan) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Ledger Handlers

func (s *HTTPServer) forClaimHandler(w http.ResponseWriter, r *http.Request) {
	s.listHandler(w, r, s.deps.Query.ListClaimable)
}

func (s *HTTPServer) forReleaseHandler(w http.ResponseWriter, r *http.Request) {
	s.listHandler(w, r, s.deps.Query.ListReleasable)
}

func (s *HTTPServer) bridgedHandler(w http.ResponseWriter, r *http.Request) {
	s.listHandler(w, r, s.deps.Query.ListBridged)
}

func (s *HTTPServer) listHandler(w http.ResponseWriter, r *http.Request, list func(context.Context, query.Page) ([]*models.LedgerEntry, error)) {
	page, err := parsePage(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid paging parameters", err)
		return
	}

	entries, err := list(r.Context(), page)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toViews(entries))
}

// userTokensHandler lists the tokens a user has bridged
func (s *HTTPServer) userTokensHandler(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if !utils.IsValidAddress(address) {
		s.writeError(w, http.StatusBadRequest, "Invalid user address", nil)
		return
	}

	entries, err := s.deps.Query.GetUserTokens(r.Context(), common.HexToAddress(address))
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toViews(entries))
}

func parsePage(r *http.Request) (query.Page, error) {
	var page query.Page
	var err error
	if v := r.URL.Query().Get("limit"); v != "" {
		if page.Limit, err = strconv.Atoi(v); err != nil || page.Limit < 0 {
			return page, fmt.Errorf("limit must be a non-negative integer")
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if page.Offset, err = strconv.Atoi(v); err != nil || page.Offset < 0 {
			return page, fmt.Errorf("offset must be a non-negative integer")
		}
	}
	return page, nil
}

func toViews(entries []*models.LedgerEntry) []LedgerView {
	views := make([]LedgerView, 0, len(entries))
	for _, e := range entries {
		views = append(views, LedgerView{
			UserAddress:    e.UserAddress.Hex(),
			TokenAddress:   e.TokenAddress.Hex(),
			Locked:         e.Locked.String(),
			Bridged:        e.Bridged.String(),
			Released:       e.Released.String(),
			Burned:         e.Burned.String(),
			Claimable:      e.Claimable().String(),
			Releasable:     e.Releasable().String(),
			ClaimVoucher:   e.ClaimVoucher,
			ReleaseVoucher: e.ReleaseVoucher,
			UpdatedAt:      e.UpdatedAt,
		})
	}
	return views
}

// Health Handlers

// healthHandler reports component health; 503 when any component is down
func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthy := true
	components := map[string]interface{}{}

	if s.deps.Storage != nil {
		storageHealth := map[string]interface{}{"healthy": true}
		if err := s.deps.Storage.Ping(); err != nil {
			healthy = false
			storageHealth["healthy"] = false
			storageHealth["error"] = err.Error()
		}
		components["storage"] = storageHealth
	}
	if s.deps.Monitor != nil {
		h := s.deps.Monitor.GetHealth()
		healthy = healthy && h.Healthy
		components["monitor"] = h
	}
	if s.deps.Processor != nil {
		h := s.deps.Processor.GetHealth(r.Context())
		healthy = healthy && h.Healthy
		components["processor"] = h
	}
	if s.deps.Notifier != nil {
		components["notification"] = s.deps.Notifier.GetHealth()
	}
	if s.deps.Registry != nil {
		components["registry"] = map[string]interface{}{
			"registrations": s.deps.Registry.Registrations(),
			"unresolved":    s.deps.Registry.Unresolved(),
		}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		"version":    Version,
		"components": components,
	})
}

// statsHandler returns application statistics
func (s *HTTPServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"timestamp": time.Now().UTC(),
	}

	if s.deps.Storage != nil {
		storageStats, err := s.deps.Storage.GetStorageStats(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "Failed to retrieve storage stats", err)
			return
		}
		stats["storage"] = storageStats
	}
	if s.deps.Monitor != nil {
		stats["monitor"] = s.deps.Monitor.GetStats()
	}
	if s.deps.Processor != nil {
		stats["processor"] = s.deps.Processor.GetStats()
	}
	if s.deps.Notifier != nil {
		stats["notification"] = s.deps.Notifier.GetStats()
	}

	s.writeJSON(w, http.StatusOK, stats)
}

// Utility Methods

// writeJSON writes a JSON response
func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func (s *HTTPServer) writeQueryError(w http.ResponseWriter, err error) {
	if utils.HasCode(err, utils.ErrCodeValidation) {
		s.writeError(w, http.StatusBadRequest, "Invalid request", err)
		return
	}
	s.writeError(w, http.StatusInternalServerError, "Failed to query ledger", err)
}

// writeError writes an error response
func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string, err error) {
	errorResponse := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	}

	if err != nil {
		errorResponse["details"] = err.Error()
		logger := s.logger.WithError(err).WithField("status", status)
		if status >= http.StatusInternalServerError {
			logger.Error(message)
		} else {
			logger.Debug(message)
		}
	}

	s.writeJSON(w, status, errorResponse)
}
