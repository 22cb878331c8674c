package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/mijia-monitor/internal/models"
	"github.com/afroash/mijia-monitor/internal/storage"
)

const defaultHistoryLimit = 50

// APIHandler serves the read-only HTTP API over the polled sensors
type APIHandler struct {
	store   SnapshotStore
	devices DeviceDirectory
	version string
	started time.Time
	logger  zerolog.Logger
}

// NewAPIHandler creates a new API handler. devices may be nil when the
// registry is disabled.
func NewAPIHandler(store SnapshotStore, devices DeviceDirectory, version string, logger zerolog.Logger) *APIHandler {
	return &APIHandler{
		store:   store,
		devices: devices,
		version: version,
		started: time.Now(),
		logger:  logger,
	}
}

// Routes registers every endpoint on a new mux. live is mounted on /ws/live
// when non-nil.
func (api *APIHandler) Routes(live http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sensors", api.HandleSensors)
	mux.HandleFunc("/api/current", api.HandleCurrent)
	mux.HandleFunc("/api/history", api.HandleHistory)
	mux.HandleFunc("/api/devices", api.HandleDevices)
	mux.HandleFunc("/api/stats", api.HandleStats)
	mux.HandleFunc("/health", api.HandleHealth)
	if live != nil {
		mux.Handle("/ws/live", live)
	}
	return mux
}

// HandleSensors returns the current snapshot of every sensor
func (api *APIHandler) HandleSensors(w http.ResponseWriter, r *http.Request) {
	addresses := api.store.GetAddresses()
	snaps := make([]*models.Snapshot, 0, len(addresses))
	for _, addr := range addresses {
		if snap := api.store.GetCurrent(addr); snap != nil {
			snaps = append(snaps, snap)
		}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// HandleCurrent returns the current snapshot of one sensor, the first known
// one when no address is given
func (api *APIHandler) HandleCurrent(w http.ResponseWriter, r *http.Request) {
	address, ok := api.resolveAddress(r)
	if !ok {
		http.Error(w, "No sensors found", http.StatusNotFound)
		return
	}

	snap := api.store.GetCurrent(address)
	if snap == nil {
		http.Error(w, fmt.Sprintf("No data for %s", address), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleHistory returns recent distinct reads of one sensor, newest first
func (api *APIHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	address, ok := api.resolveAddress(r)
	if !ok {
		writeJSON(w, http.StatusOK, []*models.Snapshot{})
		return
	}

	limit := defaultHistoryLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	snaps := api.store.GetLatest(address, limit)
	if snaps == nil {
		snaps = []*models.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// HandleDevices returns the persistent device registry
func (api *APIHandler) HandleDevices(w http.ResponseWriter, r *http.Request) {
	if api.devices == nil {
		http.Error(w, "Device registry disabled", http.StatusNotFound)
		return
	}

	devices, err := api.devices.ListDevices()
	if err != nil {
		api.logger.Error().Err(err).Msg("Failed to list devices")
		http.Error(w, "Failed to list devices", http.StatusInternalServerError)
		return
	}
	if devices == nil {
		devices = []*models.DeviceRecord{}
	}
	writeJSON(w, http.StatusOK, devices)
}

// StatsResponse combines memory and registry statistics
type StatsResponse struct {
	Store    StoreStats            `json:"store"`
	Registry *storage.StorageStats `json:"registry,omitempty"`
}

// HandleStats returns store statistics
func (api *APIHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Store: api.store.Stats()}
	if api.devices != nil {
		stats, err := api.devices.GetStorageStats()
		if err != nil {
			api.logger.Warn().Err(err).Msg("Failed to read registry stats")
		} else {
			resp.Registry = stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleHealth reports liveness
func (api *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": api.version,
		"uptime":  int64(time.Since(api.started).Seconds()),
		"sensors": len(api.store.GetAddresses()),
	})
}

func (api *APIHandler) resolveAddress(r *http.Request) (string, bool) {
	if address := r.URL.Query().Get("address"); address != "" {
		return strings.ToLower(address), true
	}
	addresses := api.store.GetAddresses()
	if len(addresses) == 0 {
		return "", false
	}
	return addresses[0], true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
