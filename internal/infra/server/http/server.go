// Package httpserver exposes the takbridge control API: destination lifecycle,
// location ingest, breaker administration, runtime configuration and alerts.
package httpserver

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coachpo/takbridge/errs"
	"github.com/coachpo/takbridge/internal/app/breaker"
	"github.com/coachpo/takbridge/internal/app/bridge"
	"github.com/coachpo/takbridge/internal/domain/cot"
	"github.com/coachpo/takbridge/internal/domain/destination"
	"github.com/coachpo/takbridge/internal/infra/config"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath = "/healthz"

	destinationsPath        = "/destinations"
	destinationDetailPrefix = destinationsPath + "/"

	locationsPath = "/locations"

	breakersPath        = "/breakers"
	breakerDetailPrefix = breakersPath + "/"

	alertsPath      = "/alerts"
	alertStreamPath = "/alerts/stream"

	runtimeConfigPath = "/config/runtime"
	configBackupPath  = "/config/backup"
	metricsPath       = "/metrics"

	defaultAlertLimit = 50
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment  config.Environment
	bridge       *bridge.Bridge
	runtimeStore *config.RuntimeStore
	configStore  *config.AppConfigStore
}

func (s *httpServer) persistRuntimeConfig(w http.ResponseWriter, cfg config.RuntimeConfig) bool {
	if s.configStore == nil {
		return true
	}
	if err := s.configStore.SetRuntime(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("persist runtime config: %v", err))
		return false
	}
	return true
}

// NewHandler creates the control API handler for b.
func NewHandler(environment config.Environment, b *bridge.Bridge, runtimeStore *config.RuntimeStore, configStore *config.AppConfigStore) http.Handler {
	server := &httpServer{environment: environment, bridge: b, runtimeStore: runtimeStore, configStore: configStore}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	mux.Handle(destinationsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listDestinations,
	}))
	mux.Handle(destinationDetailPrefix, http.HandlerFunc(server.handleDestination))

	mux.Handle(locationsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.broadcastLocations,
	}))

	mux.Handle(breakersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listBreakers,
	}))
	mux.Handle(breakerDetailPrefix, http.HandlerFunc(server.handleBreaker))

	mux.Handle(alertsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.recentAlerts,
	}))
	mux.Handle(alertStreamPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.streamAlerts,
	}))

	mux.Handle(runtimeConfigPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.exportRuntimeConfig,
		http.MethodPut: server.importRuntimeConfig,
	}))
	mux.Handle(configBackupPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.exportConfigBackup,
		http.MethodPut: server.importConfigBackup,
	}))

	if b != nil {
		registry := prometheus.NewRegistry()
		registry.MustRegister(newBridgeCollector(b))
		mux.Handle(metricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	}

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowedMethods(handlers)...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	return allowed
}

func (s *httpServer) available(w http.ResponseWriter) bool {
	if s.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge unavailable")
		return false
	}
	return true
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"status":      "ok",
		"environment": string(s.environment),
	}
	if s.bridge != nil {
		payload["workers"] = len(s.bridge.Workers().Destinations())
		payload["queues"] = len(s.bridge.Queues().IDs())
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *httpServer) listDestinations(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	statuses, err := s.bridge.Destinations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"destinations": statuses})
}

func (s *httpServer) handleDestination(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, destinationDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "destination id required")
		return
	}
	rawID, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid destination id %q", rawID))
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getDestination(w, r, id)
		return
	}
	s.handleDestinationAction(w, r, id, action)
}

func (s *httpServer) getDestination(w http.ResponseWriter, r *http.Request, id int64) {
	status := s.bridge.Status(id)
	if status.Name == "" {
		dest, err := s.bridge.Store().LoadDestination(r.Context(), id)
		switch {
		case err == nil:
			status.Name = dest.DisplayName()
			status.Address = dest.Address()
			status.Transport = string(dest.Transport)
		case errors.Is(err, destination.ErrNotFound) && !status.Exists:
			writeError(w, http.StatusNotFound, fmt.Sprintf("destination %d not found", id))
			return
		case !errors.Is(err, destination.ErrNotFound):
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *httpServer) handleDestinationAction(w http.ResponseWriter, r *http.Request, id int64, action string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var err error
	switch action {
	case "start":
		err = s.bridge.StartDestination(r.Context(), id)
	case "stop":
		err = s.bridge.StopDestination(r.Context(), id)
	case "restart":
		err = s.bridge.RestartDestination(r.Context(), id)
	case "flush":
		flushed, ferr := s.bridge.Flush(id)
		if ferr != nil {
			writeBridgeError(w, ferr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"destination_id": id, "flushed": flushed})
		return
	case "locations":
		s.ingestLocations(w, r, []int64{id})
		return
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
		return
	}
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	s.getDestination(w, r, id)
}

// ingestResponse reports a location ingest. Invalid counts payload entries that
// could not be decoded into a record at all.
type ingestResponse struct {
	Invalid int                  `json:"invalid"`
	Result  bridge.PublishResult `json:"result"`
}

func (s *httpServer) broadcastLocations(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	s.ingestLocations(w, r, nil)
}

func (s *httpServer) ingestLocations(w http.ResponseWriter, r *http.Request, destIDs []int64) {
	limitRequestBody(w, r)
	payload, err := decodeLocations(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}

	records := make([]cot.LocationRecord, 0, len(payload))
	invalid := 0
	for _, raw := range payload {
		rec, err := cot.RecordFromMap(raw)
		if err != nil {
			invalid++
			continue
		}
		records = append(records, rec)
	}

	result := s.bridge.Publish(r.Context(), destIDs, records)
	if len(destIDs) == 1 && len(result.Missing) == 1 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("destination %d has no active queue", destIDs[0]))
		return
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{Invalid: invalid, Result: result})
}

func (s *httpServer) listBreakers(w http.ResponseWriter, _ *http.Request) {
	if !s.available(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.bridge.Breakers().Snapshot()})
}

func (s *httpServer) handleBreaker(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, breakerDetailPrefix), "/")
	name, action, _ := strings.Cut(rest, "/")
	if name == "" {
		writeError(w, http.StatusNotFound, "breaker name required")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		status, ok := s.bridge.Breakers().Status(name)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("breaker %s not found", name))
			return
		}
		writeJSON(w, http.StatusOK, status)
	case "reset":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		if err := s.bridge.Breakers().Reset(name); err != nil {
			writeBridgeError(w, err)
			return
		}
		status, _ := s.bridge.Breakers().Status(name)
		writeJSON(w, http.StatusOK, status)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

func (s *httpServer) recentAlerts(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	limit := defaultAlertLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts":     s.bridge.Monitor().RecentAlerts(limit),
		"suppressed": s.bridge.Monitor().Suppressed(),
	})
}

func (s *httpServer) exportRuntimeConfig(w http.ResponseWriter, _ *http.Request) {
	if s.runtimeStore == nil {
		writeError(w, http.StatusServiceUnavailable, "runtime config store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.runtimeStore.Snapshot())
}

func (s *httpServer) importRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	if s.runtimeStore == nil {
		writeError(w, http.StatusServiceUnavailable, "runtime config store unavailable")
		return
	}
	limitRequestBody(w, r)
	cfg, err := decodeRuntimeConfig(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	previous := s.runtimeStore.Snapshot()
	updated, err := s.runtimeStore.Replace(cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if reflect.DeepEqual(previous, updated) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "unchanged", "config": updated})
		return
	}

	var applied bridge.ApplyResult
	if s.bridge != nil {
		applied, err = s.bridge.ApplyRuntimeConfig(r.Context(), updated)
		if err != nil {
			writeBridgeError(w, err)
			return
		}
	}
	if !s.persistRuntimeConfig(w, updated) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "config": updated, "applied": applied})
}

func (s *httpServer) exportConfigBackup(w http.ResponseWriter, r *http.Request) {
	payload, err := buildBackupPayload(r.Context(), s)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *httpServer) importConfigBackup(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	defer func() {
		_ = r.Body.Close()
	}()
	var payload ConfigBackup
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, fmt.Errorf("decode payload: %w", err))
		return
	}
	report, err := s.applyBackup(r.Context(), payload)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "restored", "report": report})
}

// writeBridgeError maps the errs envelope onto HTTP status codes.
func writeBridgeError(w http.ResponseWriter, err error) {
	if errors.Is(err, breaker.ErrBreakerNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	code, _ := errs.CodeOf(err)
	switch code {
	case errs.CodeInvalid, errs.CodeEncoding:
		writeError(w, http.StatusBadRequest, err.Error())
	case errs.CodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case errs.CodeConflict:
		writeError(w, http.StatusConflict, err.Error())
	case errs.CodeUnavailable, errs.CodeCircuitOpen:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errs.CodeTimeout:
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errs.CodeNetwork:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeLocations(r *http.Request) ([]map[string]any, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	var payload []map[string]any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

func decodeRuntimeConfig(r *http.Request) (config.RuntimeConfig, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var cfg config.RuntimeConfig
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode payload: %w", err)
	}
	cfg.Normalise()
	return cfg, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
