// Package api implements the bridge's HTTP API: health, Prometheus
// metrics, device state, commands and a WebSocket stream of bridge
// events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/miraie-bridge/internal/bridge"
	"github.com/nugget/miraie-bridge/internal/broker"
	"github.com/nugget/miraie-bridge/internal/buildinfo"
	"github.com/nugget/miraie-bridge/internal/climate"
	"github.com/nugget/miraie-bridge/internal/connwatch"
	"github.com/nugget/miraie-bridge/internal/events"
	"github.com/nugget/miraie-bridge/internal/miraie"
)

// Bridge is the device surface the API serves. [bridge.Registry]
// satisfies it.
type Bridge interface {
	Devices() []bridge.DeviceView
	Device(deviceID string) (bridge.DeviceView, bool)
	Command(ctx context.Context, deviceID string, cmds ...climate.Command) error
	SetHVACMode(ctx context.Context, deviceID, hvacMode string) error
	Refresh(ctx context.Context, account string) error
	Status() []bridge.Status
}

// Watchers reports the health of watched external services.
type Watchers interface {
	Status() map[string]connwatch.ServiceStatus
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	bridge   Bridge
	bus      *events.Bus
	metrics  http.Handler
	watchers Watchers
	upgrader websocket.Upgrader
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, b Bridge, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		bridge:  b,
		bus:     bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The API is meant for the local network; no browser
			// origin is trusted more than another.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// SetMetrics configures the handler served at /metrics.
func (s *Server) SetMetrics(h http.Handler) {
	s.metrics = h
}

// SetWatchers adds external service health to /health.
func (s *Server) SetWatchers(w Watchers) {
	s.watchers = w
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("GET /api/devices/{id}", s.handleDevice)
	mux.HandleFunc("POST /api/devices/{id}/command", s.handleCommand)
	mux.HandleFunc("GET /api/accounts", s.handleAccounts)
	mux.HandleFunc("POST /api/accounts/{name}/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns when the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// statusFor maps a bridge error onto an HTTP status.
func statusFor(err error) int {
	var (
		authErr     *miraie.AuthError
		apiErr      *miraie.APIError
		invalid     *climate.InvalidCommandError
		unsupported *climate.UnsupportedCommandError
		pubErr      *broker.PublishError
	)
	switch {
	case errors.Is(err, bridge.ErrUnknownDevice), errors.Is(err, bridge.ErrUnknownAccount):
		return http.StatusNotFound
	case errors.Is(err, bridge.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, bridge.ErrNotLoaded), errors.As(err, &pubErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &unsupported):
		return http.StatusUnprocessableEntity
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "error", err, "status", code)
	}
	s.errorResponse(w, code, err.Error())
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                             `json:"status"`
	Version  string                             `json:"version"`
	Uptime   string                             `json:"uptime"`
	Accounts []bridge.Status                    `json:"accounts"`
	Services map[string]connwatch.ServiceStatus `json:"services,omitempty"`
}

// handleHealth answers 200 when every account is loaded and connected
// and every watched service is ready, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "healthy",
		Version:  buildinfo.Version,
		Uptime:   buildinfo.Uptime().Truncate(time.Second).String(),
		Accounts: s.bridge.Status(),
	}
	for _, a := range resp.Accounts {
		if !a.Healthy() {
			resp.Status = "degraded"
		}
	}
	if s.watchers != nil {
		resp.Services = s.watchers.Status()
		for _, svc := range resp.Services {
			if !svc.Ready {
				resp.Status = "degraded"
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.bridge.Devices()
	if account := r.URL.Query().Get("account"); account != "" {
		filtered := devices[:0:0]
		for _, d := range devices {
			if d.Account == account {
				filtered = append(filtered, d)
			}
		}
		devices = filtered
	}
	if devices == nil {
		devices = []bridge.DeviceView{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"devices": devices}, s.logger)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.bridge.Device(r.PathValue("id"))
	if !ok {
		s.fail(w, bridge.ErrUnknownDevice)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, d, s.logger)
}

// CommandRequest is the body of POST /api/devices/{id}/command. Either
// HVACMode or Attr with Value is set. Value may be a string, number or
// boolean.
type CommandRequest struct {
	HVACMode string `json:"hvac_mode,omitempty"`
	Attr     string `json:"attr,omitempty"`
	Value    any    `json:"value,omitempty"`
}

// commandValue renders a JSON value as the text form ParseCommand reads.
func commandValue(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		if v {
			return "on", nil
		}
		return "off", nil
	case nil:
		return "", errors.New("value is required")
	}
	return "", fmt.Errorf("unsupported value type %T", v)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req CommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	var err error
	switch {
	case req.HVACMode != "" && req.Attr != "":
		s.errorResponse(w, http.StatusBadRequest, "set either hvac_mode or attr, not both")
		return
	case req.HVACMode != "":
		err = s.bridge.SetHVACMode(r.Context(), id, req.HVACMode)
	case req.Attr != "":
		value, verr := commandValue(req.Value)
		if verr != nil {
			s.errorResponse(w, http.StatusBadRequest, verr.Error())
			return
		}
		cmd, perr := climate.ParseCommand(req.Attr, value)
		if perr != nil {
			s.errorResponse(w, http.StatusBadRequest, perr.Error())
			return
		}
		err = s.bridge.Command(r.Context(), id, cmd)
	default:
		s.errorResponse(w, http.StatusBadRequest, "hvac_mode or attr is required")
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}

	s.logger.Info("command accepted", "device", id, "attr", req.Attr, "hvac_mode", req.HVACMode)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "published"}, s.logger)
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"accounts": s.bridge.Status()}, s.logger)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.bridge.Refresh(r.Context(), name); err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("account refreshed", "account", name)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "refreshed"}, s.logger)
}
