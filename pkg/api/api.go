package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/lucid-vigil/warden/pkg/dispatcher"
	werrors "github.com/lucid-vigil/warden/pkg/errors"
	"github.com/lucid-vigil/warden/pkg/orchestrator"
	"github.com/lucid-vigil/warden/pkg/predict"
	"github.com/lucid-vigil/warden/pkg/threatintel"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// Controller is the orchestrator surface the API drives.
type Controller interface {
	Status() orchestrator.StatusReport
	Command(ctx context.Context, cmd dispatcher.Command) (dispatcher.CommandResult, error)
	CommandResult(id string) (dispatcher.CommandResult, bool)
}

// Intelligence answers IOC and report queries.
type Intelligence interface {
	AnalyzeIOC(ctx context.Context, value string, t threatintel.IOCType) (threatintel.IOCAnalysisResult, error)
	GenerateThreatReport(req threatintel.ReportRequest) (threatintel.ThreatIntelligenceReport, error)
}

// Forecaster produces threat predictions.
type Forecaster interface {
	Forecast(ctx context.Context, horizon time.Duration) ([]predict.PredictedThreat, error)
}

// Server exposes health, metrics, status and commands over HTTP.
type Server struct {
	ctl        Controller
	intel      Intelligence
	forecaster Forecaster
	logger     zerolog.Logger
	mux        *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithIntelligence enables the IOC analysis and report endpoints.
func WithIntelligence(i Intelligence) Option { return func(s *Server) { s.intel = i } }

// WithForecaster enables the predictions endpoint.
func WithForecaster(f Forecaster) Option { return func(s *Server) { s.forecaster = f } }

// NewServer registers every route on a fresh mux.
func NewServer(ctl Controller, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{ctl: ctl, logger: logger, mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /healthz", s.healthzHandler)
	s.mux.HandleFunc("GET /metrics", s.metricsHandler)
	s.mux.HandleFunc("GET /v1/status", s.statusHandler)
	s.mux.HandleFunc("POST /v1/commands", s.commandHandler)
	s.mux.HandleFunc("GET /v1/commands/{id}", s.commandResultHandler)
	s.mux.HandleFunc("GET /v1/iocs/analyze", s.analyzeHandler)
	s.mux.HandleFunc("POST /v1/reports", s.reportHandler)
	s.mux.HandleFunc("GET /v1/predictions", s.predictionsHandler)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves on addr until ctx is cancelled, then shuts the
// server down within the grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("API server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("API server shutdown: %w", err)
	}
	s.logger.Info().Msg("API server stopped")
	return nil
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	st := s.ctl.Status().Status
	if !st.Operational() {
		http.Error(w, string(st), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(string(st)))
}

// metricsHandler renders the current health snapshot in the Prometheus text
// exposition format. Usage percentages are exported as 0-1 ratios.
func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	report := s.ctl.Status()
	h := report.Health

	var b strings.Builder
	gauge := func(name, help string, value float64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n", name, help, name, name, value)
	}
	gauge("warden_overall_health", "Weighted health of contributing subsystems.", h.OverallHealth)
	gauge("warden_cpu_usage_ratio", "Host CPU usage.", h.CPUUsage/100)
	gauge("warden_memory_usage_ratio", "Host memory usage.", h.MemoryUsage/100)
	gauge("warden_disk_usage_ratio", "Disk usage of the data path.", h.DiskUsage/100)
	gauge("warden_network_latency_seconds", "Round trip of the network probe.", h.NetworkLatency.Seconds())
	gauge("warden_temperature_celsius", "Highest host sensor temperature.", h.Temperature)
	gauge("warden_uptime_seconds", "Host uptime.", h.Uptime.Seconds())
	gauge("warden_emergency_active", "1 while the emergency protocol is active.", boolGauge(report.Emergency.Active))

	b.WriteString("# HELP warden_system_status Current system status.\n# TYPE warden_system_status gauge\n")
	for _, st := range orchestrator.AllStatuses {
		fmt.Fprintf(&b, "warden_system_status{status=%q} %g\n", st, boolGauge(st == report.Status))
	}

	b.WriteString("# HELP warden_subsystem_health Last health sample per subsystem.\n# TYPE warden_subsystem_health gauge\n")
	subs := append(report.Subsystems[:0:0], report.Subsystems...)
	sort.Slice(subs, func(i, j int) bool { return subs[i].Name < subs[j].Name })
	for _, st := range subs {
		fmt.Fprintf(&b, "warden_subsystem_health{subsystem=%q,status=%q} %g\n", st.Name, st.Status, st.Health)
	}

	b.WriteString("# HELP warden_errors_total Errors handled by the orchestrator.\n# TYPE warden_errors_total counter\n")
	fmt.Fprintf(&b, "warden_errors_total %d\n", report.Errors.TotalErrors)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, b.String())
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctl.Status())
}

type commandRequest struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters"`
}

func (s *Server) commandHandler(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	t, err := dispatcher.ParseCommandType(req.Type)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.ctl.Command(r.Context(), dispatcher.Command{ID: req.ID, Type: t, Parameters: req.Parameters})
	if err != nil {
		s.logger.Warn().Err(err).Str("command", string(t)).Str("id", res.CommandID).Msg("Command failed")
		s.writeJSON(w, commandStatus(err), res)
		return
	}
	code := http.StatusOK
	if req.Parameters["async"] == true && !t.IsEmergency() {
		code = http.StatusAccepted
	}
	s.writeJSON(w, code, res)
}

func (s *Server) commandResultHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, ok := s.ctl.CommandResult(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no result for command %s", id))
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// commandStatus maps a command error to an HTTP status code.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, werrors.ErrSystemBusyEmergency), errors.Is(err, werrors.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, werrors.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, werrors.ErrUnknownCommand), werrors.IsConfigurationError(err):
		return http.StatusBadRequest
	case errors.Is(err, werrors.ErrSubsystemNotFound):
		return http.StatusNotFound
	case errors.Is(err, werrors.ErrUnsupported):
		return http.StatusUnprocessableEntity
	case werrors.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) analyzeHandler(w http.ResponseWriter, r *http.Request) {
	if s.intel == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("threat intelligence is not enabled"))
		return
	}
	q := r.URL.Query()
	t, err := threatintel.ParseIOCType(q.Get("type"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.intel.AnalyzeIOC(r.Context(), q.Get("value"), t)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) reportHandler(w http.ResponseWriter, r *http.Request) {
	if s.intel == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("threat intelligence is not enabled"))
		return
	}
	var req threatintel.ReportRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	report, err := s.intel.GenerateThreatReport(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) predictionsHandler(w http.ResponseWriter, r *http.Request) {
	if s.forecaster == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("prediction is not enabled"))
		return
	}
	horizon := 24 * time.Hour
	if raw := r.URL.Query().Get("horizon"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid horizon %q", raw))
			return
		}
		horizon = d
	}
	preds, err := s.forecaster.Forecast(r.Context(), horizon)
	if err != nil {
		s.writeError(w, commandStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"horizon": horizon.String(), "predictions": preds})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

var (
	_ Controller   = (*orchestrator.Orchestrator)(nil)
	_ Intelligence = (*threatintel.Engine)(nil)
	_ Forecaster   = (*predict.Analyzer)(nil)
)
