// Package web provides the HTTP status server for the controller daemon.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"

	"github.com/sweeney/aps-controller/internal/aps"
	"github.com/sweeney/aps-controller/internal/logging"
	"github.com/sweeney/aps-controller/internal/metrics"
	"github.com/sweeney/aps-controller/internal/status"
)

// Looper starts a loop run.
type Looper interface {
	TriggerLoop(ctx context.Context)
}

// Operator performs manual pump operations.
type Operator interface {
	EnactBolus(ctx context.Context, units float64, automatic bool) error
	CancelBolus(ctx context.Context) error
	EnactTempBasal(ctx context.Context, rate float64, minutes int) error
}

// operationTimeout bounds a manual operation once the request is accepted.
// Operations are not cancelled when the client goes away.
const operationTimeout = 2 * time.Minute

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	looper     Looper
	operator   Operator
	logger     logr.Logger
}

// New creates a Server that reads state from the given tracker. looper
// may be nil, in which case POST /loop is not routed. When looper also
// implements Operator, the manual bolus and temp basal routes are served.
func New(addr string, tracker *status.Tracker, looper Looper, logger logr.Logger) *Server {
	s := &Server{tracker: tracker, looper: looper, logger: logger.WithName("web")}
	if op, ok := looper.(Operator); ok {
		s.operator = op
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/index.html", s.handleIndex)
	r.Get("/index.json", s.handleJSON)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if looper != nil {
		r.Post("/loop", s.handleLoop)
	}
	if s.operator != nil {
		r.Post("/bolus", s.handleBolus)
		r.Post("/bolus/cancel", s.handleCancelBolus)
		r.Post("/tempbasal", s.handleTempBasal)
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// Handler returns the router. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap, s.operator != nil); err != nil {
		s.logger.Error(err, "Render status page failed")
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

// handleLoop triggers a loop run. The run itself is asynchronous; a
// trigger while a loop is in flight is dropped by the scheduler.
func (s *Server) handleLoop(w http.ResponseWriter, r *http.Request) {
	s.logger.V(logging.VERBOSE).Info("Loop requested over HTTP", "remote", r.RemoteAddr)
	s.looper.TriggerLoop(context.WithoutCancel(r.Context()))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleBolus(w http.ResponseWriter, r *http.Request) {
	units, err := formFloat(r, "units")
	if err == nil && units <= 0 {
		err = errors.New("units must be positive")
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.logger.Info("Manual bolus requested over HTTP", "units", units, "remote", r.RemoteAddr)
	s.operate(w, r, func(ctx context.Context) error {
		return s.operator.EnactBolus(ctx, units, false)
	})
}

func (s *Server) handleCancelBolus(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Bolus cancel requested over HTTP", "remote", r.RemoteAddr)
	s.operate(w, r, s.operator.CancelBolus)
}

func (s *Server) handleTempBasal(w http.ResponseWriter, r *http.Request) {
	rate, err := formFloat(r, "rate")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	minutes, err := strconv.Atoi(r.FormValue("duration"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("duration: %w", err))
		return
	}
	if rate < 0 || minutes < 0 {
		writeError(w, http.StatusBadRequest, errors.New("rate and duration must not be negative"))
		return
	}
	s.logger.Info("Temp basal requested over HTTP", "rate", rate, "minutes", minutes, "remote", r.RemoteAddr)
	s.operate(w, r, func(ctx context.Context) error {
		return s.operator.EnactTempBasal(ctx, rate, minutes)
	})
}

// operate runs op detached from the request and reports the outcome.
func (s *Server) operate(w http.ResponseWriter, r *http.Request, op func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), operationTimeout)
	defer cancel()
	if err := op(ctx); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}` + "\n"))
}

func formFloat(r *http.Request, name string) (float64, error) {
	v, err := strconv.ParseFloat(r.FormValue(name), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

// statusFor maps a loop error to an HTTP status code.
func statusFor(err error) int {
	switch aps.KindOf(err) {
	case aps.InvalidDeviceState, aps.ManualOverrideConflict:
		return http.StatusConflict
	case aps.ActuatorError:
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"error_kind,omitempty"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	resp := errorResponse{Error: err.Error()}
	if kind := aps.KindOf(err); kind != aps.Unknown {
		resp.Kind = string(kind)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
