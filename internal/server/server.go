// Package server exposes the HTTP surface: POST /eval plus health and
// metrics endpoints. Guest failures never surface here — they arrive as
// ordinary result strings; only host-layer failures produce HTTP 500.
package server

import (
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	sandbox "github.com/ryanpotat/potat-eval"
	"github.com/ryanpotat/potat-eval/internal/history"
	"github.com/ryanpotat/potat-eval/internal/metrics"
)

const authFailedMessage = "not today my little bish xqcL"

// evalRequest is the wire shape of POST /eval.
type evalRequest struct {
	Code string         `json:"code"`
	Msg  map[string]any `json:"msg"`
}

type apiError struct {
	Message string `json:"message"`
}

// envelope is the response document for every /eval outcome.
type envelope struct {
	Data       []string   `json:"data"`
	StatusCode int        `json:"statusCode"`
	Duration   float64    `json:"duration"`
	Errors     []apiError `json:"errors,omitempty"`
}

// Options wires the server's collaborators. History and Metrics are
// optional.
type Options struct {
	Auth    string
	Queue   *sandbox.Queue
	History *history.Store
	Metrics *metrics.Metrics
	Log     zerolog.Logger
}

type Server struct {
	auth    string
	queue   *sandbox.Queue
	history *history.Store
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func New(opts Options) *Server {
	return &Server{
		auth:    opts.Auth,
		queue:   opts.Queue,
		history: opts.History,
		metrics: opts.Metrics,
		log:     opts.Log,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/eval", s.handleEval).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleEval(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if !authorize(r.Header.Get("Authorization"), s.auth) {
		s.respond(w, start, http.StatusTeapot, envelope{
			Data:       []string{},
			StatusCode: http.StatusTeapot,
			Errors:     []apiError{{Message: authFailedMessage}},
		})
		return
	}

	var req evalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.log.Error().Err(err).Msg("decoding eval request")
		s.internalError(w, start)
		return
	}

	result, err := s.queue.Eval(r.Context(), req.Code, req.Msg)
	if err != nil {
		s.log.Error().Err(err).Str("code", req.Code).Msg("evaluation failed")
		s.internalError(w, start)
		s.observe(http.StatusInternalServerError, start, req)
		return
	}

	s.respond(w, start, http.StatusOK, envelope{
		Data:       []string{result},
		StatusCode: http.StatusOK,
	})
	s.observe(http.StatusOK, start, req)
}

func (s *Server) internalError(w http.ResponseWriter, start time.Time) {
	s.respond(w, start, http.StatusInternalServerError, envelope{
		Data:       []string{},
		StatusCode: http.StatusInternalServerError,
		Errors:     []apiError{{Message: "Internal server error"}},
	})
}

// respond stamps the duration at write time and encodes the envelope.
func (s *Server) respond(w http.ResponseWriter, start time.Time, status int, env envelope) {
	env.Duration = roundMS(time.Since(start))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.log.Error().Err(err).Msg("writing eval response")
	}
}

// observe feeds metrics and the write-behind history store.
func (s *Server) observe(status int, start time.Time, req evalRequest) {
	took := time.Since(start)
	if s.metrics != nil {
		s.metrics.ObserveEval(status, took.Seconds())
	}
	if s.history != nil {
		rec := history.Evaluation{
			ID:         uuid.NewString(),
			Platform:   platformOf(req.Msg),
			Status:     status,
			DurationMS: roundMS(took),
			Code:       req.Code,
		}
		go func() {
			if err := s.history.Record(rec); err != nil {
				s.log.Warn().Err(err).Msg("recording evaluation history")
			}
		}()
	}
}

func platformOf(msg map[string]any) string {
	if p, ok := msg["platform"].(string); ok && p != "" {
		return p
	}
	return "PotatEval"
}

// roundMS renders a duration as milliseconds with 4 decimal places.
func roundMS(d time.Duration) float64 {
	ms := float64(d.Nanoseconds()) / 1e6
	return math.Round(ms*10000) / 10000
}
