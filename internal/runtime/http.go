package runtime

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/topicplugins/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/topicplugins/internal/runtime/logging"
)

const httpShutdownTimeout = 5 * time.Second

type healthResponse struct {
	Status        string              `json:"status"`
	Exceptions    uint64              `json:"exceptions"`
	Registrations []RegistrationStats `json:"registrations"`
}

// RegisterHTTPHandler mounts handler on the status server. It must be called
// before Start; the server only listens when Config.HTTPPort is set.
func (s *Service) RegisterHTTPHandler(pattern string, handler http.Handler) {
	s.router.Handle(pattern, handler)
}

// Handler returns the status routes, for embedding into another server.
func (s *Service) Handler() http.Handler {
	return s.router
}

func (s *Service) routes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/registrations", s.handleRegistrations)
	s.router.Get("/registrations/{topic}", s.handleRegistrationsByTopic)
	if s.metrics != nil {
		gatherer := s.deps.MetricsGatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
			if g, ok := s.deps.MetricsRegisterer.(prometheus.Gatherer); ok {
				gatherer = g
			}
		}
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Service) startHTTPServer() {
	if s.Conf.HTTPPort == 0 {
		return
	}

	addr := ":" + strconv.Itoa(s.Conf.HTTPPort)
	server := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.httpServer = server
	s.mu.Unlock()

	go func() {
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"addr": addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"addr": addr})
		}
	}()
}

func (s *Service) stopHTTPServer() {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()
	if server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		s.Logger.Error("Failed to stop HTTP server", err, nil)
	}
}

// Stats returns a snapshot of every registration.
func (s *Service) Stats() []RegistrationStats {
	stats := make([]RegistrationStats, 0, len(s.registrations))
	for _, reg := range s.registrations {
		stats = append(stats, reg.Stats())
	}
	return stats
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Exceptions: s.exceptions.Load(), Registrations: s.Stats()}
	code := http.StatusOK
	for _, reg := range s.registrations {
		if reg.State() != StateLivePumping {
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
			break
		}
	}
	s.writeJSON(w, code, resp)
}

func (s *Service) handleRegistrations(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Stats())
}

func (s *Service) handleRegistrationsByTopic(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	var stats []RegistrationStats
	for _, reg := range s.registrations {
		if reg.Topic() == topic {
			stats = append(stats, reg.Stats())
		}
	}
	if len(stats) == 0 {
		http.Error(w, "registration not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Service) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := jsoncodec.Encode(w, v); err != nil {
		s.Logger.Error("Failed to encode response", err, nil)
	}
}
