// Package httpapi exposes the storefront workflows as JSON endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"cartpilot/internal/auth"
	"cartpilot/internal/cart"
	"cartpilot/internal/jobs"
	"cartpilot/internal/lider"
	"cartpilot/internal/storefront"
)

const maxBodyBytes = 1 << 20

type JumboService interface {
	Login(ctx context.Context, req storefront.LoginRequest) (auth.Result, error)
	AddMultiple(ctx context.Context, req storefront.AddMultipleRequest, report func(jobs.Progress)) (cart.BatchResult, error)
	CompletePurchase(ctx context.Context, req storefront.PurchaseRequest) (storefront.PurchaseResponse, error)
}

type LiderService interface {
	AddToCart(ctx context.Context, req lider.AddRequest) (lider.AddResponse, error)
	OpenBrowser(ctx context.Context, req storefront.OpenBrowserRequest) (storefront.OpenBrowserResponse, error)
}

type Server struct {
	jumbo JumboService
	lider LiderService
	jobs  *jobs.Tracker
	log   *zap.Logger
	mux   *http.ServeMux
}

func New(jumbo JumboService, lider LiderService, tracker *jobs.Tracker, log *zap.Logger) *Server {
	s := &Server{
		jumbo: jumbo,
		lider: lider,
		jobs:  tracker,
		log:   log.Named("http"),
		mux:   http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /jumbo/login", s.handleJumboLogin)
	s.mux.HandleFunc("POST /jumbo/add-multiple", s.handleJumboAddMultiple)
	s.mux.HandleFunc("POST /jumbo/add-multiple-async", s.handleJumboAddMultipleAsync)
	s.mux.HandleFunc("GET /jumbo/add-multiple-async", s.handleJobStatus)
	s.mux.HandleFunc("POST /jumbo/update-job-progress", s.handleUpdateProgress)
	s.mux.HandleFunc("GET /jumbo/update-job-progress", s.handleGetProgress)
	s.mux.HandleFunc("POST /jumbo/complete-purchase", s.handleJumboCompletePurchase)

	s.mux.HandleFunc("POST /lider/add-to-cart", s.handleLiderAddToCart)
	s.mux.HandleFunc("POST /lider/open-browser", s.handleLiderOpenBrowser)
}

// ServeHTTP runs every request inside the recovery boundary, so a panicking
// handler still answers with the JSON error shape.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	defer func() {
		if p := recover(); p != nil {
			s.log.Error("Handler panicked",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Any("panic", p),
				zap.Stack("stack"))
			if !rec.wrote {
				writeJSON(rec, http.StatusInternalServerError, errorBody{
					Error: fmt.Sprintf("internal error: %v", p),
					Ms:    time.Since(start).Milliseconds(),
				})
			}
		}
		s.log.Info("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	}()

	s.mux.ServeHTTP(rec, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.wrote = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

var errBadJSON = errors.New("invalid json")

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func since(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
