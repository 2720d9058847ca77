package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cartpilot/internal/auth"
	"cartpilot/internal/checkout"
	"cartpilot/internal/jobs"
	"cartpilot/internal/storefront"
)

const retailerJumbo = "jumbo"

type loginBody struct {
	auth.Result
	Ms int64 `json:"ms"`
}

func (s *Server) handleJumboLogin(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req storefront.LoginRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, err, retailerJumbo, start)
		return
	}
	res, err := s.jumbo.Login(r.Context(), req)
	if err != nil {
		s.fail(w, err, retailerJumbo, start)
		return
	}
	writeJSON(w, http.StatusOK, loginBody{Result: res, Ms: since(start)})
}

func (s *Server) handleJumboAddMultiple(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req storefront.AddMultipleRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, err, retailerJumbo, start)
		return
	}
	res, err := s.jumbo.AddMultiple(r.Context(), req, nil)
	if err != nil {
		s.fail(w, err, retailerJumbo, start)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type jobAccepted struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
}

// handleJumboAddMultipleAsync validates the request, then runs the batch as a
// job detached from the HTTP request.
func (s *Server) handleJumboAddMultipleAsync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req storefront.AddMultipleRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, err, retailerJumbo, start)
		return
	}
	if err := req.Validate(); err != nil {
		s.fail(w, err, retailerJumbo, start)
		return
	}

	rec, err := s.jobs.Submit("jumbo.add-multiple", func(ctx context.Context, report func(jobs.Progress)) (any, error) {
		res, err := s.jumbo.AddMultiple(ctx, req, report)
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		s.fail(w, err, retailerJumbo, start)
		return
	}
	writeJSON(w, http.StatusAccepted, jobAccepted{Success: true, JobID: rec.ID, Status: string(rec.Status)})
}

type jobStatus struct {
	Success   bool          `json:"success"`
	JobID     string        `json:"jobId"`
	Status    jobs.Status   `json:"status"`
	Progress  jobs.Progress `json:"progress"`
	Result    any           `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	ElapsedMs int64         `json:"elapsedMs"`
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec, err := s.jobFromQuery(r)
	if err != nil {
		s.fail(w, err, retailerJumbo, start)
		return
	}
	end := time.Now()
	if rec.FinishedAt != nil {
		end = *rec.FinishedAt
	}
	writeJSON(w, http.StatusOK, jobStatus{
		Success:   rec.Status != jobs.StatusFailed,
		JobID:     rec.ID,
		Status:    rec.Status,
		Progress:  rec.Progress,
		Result:    rec.Result,
		Error:     rec.Error,
		ElapsedMs: end.Sub(rec.CreatedAt).Milliseconds(),
	})
}

type progressUpdate struct {
	JobID string `json:"jobId"`
	jobs.Progress
}

func (s *Server) handleUpdateProgress(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req progressUpdate
	if err := decode(w, r, &req); err != nil {
		s.fail(w, err, retailerJumbo, start)
		return
	}
	if req.JobID == "" {
		s.fail(w, errMissingJobID, retailerJumbo, start)
		return
	}
	if err := s.jobs.UpdateProgress(req.JobID, req.Progress); err != nil {
		s.fail(w, err, retailerJumbo, start)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type progressBody struct {
	Success  bool          `json:"success"`
	JobID    string        `json:"jobId"`
	Status   jobs.Status   `json:"status"`
	Progress jobs.Progress `json:"progress"`
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec, err := s.jobFromQuery(r)
	if err != nil {
		s.fail(w, err, retailerJumbo, start)
		return
	}
	writeJSON(w, http.StatusOK, progressBody{Success: true, JobID: rec.ID, Status: rec.Status, Progress: rec.Progress})
}

var errMissingJobID = fmt.Errorf("%w: jobId is required", storefront.ErrInvalidRequest)

func (s *Server) jobFromQuery(r *http.Request) (jobs.Record, error) {
	id := r.URL.Query().Get("jobId")
	if id == "" {
		return jobs.Record{}, errMissingJobID
	}
	return s.jobs.Get(id)
}

type purchaseBody struct {
	storefront.PurchaseResponse
	Hint string `json:"hint,omitempty"`
	Ms   int64  `json:"ms"`
}

func (s *Server) handleJumboCompletePurchase(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req storefront.PurchaseRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, err, retailerJumbo, start)
		return
	}
	res, err := s.jumbo.CompletePurchase(r.Context(), req)
	if errors.Is(err, checkout.ErrInsufficientFunds) {
		status, hint := classify(err, retailerJumbo)
		writeJSON(w, status, purchaseBody{PurchaseResponse: res, Hint: hint, Ms: since(start)})
		return
	}
	if err != nil {
		s.fail(w, err, retailerJumbo, start)
		return
	}
	writeJSON(w, http.StatusOK, purchaseBody{PurchaseResponse: res, Ms: since(start)})
}
