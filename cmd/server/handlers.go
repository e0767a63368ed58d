package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lychee-technology/tabq"
	"go.uber.org/zap"
)

// RunQueryResponse is the body of POST /run-query.
type RunQueryResponse struct {
	JobID      uint64  `json:"job_id"`
	Status     string  `json:"status"`
	DurationMs *int64  `json:"duration_ms,omitempty"`
	Cost       int     `json:"cost"`
	Output     *string `json:"output"`
	Error      string  `json:"error,omitempty"`
}

// handleRunQuery handles POST /run-query?wait=true|false
func (s *Server) handleRunQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	wait, err := parseWait(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := readBody(w, r, s.maxBodyBytes)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("query exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}

	sub, err := s.service.Submit(r.Context(), string(body))
	if err != nil {
		var parseErr *tabq.ParseError
		switch {
		case errors.As(err, &parseErr):
			writeError(w, http.StatusBadRequest, parseErr.Error())
		case errors.Is(err, tabq.ErrSchedulerClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusServiceUnavailable, "request ended before the job was admitted")
		default:
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("submit failed: %v", err))
		}
		return
	}

	resp := RunQueryResponse{
		JobID:  sub.JobID,
		Status: string(sub.Status),
		Cost:   sub.Cost,
	}
	if !wait {
		writeSuccess(w, http.StatusAccepted, resp)
		return
	}

	result, err := sub.Wait(r.Context())
	if err != nil {
		// The job keeps running and is still recorded.
		zap.S().Infow("caller stopped waiting", "jobID", sub.JobID, "requestID", requestIDFrom(r.Context()), "err", err)
		resp.Error = "request ended before the job completed"
		writeSuccess(w, http.StatusGatewayTimeout, resp)
		return
	}

	writeSuccess(w, http.StatusOK, buildResponse(resp, result))
}

func buildResponse(resp RunQueryResponse, result tabq.JobResult) RunQueryResponse {
	ms := result.Duration.Milliseconds()
	resp.DurationMs = &ms
	switch result.Payload.Kind {
	case tabq.PayloadInline:
		out := base64.StdEncoding.EncodeToString(result.Payload.Bytes)
		resp.Output = &out
	case tabq.PayloadSpilled:
		out := result.Payload.Path
		resp.Output = &out
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	return resp
}

// handleHealth handles GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.service.HealthCheck(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	return io.ReadAll(r.Body)
}
