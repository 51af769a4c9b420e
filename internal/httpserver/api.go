package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/wilsonzlin/aero/proxy/callguard/internal/flagstore"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/report"
)

const (
	maxAPIBodyBytes = 64 << 10
	publishTimeout  = 5 * time.Second
)

type verifyNumberRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Action      string `json:"action"`
}

func (s *Server) handleVerifyNumber(w http.ResponseWriter, r *http.Request) {
	var req verifyNumberRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch req.Action {
	case "verify":
		flagged, err := s.flags.Contains(r.Context(), req.PhoneNumber)
		if errors.Is(err, flagstore.ErrInvalidNumber) {
			writeError(w, http.StatusBadRequest, "invalid phoneNumber")
			return
		}
		if err != nil {
			s.log.Error("flag store lookup failed", "err", err)
			writeError(w, http.StatusInternalServerError, "flag store unavailable")
			return
		}
		s.metrics.Inc(metrics.EventNumberVerified)
		WriteJSON(w, http.StatusOK, map[string]any{"isScamNumber": flagged})
	case "add":
		err := s.flags.Add(r.Context(), req.PhoneNumber)
		if errors.Is(err, flagstore.ErrInvalidNumber) {
			writeError(w, http.StatusBadRequest, "invalid phoneNumber")
			return
		}
		if err != nil {
			s.log.Error("flag store add failed", "err", err)
			writeError(w, http.StatusInternalServerError, "flag store unavailable")
			return
		}
		s.metrics.Inc(metrics.EventNumberFlagged)
		s.log.Info("number flagged", "number", req.PhoneNumber)
		WriteJSON(w, http.StatusOK, map[string]any{"success": true})
	default:
		writeError(w, http.StatusBadRequest, `action must be "verify" or "add"`)
	}
}

func (s *Server) handleListFlagged(w http.ResponseWriter, r *http.Request) {
	numbers, err := s.flags.List(r.Context())
	if err != nil {
		s.log.Error("flag store list failed", "err", err)
		writeError(w, http.StatusInternalServerError, "flag store unavailable")
		return
	}
	if numbers == nil {
		numbers = []string{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"numbers": numbers})
}

func (s *Server) handleStoreReport(w http.ResponseWriter, r *http.Request) {
	var rep report.Report
	if err := decodeBody(w, r, &rep); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := rep.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored := s.reports.Append(rep)
	s.metrics.Inc(metrics.EventReportStored)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, stored); err != nil {
		s.metrics.Inc(metrics.EventReportPublishFailed)
		s.log.Warn("scam report publish failed", "id", stored.ID, "err", err)
	}

	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "id": stored.ID})
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	WriteJSON(w, http.StatusOK, map[string]any{"reports": s.reports.List(limit)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBodyBytes))
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return errors.New("request body too large")
		case errors.Is(err, io.EOF):
			return errors.New("request body is empty")
		default:
			return errors.New("invalid JSON body")
		}
	}
	return nil
}
