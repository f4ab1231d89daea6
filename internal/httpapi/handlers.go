package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/coordinator"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/position"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/store"
)

type batchRequest struct {
	Positions []position.Raw `json:"positions"`
}

type latestManyRequest struct {
	DeviceIDs []string `json:"device_ids"`
}

func (s *Server) handleSubmitPosition(w http.ResponseWriter, r *http.Request) {
	var raw position.Raw
	if !s.decodeBody(w, r, &raw) {
		return
	}

	_, err := s.coord.SubmitPosition(raw)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"processed": true, "duplicate": false})
	case errors.Is(err, position.ErrDuplicate):
		writeJSON(w, http.StatusOK, map[string]any{"processed": false, "duplicate": true})
	case errors.Is(err, coordinator.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		if ie, ok := position.AsInvalid(err); ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":   "invalid position",
				"details": ie.Fields,
			})
			return
		}
		s.logger.Error("submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Positions) == 0 {
		writeError(w, http.StatusBadRequest, "positions is required")
		return
	}
	if len(req.Positions) > maxBatchPositions {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("batch exceeds %d positions", maxBatchPositions))
		return
	}

	res, err := s.coord.SubmitBatch(req.Positions)
	if err != nil {
		if errors.Is(err, coordinator.ErrShuttingDown) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Error("batch submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	batchErrors := res.Errors
	if batchErrors == nil {
		batchErrors = []position.BatchError{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processed_count": len(res.Accepted),
		"duplicate_count": res.Duplicates,
		"errors":          batchErrors,
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	latest, err := s.coord.GetLatest(r.Context(), deviceID)
	if err != nil {
		s.logger.Error("reading latest failed", zap.String("device_id", deviceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if latest == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *Server) handleLatestMany(w http.ResponseWriter, r *http.Request) {
	var req latestManyRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.DeviceIDs) == 0 {
		writeError(w, http.StatusBadRequest, "device_ids is required")
		return
	}

	devices, err := s.coord.GetLatestMany(r.Context(), req.DeviceIDs)
	if err != nil {
		s.logger.Error("reading latest batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if devices == nil {
		devices = []*store.Latest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.ForceFlush(r.Context()); err != nil {
		s.logger.Error("forced flush failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "flush failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flushed": true})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	res, err := s.coord.Cleanup(r.Context())
	if err != nil {
		s.logger.Error("cleanup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.coord.Stats(r.Context())
	if err != nil {
		s.logger.Error("reading stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	h := s.coord.Health(r.Context())

	status := "ready"
	code := http.StatusOK
	if h.Status != "ok" {
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": h.Components,
	})
}

// decodeBody reads a JSON request body into dst, bounded by maxBodyBytes.
// On failure it answers the request and returns false.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
