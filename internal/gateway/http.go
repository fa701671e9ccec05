package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

const maxCallbackBody = 1 << 20

// handleCallbacks ingests a webhook batch from the call-automation service.
// The body is a JSON array of events; each is dispatched by the processor.
func (s *Server) handleCallbacks(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Processor == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "telephony is not configured",
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "read body: " + err.Error(),
		})
		return
	}

	if err := s.cfg.Processor.ProcessBatch(r.Context(), body); err != nil {
		s.log.Warn("callback batch rejected", "err", err)
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "decode events: " + err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "processed"})
}

type createCallRequest struct {
	TargetNumber string `json:"target_number"`
}

// handleCreateCall places an outbound call to the requested number. The call
// connection id comes back so the client can correlate webhook events.
func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Calls == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "telephony is not configured",
		})
		return
	}

	var req createCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "decode request: " + err.Error(),
		})
		return
	}
	req.TargetNumber = strings.TrimSpace(req.TargetNumber)
	if req.TargetNumber == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "target_number is required",
		})
		return
	}

	callID, err := s.cfg.Calls.CreateCall(r.Context(), req.TargetNumber)
	if err != nil {
		s.log.Error("create call failed", "target", req.TargetNumber, "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"status": "failed"})
		return
	}

	s.log.Info("outbound call created", "call_id", callID, "target", req.TargetNumber)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"message": "Call initiated",
		"callId":  callID,
	})
}
