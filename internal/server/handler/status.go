package handler

import (
	"net/http"
	"time"
)

// StatusHandler reports which chain, contract and custodian this backend is
// bound to.
type StatusHandler struct {
	Mode      string
	ChainID   string
	Contract  string
	Custodian string
	StartedAt time.Time
}

// GetStatus responds with the backend's static runtime facts.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"chainId":        h.ChainID,
		"contract":       h.Contract,
		"custodian":      h.Custodian,
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	})
}
