package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	ByPolling   map[string]int `json:"by_polling"`
	AvgSettleMS float64        `json:"avg_settle_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetWaitStats(r.Context())
	if err != nil {
		s.logger.Error("get wait stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:       stats.Total,
		ByStatus:    stats.CountByStatus,
		ByPolling:   stats.CountByPolling,
		AvgSettleMS: stats.AvgSettleMS,
	})
}
