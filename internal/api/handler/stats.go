package handler

import (
	"net/http"

	"github.com/kiranshivaraju/promptflow/internal/api/response"
	"github.com/kiranshivaraju/promptflow/internal/metrics"
)

// StatsSource provides a metrics snapshot. *metrics.Collector implements it.
type StatsSource interface {
	Snapshot() metrics.Snapshot
}

// NewStatsHandler returns an http.HandlerFunc for GET /api/v1/stats.
func NewStatsHandler(src StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, src.Snapshot())
	}
}
