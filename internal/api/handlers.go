package api

import (
	"net/http"
	"strconv"

	"github.com/auditconsole/classify/internal/models"
	"github.com/auditconsole/classify/internal/queue"
	"github.com/auditconsole/classify/internal/store"
)

func (s *Server) listAssets(w http.ResponseWriter, r *http.Request) {
	filters := store.ListAssetFilters{
		Limit:  100,
		Offset: 0,
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if limit, err := strconv.Atoi(l); err == nil && limit > 0 && limit <= 1000 {
			filters.Limit = limit
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if offset, err := strconv.Atoi(o); err == nil && offset >= 0 {
			filters.Offset = offset
		}
	}
	if st := r.URL.Query().Get("status"); st != "" {
		status := models.Status(st)
		if status != models.StatusActive && status != models.StatusPendingReview {
			respondError(w, http.StatusBadRequest, "validation_error", "status must be ACTIVE or PENDING_REVIEW")
			return
		}
		filters.Status = &status
	}
	filters.AssetType = r.URL.Query().Get("asset_type")

	assets, total, err := s.assets.ListAssets(r.Context(), filters)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSONWithMeta(w, http.StatusOK, assets, &apiMeta{
		Total:  total,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
}

func (s *Server) getAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "assetID")
	if !ok {
		return
	}

	asset, err := s.assets.GetAsset(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, asset)
}

type createAssetRequest struct {
	Name                string `json:"name"`
	AssetType           string `json:"asset_type"`
	ClassificationBasis string `json:"classification_basis"`
}

// createAsset registers an inventory item. It starts unclassified and is
// picked up by the next sweep.
func (s *Server) createAsset(w http.ResponseWriter, r *http.Request) {
	var req createAssetRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "name is required")
		return
	}

	asset := &models.DataAsset{
		Name:                req.Name,
		AssetType:           req.AssetType,
		ClassificationBasis: req.ClassificationBasis,
		Status:              models.StatusActive,
	}

	if err := s.assets.CreateAsset(r.Context(), asset); err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, asset)
}

type dashboardSummary struct {
	Assets struct {
		Total   int            `json:"total"`
		ByLevel map[string]int `json:"by_level"`
	} `json:"assets"`
	PendingReviews int          `json:"pending_reviews"`
	Queue          *queue.Stats `json:"queue,omitempty"`
}

func (s *Server) getDashboardSummary(w http.ResponseWriter, r *http.Request) {
	summary := dashboardSummary{}

	counts, err := s.assets.CountAssetsByLevel(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	summary.Assets.ByLevel = counts
	for _, n := range counts {
		summary.Assets.Total += n
	}

	pending, err := s.workflow.PendingReviewAssets(r.Context(), 1, 1)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	summary.PendingReviews = pending.Total

	if s.queue != nil {
		stats, err := s.queue.GetQueueStats(r.Context())
		if err != nil {
			s.logger.Warn("failed to get queue stats", "error", err)
		} else {
			summary.Queue = stats
		}
	}

	respondJSON(w, http.StatusOK, summary)
}
