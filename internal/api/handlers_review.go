package api

import (
	"net/http"
	"strconv"

	"github.com/auditconsole/classify/internal/models"
)

type manualClassifyRequest struct {
	Level levelInput `json:"level"`
}

func (s *Server) manualClassify(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "assetID")
	if !ok {
		return
	}
	var req manualClassifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	asset, err := s.workflow.ManualClassify(r.Context(), id, models.Level(req.Level), actor(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, asset)
}

type submitReviewRequest struct {
	Level  levelInput `json:"level"`
	Reason string     `json:"reason"`
}

func (s *Server) submitReview(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "assetID")
	if !ok {
		return
	}
	var req submitReviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	asset, err := s.workflow.SubmitReview(r.Context(), id, models.Level(req.Level), req.Reason, actor(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, asset)
}

type reviewDecisionRequest struct {
	Approved *bool  `json:"approved"`
	Comment  string `json:"comment"`
}

func (s *Server) reviewDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "assetID")
	if !ok {
		return
	}
	var req reviewDecisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Approved == nil {
		respondError(w, http.StatusBadRequest, "validation_error", "approved is required")
		return
	}

	asset, err := s.workflow.ReviewClassification(r.Context(), id, *req.Approved, req.Comment, actor(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, asset)
}

func (s *Server) batchApprove(w http.ResponseWriter, r *http.Request) {
	var req assetIDsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := s.workflow.BatchApprove(r.Context(), req.AssetIDs, req.Comment, actor(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) batchReject(w http.ResponseWriter, r *http.Request) {
	var req assetIDsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := s.workflow.BatchReject(r.Context(), req.AssetIDs, req.Comment, actor(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) listPendingReviews(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))

	result, err := s.workflow.PendingReviewAssets(r.Context(), page, size)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSONWithMeta(w, http.StatusOK, result.Items, &apiMeta{
		Total:  result.Total,
		Limit:  result.Size,
		Offset: (result.Page - 1) * result.Size,
	})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "assetID")
	if !ok {
		return
	}

	records, err := s.workflow.History(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if records == nil {
		records = []*models.ClassificationHistory{}
	}

	respondJSON(w, http.StatusOK, records)
}

func (s *Server) getLatestHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "assetID")
	if !ok {
		return
	}

	record, err := s.workflow.LatestHistory(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, record)
}
