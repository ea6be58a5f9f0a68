package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/auditconsole/classify/internal/models"
	"github.com/auditconsole/classify/internal/queue"
)

// levelInput accepts a level as a number (3) or a label ("C3").
type levelInput models.Level

func (l *levelInput) UnmarshalJSON(data []byte) error {
	if bytes.HasPrefix(data, []byte(`"`)) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := models.ParseLevel(s)
		if err != nil {
			return err
		}
		*l = levelInput(parsed)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*l = levelInput(n)
	return nil
}

func (s *Server) classifyAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "assetID")
	if !ok {
		return
	}

	outcome, err := s.engine.ClassifyAndCommit(r.Context(), id, actor(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, outcome)
}

type assetIDsRequest struct {
	AssetIDs []uuid.UUID `json:"asset_ids"`
	Priority int         `json:"priority,omitempty"`
	Comment  string      `json:"comment,omitempty"`
}

type batchClassifyResponse struct {
	Levels map[uuid.UUID]models.Level `json:"levels"`
	Result *models.BatchResult        `json:"result"`
}

func (s *Server) batchClassify(w http.ResponseWriter, r *http.Request) {
	var req assetIDsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	levels, result, err := s.engine.BatchClassify(r.Context(), req.AssetIDs, actor(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, batchClassifyResponse{Levels: levels, Result: result})
}

func (s *Server) enqueueBatchClassify(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		respondError(w, http.StatusServiceUnavailable, "queue_unavailable", "Background queue is not configured")
		return
	}

	var req assetIDsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	job := &queue.Job{
		Type:       queue.JobClassifyBatch,
		AssetIDs:   lo.Uniq(req.AssetIDs),
		OperatorID: actor(r),
		Priority:   req.Priority,
	}
	if len(req.AssetIDs) == 0 {
		job.Type = queue.JobClassifyUnclassified
	}

	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": job.ID,
		"type":   job.Type,
		"assets": len(job.AssetIDs),
	})
}

func (s *Server) getClassificationJob(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		respondError(w, http.StatusServiceUnavailable, "queue_unavailable", "Background queue is not configured")
		return
	}
	id, ok := uuidParam(w, r, "jobID")
	if !ok {
		return
	}

	progress, err := s.queue.GetProgress(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if progress == nil {
		respondError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}

	respondJSON(w, http.StatusOK, progress)
}

func (s *Server) getQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		respondError(w, http.StatusServiceUnavailable, "queue_unavailable", "Background queue is not configured")
		return
	}

	stats, err := s.queue.GetQueueStats(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) classifyUnclassified(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.ClassifyAllUnclassified(r.Context(), actor(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]int{"classified": n})
}

type matchRequest struct {
	FieldName string `json:"field_name"`
	Content   string `json:"content"`
}

func (s *Server) matchRules(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rule, err := s.engine.MatchRules(r.Context(), req.FieldName, req.Content)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"matched": rule != nil,
		"rule":    rule,
	})
}

func (s *Server) needsReview(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "assetID")
	if !ok {
		return
	}

	level, err := models.ParseLevel(r.URL.Query().Get("level"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"asset_id":     id,
		"level":        level,
		"needs_review": s.engine.NeedManualReview(id, level),
	})
}
