package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/auditconsole/classify/internal/auth"
	"github.com/auditconsole/classify/internal/models"
	"github.com/auditconsole/classify/internal/rules"
	"github.com/auditconsole/classify/internal/scheduler"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "email and password are required")
		return
	}

	tokens, err := s.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "auth_error", "Invalid credentials")
		return
	}

	respondJSON(w, http.StatusOK, tokens)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tokens, err := s.authService.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "auth_error", "Invalid refresh token")
		return
	}

	respondJSON(w, http.StatusOK, tokens)
}

// logout revokes the given refresh token, or every token of the user when
// the body carries none.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	var req refreshRequest
	var err error
	if json.NewDecoder(r.Body).Decode(&req) != nil || req.RefreshToken == "" {
		err = s.authService.LogoutAll(r.Context(), claims.UserID)
	} else {
		err = s.authService.Logout(r.Context(), claims.UserID, req.RefreshToken)
	}
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) getCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": claims.UserID,
		"email":   claims.Email,
		"role":    claims.Role,
	})
}

type createUserRequest struct {
	Email    string    `json:"email"`
	Name     string    `json:"name"`
	Password string    `json:"password"`
	Role     auth.Role `json:"role"`
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Role == "" {
		req.Role = auth.RoleViewer
	}

	user, err := s.authService.CreateUser(r.Context(), req.Email, req.Name, req.Password, req.Role)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, user)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.authService.ListUsers(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, users)
}

type updateRoleRequest struct {
	Role auth.Role `json:"role"`
}

func (s *Server) updateUserRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := s.authService.UpdateRole(r.Context(), chi.URLParam(r, "userID"), req.Role)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, user)
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")
	if claims, ok := auth.GetUserFromContext(r.Context()); ok && claims.UserID == id {
		respondError(w, http.StatusBadRequest, "validation_error", "cannot delete your own account")
		return
	}

	if err := s.authService.DeleteUser(r.Context(), id); err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) requireScheduler(w http.ResponseWriter) bool {
	if s.scheduler == nil {
		respondError(w, http.StatusServiceUnavailable, "scheduler_unavailable", "Scheduler is not enabled")
		return false
	}
	return true
}

func (s *Server) listScheduledJobs(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}

	jobs, err := s.scheduler.ListJobs(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, jobs)
}

type createJobRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Schedule    string            `json:"schedule"`
	JobType     scheduler.JobType `json:"job_type"`
	Config      map[string]string `json:"config"`
	Enabled     bool              `json:"enabled"`
}

func (s *Server) createScheduledJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	job := &scheduler.Job{
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		JobType:     req.JobType,
		Config:      req.Config,
		Enabled:     req.Enabled,
	}

	if err := s.scheduler.AddJob(r.Context(), job); err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) getScheduledJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}

	job, err := s.scheduler.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, job)
}

func (s *Server) updateScheduledJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	id := chi.URLParam(r, "jobID")

	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	job := &scheduler.Job{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		JobType:     req.JobType,
		Config:      req.Config,
		Enabled:     req.Enabled,
	}

	if err := s.scheduler.UpdateJob(r.Context(), job); err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, job)
}

func (s *Server) deleteScheduledJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}

	if err := s.scheduler.DeleteJob(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) runScheduledJobNow(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}

	if err := s.scheduler.RunJobNow(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) getJobExecutions(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}

	execs, err := s.scheduler.GetJobExecutions(r.Context(), chi.URLParam(r, "jobID"), 50)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, execs)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rulesList, err := s.rules.GetRules(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, rulesList)
}

type ruleRequest struct {
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	Enabled        *bool      `json:"enabled"`
	AssetType      string     `json:"asset_type"`
	FieldPattern   string     `json:"field_pattern"`
	ContentPattern string     `json:"content_pattern"`
	Level          levelInput `json:"level"`
}

func (req ruleRequest) apply(rule *models.ClassificationRule) {
	rule.Name = req.Name
	rule.Description = req.Description
	rule.AssetType = req.AssetType
	rule.FieldPattern = req.FieldPattern
	rule.ContentPattern = req.ContentPattern
	rule.Level = models.Level(req.Level)
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rule := &models.ClassificationRule{Enabled: true, CreatedBy: actor(r)}
	req.apply(rule)

	if err := s.rules.CreateRule(r.Context(), rule); err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	if _, ok := uuidParam(w, r, "ruleID"); !ok {
		return
	}

	rule, err := s.rules.GetRule(r.Context(), chi.URLParam(r, "ruleID"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	if _, ok := uuidParam(w, r, "ruleID"); !ok {
		return
	}

	var req ruleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	existing, err := s.rules.GetRule(r.Context(), chi.URLParam(r, "ruleID"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	req.apply(existing)

	if err := s.rules.UpdateRule(r.Context(), existing); err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, existing)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	if _, ok := uuidParam(w, r, "ruleID"); !ok {
		return
	}

	if err := s.rules.DeleteRule(r.Context(), chi.URLParam(r, "ruleID")); err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type reorderRulesRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) reorderRules(w http.ResponseWriter, r *http.Request) {
	var req reorderRulesRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := s.rules.ReorderRules(r.Context(), req.IDs); err != nil {
		s.respondErr(w, r, err)
		return
	}

	rulesList, err := s.rules.GetRules(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, rulesList)
}

type testRuleRequest struct {
	Rule  ruleRequest `json:"rule"`
	Asset struct {
		Name                string `json:"name"`
		AssetType           string `json:"asset_type"`
		ClassificationBasis string `json:"classification_basis"`
	} `json:"asset"`
}

func (s *Server) testRule(w http.ResponseWriter, r *http.Request) {
	var req testRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rule := &models.ClassificationRule{Enabled: true}
	req.Rule.apply(rule)
	asset := &models.DataAsset{
		Name:                req.Asset.Name,
		AssetType:           req.Asset.AssetType,
		ClassificationBasis: req.Asset.ClassificationBasis,
	}

	matched, err := s.rules.TestRule(rule, asset)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"matched": matched,
		"level":   rule.Level,
	})
}

func (s *Server) getRuleTemplates(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, rules.PredefinedRules())
}
