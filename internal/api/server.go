// Package api wires the HTTP surface: the worker-facing queue and
// submission endpoints plus subject, group and account management.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jamesreprise/instrumentality/internal/config"
	"github.com/jamesreprise/instrumentality/internal/ingest"
	"github.com/jamesreprise/instrumentality/internal/models"
	"github.com/jamesreprise/instrumentality/internal/queue"
	"github.com/jamesreprise/instrumentality/internal/ratelimit"
	"github.com/jamesreprise/instrumentality/internal/store"
	"github.com/jamesreprise/instrumentality/internal/subjects"
	"github.com/jamesreprise/instrumentality/internal/telemetry"
)

// AccountStore covers registration and invites.
type AccountStore interface {
	UserNameTaken(ctx context.Context, name string) (bool, error)
	InsertUser(ctx context.Context, user models.User) error
	InsertInvite(ctx context.Context, invite models.Invite) error
	RedeemInvite(ctx context.Context, code, userID string) (bool, error)
}

// ViewStore covers the read side: subjects, groups and ingested records.
type ViewStore interface {
	SubjectByID(ctx context.Context, subjectID, ownerID string) (models.Subject, bool, error)
	SubjectsByOwner(ctx context.Context, ownerID string) ([]models.Subject, error)
	GroupsByOwner(ctx context.Context, ownerID string) ([]models.Group, error)
	RecordsForProfile(ctx context.Context, platform, subjectKey string) (store.ProfileRecords, error)
}

// Server wires HTTP handlers over the coordination services.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	users    KeyLookup
	accounts AccountStore
	view     ViewStore
	lease    *queue.Manager
	pipeline *ingest.Pipeline
	subjects *subjects.Service
	limiter  *ratelimit.TokenBucket // nil disables rate limiting
	validate *validator.Validate
}

// New constructs the API server.
func New(cfg config.Config, log *slog.Logger, users KeyLookup, accounts AccountStore, view ViewStore, lease *queue.Manager, pipeline *ingest.Pipeline, subjectSvc *subjects.Service, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		users:    users,
		accounts: accounts,
		view:     view,
		lease:    lease,
		pipeline: pipeline,
		subjects: subjectSvc,
		limiter:  limiter,
		validate: validator.New(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(withTimeout(s.cfg.RequestTimeout))

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeOK(w, map[string]any{"name": "instrumentality"})
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/register", s.handleRegister)

	r.Group(func(r chi.Router) {
		r.Use(requireKey(s.users))
		r.Get("/queue", s.handleQueue)
		r.Post("/add", s.handleAdd)
		r.Post("/create", s.handleCreate)
		r.Post("/update", s.handleUpdate)
		r.Post("/delete", s.handleDelete)
		r.Get("/view", s.handleView)
		r.Get("/types", s.handleTypes)
		r.Get("/invite", s.handleInvite)
		r.Get("/login", s.handleLogin)
	})
	return r
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	if !s.allow(r.Context(), user.UserID) {
		writeError(w, http.StatusTooManyRequests, "Rate limited.")
		return
	}

	platforms := splitParam(r.URL.Query().Get("platforms"))
	claim, err := s.lease.Claim(r.Context(), platforms, user.UserID)
	switch {
	case errors.Is(err, queue.ErrNoPlatforms):
		writeError(w, http.StatusBadRequest, "No platforms requested.")
	case errors.Is(err, queue.ErrNoJobAvailable):
		writeRetryable(w, http.StatusNotFound, "No jobs are available for the requested platforms.")
	case err != nil:
		s.log.Error("claim failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error.")
	default:
		writeOK(w, map[string]any{
			"lease_id":    claim.LeaseID,
			"display_key": claim.DisplayKey,
			"platform":    claim.Platform,
		})
	}
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	if !s.allow(r.Context(), user.UserID) {
		writeError(w, http.StatusTooManyRequests, "Rate limited.")
		return
	}

	var batch models.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed data submission.")
		return
	}

	accepted, err := s.pipeline.Submit(r.Context(), batch, user.UserID)
	switch {
	case errors.Is(err, ingest.ErrNoValidData):
		writeError(w, http.StatusBadRequest, "No valid data was submitted.")
	case err != nil:
		s.log.Error("submission failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error.")
	default:
		writeOK(w, map[string]any{"accepted": accepted})
	}
}

// createRequest is a union: subjects carry a profile map, groups a subject
// list. Exactly one of the two must be present.
type createRequest struct {
	Name        string               `json:"name" validate:"required"`
	Profiles    *map[string][]string `json:"profiles,omitempty"`
	Subjects    *[]string            `json:"subjects,omitempty"`
	Description *string              `json:"description,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed create request.")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Name is required.")
		return
	}

	switch {
	case req.Profiles != nil && req.Subjects == nil:
		subject, err := s.subjects.CreateSubject(r.Context(), user.UserID, req.Name, *req.Profiles, req.Description)
		if errors.Is(err, store.ErrDuplicateName) {
			writeError(w, http.StatusConflict, "Subject by that name already exists.")
			return
		}
		if err != nil {
			s.log.Error("subject creation failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error.")
			return
		}
		writeOK(w, map[string]any{"subject": subject})
	case req.Subjects != nil && req.Profiles == nil:
		group, err := s.subjects.CreateGroup(r.Context(), user.UserID, req.Name, *req.Subjects, req.Description)
		if errors.Is(err, store.ErrDuplicateName) {
			writeError(w, http.StatusConflict, "Group by that name already exists.")
			return
		}
		if err != nil {
			s.log.Error("group creation failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error.")
			return
		}
		writeOK(w, map[string]any{"group": group})
	default:
		writeError(w, http.StatusBadRequest, "Provide either profiles (subject) or subjects (group).")
	}
}

type updateRequest struct {
	UUID        string               `json:"uuid" validate:"required"`
	Name        string               `json:"name" validate:"required"`
	Profiles    *map[string][]string `json:"profiles,omitempty"`
	Subjects    *[]string            `json:"subjects,omitempty"`
	Description *string              `json:"description,omitempty"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed update request.")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Both uuid and name are required.")
		return
	}

	var err error
	switch {
	case req.Profiles != nil && req.Subjects == nil:
		err = s.subjects.UpdateSubject(r.Context(), user.UserID, req.UUID, req.Name, *req.Profiles, req.Description)
	case req.Subjects != nil && req.Profiles == nil:
		err = s.subjects.UpdateGroup(r.Context(), user.UserID, req.UUID, req.Name, *req.Subjects, req.Description)
	default:
		writeError(w, http.StatusBadRequest, "Provide either profiles (subject) or subjects (group).")
		return
	}

	switch {
	case errors.Is(err, subjects.ErrNotFound):
		writeError(w, http.StatusBadRequest, "No such subject or group, or it is not yours.")
	case err != nil:
		s.log.Error("update failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error.")
	default:
		writeOK(w, nil)
	}
}

type deleteRequest struct {
	UUID string `json:"uuid" validate:"required"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed delete request.")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "uuid is required.")
		return
	}

	// Subjects and groups share the delete endpoint; try subject first.
	err := s.subjects.DeleteSubject(r.Context(), user.UserID, req.UUID)
	if errors.Is(err, subjects.ErrNotFound) {
		err = s.subjects.DeleteGroup(r.Context(), user.UserID, req.UUID)
	}
	switch {
	case errors.Is(err, subjects.ErrNotFound):
		writeError(w, http.StatusBadRequest, "No such subject or group, or it is not yours.")
	case err != nil:
		s.log.Error("delete failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error.")
	default:
		writeOK(w, nil)
	}
}

type subjectView struct {
	Subject  models.Subject         `json:"subject"`
	Profiles []store.ProfileRecords `json:"profiles"`
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	ids := splitParam(r.URL.Query().Get("subjects"))
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "No subjects requested.")
		return
	}

	views := make([]subjectView, 0, len(ids))
	for _, id := range ids {
		subject, found, err := s.view.SubjectByID(r.Context(), id, user.UserID)
		if err != nil {
			s.log.Error("view lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error.")
			return
		}
		if !found {
			writeError(w, http.StatusBadRequest, "No such subject, or it is not yours.")
			return
		}
		sv := subjectView{Subject: subject, Profiles: []store.ProfileRecords{}}
		for _, pair := range subject.ProfilePairs() {
			records, err := s.view.RecordsForProfile(r.Context(), pair.Platform, pair.SubjectKey)
			if err != nil {
				s.log.Error("view records failed", "error", err)
				writeError(w, http.StatusInternalServerError, "Internal server error.")
				return
			}
			sv.Profiles = append(sv.Profiles, records)
		}
		views = append(views, sv)
	}
	writeOK(w, map[string]any{"subjects": views})
}

func (s *Server) handleTypes(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]any{
		"content_types":  s.cfg.Vocabularies.ContentTypes,
		"presence_types": s.cfg.Vocabularies.PresenceTypes,
	})
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	code, err := newSecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	invite := models.Invite{Code: code, CreatedBy: user.UserID, CreatedAt: time.Now().UTC()}
	if err := s.accounts.InsertInvite(r.Context(), invite); err != nil {
		s.log.Error("invite creation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	writeOK(w, map[string]any{"code": code})
}

type registerRequest struct {
	Code string `json:"code" validate:"required"`
	Name string `json:"name" validate:"required"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed register request.")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Both code and name are required.")
		return
	}

	taken, err := s.accounts.UserNameTaken(r.Context(), req.Name)
	if err != nil {
		s.log.Error("register lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	if taken {
		writeError(w, http.StatusBadRequest, "Either the invite is invalid or the name is taken.")
		return
	}

	apiKey, err := newSecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	user := models.User{
		UserID:    uuid.New().String(),
		Name:      req.Name,
		APIKey:    apiKey,
		CreatedAt: time.Now().UTC(),
	}

	redeemed, err := s.accounts.RedeemInvite(r.Context(), req.Code, user.UserID)
	if err != nil {
		s.log.Error("invite redemption failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	if !redeemed {
		writeError(w, http.StatusBadRequest, "Either the invite is invalid or the name is taken.")
		return
	}

	if err := s.accounts.InsertUser(r.Context(), user); err != nil {
		s.log.Error("user creation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	writeOK(w, map[string]any{"user": user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	subjectList, err := s.view.SubjectsByOwner(r.Context(), user.UserID)
	if err != nil {
		s.log.Error("login subjects failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	groups, err := s.view.GroupsByOwner(r.Context(), user.UserID)
	if err != nil {
		s.log.Error("login groups failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	writeOK(w, map[string]any{"user": user, "subjects": subjectList, "groups": groups})
}

func (s *Server) allow(ctx context.Context, submitterID string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, err := s.limiter.Allow(ctx, submitterID)
	if err != nil {
		// Redis being down should not take submissions with it.
		s.log.Warn("rate limiter unavailable", "error", err)
		return true
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
	}
	return allowed
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func withTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
