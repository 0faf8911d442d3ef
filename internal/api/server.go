// Package api exposes the pipeline's presentation boundary over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/pipeline"
	"github.com/sells-group/screening-cli/internal/store"
	"github.com/sells-group/screening-cli/internal/telemetry"
)

// Server wires HTTP handlers onto the pipeline manager.
type Server struct {
	manager *pipeline.Manager
	store   store.Store
	origins []string
}

// New constructs the API server. An empty origins list allows any origin.
func New(m *pipeline.Manager, st store.Store, origins []string) *Server {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{manager: m, store: st, origins: origins}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Actor"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/projects", func(r chi.Router) {
		r.Get("/", s.handleListProjects)
		r.Route("/{projectID}", func(r chi.Router) {
			r.Get("/", s.handleSnapshot)
			r.Post("/stages/{stage}/{action}", s.handleCommand)
			r.Get("/decisions", s.handleDecisions)
			r.Post("/overrides", s.handleOverride)
			r.Get("/articles/{articleID}/decision", s.handleDecision)
			r.Get("/articles/{articleID}/history", s.handleHistory)
		})
	})
	return r
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ProjectFilter{
		Status: model.ProjectStatus(q.Get("status")),
		Owner:  q.Get("owner"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	projects, err := s.store.ListProjects(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	snap, err := c.Snapshot(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	out := c.Command(r.Context(), model.Stage(chi.URLParam(r, "stage")), pipeline.Action(chi.URLParam(r, "action")))
	writeJSON(w, commandStatus(out), out)
}

type overrideRequest struct {
	ArticleID string         `json:"article_id"`
	Decision  model.Decision `json:"decision"`
	Rationale string         `json:"rationale"`
	Actor     string         `json:"actor"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Actor == "" {
		req.Actor = r.Header.Get("X-Actor")
	}

	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	out := c.Override(r.Context(), req.ArticleID, req.Decision, req.Rationale, req.Actor)
	code := http.StatusCreated
	if !out.Accepted {
		code = kindStatus(out.ErrorKind)
	}
	writeJSON(w, code, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	history, err := c.History(r.Context(), chi.URLParam(r, "articleID"))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if history == nil {
		history = []model.OverrideEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	articleID := chi.URLParam(r, "articleID")
	d, err := c.Decision(r.Context(), articleID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"article_id": articleID, "decision": string(d)})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	all, err := c.Decisions(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": all})
}

func (s *Server) controller(w http.ResponseWriter, r *http.Request) (*pipeline.Controller, bool) {
	c, err := s.manager.Get(r.Context(), chi.URLParam(r, "projectID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "project not found")
		return nil, false
	}
	if errors.Is(err, pipeline.ErrProjectOwned) {
		writeError(w, http.StatusConflict, pipeline.ErrProjectOwned.Error())
		return nil, false
	}
	if err != nil {
		s.internalError(w, r, err)
		return nil, false
	}
	return c, true
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	zap.L().Error("api: request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func commandStatus(out pipeline.Outcome) int {
	if out.Accepted {
		if out.Action == pipeline.ActionStart {
			return http.StatusAccepted
		}
		return http.StatusOK
	}
	return kindStatus(out.ErrorKind)
}

func kindStatus(kind model.ErrorKind) int {
	switch kind {
	case model.ErrorKindValidation:
		return http.StatusBadRequest
	case model.ErrorKindPreconditionViolation:
		return http.StatusConflict
	case model.ErrorKindJobFailure, model.ErrorKindTransientIO:
		return http.StatusBadGateway
	case model.ErrorKindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
