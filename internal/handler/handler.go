package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"tutee/internal/grader"
	appI18n "tutee/internal/i18n"
	"tutee/internal/improve"
	"tutee/internal/llm"
	"tutee/internal/model"
	"tutee/internal/prompt"
	"tutee/internal/rater"
	"tutee/internal/scenario"
	"tutee/internal/session"
	"tutee/internal/store"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store     *store.Store
	scenarios *scenario.Store
	student   *llm.Student
	rater     *rater.Rater
	config    model.ServerConfig

	mu      sync.Mutex
	engines map[string]*session.Engine
}

// New creates a new Handler.
func New(s *store.Store, scenarios *scenario.Store, student *llm.Student, r *rater.Rater, cfg model.ServerConfig) (*Handler, error) {
	return &Handler{
		store:     s,
		scenarios: scenarios,
		student:   student,
		rater:     r,
		config:    cfg,
		engines:   make(map[string]*session.Engine),
	}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/login", h.handleLogin)
	r.Post("/api/logout", h.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Use(h.csrfMiddleware)

		r.Get("/api/scenarios", h.handleListScenarios)
		r.Get("/api/sessions", h.handleListSessions)
		r.Post("/api/sessions", h.handleStartSession)
		r.Get("/api/sessions/{sessionID}", h.handleGetSession)
		r.Post("/api/sessions/{sessionID}/pretest", h.handlePretest)
		r.Post("/api/sessions/{sessionID}/questions/{questionID}/select", h.handleSelectQuestion)
		r.Post("/api/sessions/{sessionID}/teach", h.handleTeach)
		r.Post("/api/sessions/{sessionID}/questions/{questionID}/addressed", h.handleMarkAddressed)
		r.Post("/api/sessions/{sessionID}/return", h.handleReturnToQuestions)
		r.Post("/api/sessions/{sessionID}/posttest", h.handlePosttest)
		r.Post("/api/sessions/{sessionID}/reset", h.handleReset)
		r.Post("/api/sessions/{sessionID}/rate", h.handleRate)
		r.Get("/api/sessions/{sessionID}/export", h.handleExportSession)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleAdmin))
			r.Get("/api/admin/users", h.handleListUsers)
			r.Post("/api/admin/users", h.handleCreateUser)
			r.Post("/api/admin/users/{userID}/toggle", h.handleToggleUserActive)
			r.Get("/api/admin/export", h.handleExportAll)
		})
	})
}

func (h *Handler) engine(id string) *session.Engine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engines[id]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// writeError maps typed domain errors to HTTP statuses with a localized
// message and the raw error detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		transition *session.InvalidTransitionError
		notFound   *scenario.NotFoundError
		schema     *scenario.SchemaError
		config     *prompt.ConfigError
		grading    *grader.GradingError
		mismatch   *improve.MismatchError
		modelCall  *llm.ModelCallError
		empty      *rater.EmptyTranscriptError
	)
	ctx := r.Context()
	switch {
	case errors.As(err, &transition):
		writeJSON(w, http.StatusConflict, errorBody{
			Error: "invalid_transition", Message: appI18n.T(ctx, "InvalidTransition"), Detail: err.Error(),
		})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorBody{
			Error: "not_found", Message: appI18n.T(ctx, "NotFound"), Detail: err.Error(),
		})
	case errors.As(err, &schema):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error: "invalid_test_file", Message: appI18n.T(ctx, "SchemaInvalid"), Detail: err.Error(),
		})
	case errors.As(err, &config):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "invalid_config", Message: appI18n.T(ctx, "ConfigInvalid"), Detail: err.Error(),
		})
	case errors.As(err, &grading):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "grading_failed", Message: appI18n.T(ctx, "GradingFailed"), Detail: err.Error(),
		})
	case errors.As(err, &mismatch):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "mismatched_tests", Message: appI18n.T(ctx, "MismatchedTests"), Detail: err.Error(),
		})
	case errors.As(err, &modelCall):
		slog.Error("model call failed", "op", modelCall.Op, "error", err)
		writeJSON(w, http.StatusBadGateway, errorBody{
			Error: "model_call_failed", Message: appI18n.T(ctx, "ModelCallFailed"), Detail: err.Error(),
		})
	case errors.As(err, &empty):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "empty_transcript", Message: appI18n.T(ctx, "EmptyTranscript"), Detail: err.Error(),
		})
	default:
		slog.Error("internal error", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error: "internal", Message: appI18n.T(ctx, "InternalError"),
		})
	}
}

func (h *Handler) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	ids := h.scenarios.Scenarios()
	out := make([]*model.ScenarioConfig, 0, len(ids))
	for _, id := range ids {
		sc, err := h.scenarios.Scenario(id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		out = append(out, sc)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.ListSessionRecords()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// startSessionRequest carries the scenario selection plus optional
// persona overrides.
type startSessionRequest struct {
	ScenarioID      string               `json:"scenario_id"`
	Level           model.KnowledgeLevel `json:"knowledge_level"`
	Misconceptions  []string             `json:"misconceptions,omitempty"`
	TargetSubskills []string             `json:"target_subskills,omitempty"`
	Tone            []string             `json:"tone,omitempty"`
	TurnBudget      *int                 `json:"turn_budget,omitempty"`
	ReleasePolicy   *model.ReleasePolicy `json:"release_answers_policy,omitempty"`
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "bad_request", Message: appI18n.T(r.Context(), "BadRequest"), Detail: err.Error(),
		})
		return
	}

	eng := session.New(h.scenarios, h.student, session.WithRecorder(h.store))
	snap, err := eng.Start(r.Context(), req.ScenarioID, req.Level, prompt.Overrides{
		Misconceptions:  req.Misconceptions,
		TargetSubskills: req.TargetSubskills,
		Tone:            req.Tone,
		TurnBudget:      req.TurnBudget,
		ReleasePolicy:   req.ReleasePolicy,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.mu.Lock()
	h.engines[snap.Session.ID] = eng
	h.mu.Unlock()

	writeJSON(w, http.StatusCreated, snap)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	eng := h.engine(chi.URLParam(r, "sessionID"))
	if eng == nil {
		writeJSON(w, http.StatusNotFound, errorBody{
			Error: "not_found", Message: appI18n.T(r.Context(), "NotFound"),
		})
		return
	}
	writeJSON(w, http.StatusOK, eng.Snapshot())
}

// answersRequest optionally supplies externally produced answers; when
// absent the tutee takes the test itself.
type answersRequest struct {
	Answers map[string]string `json:"answers"`
}

func (h *Handler) handlePretest(w http.ResponseWriter, r *http.Request) {
	h.runTest(w, r, func(eng *session.Engine, answers map[string]string) (*session.Snapshot, error) {
		if answers != nil {
			return eng.SubmitPretest(r.Context(), answers)
		}
		return eng.RunPretest(r.Context())
	})
}

func (h *Handler) handlePosttest(w http.ResponseWriter, r *http.Request) {
	h.runTest(w, r, func(eng *session.Engine, answers map[string]string) (*session.Snapshot, error) {
		if answers != nil {
			return eng.SubmitPosttest(r.Context(), answers)
		}
		return eng.RunPosttest(r.Context())
	})
}

func (h *Handler) runTest(w http.ResponseWriter, r *http.Request, run func(*session.Engine, map[string]string) (*session.Snapshot, error)) {
	eng := h.engine(chi.URLParam(r, "sessionID"))
	if eng == nil {
		writeJSON(w, http.StatusNotFound, errorBody{
			Error: "not_found", Message: appI18n.T(r.Context(), "NotFound"),
		})
		return
	}

	var req answersRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{
				Error: "bad_request", Message: appI18n.T(r.Context(), "BadRequest"), Detail: err.Error(),
			})
			return
		}
	}

	snap, err := run(eng, req.Answers)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleSelectQuestion(w http.ResponseWriter, r *http.Request) {
	eng := h.engine(chi.URLParam(r, "sessionID"))
	if eng == nil {
		writeJSON(w, http.StatusNotFound, errorBody{
			Error: "not_found", Message: appI18n.T(r.Context(), "NotFound"),
		})
		return
	}
	questionID := chi.URLParam(r, "questionID")
	snap, err := eng.SelectQuestion(questionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*session.Snapshot
		Intro string `json:"intro"`
	}{snap, eng.IntroContext(questionID)})
}

type teachRequest struct {
	Content string `json:"content"`
}

func (h *Handler) handleTeach(w http.ResponseWriter, r *http.Request) {
	eng := h.engine(chi.URLParam(r, "sessionID"))
	if eng == nil {
		writeJSON(w, http.StatusNotFound, errorBody{
			Error: "not_found", Message: appI18n.T(r.Context(), "NotFound"),
		})
		return
	}

	var req teachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "bad_request", Message: appI18n.T(r.Context(), "EmptyTeachTurn"),
		})
		return
	}

	snap, err := eng.Teach(r.Context(), req.Content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleMarkAddressed(w http.ResponseWriter, r *http.Request) {
	eng := h.engine(chi.URLParam(r, "sessionID"))
	if eng == nil {
		writeJSON(w, http.StatusNotFound, errorBody{
			Error: "not_found", Message: appI18n.T(r.Context(), "NotFound"),
		})
		return
	}
	snap, err := eng.MarkAddressed(r.Context(), chi.URLParam(r, "questionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleReturnToQuestions(w http.ResponseWriter, r *http.Request) {
	eng := h.engine(chi.URLParam(r, "sessionID"))
	if eng == nil {
		writeJSON(w, http.StatusNotFound, errorBody{
			Error: "not_found", Message: appI18n.T(r.Context(), "NotFound"),
		})
		return
	}
	snap, err := eng.ReturnToQuestions()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	eng := h.engine(id)
	if eng == nil {
		writeJSON(w, http.StatusNotFound, errorBody{
			Error: "not_found", Message: appI18n.T(r.Context(), "NotFound"),
		})
		return
	}
	snap, err := eng.Reset()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	// A reset engine holds no session; drop it from the registry.
	h.mu.Lock()
	delete(h.engines, id)
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleRate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	var transcript []model.Turn
	if eng := h.engine(id); eng != nil {
		transcript = eng.Snapshot().Session.History
	} else {
		turns, err := h.store.GetTurns(id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		transcript = turns
	}

	rating, err := h.rater.Rate(r.Context(), transcript)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.store.SaveRating(id, *rating); err != nil {
		slog.Error("save rating", "session_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, rating)
}

func (h *Handler) handleExportSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	se, err := h.store.ExportSession(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if se == nil {
		writeJSON(w, http.StatusNotFound, errorBody{
			Error: "not_found", Message: appI18n.T(r.Context(), "NotFound"),
		})
		return
	}
	writeJSON(w, http.StatusOK, se)
}

func (h *Handler) handleExportAll(w http.ResponseWriter, r *http.Request) {
	export, err := h.store.ExportAllSessions()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}
