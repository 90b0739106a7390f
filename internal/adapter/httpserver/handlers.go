package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	_ "embed"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/observatory-hq/observatory/internal/config"
	"github.com/observatory-hq/observatory/internal/domain"
	"github.com/observatory-hq/observatory/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg    config.Config
	Submit usecase.SubmitService
	Query  usecase.QueryService
	Health usecase.HealthService
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, submit usecase.SubmitService, query usecase.QueryService, health usecase.HealthService) *Server {
	return &Server{Cfg: cfg, Submit: submit, Query: query, Health: health}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type analyzeRequest struct {
	ConversationText string          `json:"conversation_text" validate:"required"`
	Options          *analyzeOptions `json:"options"`
}

type analyzeOptions struct {
	PatternTypes []string `json:"pattern_types"`
	CallbackURL  string   `json:"callback_url" validate:"omitempty,url"`
	Priority     string   `json:"priority"`
}

// AnalyzeHandler accepts a transcript submission and replies 202 with the
// pending job. Unknown payload keys are rejected.
func (s *Server) AnalyzeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Transcripts bounded by config plus envelope slack. A JSON \u escape
		// spends up to 12 wire bytes per rune (surrogate pairs), so the cap is
		// sized for fully escaped payloads; rune-count limits apply after decode.
		r.Body = http.MaxBytesReader(w, r.Body, int64(s.Cfg.MaxInputChars)*12+64*1024)
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		var req analyzeRequest
		if err := dec.Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %s", domain.ErrInvalidInput, decodeErrDetail(err)), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			var ve validator.ValidationErrors
			if errors.As(err, &ve) {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidInput), verrs)
			return
		}
		var opts domain.Options
		if req.Options != nil {
			opts = domain.Options{
				PatternTypes: req.Options.PatternTypes,
				CallbackURL:  req.Options.CallbackURL,
				Priority:     req.Options.Priority,
			}
		}
		accepted, err := s.Submit.Submit(r.Context(), IdentityFrom(r), req.ConversationText, opts)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, accepted)
	}
}

// GetHandler returns the owned job's status and, for owners, result/error.
func (s *Server) GetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidInput), nil)
			return
		}
		view, err := s.Query.Get(r.Context(), IdentityFrom(r), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// CancelHandler latches cancellation on an owned job.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidInput), nil)
			return
		}
		out, err := s.Query.Cancel(r.Context(), IdentityFrom(r), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// ListHandler pages the authenticated caller's jobs newest first.
func (s *Server) ListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", domain.ErrInvalidInput), nil)
				return
			}
			limit = n
		}
		page, err := s.Query.List(r.Context(), IdentityFrom(r), limit, r.URL.Query().Get("cursor"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

// HealthHandler reports aggregate service health.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := s.Health.Check(r.Context())
		status := http.StatusOK
		if rep.Status == "down" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, rep)
	}
}

//go:embed openapi.yaml
var openAPIDoc []byte

// OpenAPIServe serves the embedded API document.
func (s *Server) OpenAPIServe() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(openAPIDoc)
	}
}

// decodeErrDetail keeps JSON decode failures actionable without echoing the
// payload back.
func decodeErrDetail(err error) string {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return "payload too large"
	}
	msg := err.Error()
	if strings.Contains(msg, "unknown field") {
		return msg
	}
	return "invalid json"
}
