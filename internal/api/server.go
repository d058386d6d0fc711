// Package api exposes the operational HTTP surface: the ContentApproved
// webhook ingress, the queue statistics snapshot, and job/credential
// inspection for admins.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"gramq/internal/admission"
	"gramq/internal/credential"
	"gramq/internal/store"
	logx "gramq/pkg/logx"
)

type Config struct {
	Addr string
}

type Server struct {
	cfg   Config
	store store.Store
	hook  *admission.Hook
	creds *credential.Manager
	log   logx.Logger

	srv *http.Server
}

func NewServer(cfg Config, st store.Store, hook *admission.Hook, creds *credential.Manager, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8385"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:   cfg,
		store: st,
		hook:  hook,
		creds: creds,
		log:   log.With(logx.String("comp", "api")),
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events/content-approved", s.handleContentApproved)
		r.Get("/stats", s.handleStats)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/stuck", s.handleStuckJobs)
		r.Post("/accounts/{id}/credential/refresh", s.handleRefreshCredential)
		r.Get("/accounts/{id}/credential", s.handleCheckCredential)
	})

	return r
}

func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Give the listener a moment to fail fast on bad addresses.
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
	}
	s.log.Info("api listening", logx.String("addr", s.cfg.Addr))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	if s.srv == nil {
		return
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("api shutdown", logx.Err(err))
	}
}

// ---- Handlers ----

func (s *Server) handleContentApproved(w http.ResponseWriter, r *http.Request) {
	var ev admission.ContentApproved
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	j, err := s.hook.HandleContentApproved(r.Context(), ev)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": j.ID,
		"state":  string(j.State),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// jobView is the admin-facing job shape.
type jobView struct {
	ID            string     `json:"id"`
	AccountID     string     `json:"account_id"`
	ContentID     string     `json:"content_id"`
	State         string     `json:"state"`
	GroupID       string     `json:"group_id,omitempty"`
	CarouselPos   int        `json:"carousel_pos,omitempty"`
	CarouselTotal int        `json:"carousel_total,omitempty"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	LastError     string     `json:"last_error,omitempty"`
	MediaRef      string     `json:"media_ref,omitempty"`
	Permalink     string     `json:"permalink,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	InStateFor    string     `json:"in_state_for"`
}

func viewJob(j *store.Job) jobView {
	return jobView{
		ID:            j.ID,
		AccountID:     j.AccountID,
		ContentID:     j.ContentID,
		State:         string(j.State),
		GroupID:       j.GroupID,
		CarouselPos:   j.CarouselPos,
		CarouselTotal: j.CarouselTotal,
		ScheduledAt:   j.ScheduledAt,
		RetryCount:    j.RetryCount,
		MaxRetries:    j.MaxRetries,
		LastError:     j.LastError,
		MediaRef:      j.MediaRef,
		Permalink:     j.Permalink,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		InStateFor:    time.Since(j.StateChangedAt).Truncate(time.Second).String(),
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.store.Job(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewJob(j))
}

// handleStuckJobs lists publishing jobs older than ?older_than (default 10m)
// for the external reconciliation sweep.
func (s *Server) handleStuckJobs(w http.ResponseWriter, r *http.Request) {
	olderThan := 10 * time.Minute
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid older_than: "+err.Error())
			return
		}
		olderThan = d
	}

	jobs, err := s.store.ListStuck(r.Context(), store.StatePublishing, olderThan)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, viewJob(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRefreshCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res := s.creds.Refresh(r.Context(), id)
	code := http.StatusOK
	if !res.Success {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, res)
}

func (s *Server) handleCheckCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.creds.Check(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no credential for account")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ---- helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
