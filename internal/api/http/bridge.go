package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/open-cbt/cbt-client/internal/remote"
	"github.com/open-cbt/cbt-client/internal/session"
)

// Bridge exposes the attempt session to the UI shell over localhost. One
// session is active at a time; opening a new one tears the old one down.
type Bridge struct {
	tokens  *remote.TokenHolder
	factory func(testID string) *session.Controller
	log     *zap.Logger

	mu   sync.Mutex
	ctrl *session.Controller
}

func NewBridge(tokens *remote.TokenHolder, factory func(testID string) *session.Controller, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{tokens: tokens, factory: factory, log: log}
}

func (b *Bridge) Mount(r chi.Router) {
	r.Route("/session", func(sr chi.Router) {
		sr.Post("/", b.openSession)
		sr.Delete("/", b.closeSession)
		sr.Get("/", b.status)
		sr.Get("/questions", b.questions)
		sr.Post("/draft/restore", b.restoreDraft)
		sr.Post("/start", b.start)
		sr.Post("/resume", b.resume)
		sr.Post("/answers", b.selectAnswer)
		sr.Post("/goto", b.goTo)
		sr.Post("/finish", b.requestFinish)
		sr.Post("/finish/confirm", b.confirmFinish)
		sr.Get("/review", b.review)
	})
}

// Close tears down the active session, if any. Called on daemon shutdown.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctrl != nil {
		b.ctrl.Close()
		b.ctrl = nil
	}
}

func (b *Bridge) current() (*session.Controller, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctrl, b.ctrl != nil
}

func (b *Bridge) openSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TestID string `json:"test_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", 400)
		return
	}
	if req.TestID == "" {
		http.Error(w, "test_id required", 400)
		return
	}
	tok := bearerToken(r)
	if tok == "" {
		http.Error(w, "missing credential", 401)
		return
	}
	b.tokens.Set(tok)
	if b.tokens.Expired(time.Now()) {
		http.Error(w, "credential expired, re-authenticate", 401)
		return
	}

	ctrl := b.factory(req.TestID)
	if err := ctrl.LoadTest(r.Context()); err != nil {
		ctrl.Close()
		writeErr(w, err)
		return
	}

	b.mu.Lock()
	if b.ctrl != nil {
		b.ctrl.Close()
	}
	b.ctrl = ctrl
	b.mu.Unlock()

	b.log.Info("session opened", zap.String("test_id", req.TestID))
	writeJSON(w, ctrl.Status())
}

func (b *Bridge) closeSession(w http.ResponseWriter, _ *http.Request) {
	b.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (b *Bridge) status(w http.ResponseWriter, _ *http.Request) {
	ctrl, ok := b.current()
	if !ok {
		http.Error(w, "no active session", 404)
		return
	}
	writeJSON(w, ctrl.Status())
}

func (b *Bridge) questions(w http.ResponseWriter, _ *http.Request) {
	ctrl, ok := b.current()
	if !ok {
		http.Error(w, "no active session", 404)
		return
	}
	writeJSON(w, ctrl.Questions())
}

func (b *Bridge) restoreDraft(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := b.current()
	if !ok {
		http.Error(w, "no active session", 404)
		return
	}
	n, err := ctrl.RestoreDraft(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]int{"restored": n})
}

func (b *Bridge) start(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := b.current()
	if !ok {
		http.Error(w, "no active session", 404)
		return
	}
	if err := ctrl.Start(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, ctrl.Status())
}

func (b *Bridge) resume(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := b.current()
	if !ok {
		http.Error(w, "no active session", 404)
		return
	}
	var req struct {
		AttemptID string `json:"attempt_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AttemptID == "" {
		http.Error(w, "attempt_id required", 400)
		return
	}
	if err := ctrl.Resume(r.Context(), req.AttemptID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, ctrl.Status())
}

func (b *Bridge) selectAnswer(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := b.current()
	if !ok {
		http.Error(w, "no active session", 404)
		return
	}
	var req struct {
		QuestionID string `json:"question_id"`
		OptionID   string `json:"option_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", 400)
		return
	}
	if err := ctrl.SelectAnswer(req.QuestionID, req.OptionID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, ctrl.Status())
}

func (b *Bridge) goTo(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := b.current()
	if !ok {
		http.Error(w, "no active session", 404)
		return
	}
	var req struct {
		Index int `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", 400)
		return
	}
	if err := ctrl.GoTo(req.Index); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, ctrl.Status())
}

func (b *Bridge) requestFinish(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := b.current()
	if !ok {
		http.Error(w, "no active session", 404)
		return
	}
	dec, err := ctrl.RequestFinish(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, dec)
}

func (b *Bridge) confirmFinish(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := b.current()
	if !ok {
		http.Error(w, "no active session", 404)
		return
	}
	if err := ctrl.ConfirmFinish(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, ctrl.Status())
}

func (b *Bridge) review(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := b.current()
	if !ok {
		http.Error(w, "no active session", 404)
		return
	}
	rev, err := ctrl.Review(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, rev)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps engine and remote errors onto bridge status codes.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrAlreadyStarted),
		errors.Is(err, session.ErrAttemptCompleted),
		errors.Is(err, session.ErrNotInProgress),
		errors.Is(err, session.ErrNotCompleted),
		errors.Is(err, session.ErrSessionClosed):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, session.ErrUnknownQuestion),
		errors.Is(err, session.ErrUnknownOption),
		errors.Is(err, session.ErrNoQuestions):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	switch remote.KindOf(err) {
	case remote.KindUnauthorized:
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case remote.KindForbidden:
		http.Error(w, err.Error(), http.StatusForbidden)
	case remote.KindNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case remote.KindValidation:
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}
